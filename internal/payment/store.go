package payment

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists payment records and their mode-specific satellites. The
// orchestrator is the only writer; satellite records are keyed 1:1 by the
// payment id.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, payer common.Address, limit int) ([]*Payment, error)

	PutSplitRecipients(ctx context.Context, paymentID string, recipients []SplitRecipient) error
	GetSplitRecipients(ctx context.Context, paymentID string) ([]SplitRecipient, error)

	PutStream(ctx context.Context, s *StreamingPayment) error
	GetStream(ctx context.Context, paymentID string) (*StreamingPayment, error)
	UpdateStream(ctx context.Context, s *StreamingPayment) error

	PutConditional(ctx context.Context, c *ConditionalPayment) error
	GetConditional(ctx context.Context, paymentID string) (*ConditionalPayment, error)
	UpdateConditional(ctx context.Context, c *ConditionalPayment) error

	PutRecurring(ctx context.Context, r *RecurringPayment) error
	GetRecurring(ctx context.Context, paymentID string) (*RecurringPayment, error)
	UpdateRecurring(ctx context.Context, r *RecurringPayment) error

	// MarkNonceUsed records an authorization nonce permanently; it fails if
	// the (payer, nonce) pair was seen before.
	MarkNonceUsed(ctx context.Context, payer common.Address, nonce common.Hash) error
	NonceUsed(ctx context.Context, payer common.Address, nonce common.Hash) (bool, error)

	Close() error
}
