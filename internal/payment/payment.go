package payment

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"agentpay/internal/conditions"
	xerrors "agentpay/internal/errors"
)

// Mode identifies the disbursement behaviour of a payment.
type Mode string

const (
	ModeSimple      Mode = "simple"
	ModeSplit       Mode = "split"
	ModeStreaming   Mode = "streaming"
	ModeConditional Mode = "conditional"
	ModeRecurring   Mode = "recurring"
)

// Basis points are parts-per-10000 throughout; never floating point.
const BasisPointDenominator = 10000

// MaxSplitRecipients bounds the recipient list of a split payment.
const MaxSplitRecipients = 20

// Payment is the root record for any disbursement.
//
// Invariant: ReleasedAmount <= TotalAmount at all times. Completed and
// Cancelled are mutually exclusive terminal latches; once either is set the
// record is immutable.
type Payment struct {
	ID             string         `json:"id"`
	Payer          common.Address `json:"payer"`
	Mode           Mode           `json:"mode"`
	TotalAmount    *big.Int       `json:"total_amount"`
	ReleasedAmount *big.Int       `json:"released_amount"`
	CreatedAt      int64          `json:"created_at"`
	CompletedAt    int64          `json:"completed_at,omitempty"`
	Completed      bool           `json:"completed"`
	Cancelled      bool           `json:"cancelled"`
}

// Terminal reports whether the payment can no longer change.
func (p *Payment) Terminal() bool {
	return p.Completed || p.Cancelled
}

// SplitRecipient is one share of a split payment, in basis points.
type SplitRecipient struct {
	Recipient   common.Address `json:"recipient"`
	BasisPoints uint32         `json:"basis_points"`
}

// StreamingPayment vests TotalAmount linearly between StartTime and EndTime.
// ClaimedAmount is monotonically non-decreasing and never exceeds TotalAmount.
type StreamingPayment struct {
	PaymentID     string         `json:"payment_id"`
	Recipient     common.Address `json:"recipient"`
	TotalAmount   *big.Int       `json:"total_amount"`
	ClaimedAmount *big.Int       `json:"claimed_amount"`
	StartTime     int64          `json:"start_time"`
	EndTime       int64          `json:"end_time"`
	LastClaimTime int64          `json:"last_claim_time,omitempty"`
}

// ConditionalPayment releases Amount once its condition holds. Released is a
// one-way latch.
type ConditionalPayment struct {
	PaymentID string          `json:"payment_id"`
	Recipient common.Address  `json:"recipient"`
	Amount    *big.Int        `json:"amount"`
	Condition conditions.Kind `json:"condition"`
	Payload   []byte          `json:"payload,omitempty"`
	Released  bool            `json:"released"`
}

// RecurringPayment pays Amount every Interval seconds until TotalPayments
// installments have been made. Active flips false exactly once, on the final
// installment or on cancellation.
type RecurringPayment struct {
	PaymentID         string         `json:"payment_id"`
	Recipient         common.Address `json:"recipient"`
	Amount            *big.Int       `json:"amount"`
	Interval          int64          `json:"interval"`
	NextPaymentTime   int64          `json:"next_payment_time"`
	TotalPayments     uint32         `json:"total_payments"`
	CompletedPayments uint32         `json:"completed_payments"`
	Active            bool           `json:"active"`
}

var (
	// ErrPaymentNotFound means the id resolves to nothing.
	ErrPaymentNotFound = xerrors.New(CodePaymentNotFound, "payment not found")
	// ErrPaymentTerminal means the payment is already completed or cancelled.
	ErrPaymentTerminal = xerrors.New(CodePaymentTerminal, "payment already finalized")
	// ErrNotPayer means the caller is not the original payer.
	ErrNotPayer = xerrors.New(CodeNotPayer, "caller is not the payer")
	// ErrNotRecipient means the caller is not the stream recipient.
	ErrNotRecipient = xerrors.New(CodeNotRecipient, "caller is not the recipient")
	// ErrNothingVested means no value is claimable yet; retry later.
	ErrNothingVested = xerrors.New(CodeNothingVested, "nothing vested yet")
	// ErrConditionUnmet means the release condition does not hold; retry later.
	ErrConditionUnmet = xerrors.New(CodeConditionUnmet, "release condition not met")
	// ErrAlreadyReleased means the conditional payment was already paid out.
	ErrAlreadyReleased = xerrors.New(CodeAlreadyReleased, "funds already released")
	// ErrScheduleInactive means the recurring schedule was deactivated.
	ErrScheduleInactive = xerrors.New(CodeScheduleInactive, "recurring schedule inactive")
	// ErrScheduleNotDue means the next installment is in the future; retry later.
	ErrScheduleNotDue = xerrors.New(CodeScheduleNotDue, "installment not yet due")
	// ErrScheduleExhausted means all installments have been paid.
	ErrScheduleExhausted = xerrors.New(CodeScheduleExhausted, "all installments completed")
	// ErrBadSplit means the recipient list shape or basis points are invalid.
	ErrBadSplit = xerrors.New(CodeBadSplit, "invalid split recipients")
	// ErrNonceReplayed means the authorization nonce was seen before.
	ErrNonceReplayed = xerrors.New(CodeNonceReplayed, "authorization nonce replayed")
	// ErrAuthNotYetValid means now precedes the validity window; retry later.
	ErrAuthNotYetValid = xerrors.New(CodeAuthNotYetValid, "authorization not yet valid")
	// ErrAuthExpired means the validity window has passed.
	ErrAuthExpired = xerrors.New(CodeAuthExpired, "authorization expired")
)

const (
	CodePaymentNotFound   xerrors.Code = "PAYMENT_NOT_FOUND"
	CodePaymentTerminal   xerrors.Code = "PAYMENT_TERMINAL"
	CodeNotPayer          xerrors.Code = "PAYMENT_NOT_PAYER"
	CodeNotRecipient      xerrors.Code = "PAYMENT_NOT_RECIPIENT"
	CodeNothingVested     xerrors.Code = "PAYMENT_NOTHING_VESTED"
	CodeConditionUnmet    xerrors.Code = "PAYMENT_CONDITION_UNMET"
	CodeAlreadyReleased   xerrors.Code = "PAYMENT_ALREADY_RELEASED"
	CodeScheduleInactive  xerrors.Code = "PAYMENT_SCHEDULE_INACTIVE"
	CodeScheduleNotDue    xerrors.Code = "PAYMENT_SCHEDULE_NOT_DUE"
	CodeScheduleExhausted xerrors.Code = "PAYMENT_SCHEDULE_EXHAUSTED"
	CodeBadSplit          xerrors.Code = "PAYMENT_BAD_SPLIT"
	CodeNonceReplayed     xerrors.Code = "PAYMENT_NONCE_REPLAYED"
	CodeAuthNotYetValid   xerrors.Code = "PAYMENT_AUTH_NOT_YET_VALID"
	CodeAuthExpired       xerrors.Code = "PAYMENT_AUTH_EXPIRED"
)

func init() {
	register := func(code xerrors.Code, message string, severity xerrors.Severity, retryable bool) {
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Severity:  severity,
			Retryable: retryable,
			Alert:     false,
		})
	}
	register(CodePaymentNotFound, "payment not found", xerrors.SeverityInfo, false)
	register(CodePaymentTerminal, "payment already finalized", xerrors.SeverityInfo, false)
	register(CodeNotPayer, "caller is not the payer", xerrors.SeverityWarning, false)
	register(CodeNotRecipient, "caller is not the recipient", xerrors.SeverityWarning, false)
	register(CodeNothingVested, "nothing vested yet", xerrors.SeverityInfo, true)
	register(CodeConditionUnmet, "release condition not met", xerrors.SeverityInfo, true)
	register(CodeAlreadyReleased, "funds already released", xerrors.SeverityInfo, false)
	register(CodeScheduleInactive, "recurring schedule inactive", xerrors.SeverityInfo, false)
	register(CodeScheduleNotDue, "installment not yet due", xerrors.SeverityInfo, true)
	register(CodeScheduleExhausted, "all installments completed", xerrors.SeverityInfo, false)
	register(CodeBadSplit, "invalid split recipients", xerrors.SeverityInfo, false)
	register(CodeNonceReplayed, "authorization nonce replayed", xerrors.SeverityWarning, false)
	register(CodeAuthNotYetValid, "authorization not yet valid", xerrors.SeverityInfo, true)
	register(CodeAuthExpired, "authorization expired", xerrors.SeverityInfo, false)
}

// DeriveID produces the content-derived payment handle: keccak256 over the
// creator, creation time and a mode-discriminating salt. Callers must treat
// the result as opaque.
func DeriveID(creator common.Address, createdAtNanos int64, salt string, extra ...[]byte) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAtNanos))
	parts := make([][]byte, 0, 3+len(extra))
	parts = append(parts, creator.Bytes(), ts[:], []byte(salt))
	parts = append(parts, extra...)
	return crypto.Keccak256Hash(parts...).Hex()
}

// ShareOf computes floor(total * basisPoints / 10000).
func ShareOf(total *big.Int, basisPoints uint32) *big.Int {
	share := new(big.Int).Mul(total, big.NewInt(int64(basisPoints)))
	return share.Quo(share, big.NewInt(BasisPointDenominator))
}

func clonePayment(p *Payment) *Payment {
	clone := *p
	if p.TotalAmount != nil {
		clone.TotalAmount = new(big.Int).Set(p.TotalAmount)
	}
	if p.ReleasedAmount != nil {
		clone.ReleasedAmount = new(big.Int).Set(p.ReleasedAmount)
	}
	return &clone
}

func cloneStream(s *StreamingPayment) *StreamingPayment {
	clone := *s
	if s.TotalAmount != nil {
		clone.TotalAmount = new(big.Int).Set(s.TotalAmount)
	}
	if s.ClaimedAmount != nil {
		clone.ClaimedAmount = new(big.Int).Set(s.ClaimedAmount)
	}
	return &clone
}

func cloneConditional(c *ConditionalPayment) *ConditionalPayment {
	clone := *c
	if c.Amount != nil {
		clone.Amount = new(big.Int).Set(c.Amount)
	}
	if c.Payload != nil {
		clone.Payload = append([]byte(nil), c.Payload...)
	}
	return &clone
}

func cloneRecurring(r *RecurringPayment) *RecurringPayment {
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	return &clone
}
