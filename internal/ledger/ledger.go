package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentpay/internal/errors"
)

// Authorization carries the pre-signed transfer tuple for a gasless payment.
// The payer signs the exact tuple off-band; a third party submits it.
type Authorization struct {
	From        common.Address
	To          common.Address
	Amount      *big.Int
	ValidAfter  int64
	ValidBefore int64
	Nonce       common.Hash
	Signature   []byte
}

// Gateway moves fungible value between two addresses. Implementations must be
// atomic: a failed transfer leaves both balances untouched.
type Gateway interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	TransferWithAuthorization(ctx context.Context, auth Authorization) error
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

var (
	// ErrInsufficientFunds means the payer balance does not cover the amount.
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrBadSignature means the authorization signature does not verify
	// against the payer for the exact tuple.
	ErrBadSignature = xerrors.New(CodeBadSignature, "authorization signature invalid")
	// ErrNonceUsed means the authorization nonce was already consumed.
	ErrNonceUsed = xerrors.New(CodeNonceUsed, "authorization nonce already used")
	// ErrOutsideWindow means the validity window does not contain now.
	ErrOutsideWindow = xerrors.New(CodeOutsideWindow, "authorization outside validity window")
)

const (
	CodeInsufficientFunds xerrors.Code = "LEDGER_INSUFFICIENT_FUNDS"
	CodeBadSignature      xerrors.Code = "LEDGER_BAD_SIGNATURE"
	CodeNonceUsed         xerrors.Code = "LEDGER_NONCE_USED"
	CodeOutsideWindow     xerrors.Code = "LEDGER_OUTSIDE_WINDOW"
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "insufficient funds",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBadSignature, xerrors.Attributes{
		Message:   "authorization signature invalid",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNonceUsed, xerrors.Attributes{
		Message:   "authorization nonce already used",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOutsideWindow, xerrors.Attributes{
		Message:   "authorization outside validity window",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ValidAmount reports whether amount is a usable token quantity.
func ValidAmount(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}
