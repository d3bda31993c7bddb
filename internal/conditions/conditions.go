package conditions

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentpay/internal/errors"
	"agentpay/internal/ledger"
)

// Kind tags a condition payload. The set of interpreted kinds is closed;
// anything else evaluates to true so stale references never wedge a release.
type Kind string

const (
	BalanceGreaterThan Kind = "balance_gt"
	BalanceLessThan    Kind = "balance_lt"
	TimeGreaterThan    Kind = "time_gt"
	TimeLessThan       Kind = "time_lt"
)

// BalancePayload parametrizes the balance comparisons.
type BalancePayload struct {
	Account   common.Address `json:"account"`
	Threshold *big.Int       `json:"threshold"`
}

// TimePayload parametrizes the time comparisons.
type TimePayload struct {
	Timestamp int64 `json:"timestamp"`
}

const CodeBadPayload xerrors.Code = "CONDITION_BAD_PAYLOAD"

func init() {
	xerrors.Register(CodeBadPayload, xerrors.Attributes{
		Message:   "condition payload malformed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Evaluator resolves condition payloads against live ledger and clock state.
type Evaluator struct {
	gateway ledger.Gateway
	now     func() time.Time
}

// NewEvaluator builds an evaluator over the given gateway. A nil clock
// defaults to time.Now.
func NewEvaluator(gateway ledger.Gateway, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{gateway: gateway, now: now}
}

// Evaluate interprets the payload for the given kind. The boolean result is
// the condition outcome; an error means the payload could not be interpreted
// or the ledger read failed.
func (e *Evaluator) Evaluate(ctx context.Context, kind Kind, payload []byte) (bool, error) {
	switch kind {
	case BalanceGreaterThan, BalanceLessThan:
		var p BalancePayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Threshold == nil {
			return false, xerrors.Wrap(CodeBadPayload, err, "balance condition payload malformed")
		}
		balance, err := e.gateway.BalanceOf(ctx, p.Account)
		if err != nil {
			return false, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "balance lookup failed")
		}
		if kind == BalanceGreaterThan {
			return balance.Cmp(p.Threshold) > 0, nil
		}
		return balance.Cmp(p.Threshold) < 0, nil
	case TimeGreaterThan, TimeLessThan:
		var p TimePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return false, xerrors.Wrap(CodeBadPayload, err, "time condition payload malformed")
		}
		now := e.now().Unix()
		if kind == TimeGreaterThan {
			return now > p.Timestamp, nil
		}
		return now < p.Timestamp, nil
	default:
		// Unrecognized kinds default to true.
		return true, nil
	}
}

// MarshalBalance encodes a balance condition payload.
func MarshalBalance(account common.Address, threshold *big.Int) []byte {
	raw, _ := json.Marshal(BalancePayload{Account: account, Threshold: threshold})
	return raw
}

// MarshalTime encodes a time condition payload.
func MarshalTime(timestamp int64) []byte {
	raw, _ := json.Marshal(TimePayload{Timestamp: timestamp})
	return raw
}
