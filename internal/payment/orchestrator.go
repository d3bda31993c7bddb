package payment

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agentpay/internal/conditions"
	xerrors "agentpay/internal/errors"
	"agentpay/internal/ledger"
	"agentpay/internal/observability/metrics"
	storage "agentpay/internal/storage/mysql"
	"agentpay/pkg/logger"
	"agentpay/pkg/reentrancy"
)

// Stats is the orchestrator-wide aggregate record, updated in the same
// critical section as the event it counts.
type Stats struct {
	TotalPayments uint64
	TotalVolume   *big.Int
	ByMode        map[Mode]uint64
}

// Orchestrator owns all payment records and mode-specific state. Escrowed
// value is held on the escrow account and mutated only by the orchestrator's
// own operations.
type Orchestrator struct {
	store     Store
	gateway   ledger.Gateway
	evaluator *conditions.Evaluator
	escrow    common.Address
	guard     *reentrancy.Guard
	archive   storage.SettlementRepository
	now       func() time.Time
	log       *slog.Logger

	statsMu sync.Mutex
	stats   Stats
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source, used by tests to drive vesting and
// schedule advancement deterministically.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSettlementArchive records finalized payments in an archive repository.
func WithSettlementArchive(repo storage.SettlementRepository) Option {
	return func(o *Orchestrator) {
		o.archive = repo
	}
}

// NewOrchestrator wires the accounting core. The escrow address is the
// account that holds funds between payment creation and disbursement.
func NewOrchestrator(store Store, gateway ledger.Gateway, escrow common.Address, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		gateway: gateway,
		escrow:  escrow,
		guard:   reentrancy.NewGuard(),
		now:     time.Now,
		log:     logger.Named("payment"),
		stats: Stats{
			TotalVolume: new(big.Int),
			ByMode:      make(map[Mode]uint64),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.evaluator = conditions.NewEvaluator(gateway, o.now)
	return o
}

// Stats returns a snapshot of the aggregate counters.
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	snapshot := Stats{
		TotalPayments: o.stats.TotalPayments,
		TotalVolume:   new(big.Int).Set(o.stats.TotalVolume),
		ByMode:        make(map[Mode]uint64, len(o.stats.ByMode)),
	}
	for mode, count := range o.stats.ByMode {
		snapshot.ByMode[mode] = count
	}
	return snapshot
}

// GetPayment returns the root record for any payment id.
func (o *Orchestrator) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return o.store.GetPayment(ctx, id)
}

// CreateSimpleAuthorizedPayment settles a pre-signed transfer on the payer's
// behalf. No escrow is involved: value moves payer to payee in one step. The
// (payer, nonce) pair is recorded permanently for replay protection.
func (o *Orchestrator) CreateSimpleAuthorizedPayment(ctx context.Context, auth ledger.Authorization) (*Payment, error) {
	if !ledger.ValidAmount(auth.Amount) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}
	now := o.now()
	if now.Unix() < auth.ValidAfter {
		return nil, ErrAuthNotYetValid
	}
	if now.Unix() >= auth.ValidBefore {
		return nil, ErrAuthExpired
	}

	guardKey := "auth:" + auth.From.Hex() + ":" + auth.Nonce.Hex()
	ctx, err := o.guard.Enter(ctx, guardKey)
	if err != nil {
		return nil, err
	}
	defer o.guard.Exit(guardKey)

	used, err := o.store.NonceUsed(ctx, auth.From, auth.Nonce)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "nonce lookup failed")
	}
	if used {
		return nil, ErrNonceReplayed
	}

	if err := o.gateway.TransferWithAuthorization(ctx, auth); err != nil {
		return nil, err
	}
	if err := o.store.MarkNonceUsed(ctx, auth.From, auth.Nonce); err != nil {
		return nil, err
	}

	p := &Payment{
		ID:             DeriveID(auth.From, now.UnixNano(), "simple", auth.Nonce.Bytes()),
		Payer:          auth.From,
		Mode:           ModeSimple,
		TotalAmount:    new(big.Int).Set(auth.Amount),
		ReleasedAmount: new(big.Int).Set(auth.Amount),
		CreatedAt:      now.Unix(),
		CompletedAt:    now.Unix(),
		Completed:      true,
	}
	if err := o.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	o.bump(ModeSimple, auth.Amount)
	o.auditSettled(ctx, p)
	return clonePayment(p), nil
}

// CreateSplitPayment escrows the total, then pushes each recipient's share
// out immediately in list order. The last recipient absorbs the rounding
// remainder so the full principal leaves escrow. The root record is persisted
// before distribution starts: if a recipient transfer fails mid-way, the
// record survives with the released amount so far and the payer can reclaim
// the remainder through CancelPayment.
func (o *Orchestrator) CreateSplitPayment(ctx context.Context, payer common.Address, recipients []SplitRecipient, total *big.Int) (*Payment, error) {
	if !ledger.ValidAmount(total) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}
	if len(recipients) == 0 || len(recipients) > MaxSplitRecipients {
		return nil, ErrBadSplit
	}
	var sum uint64
	for _, r := range recipients {
		sum += uint64(r.BasisPoints)
	}
	if sum != BasisPointDenominator {
		return nil, xerrors.New(CodeBadSplit, "basis points must sum to exactly 10000")
	}

	now := o.now()
	if err := o.gateway.Transfer(ctx, payer, o.escrow, total); err != nil {
		return nil, err
	}

	p := &Payment{
		ID:             DeriveID(payer, now.UnixNano(), "split"),
		Payer:          payer,
		Mode:           ModeSplit,
		TotalAmount:    new(big.Int).Set(total),
		ReleasedAmount: new(big.Int),
		CreatedAt:      now.Unix(),
	}

	// Hold the id across the distribution window so a cancel cannot
	// interleave with the recipient transfers.
	ctx, err := o.guard.Enter(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	defer o.guard.Exit(p.ID)

	if err := o.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	if err := o.store.PutSplitRecipients(ctx, p.ID, recipients); err != nil {
		return nil, err
	}
	o.bump(ModeSplit, total)

	distributed := new(big.Int)
	for i, r := range recipients {
		share := ShareOf(total, r.BasisPoints)
		if i == len(recipients)-1 {
			share = new(big.Int).Sub(total, distributed)
		}
		if share.Sign() <= 0 {
			continue
		}
		if err := o.gateway.Transfer(ctx, o.escrow, r.Recipient, share); err != nil {
			p.ReleasedAmount = distributed
			if updateErr := o.store.UpdatePayment(ctx, p); updateErr != nil {
				o.log.Error("split distribution state write failed",
					slog.Any("error", updateErr), slog.String("payment_id", p.ID))
			}
			o.log.Warn("split distribution interrupted",
				slog.Any("error", err),
				slog.String("payment_id", p.ID),
				slog.String("released", distributed.String()),
			)
			return nil, err
		}
		distributed.Add(distributed, share)
	}

	p.ReleasedAmount = new(big.Int).Set(total)
	p.Completed = true
	p.CompletedAt = now.Unix()
	if err := o.store.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	o.auditSettled(ctx, p)
	return clonePayment(p), nil
}

// CreateStreamingPayment escrows the total and opens a linear vesting stream
// ending after the given duration. No cliff, no acceleration.
func (o *Orchestrator) CreateStreamingPayment(ctx context.Context, payer, recipient common.Address, total *big.Int, duration time.Duration) (*Payment, error) {
	if !ledger.ValidAmount(total) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}
	seconds := int64(duration / time.Second)
	if seconds <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "duration must be at least one second")
	}

	now := o.now()
	if err := o.gateway.Transfer(ctx, payer, o.escrow, total); err != nil {
		return nil, err
	}

	p := &Payment{
		ID:             DeriveID(payer, now.UnixNano(), "streaming", recipient.Bytes()),
		Payer:          payer,
		Mode:           ModeStreaming,
		TotalAmount:    new(big.Int).Set(total),
		ReleasedAmount: new(big.Int),
		CreatedAt:      now.Unix(),
	}
	stream := &StreamingPayment{
		PaymentID:     p.ID,
		Recipient:     recipient,
		TotalAmount:   new(big.Int).Set(total),
		ClaimedAmount: new(big.Int),
		StartTime:     now.Unix(),
		EndTime:       now.Unix() + seconds,
	}
	if err := o.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	if err := o.store.PutStream(ctx, stream); err != nil {
		return nil, err
	}
	o.bump(ModeStreaming, total)
	return clonePayment(p), nil
}

// ClaimStreamingPayment transfers the vested-but-unclaimed amount to the
// stream recipient. Only the recipient may claim.
func (o *Orchestrator) ClaimStreamingPayment(ctx context.Context, caller common.Address, paymentID string) (*big.Int, error) {
	ctx, err := o.guard.Enter(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer o.guard.Exit(paymentID)

	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Terminal() {
		return nil, ErrPaymentTerminal
	}
	stream, err := o.store.GetStream(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if caller != stream.Recipient {
		return nil, ErrNotRecipient
	}

	now := o.now().Unix()
	claimable := vestedUnclaimed(stream, now)
	if claimable.Sign() <= 0 {
		return nil, ErrNothingVested
	}

	if err := o.gateway.Transfer(ctx, o.escrow, stream.Recipient, claimable); err != nil {
		return nil, err
	}

	stream.ClaimedAmount.Add(stream.ClaimedAmount, claimable)
	stream.LastClaimTime = now
	p.ReleasedAmount.Add(p.ReleasedAmount, claimable)
	if stream.ClaimedAmount.Cmp(stream.TotalAmount) >= 0 {
		p.Completed = true
		p.CompletedAt = now
	}
	if err := o.store.UpdateStream(ctx, stream); err != nil {
		return nil, err
	}
	if err := o.store.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	if p.Completed {
		o.auditSettled(ctx, p)
	}
	return claimable, nil
}

// CreateConditionalPayment escrows the amount behind an opaque condition
// reference, evaluated later by a read-only predicate.
func (o *Orchestrator) CreateConditionalPayment(ctx context.Context, payer, recipient common.Address, amount *big.Int, kind conditions.Kind, payload []byte) (*Payment, error) {
	if !ledger.ValidAmount(amount) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}

	now := o.now()
	if err := o.gateway.Transfer(ctx, payer, o.escrow, amount); err != nil {
		return nil, err
	}

	p := &Payment{
		ID:             DeriveID(payer, now.UnixNano(), "conditional", recipient.Bytes()),
		Payer:          payer,
		Mode:           ModeConditional,
		TotalAmount:    new(big.Int).Set(amount),
		ReleasedAmount: new(big.Int),
		CreatedAt:      now.Unix(),
	}
	cond := &ConditionalPayment{
		PaymentID: p.ID,
		Recipient: recipient,
		Amount:    new(big.Int).Set(amount),
		Condition: kind,
		Payload:   append([]byte(nil), payload...),
	}
	if err := o.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	if err := o.store.PutConditional(ctx, cond); err != nil {
		return nil, err
	}
	o.bump(ModeConditional, amount)
	return clonePayment(p), nil
}

// ReleaseConditionalPayment re-evaluates the condition and, when it holds,
// transfers the escrowed amount to the recipient and latches the release.
func (o *Orchestrator) ReleaseConditionalPayment(ctx context.Context, paymentID string) error {
	ctx, err := o.guard.Enter(ctx, paymentID)
	if err != nil {
		return err
	}
	defer o.guard.Exit(paymentID)

	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Terminal() {
		return ErrPaymentTerminal
	}
	cond, err := o.store.GetConditional(ctx, paymentID)
	if err != nil {
		return err
	}
	if cond.Released {
		return ErrAlreadyReleased
	}

	holds, err := o.evaluator.Evaluate(ctx, cond.Condition, cond.Payload)
	if err != nil {
		return err
	}
	if !holds {
		return ErrConditionUnmet
	}

	if err := o.gateway.Transfer(ctx, o.escrow, cond.Recipient, cond.Amount); err != nil {
		return err
	}

	now := o.now().Unix()
	cond.Released = true
	p.ReleasedAmount.Add(p.ReleasedAmount, cond.Amount)
	p.Completed = true
	p.CompletedAt = now
	if err := o.store.UpdateConditional(ctx, cond); err != nil {
		return err
	}
	if err := o.store.UpdatePayment(ctx, p); err != nil {
		return err
	}
	o.auditSettled(ctx, p)
	return nil
}

// CreateRecurringPayment escrows amount * totalPayments up front and opens a
// fully pre-funded schedule with the first installment due immediately.
func (o *Orchestrator) CreateRecurringPayment(ctx context.Context, payer, recipient common.Address, amount *big.Int, interval time.Duration, totalPayments uint32) (*Payment, error) {
	if !ledger.ValidAmount(amount) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}
	if totalPayments == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "total payments must be positive")
	}
	intervalSeconds := int64(interval / time.Second)
	if intervalSeconds <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "interval must be at least one second")
	}

	now := o.now()
	escrowTotal := new(big.Int).Mul(amount, big.NewInt(int64(totalPayments)))
	if err := o.gateway.Transfer(ctx, payer, o.escrow, escrowTotal); err != nil {
		return nil, err
	}

	p := &Payment{
		ID:             DeriveID(payer, now.UnixNano(), "recurring", recipient.Bytes()),
		Payer:          payer,
		Mode:           ModeRecurring,
		TotalAmount:    escrowTotal,
		ReleasedAmount: new(big.Int),
		CreatedAt:      now.Unix(),
	}
	rec := &RecurringPayment{
		PaymentID:       p.ID,
		Recipient:       recipient,
		Amount:          new(big.Int).Set(amount),
		Interval:        intervalSeconds,
		NextPaymentTime: now.Unix(),
		TotalPayments:   totalPayments,
		Active:          true,
	}
	if err := o.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	if err := o.store.PutRecurring(ctx, rec); err != nil {
		return nil, err
	}
	o.bump(ModeRecurring, escrowTotal)
	return clonePayment(p), nil
}

// ExecuteRecurringPayment advances exactly one scheduled installment. Missed
// installments are not batched; each call pays one and moves the schedule
// forward by one interval.
func (o *Orchestrator) ExecuteRecurringPayment(ctx context.Context, paymentID string) error {
	ctx, err := o.guard.Enter(ctx, paymentID)
	if err != nil {
		return err
	}
	defer o.guard.Exit(paymentID)

	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Terminal() {
		return ErrPaymentTerminal
	}
	rec, err := o.store.GetRecurring(ctx, paymentID)
	if err != nil {
		return err
	}
	if !rec.Active {
		return ErrScheduleInactive
	}
	if rec.CompletedPayments >= rec.TotalPayments {
		return ErrScheduleExhausted
	}
	now := o.now().Unix()
	if now < rec.NextPaymentTime {
		return ErrScheduleNotDue
	}

	if err := o.gateway.Transfer(ctx, o.escrow, rec.Recipient, rec.Amount); err != nil {
		return err
	}

	rec.CompletedPayments++
	rec.NextPaymentTime += rec.Interval
	p.ReleasedAmount.Add(p.ReleasedAmount, rec.Amount)
	if rec.CompletedPayments == rec.TotalPayments {
		rec.Active = false
		p.Completed = true
		p.CompletedAt = now
	}
	if err := o.store.UpdateRecurring(ctx, rec); err != nil {
		return err
	}
	if err := o.store.UpdatePayment(ctx, p); err != nil {
		return err
	}
	if p.Completed {
		o.auditSettled(ctx, p)
	}
	return nil
}

// CancelPayment refunds the unreleased remainder to the payer and latches the
// record cancelled. Only the original payer may cancel; cancellation is
// terminal and irreversible.
func (o *Orchestrator) CancelPayment(ctx context.Context, caller common.Address, paymentID string) (*big.Int, error) {
	ctx, err := o.guard.Enter(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer o.guard.Exit(paymentID)

	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if caller != p.Payer {
		return nil, ErrNotPayer
	}
	if p.Terminal() {
		return nil, ErrPaymentTerminal
	}

	refund := new(big.Int).Sub(p.TotalAmount, p.ReleasedAmount)
	if refund.Sign() > 0 {
		if err := o.gateway.Transfer(ctx, o.escrow, p.Payer, refund); err != nil {
			return nil, err
		}
	}

	if p.Mode == ModeRecurring {
		rec, err := o.store.GetRecurring(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		rec.Active = false
		if err := o.store.UpdateRecurring(ctx, rec); err != nil {
			return nil, err
		}
	}

	p.Cancelled = true
	if err := o.store.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	o.auditSettled(ctx, p)
	return refund, nil
}

// vestedUnclaimed computes floor(total * elapsed / duration) - claimed with
// elapsed clamped to the stream window.
func vestedUnclaimed(s *StreamingPayment, now int64) *big.Int {
	at := now
	if at > s.EndTime {
		at = s.EndTime
	}
	elapsed := at - s.StartTime
	if elapsed <= 0 {
		return new(big.Int)
	}
	vested := new(big.Int).Mul(s.TotalAmount, big.NewInt(elapsed))
	vested.Quo(vested, big.NewInt(s.EndTime-s.StartTime))
	return vested.Sub(vested, s.ClaimedAmount)
}

func (o *Orchestrator) bump(mode Mode, volume *big.Int) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.stats.TotalPayments++
	o.stats.ByMode[mode]++
	o.stats.TotalVolume.Add(o.stats.TotalVolume, volume)
}

func (o *Orchestrator) auditSettled(ctx context.Context, p *Payment) {
	status := "completed"
	if p.Cancelled {
		status = "cancelled"
	}
	logger.Audit().Info("payment finalized",
		slog.String("payment_id", p.ID),
		slog.String("mode", string(p.Mode)),
		slog.String("payer", p.Payer.Hex()),
		slog.String("status", status),
		slog.String("total", p.TotalAmount.String()),
		slog.String("released", p.ReleasedAmount.String()),
	)
	metrics.ObservePayment(string(p.Mode), status)
	if o.archive == nil {
		return
	}
	record := storage.SettlementRecord{
		PaymentID:      p.ID,
		Mode:           string(p.Mode),
		Payer:          p.Payer.Hex(),
		TotalAmount:    p.TotalAmount.String(),
		ReleasedAmount: p.ReleasedAmount.String(),
		Status:         status,
		CreatedAt:      p.CreatedAt,
		FinalizedAt:    o.now().Unix(),
	}
	if err := o.archive.Save(ctx, record); err != nil {
		o.log.Error("archive settlement failed", slog.Any("error", err), slog.String("payment_id", p.ID))
	}
}
