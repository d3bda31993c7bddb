package payment

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agentpay/pkg/logger"
)

// Scheduler drives recurring payments from the daemon side. The orchestrator
// never blocks waiting for a clock; advancement happens by re-invoking
// ExecuteRecurringPayment once an installment is due, and the scheduler is
// the process-local caller doing exactly that.
type Scheduler struct {
	orchestrator *Orchestrator
	store        Store
	interval     time.Duration
	log          *slog.Logger
}

// NewScheduler polls the store every interval for due installments.
func NewScheduler(orchestrator *Orchestrator, store Store, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		orchestrator: orchestrator,
		store:        store,
		interval:     interval,
		log:          logger.Named("scheduler"),
	}
}

// Start runs the polling loop until the context ends.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick executes one due installment per active recurring payment. Not-due
// and terminal outcomes are expected and skipped quietly.
func (s *Scheduler) tick(ctx context.Context) {
	payments, err := s.store.ListPayments(ctx, common.Address{}, 0)
	if err != nil {
		s.log.Error("recurring scan failed", slog.Any("error", err))
		return
	}
	for _, p := range payments {
		if p.Mode != ModeRecurring || p.Terminal() {
			continue
		}
		if err := s.orchestrator.ExecuteRecurringPayment(ctx, p.ID); err != nil {
			if stdErrors.Is(err, ErrScheduleNotDue) || stdErrors.Is(err, ErrScheduleInactive) ||
				stdErrors.Is(err, ErrScheduleExhausted) || stdErrors.Is(err, ErrPaymentTerminal) {
				continue
			}
			s.log.Warn("recurring installment failed",
				slog.Any("error", err),
				slog.String("payment_id", p.ID),
			)
		}
	}
}
