package payment

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentpay/internal/errors"
)

// MemoryStore keeps all payment state in process memory. It is the
// authoritative store for the serialized single-process deployment model and
// the backing store for tests.
type MemoryStore struct {
	mu           sync.RWMutex
	payments     map[string]*Payment
	splits       map[string][]SplitRecipient
	streams      map[string]*StreamingPayment
	conditionals map[string]*ConditionalPayment
	recurrings   map[string]*RecurringPayment
	nonces       map[common.Address]map[common.Hash]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:     make(map[string]*Payment),
		splits:       make(map[string][]SplitRecipient),
		streams:      make(map[string]*StreamingPayment),
		conditionals: make(map[string]*ConditionalPayment),
		recurrings:   make(map[string]*RecurringPayment),
		nonces:       make(map[common.Address]map[common.Hash]struct{}),
	}
}

// CreatePayment stores a new root record.
func (m *MemoryStore) CreatePayment(_ context.Context, p *Payment) error {
	if p == nil || p.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "payment id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "payment id already exists", xerrors.WithMetadata("payment_id", p.ID))
	}
	m.payments[p.ID] = clonePayment(p)
	return nil
}

// GetPayment returns a copy of the root record.
func (m *MemoryStore) GetPayment(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

// UpdatePayment replaces the root record.
func (m *MemoryStore) UpdatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	m.payments[p.ID] = clonePayment(p)
	return nil
}

// ListPayments returns the payer's payments, newest first. A zero payer
// address matches every payment.
func (m *MemoryStore) ListPayments(_ context.Context, payer common.Address, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Payment, 0, len(m.payments))
	for _, p := range m.payments {
		if payer != (common.Address{}) && p.Payer != payer {
			continue
		}
		results = append(results, clonePayment(p))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// PutSplitRecipients attaches the recipient list to a split payment.
func (m *MemoryStore) PutSplitRecipients(_ context.Context, paymentID string, recipients []SplitRecipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.splits[paymentID] = append([]SplitRecipient(nil), recipients...)
	return nil
}

// GetSplitRecipients returns the ordered recipient list.
func (m *MemoryStore) GetSplitRecipients(_ context.Context, paymentID string) ([]SplitRecipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recipients, ok := m.splits[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return append([]SplitRecipient(nil), recipients...), nil
}

// PutStream attaches the streaming satellite record.
func (m *MemoryStore) PutStream(_ context.Context, s *StreamingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[s.PaymentID] = cloneStream(s)
	return nil
}

// GetStream returns the streaming satellite record.
func (m *MemoryStore) GetStream(_ context.Context, paymentID string) (*StreamingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return cloneStream(s), nil
}

// UpdateStream replaces the streaming satellite record.
func (m *MemoryStore) UpdateStream(_ context.Context, s *StreamingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[s.PaymentID]; !ok {
		return ErrPaymentNotFound
	}
	m.streams[s.PaymentID] = cloneStream(s)
	return nil
}

// PutConditional attaches the conditional satellite record.
func (m *MemoryStore) PutConditional(_ context.Context, c *ConditionalPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conditionals[c.PaymentID] = cloneConditional(c)
	return nil
}

// GetConditional returns the conditional satellite record.
func (m *MemoryStore) GetConditional(_ context.Context, paymentID string) (*ConditionalPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conditionals[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return cloneConditional(c), nil
}

// UpdateConditional replaces the conditional satellite record.
func (m *MemoryStore) UpdateConditional(_ context.Context, c *ConditionalPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conditionals[c.PaymentID]; !ok {
		return ErrPaymentNotFound
	}
	m.conditionals[c.PaymentID] = cloneConditional(c)
	return nil
}

// PutRecurring attaches the recurring satellite record.
func (m *MemoryStore) PutRecurring(_ context.Context, r *RecurringPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recurrings[r.PaymentID] = cloneRecurring(r)
	return nil
}

// GetRecurring returns the recurring satellite record.
func (m *MemoryStore) GetRecurring(_ context.Context, paymentID string) (*RecurringPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recurrings[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return cloneRecurring(r), nil
}

// UpdateRecurring replaces the recurring satellite record.
func (m *MemoryStore) UpdateRecurring(_ context.Context, r *RecurringPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recurrings[r.PaymentID]; !ok {
		return ErrPaymentNotFound
	}
	m.recurrings[r.PaymentID] = cloneRecurring(r)
	return nil
}

// MarkNonceUsed records the nonce permanently, failing on replay.
func (m *MemoryStore) MarkNonceUsed(_ context.Context, payer common.Address, nonce common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if used, ok := m.nonces[payer]; ok {
		if _, seen := used[nonce]; seen {
			return ErrNonceReplayed
		}
	} else {
		m.nonces[payer] = make(map[common.Hash]struct{})
	}
	m.nonces[payer][nonce] = struct{}{}
	return nil
}

// NonceUsed reports whether the pair was seen before.
func (m *MemoryStore) NonceUsed(_ context.Context, payer common.Address, nonce common.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	used, ok := m.nonces[payer]
	if !ok {
		return false, nil
	}
	_, seen := used[nonce]
	return seen, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
