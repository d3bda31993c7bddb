package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Memory is an in-process ledger used for tests and single-node deployments.
// All mutations happen under one mutex, matching the serialized execution
// environment the orchestrator assumes.
type Memory struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	nonces   map[common.Address]map[common.Hash]struct{}
	now      func() time.Time
}

// MemoryOption configures the memory ledger.
type MemoryOption func(*Memory)

// WithClock overrides the time source. Tests use this to control the
// authorization validity window.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates an empty memory ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]map[common.Hash]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Mint credits the account. Test and bootstrap helper.
func (m *Memory) Mint(account common.Address, amount *big.Int) {
	if !ValidAmount(amount) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(account, amount)
}

// Transfer moves amount from one account to another atomically.
func (m *Memory) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	if !ValidAmount(amount) {
		return ErrInsufficientFunds
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(from, to, amount)
}

// TransferWithAuthorization validates the signed tuple and moves the value.
// The nonce is consumed only when the transfer succeeds.
func (m *Memory) TransferWithAuthorization(_ context.Context, auth Authorization) error {
	if !ValidAmount(auth.Amount) {
		return ErrInsufficientFunds
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().Unix()
	if now < auth.ValidAfter || now >= auth.ValidBefore {
		return ErrOutsideWindow
	}
	if used, ok := m.nonces[auth.From]; ok {
		if _, seen := used[auth.Nonce]; seen {
			return ErrNonceUsed
		}
	}
	signer, err := RecoverAuthorizer(auth)
	if err != nil || signer != auth.From {
		return ErrBadSignature
	}
	if err := m.move(auth.From, auth.To, auth.Amount); err != nil {
		return err
	}
	if m.nonces[auth.From] == nil {
		m.nonces[auth.From] = make(map[common.Hash]struct{})
	}
	m.nonces[auth.From][auth.Nonce] = struct{}{}
	return nil
}

// BalanceOf returns the current balance of the account.
func (m *Memory) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if balance, ok := m.balances[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	return new(big.Int), nil
}

func (m *Memory) move(from, to common.Address, amount *big.Int) error {
	balance, ok := m.balances[from]
	if !ok || balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	balance.Sub(balance, amount)
	m.credit(to, amount)
	return nil
}

func (m *Memory) credit(account common.Address, amount *big.Int) {
	if balance, ok := m.balances[account]; ok {
		balance.Add(balance, amount)
		return
	}
	m.balances[account] = new(big.Int).Set(amount)
}

var _ Gateway = (*Memory)(nil)
