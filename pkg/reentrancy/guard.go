package reentrancy

import (
	"context"
	"sync"

	xerrors "agentpay/internal/errors"
)

// Guard serializes operations on the same key. Distinct callers queue behind
// one another and run in arrival order; only an operation that loops back into
// the guarded section while already holding the key is rejected. Value is
// debited from escrow before external collaborator calls are made, so an
// operation must hold its key for the full duration of the call window.
type Guard struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type ctxMarker struct{ key string }

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{keys: make(map[string]*keyLock)}
}

// Enter blocks until the key is free and marks the returned context as holding
// it. It fails when ctx already holds the key, so callers must thread the
// returned context into any collaborator call that could loop back; a nested
// Enter on a fresh context would deadlock instead.
func (g *Guard) Enter(ctx context.Context, key string) (context.Context, error) {
	if ctx.Value(ctxMarker{key: key}) != nil {
		return ctx, xerrors.New(xerrors.CodeReentrancy, "", xerrors.WithMetadata("key", key))
	}
	g.mu.Lock()
	kl, ok := g.keys[key]
	if !ok {
		kl = &keyLock{}
		g.keys[key] = kl
	}
	kl.refs++
	g.mu.Unlock()

	kl.mu.Lock()
	return context.WithValue(ctx, ctxMarker{key: key}, struct{}{}), nil
}

// Exit releases the key. Exiting a key that was never entered is a no-op.
func (g *Guard) Exit(key string) {
	g.mu.Lock()
	kl, ok := g.keys[key]
	if ok {
		kl.refs--
		if kl.refs <= 0 {
			delete(g.keys, key)
		}
	}
	g.mu.Unlock()
	if ok {
		kl.mu.Unlock()
	}
}

// Held reports whether any operation currently holds or waits on the key.
func (g *Guard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.keys[key]
	return held
}
