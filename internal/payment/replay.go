package payment

import (
	"context"
	"sync"
)

// ReplayGuard is the atomic check-and-insert set that prevents a proof from
// being accepted twice. The Postgres-backed implementation lives in the db
// package; MemoryGuard is for single-process use and tests.
type ReplayGuard interface {
	// MarkProcessed claims the key. It returns false if the key was already
	// claimed, including by a concurrent verification of the same proof.
	MarkProcessed(ctx context.Context, key string) (bool, error)

	// Release frees a claimed key after verification failed.
	Release(ctx context.Context, key string) error
}

type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]struct{})}
}

func (g *MemoryGuard) MarkProcessed(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.seen, key)
	return nil
}
