package runner

import (
	"context"
	"sync"
)

// ExitGuard holds a finished run at its join point until released, so that
// an operator can still query it. An unheld guard does not block.
//
// Thread Safety: Safe for concurrent use.
type ExitGuard struct {
	mu       sync.Mutex
	held     bool
	released chan struct{}
}

// NewExitGuard creates a released guard.
func NewExitGuard() *ExitGuard {
	ch := make(chan struct{})
	close(ch)
	return &ExitGuard{released: ch}
}

// Hold makes Wait block until Release.
func (g *ExitGuard) Hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		g.held = true
		g.released = make(chan struct{})
	}
}

// Release unblocks every Wait. Releasing an unheld guard is a no-op.
func (g *ExitGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		g.held = false
		close(g.released)
	}
}

// Held reports whether the guard is held.
func (g *ExitGuard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Wait blocks while the guard is held, or until ctx is done.
func (g *ExitGuard) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.released
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
