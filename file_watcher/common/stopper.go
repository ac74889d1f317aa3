package common

import (
	"context"
	"sync"
)

// Stopper lets a backend's Stop end whatever Watch call is currently running.
// Stop is idempotent and a later Watch starts from a clean state.
type Stopper struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Begin derives the context a Watch call runs under. The returned func must be
// called when Watch returns.
func (s *Stopper) Begin(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	return ctx, func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}
}

func (s *Stopper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
