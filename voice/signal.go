package voice

import (
	"context"
	"sync"
)

// signal is a one-shot future that can be re-armed for the next connect.
type signal struct {
	mu   sync.Mutex
	ch   chan struct{}
	done bool
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// reset re-arms the signal.
func (s *signal) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		s.ch = make(chan struct{})
		s.done = false
	}
}

// resolve fires the signal. It returns false if it had already fired.
func (s *signal) resolve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return false
	}

	s.done = true
	close(s.ch)
	return true
}

func (s *signal) wait(ctx context.Context) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
