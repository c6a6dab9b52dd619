package voicegateway

import (
	"context"
	"sync"
)

// promise is a one-shot future for a single inbound message.
type promise[T any] struct {
	once sync.Once
	ch   chan struct{}
	v    T
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{ch: make(chan struct{})}
}

// resolve sets the value. Only the first call has any effect.
func (p *promise[T]) resolve(v T) bool {
	var ok bool
	p.once.Do(func() {
		p.v = v
		ok = true
		close(p.ch)
	})
	return ok
}

func (p *promise[T]) peek() (T, bool) {
	select {
	case <-p.ch:
		return p.v, true
	default:
		var zero T
		return zero, false
	}
}

// wait blocks until the promise is resolved, ctx expires or dead is closed.
// deadErr is only called if the promise was never resolved.
func (p *promise[T]) wait(ctx context.Context, dead <-chan struct{}, deadErr func() error) (T, error) {
	var zero T

	select {
	case <-p.ch:
		return p.v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-dead:
		if v, ok := p.peek(); ok {
			return v, nil
		}
		return zero, deadErr()
	}
}
