// Package heart implements the nonce-tracking pacemaker used by the voice
// gateway.
package heart

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrDead is returned by Run when the previous beat was not acknowledged by
// the time the next one was due.
var ErrDead = errors.New("no heartbeat replied")

// Pacemaker sends a beat every Heartrate. Every beat carries a strictly
// increasing nonce, starting at 1, which the peer must echo back.
type Pacemaker struct {
	// Heartrate is the duration between beats.
	Heartrate time.Duration
	// Pace sends a single beat. An error stops the pacemaker.
	Pace func(ctx context.Context, nonce uint64) error

	sent   atomic.Uint64
	echoed atomic.Uint64
	last   atomic.Time
}

// NewPacemaker creates a new pacemaker.
func NewPacemaker(heartrate time.Duration, pace func(context.Context, uint64) error) *Pacemaker {
	return &Pacemaker{
		Heartrate: heartrate,
		Pace:      pace,
	}
}

// Echo acknowledges the beat with the given nonce. Acks for any nonce other
// than the last one sent are ignored.
func (p *Pacemaker) Echo(nonce uint64) bool {
	if nonce == 0 || nonce != p.sent.Load() {
		return false
	}
	p.echoed.Store(nonce)
	p.last.Store(time.Now())
	return true
}

// Sent returns the last nonce sent, or 0.
func (p *Pacemaker) Sent() uint64 { return p.sent.Load() }

// LastEcho returns the time of the last acknowledged beat.
func (p *Pacemaker) LastEcho() time.Time { return p.last.Load() }

// Dead returns true if a beat was sent and not yet acknowledged.
func (p *Pacemaker) Dead() bool {
	sent := p.sent.Load()
	return sent != 0 && p.echoed.Load() != sent
}

// Run paces until ctx is done, Pace fails or a beat goes unacknowledged. The
// first beat is sent immediately.
func (p *Pacemaker) Run(ctx context.Context) error {
	if p.Heartrate <= 0 {
		return errors.New("invalid heartrate")
	}

	tick := time.NewTicker(p.Heartrate)
	defer tick.Stop()

	for {
		if p.Dead() {
			return ErrDead
		}

		nonce := p.sent.Inc()
		if err := p.Pace(ctx, nonce); err != nil {
			return errors.Wrap(err, "failed to pace")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
