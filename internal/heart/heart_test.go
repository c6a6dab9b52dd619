package heart

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacemakerEchoed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var p *Pacemaker
	nonces := make(chan uint64, 16)

	p = NewPacemaker(5*time.Millisecond, func(ctx context.Context, nonce uint64) error {
		nonces <- nonce
		assert.True(t, p.Echo(nonce))
		if nonce == 5 {
			cancel()
		}
		return nil
	})

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(nonces)
	var want uint64 = 1
	for n := range nonces {
		assert.Equal(t, want, n)
		want++
	}
	assert.False(t, p.LastEcho().IsZero())
}

func TestPacemakerDead(t *testing.T) {
	p := NewPacemaker(5*time.Millisecond, func(context.Context, uint64) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := p.Run(ctx)
	require.ErrorIs(t, err, ErrDead)
	assert.Equal(t, uint64(1), p.Sent())
}

func TestPacemakerStaleEcho(t *testing.T) {
	p := NewPacemaker(time.Second, nil)
	p.sent.Store(3)

	assert.False(t, p.Echo(2), "stale nonce must not count")
	assert.True(t, p.Dead())
	assert.True(t, p.Echo(3))
	assert.False(t, p.Dead())
}
