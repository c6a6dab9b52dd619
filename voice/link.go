package voice

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/diamondburned/voicecore/voice/udp"
	"github.com/diamondburned/voicecore/voice/voicegateway"
)

// link is the signaling and data channel pair of one handshake. Once closed,
// anything attached to it is closed right away.
type link struct {
	mu     sync.Mutex
	closed bool
	gw     *voicegateway.Gateway
	uc     *udp.Connection
	stop   chan struct{}
}

func newLink() *link {
	return &link{stop: make(chan struct{})}
}

func (l *link) gateway() *voicegateway.Gateway {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gw
}

func (l *link) dataChannel() *udp.Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uc
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// setGateway attaches gw, replacing the current gateway. It returns false and
// closes gw if the link is closed.
func (l *link) setGateway(gw *voicegateway.Gateway) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		gw.Close(voicegateway.CloseNormal)
		return false
	}

	l.gw = gw
	return true
}

// setDataChannel attaches uc. It returns false and closes uc if the link is
// closed.
func (l *link) setDataChannel(uc *udp.Connection) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		uc.Close()
		return false
	}

	l.uc = uc
	return true
}

// close closes both channels concurrently, sending code on the signaling
// socket. It stops waiting once abort is done.
func (l *link) close(abort context.Context, code int) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stop)
	gw, uc := l.gw, l.uc
	l.mu.Unlock()

	var g errgroup.Group
	if gw != nil {
		g.Go(func() error { return gw.Close(code) })
	}
	if uc != nil {
		g.Go(uc.Close)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-abort.Done():
		return abort.Err()
	}
}
