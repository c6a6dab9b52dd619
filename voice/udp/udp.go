// Package udp implements the voice data channel: IP discovery, RTP framing,
// encryption and a paced send loop running on its own OS thread.
package udp

import (
	"context"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/time/rate"
)

var (
	// ErrClosed is returned once the connection is closed.
	ErrClosed = errors.New("UDP connection closed")
	// ErrNoSecret is returned by Start before UseSecret.
	ErrNoSecret = errors.New("no secret key")
)

// Dialer dials the UDP socket. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Encoder compresses a single PCM frame.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// Observer is notified about send loop activity. Methods are called from the
// send loop and must not block.
type Observer interface {
	PacketSent()
	FrameDropped()
	Underrun()
	LateSend()
}

type nopObserver struct{}

func (nopObserver) PacketSent()   {}
func (nopObserver) FrameDropped() {}
func (nopObserver) Underrun()     {}
func (nopObserver) LateSend()     {}

// Opts contains the options for a Connection.
type Opts struct {
	// FrameDuration is the duration of a single frame.
	FrameDuration time.Duration
	// FrameSize is the PCM byte size of a single frame.
	FrameSize int
	// SamplesPerFrame is how much the RTP timestamp advances per packet.
	SamplesPerFrame uint32
	// BufferDuration is how much audio the ring buffer holds.
	BufferDuration time.Duration
	// DiscoveryTimeout applies when the Discover context has no deadline.
	DiscoveryTimeout time.Duration
	// MaxPayload bounds the size of an encoded frame.
	MaxPayload int

	Encoder  Encoder
	Dialer   Dialer
	Observer Observer
	Logger   *zap.Logger
	// OnError is called once, from its own goroutine, when the socket fails
	// while sending.
	OnError func(error)
}

// DefaultOpts is 20ms frames of 48kHz stereo 16-bit audio.
var DefaultOpts = Opts{
	FrameDuration:    20 * time.Millisecond,
	FrameSize:        3840,
	SamplesPerFrame:  960,
	BufferDuration:   time.Second,
	DiscoveryTimeout: 10 * time.Second,
	MaxPayload:       1275,
}

func (o *Opts) fill() {
	if o.FrameDuration <= 0 {
		o.FrameDuration = DefaultOpts.FrameDuration
	}
	if o.FrameSize <= 0 {
		o.FrameSize = DefaultOpts.FrameSize
	}
	if o.SamplesPerFrame == 0 {
		o.SamplesPerFrame = DefaultOpts.SamplesPerFrame
	}
	if o.BufferDuration <= 0 {
		o.BufferDuration = DefaultOpts.BufferDuration
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = DefaultOpts.DiscoveryTimeout
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = DefaultOpts.MaxPayload
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{Timeout: 10 * time.Second}
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Connection is a voice UDP connection for one SSRC.
type Connection struct {
	opts   Opts
	ssrc   uint32
	logger *zap.Logger

	ring       *RingBuffer
	packetizer *Packetizer
	sealer     *Sealer

	mu      sync.Mutex
	conn    net.Conn
	started bool

	paused   atomic.Bool
	speaking atomic.Bool
	flushing atomic.Bool
	closing  atomic.Bool

	stop      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	errOnce   sync.Once
	err       error

	behind   rate.Sometimes
	underrun rate.Sometimes
}

// NewConnection allocates an undialed connection and its ring buffer.
func NewConnection(ssrc uint32, opts Opts) *Connection {
	opts.fill()

	frames := int(opts.BufferDuration / opts.FrameDuration)
	if frames < 1 {
		frames = 1
	}

	return &Connection{
		opts:       opts,
		ssrc:       ssrc,
		logger:     opts.Logger.Named("udp"),
		ring:       NewRingBuffer(frames * opts.FrameSize),
		packetizer: NewPacketizer(ssrc, opts.SamplesPerFrame),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		behind:     rate.Sometimes{Interval: 5 * time.Second},
		underrun:   rate.Sometimes{Interval: 5 * time.Second},
	}
}

// SSRC returns the SSRC of the connection.
func (c *Connection) SSRC() uint32 { return c.ssrc }

// Dial connects the socket to the voice server.
func (c *Connection) Dial(ctx context.Context, addr string) error {
	if c.closing.Load() {
		return ErrClosed
	}

	conn, err := c.opts.Dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to dial host")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing.Load() {
		conn.Close()
		return ErrClosed
	}
	if c.conn != nil {
		conn.Close()
		return errors.New("already dialed")
	}

	c.conn = conn
	c.logger.Debug("dialed voice server", zap.String("addr", addr))
	return nil
}

func (c *Connection) socket() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// UseSecret sets the key from the session description.
func (c *Connection) UseSecret(key [32]byte) error {
	s, err := NewSealer(key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("secret set after start")
	}

	c.sealer = s
	return nil
}

// Start starts the send loop. It requires a dialed socket and a secret.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closing.Load():
		return ErrClosed
	case c.conn == nil:
		return errors.New("send loop started before dial")
	case c.sealer == nil:
		return ErrNoSecret
	case c.opts.Encoder == nil:
		return errors.New("no encoder")
	case c.started:
		return errors.New("send loop already started")
	}

	c.started = true
	go c.sendLoop(c.conn)
	return nil
}

// Enqueue queues PCM audio for sending. It fails with ErrBufferFull instead of
// overflowing.
func (c *Connection) Enqueue(pcm []byte) error {
	if c.closing.Load() {
		return ErrClosed
	}
	return c.ring.Write(pcm)
}

// CanEnqueue returns true if size bytes fit in the buffer.
func (c *Connection) CanEnqueue(size int) bool {
	return size >= 0 && size <= c.ring.Free()
}

// Buffered returns the number of queued bytes.
func (c *Connection) Buffered() int { return c.ring.Len() }

// Clear discards queued audio.
func (c *Connection) Clear() { c.ring.Clear() }

// Pause pauses or unpauses sending. Staged audio is kept.
func (c *Connection) Pause(paused bool) { c.paused.Store(paused) }

// Paused returns whether sending is paused.
func (c *Connection) Paused() bool { return c.paused.Load() }

// SetSpeaking marks whether the caller is expected to produce audio. An empty
// buffer while speaking is logged as an underrun.
func (c *Connection) SetSpeaking(speaking bool) { c.speaking.Store(speaking) }

// Flush sends the residual partial frame, padded with silence, once the full
// frames are gone.
func (c *Connection) Flush() { c.flushing.Store(true) }

// Done is closed once the send loop has stopped, either by Close or by a
// socket failure. It is never closed if the loop was never started.
func (c *Connection) Done() <-chan struct{} { return c.loopDone }

// Err returns the socket error that stopped the send loop, if any.
func (c *Connection) Err() error {
	select {
	case <-c.loopDone:
		return c.err
	default:
		return nil
	}
}

// Closed returns true once Close has been called.
func (c *Connection) Closed() bool { return c.closing.Load() }

// Close stops the send loop and closes the socket. It is safe to call more
// than once.
func (c *Connection) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.stop)

		c.mu.Lock()
		conn := c.conn
		started := c.started
		c.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}

		if started {
			<-c.loopDone
		}

		c.ring.Clear()
	})

	return err
}

func (c *Connection) fail(err error) {
	c.errOnce.Do(func() {
		c.err = err
		c.logger.Warn("voice UDP connection failed", zap.Error(err))
		if c.opts.OnError != nil {
			go c.opts.OnError(err)
		}
	})
}

// spinThreshold is how close to the deadline the loop stops sleeping and
// starts yielding.
const spinThreshold = 2 * time.Millisecond

func (c *Connection) sendLoop(conn net.Conn) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.loopDone)

	var (
		frame  = make([]byte, c.opts.FrameSize)
		header = make([]byte, HeaderSize)
		packet = make([]byte, 0, HeaderSize+c.opts.MaxPayload+secretbox.Overhead)
		staged []byte
	)

	frameDuration := c.opts.FrameDuration
	start := time.Now()
	var tick int64

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if staged == nil {
			staged = c.stage(frame, header, packet)
		}

		deadline := start.Add(time.Duration(tick) * frameDuration)

		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			if remaining > spinThreshold {
				time.Sleep(900 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		late := time.Since(deadline)

		switch {
		case c.paused.Load():
		case staged != nil:
			if late > frameDuration {
				c.opts.Observer.LateSend()
				c.behind.Do(func() {
					c.logger.Warn("voice send loop running behind", zap.Duration("late", late))
				})
			}

			if _, err := conn.Write(staged); err != nil {
				if !c.closing.Load() {
					c.fail(errors.Wrap(err, "failed to write to UDP connection"))
				}
				return
			}

			c.opts.Observer.PacketSent()
			staged = nil

		case c.speaking.Load():
			c.opts.Observer.Underrun()
			c.underrun.Do(func() {
				c.logger.Warn("voice buffer underrun while speaking")
			})
		}

		tick++

		// After a long stall, restart the schedule instead of bursting to
		// catch up.
		if late > c.opts.BufferDuration {
			start = time.Now()
			tick = 0
		}
	}
}

// stage dequeues, encodes and seals one frame. It returns nil if there is
// nothing to send or the frame was dropped.
func (c *Connection) stage(frame, header, packet []byte) []byte {
	flushing := c.flushing.Load()

	if c.ring.ReadFrame(frame, flushing) == 0 {
		if flushing && c.ring.Len() == 0 {
			c.flushing.Store(false)
		}
		return nil
	}

	opus, err := c.opts.Encoder.Encode(frame)
	if err != nil {
		c.opts.Observer.FrameDropped()
		c.logger.Warn("cannot encode voice frame", zap.Error(err))
		return nil
	}

	header, err = c.packetizer.Next(header)
	if err != nil {
		c.opts.Observer.FrameDropped()
		c.logger.Warn("cannot build voice packet", zap.Error(err))
		return nil
	}

	sealed, err := c.sealer.Seal(packet[:0], header, opus)
	if err != nil {
		c.opts.Observer.FrameDropped()
		c.logger.Warn("dropping voice frame", zap.Error(err))
		return nil
	}

	return sealed
}
