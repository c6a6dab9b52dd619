// Package voice implements a voice connection for a single guild: it drives
// the signaling and UDP handshake, keeps the session alive across server
// migrations and resumes, and streams PCM audio.
package voice

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-csync"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/diamondburned/voicecore/discord"
	"github.com/diamondburned/voicecore/voice/codec"
	"github.com/diamondburned/voicecore/voice/udp"
	"github.com/diamondburned/voicecore/voice/voicegateway"
)

// leaveTimeout bounds the leave intent sent while invalidating.
const leaveTimeout = 5 * time.Second

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	// StateInvalidated is terminal.
	StateInvalidated
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// SessionInfo is what the bridge told us about the voice session. Token and
// Endpoint change when the voice server migrates.
type SessionInfo struct {
	SessionID string
	ChannelID discord.ChannelID
	Token     string
	Endpoint  string
}

// Connection is a voice connection in one guild. A Connection is used once:
// after it is invalidated, create a new one.
type Connection struct {
	guildID discord.GuildID
	userID  discord.UserID
	bridge  GatewayBridge
	opts    options
	logger  *zap.Logger
	codec   *codec.Adapter

	state atomic.Int32
	// transition serializes handshakes: connect, migration, resume and new
	// session never overlap.
	transition csync.Mutex

	sessMu  sync.Mutex
	session SessionInfo
	mute    bool
	deaf    bool

	stateReady  *signal
	serverReady *signal

	speaking atomic.Uint64
	paused   atomic.Bool
	link     atomic.Pointer[link]
	handlers handlers

	ctx    context.Context
	cancel context.CancelFunc
	// abortCtx is canceled when a disconnect gives up on a graceful close.
	abortCtx context.Context
	abort    context.CancelFunc

	unsubscribe  func()
	invalidating atomic.Bool
	done         chan struct{}

	// stepHook is called before every handshake step.
	stepHook func(step int) error
}

// NewConnection creates an idle connection for the user in the guild and
// subscribes it to the bridge.
func NewConnection(bridge GatewayBridge, guildID discord.GuildID, userID discord.UserID, opts ...Option) (*Connection, error) {
	if bridge == nil {
		return nil, errors.New("nil gateway bridge")
	}
	if !guildID.IsValid() {
		return nil, invalidState("new", "invalid guild ID %v", guildID)
	}
	if !userID.IsValid() {
		return nil, invalidState("new", "invalid user ID %v", userID)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	adapter, err := codec.New(o.codec, o.codecFactory)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create codec")
	}

	ctx, cancel := context.WithCancel(context.Background())
	abortCtx, abort := context.WithCancel(context.Background())

	c := &Connection{
		guildID:     guildID,
		userID:      userID,
		bridge:      bridge,
		opts:        o,
		logger:      o.logger.Named("voice").With(zap.Stringer("guild_id", guildID)),
		codec:       adapter,
		stateReady:  newSignal(),
		serverReady: newSignal(),
		ctx:         ctx,
		cancel:      cancel,
		abortCtx:    abortCtx,
		abort:       abort,
		done:        make(chan struct{}),
	}

	events, unsubscribe := bridge.Subscribe(guildID)
	c.unsubscribe = unsubscribe
	go c.pump(events)

	return c, nil
}

// GuildID returns the guild of the connection.
func (c *Connection) GuildID() discord.GuildID { return c.guildID }

// State returns the lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// IsValid returns false once the connection is invalidated.
func (c *Connection) IsValid() bool { return c.State() != StateInvalidated }

// IsConnecting returns true during a handshake, including a migration.
func (c *Connection) IsConnecting() bool { return c.State() == StateConnecting }

// IsConnected returns true once the handshake has completed.
func (c *Connection) IsConnected() bool { return c.State() == StateConnected }

// SessionInfo returns a copy of the current session information.
func (c *Connection) SessionInfo() SessionInfo {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.session
}

// Speaking returns the speaking flags last sent.
func (c *Connection) Speaking() voicegateway.SpeakingFlag {
	return voicegateway.SpeakingFlag(c.speaking.Load())
}

// Done is closed once the connection is invalidated and torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// AddHandler registers fn for connection events and returns the function
// that removes it. Handlers are called in registration order from internal
// goroutines and must not block.
func (c *Connection) AddHandler(fn func(Event)) (remove func()) {
	return c.handlers.add(fn)
}

// Connect joins the voice channel and runs the handshake. It fails with
// ErrInvalidState unless the connection is idle. The connect timeout applies
// on top of ctx; any failure invalidates the connection.
func (c *Connection) Connect(ctx context.Context, channelID discord.ChannelID, mute, deaf bool) error {
	const op = "connect"

	if !channelID.IsValid() {
		return invalidState(op, "invalid channel ID %v", channelID)
	}

	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return invalidState(op, "connection is %s", c.State())
	}

	c.logger.Debug("connecting", zap.Stringer("channel_id", channelID))

	if err := c.connect(ctx, channelID, mute, deaf); err != nil {
		// The host connection refused the intent before anything happened.
		if errors.Is(err, ErrInvalidState) && c.ctx.Err() == nil &&
			c.state.CompareAndSwap(int32(StateConnecting), int32(StateIdle)) {
			return wrapError(op, err)
		}
		return c.fail(op, err)
	}

	return nil
}

func (c *Connection) connect(ctx context.Context, channelID discord.ChannelID, mute, deaf bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()

	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if err := c.transition.CLock(ctx); err != nil {
		return errors.Wrap(err, "waiting for previous handshake")
	}
	defer c.transition.Unlock()

	c.sessMu.Lock()
	c.session.ChannelID = channelID
	c.mute = mute
	c.deaf = deaf
	c.sessMu.Unlock()

	c.stateReady.reset()
	c.serverReady.reset()

	if err := c.bridge.UpdateVoiceState(ctx, c.guildID, channelID, mute, deaf); err != nil {
		return &Error{Op: "voice state update", Kind: kindOf(err), Err: err}
	}

	if err := c.stateReady.wait(ctx); err != nil {
		return errors.Wrap(err, "waiting for voice state")
	}
	if err := c.serverReady.wait(ctx); err != nil {
		return errors.Wrap(err, "waiting for voice server")
	}

	if err := c.handshake(ctx, "connect"); err != nil {
		return err
	}

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return invalidState("handshake", "connection invalidated during handshake")
	}

	c.logger.Info("voice connected", zap.Stringer("channel_id", channelID))
	c.handlers.call(&ConnectedEvent{GuildID: c.guildID, ChannelID: channelID})

	return nil
}

// kindOf keeps the kind of an *Error returned by the bridge.
func kindOf(err error) error {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return classify(err)
}

// fail invalidates the connection after a failed connect.
func (c *Connection) fail(op string, err error) error {
	verr := wrapError(op, err)
	if c.ctx.Err() != nil {
		// Invalidated by someone else while connecting.
		verr.Kind = ErrInvalidState
	}

	c.logger.Warn("voice connect failed", zap.Error(verr))
	c.invalidate(reasonFor(verr), verr.Error())

	return verr
}

// Disconnect leaves the channel and closes both sockets. It fails with
// ErrInvalidState unless the connection is connected. If ctx expires first,
// the sockets are dropped without waiting and the context error is returned.
func (c *Connection) Disconnect(ctx context.Context) error {
	const op = "disconnect"

	if st := c.State(); st != StateConnected {
		return invalidState(op, "connection is %s", st)
	}

	go c.invalidate(ReasonNormal, "")

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.abort()
		c.logger.Warn("graceful disconnect stalled, aborting", zap.Error(ctx.Err()))
		return wrapError(op, ctx.Err())
	}
}

// Close invalidates the connection in any state and waits for the teardown.
// It is the way to release a connection that was never connected.
func (c *Connection) Close() error {
	c.invalidate(ReasonNormal, "")
	return nil
}

// SendVoiceData queues PCM audio for sending. It fails with ErrBufferFull if
// the audio does not fit; check CanSendVoiceData first.
func (c *Connection) SendVoiceData(pcm []byte) error {
	const op = "send voice data"

	if st := c.State(); st != StateConnected {
		return invalidState(op, "connection is %s", st)
	}

	uc := c.dataChannel()
	if uc == nil {
		return invalidState(op, "no data channel")
	}

	if err := uc.Enqueue(pcm); err != nil {
		return wrapError(op, err)
	}
	return nil
}

// dataChannel returns the data channel of the current link, if any.
func (c *Connection) dataChannel() *udp.Connection {
	if l := c.link.Load(); l != nil {
		return l.dataChannel()
	}
	return nil
}

// CanSendVoiceData returns true if size bytes of PCM fit in the send buffer.
func (c *Connection) CanSendVoiceData(size int) bool {
	if !c.IsConnected() {
		return false
	}
	uc := c.dataChannel()
	return uc != nil && uc.CanEnqueue(size)
}

// ClearVoiceBuffer discards audio that was queued but not sent yet.
func (c *Connection) ClearVoiceBuffer() {
	if uc := c.dataChannel(); uc != nil {
		uc.Clear()
	}
}

// SetSpeaking sends the speaking flags. Turning speaking off also flushes the
// residual partial frame.
func (c *Connection) SetSpeaking(ctx context.Context, flags voicegateway.SpeakingFlag) error {
	const op = "set speaking"

	if st := c.State(); st != StateConnected {
		return invalidState(op, "connection is %s", st)
	}

	l := c.link.Load()
	if l == nil {
		return invalidState(op, "no signaling connection")
	}

	if err := l.gateway().Speaking(ctx, flags); err != nil {
		return wrapError(op, err)
	}

	c.speaking.Store(uint64(flags))

	if uc := l.dataChannel(); uc != nil {
		uc.SetSpeaking(flags != voicegateway.SpeakingOff)
		if flags == voicegateway.SpeakingOff {
			uc.Flush()
		}
	}

	return nil
}

// UpdateVoiceState moves to another channel or changes mute and deafen
// without reconnecting. Use Disconnect to leave.
func (c *Connection) UpdateVoiceState(ctx context.Context, channelID discord.ChannelID, mute, deaf bool) error {
	const op = "update voice state"

	if st := c.State(); st != StateConnected {
		return invalidState(op, "connection is %s", st)
	}
	if !channelID.IsValid() {
		return invalidState(op, "invalid channel ID %v", channelID)
	}

	if err := c.bridge.UpdateVoiceState(ctx, c.guildID, channelID, mute, deaf); err != nil {
		return &Error{Op: op, Kind: kindOf(err), Err: err}
	}

	c.sessMu.Lock()
	c.mute = mute
	c.deaf = deaf
	c.sessMu.Unlock()

	return nil
}

// Pause stops sending audio. Queued audio is kept.
func (c *Connection) Pause() { c.setPaused(true) }

// Resume continues sending audio after Pause.
func (c *Connection) Resume() { c.setPaused(false) }

// Paused returns whether sending is paused.
func (c *Connection) Paused() bool { return c.paused.Load() }

func (c *Connection) setPaused(paused bool) {
	c.paused.Store(paused)
	if uc := c.dataChannel(); uc != nil {
		uc.Pause(paused)
	}
}

// pump applies bridge events until the subscription ends.
func (c *Connection) pump(events <-chan BridgeEvent) {
	for ev := range events {
		switch ev := ev.(type) {
		case *VoiceStateChanged:
			if ev.UserID == c.userID {
				c.onVoiceState(ev)
			}
		case *VoiceServerAssigned:
			c.onVoiceServer(ev)
		case *GuildRemoved:
			if c.IsValid() {
				go c.invalidate(ReasonBotRemovedFromGuild, "removed from guild")
			}
		}
	}
}

func (c *Connection) onVoiceState(ev *VoiceStateChanged) {
	left := !ev.ChannelID.IsValid()

	c.sessMu.Lock()
	if ev.SessionID != "" {
		c.session.SessionID = ev.SessionID
	}
	if !left {
		c.session.ChannelID = ev.ChannelID
	}
	c.sessMu.Unlock()

	if left {
		if c.IsConnected() {
			c.logger.Info("removed from voice channel")
			go c.invalidate(ReasonNormal, "removed from voice channel")
		}
		return
	}

	if ev.SessionID != "" {
		c.stateReady.resolve()
	}
}

func (c *Connection) onVoiceServer(ev *VoiceServerAssigned) {
	if ev.Endpoint == "" {
		c.logger.Debug("voice server is being reallocated")
		return
	}

	c.sessMu.Lock()
	c.session.Token = ev.Token
	c.session.Endpoint = ev.Endpoint
	c.sessMu.Unlock()

	if c.serverReady.resolve() {
		return
	}

	switch c.State() {
	case StateConnecting, StateConnected:
		c.logger.Info("voice server changed", zap.String("endpoint", ev.Endpoint))
		go c.migrate()
	}
}

func (c *Connection) onSpeaking(ev *voicegateway.SpeakingEvent) {
	c.handlers.call(&MemberSpeakingEvent{
		UserID:   ev.UserID,
		SSRC:     ev.SSRC,
		Flags:    ev.Speaking,
		Speaking: ev.Speaking != voicegateway.SpeakingOff,
	})
}

// invalidate tears the connection down once: it leaves the channel and
// closes both sockets concurrently, then raises InvalidatedEvent. Later calls
// wait for the first one to finish.
func (c *Connection) invalidate(reason InvalidReason, message string) {
	if !c.invalidating.CompareAndSwap(false, true) {
		<-c.done
		return
	}

	prev := ConnState(c.state.Swap(int32(StateInvalidated)))
	c.cancel()
	l := c.link.Swap(nil)

	c.logger.Info("invalidating voice connection",
		zap.Stringer("reason", reason),
		zap.String("message", message))

	var g errgroup.Group
	if prev != StateIdle {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(c.abortCtx, leaveTimeout)
			defer cancel()

			err := c.bridge.UpdateVoiceState(ctx, c.guildID, discord.NullChannelID, false, false)
			return errors.Wrap(err, "cannot leave voice channel")
		})
	}
	if l != nil {
		g.Go(func() error {
			return l.close(c.abortCtx, voicegateway.CloseNormal)
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Debug("voice teardown error", zap.Error(err))
	}

	c.unsubscribe()

	c.sessMu.Lock()
	c.session = SessionInfo{}
	c.sessMu.Unlock()

	c.opts.metrics.invalidated(c.guildID, reason)
	close(c.done)

	c.handlers.call(&InvalidatedEvent{Reason: reason, Message: message})
}
