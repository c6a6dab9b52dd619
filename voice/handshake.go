package voice

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/diamondburned/voicecore/voice/udp"
	"github.com/diamondburned/voicecore/voice/voicegateway"
)

var errLinkClosed = errors.New("connection closed during handshake")

// handshake is the state carried between the steps of one handshake.
type handshake struct {
	c       *Connection
	link    *link
	session SessionInfo

	gw     *voicegateway.Gateway
	ready  *voicegateway.ReadyEvent
	uc     *udp.Connection
	ip     string
	port   uint16
	secret *voicegateway.SessionDescriptionEvent
}

type handshakeStep struct {
	name string
	run  func(h *handshake, ctx context.Context) error
}

// handshakeSteps run in order. A failed step fails the whole handshake.
var handshakeSteps = []handshakeStep{
	{"open signaling", (*handshake).openSignaling},
	{"connect signaling", (*handshake).connectSignaling},
	{"hello", (*handshake).hello},
	{"identify", (*handshake).identify},
	{"ready", (*handshake).waitReady},
	{"heartbeat", (*handshake).heartbeat},
	{"open data", (*handshake).openData},
	{"connect data", (*handshake).connectData},
	{"ip discovery", (*handshake).discover},
	{"select protocol", (*handshake).selectProtocol},
	{"session description", (*handshake).sessionDescription},
	{"start send loop", (*handshake).start},
}

// handshake runs every step against the current session and installs the
// resulting link. The caller holds the transition lock and invalidates the
// connection on error, which closes whatever the steps opened.
func (c *Connection) handshake(ctx context.Context, kind string) (err error) {
	h := &handshake{
		c:       c,
		link:    newLink(),
		session: c.SessionInfo(),
	}

	if prev := c.link.Swap(h.link); prev != nil {
		prev.close(c.abortCtx, voicegateway.CloseNormal)
	}

	// invalidate flips the state before taking the link, so either it sees
	// this link or this sees the state.
	if c.State() == StateInvalidated {
		h.link.close(c.abortCtx, voicegateway.CloseNormal)
		return errLinkClosed
	}

	defer func() { c.opts.metrics.handshake(c.guildID, kind, err) }()

	log := c.logger.With(zap.String("endpoint", h.session.Endpoint), zap.String("kind", kind))

	for i, step := range handshakeSteps {
		if err := c.runStep(ctx, i, step, h); err != nil {
			log.Debug("handshake step failed", zap.Int("step", i+1), zap.String("name", step.name), zap.Error(err))
			return &Error{Op: step.name, Kind: classify(err), Err: err}
		}
	}

	log.Debug("handshake complete", zap.Uint32("ssrc", h.ready.SSRC))

	go c.watch(h.link)
	return nil
}

func (c *Connection) runStep(ctx context.Context, i int, step handshakeStep, h *handshake) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.stepTimeout)
	defer cancel()

	if c.stepHook != nil {
		if err := c.stepHook(i); err != nil {
			return err
		}
	}

	return step.run(h, ctx)
}

func (c *Connection) newGateway(state voicegateway.State) *voicegateway.Gateway {
	return voicegateway.New(state, voicegateway.Opts{
		HeartbeatCompensation: c.opts.heartbeatCompensation,
		URL:                   c.opts.gatewayURL,
		Dialer:                c.opts.wsDialer,
		Logger:                c.logger,
		OnSpeaking:            c.onSpeaking,
	})
}

func (h *handshake) openSignaling(ctx context.Context) error {
	if h.session.Endpoint == "" {
		return voicegateway.ErrNoEndpoint
	}

	h.gw = h.c.newGateway(voicegateway.State{
		GuildID:   h.c.guildID,
		UserID:    h.c.userID,
		SessionID: h.session.SessionID,
		Token:     h.session.Token,
		Endpoint:  h.session.Endpoint,
	})

	if !h.link.setGateway(h.gw) {
		return errLinkClosed
	}
	return nil
}

func (h *handshake) connectSignaling(ctx context.Context) error {
	return h.gw.Open(ctx)
}

func (h *handshake) hello(ctx context.Context) error {
	_, err := h.gw.WaitHello(ctx)
	return err
}

func (h *handshake) identify(ctx context.Context) error {
	return h.gw.Identify(ctx)
}

func (h *handshake) waitReady(ctx context.Context) error {
	ready, err := h.gw.WaitReady(ctx)
	if err != nil {
		return err
	}

	if !ready.SupportsMode(voicegateway.EncryptionMode) {
		return errors.Wrapf(ErrUnsupportedMode, "offered %v", ready.Modes)
	}

	h.ready = ready
	return nil
}

func (h *handshake) heartbeat(ctx context.Context) error {
	return h.gw.StartHeartbeat()
}

func (h *handshake) openData(ctx context.Context) error {
	cfg := h.c.codec.Config()

	h.uc = udp.NewConnection(h.ready.SSRC, udp.Opts{
		FrameDuration:   cfg.FrameDuration,
		FrameSize:       cfg.FrameSize(),
		SamplesPerFrame: uint32(cfg.SamplesPerFrame()),
		Encoder:         h.c.codec,
		Dialer:          h.c.opts.udpDialer,
		Observer:        h.c.opts.metrics.observer(h.c.guildID),
		Logger:          h.c.logger,
		OnError:         func(err error) { h.c.onDataError(h.link, err) },
	})

	if !h.link.setDataChannel(h.uc) {
		return errLinkClosed
	}
	return nil
}

func (h *handshake) connectData(ctx context.Context) error {
	host := h.ready.IP
	if host == "" {
		host = h.session.Endpoint
		if hostOnly, _, err := net.SplitHostPort(host); err == nil {
			host = hostOnly
		}
	}

	return h.uc.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(h.ready.Port)))
}

func (h *handshake) discover(ctx context.Context) (err error) {
	h.ip, h.port, err = h.uc.Discover(ctx)
	return err
}

func (h *handshake) selectProtocol(ctx context.Context) error {
	return h.gw.SelectProtocol(ctx, voicegateway.SelectProtocolData{
		Address: h.ip,
		Port:    h.port,
		Mode:    voicegateway.EncryptionMode,
	})
}

func (h *handshake) sessionDescription(ctx context.Context) error {
	secret, err := h.gw.WaitSessionDescription(ctx)
	if err != nil {
		return err
	}

	if secret.Mode != voicegateway.EncryptionMode {
		return errors.Wrapf(ErrUnsupportedMode, "selected %q", secret.Mode)
	}

	h.secret = secret
	return nil
}

func (h *handshake) start(ctx context.Context) error {
	if err := h.uc.UseSecret(h.secret.SecretKey); err != nil {
		return err
	}

	flags := h.c.Speaking()

	h.uc.Pause(h.c.paused.Load())
	h.uc.SetSpeaking(flags != voicegateway.SpeakingOff)

	if err := h.uc.Start(); err != nil {
		return err
	}

	// Carry the speaking state over a migration.
	if flags != voicegateway.SpeakingOff {
		return h.gw.Speaking(ctx, flags)
	}
	return nil
}

// watch follows the signaling socket of l until l is replaced or closed. A
// resumable close is resumed in place; everything else either re-runs the
// handshake or invalidates the connection.
func (c *Connection) watch(l *link) {
	for {
		gw := l.gateway()

		select {
		case <-gw.Done():
		case <-l.stop:
			return
		}

		if l.isClosed() {
			return
		}

		outcome := gw.Outcome()
		c.logger.Info("voice gateway closed",
			zap.Stringer("outcome", outcome),
			zap.Int("code", gw.CloseCode()))

		switch outcome {
		case voicegateway.OutcomeResume:
			if err := c.resume(l); err != nil {
				if l.isClosed() {
					return
				}
				c.invalidate(reasonFor(err), err.Error())
				return
			}

		case voicegateway.OutcomeNewSession:
			go c.rehandshake("new session", l)
			return

		case voicegateway.OutcomeTimedOut:
			c.invalidate(ReasonTimedOut, gw.Err().Error())
			return

		case voicegateway.OutcomeClosed, voicegateway.OutcomeDisconnected:
			c.invalidate(ReasonNormal, gw.Err().Error())
			return

		default:
			c.invalidate(ReasonError, gw.Err().Error())
			return
		}
	}
}

// resume replaces the signaling socket of l and resumes the session on it.
// The data channel keeps sending.
func (c *Connection) resume(l *link) (err error) {
	const op = "resume"

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.connectTimeout)
	defer cancel()

	if err := c.transition.CLock(ctx); err != nil {
		return wrapError(op, err)
	}
	defer c.transition.Unlock()

	if l.isClosed() {
		return nil
	}

	defer func() { c.opts.metrics.handshake(c.guildID, op, err) }()

	gw := c.newGateway(l.gateway().State())
	if !l.setGateway(gw) {
		return nil
	}

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"connect signaling", gw.Open},
		{"hello", func(ctx context.Context) error {
			_, err := gw.WaitHello(ctx)
			return err
		}},
		{"resume", gw.Resume},
		{"resumed", gw.WaitResumed},
		{"heartbeat", func(context.Context) error { return gw.StartHeartbeat() }},
	}

	for _, step := range steps {
		stepCtx, cancel := context.WithTimeout(ctx, c.opts.stepTimeout)
		err := step.run(stepCtx)
		cancel()

		if err != nil {
			return wrapError(op, &Error{Op: step.name, Kind: classify(err), Err: err})
		}
	}

	c.logger.Info("voice session resumed")
	return nil
}

// migrate re-runs the handshake after the voice server changed.
func (c *Connection) migrate() {
	c.rehandshake("migrate", nil)
}

// rehandshake drops the current link and runs the handshake again in place,
// without raising ConnectedEvent or InvalidatedEvent on success. If prev is
// not nil, nothing happens unless prev is still the current link.
func (c *Connection) rehandshake(kind string, prev *link) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.connectTimeout)
	defer cancel()

	if err := c.transition.CLock(ctx); err != nil {
		if c.ctx.Err() == nil {
			c.invalidate(ReasonTimedOut, wrapError(kind, err).Error())
		}
		return
	}
	defer c.transition.Unlock()

	current := c.link.Load()
	if prev != nil && current != prev {
		return
	}

	if prev == nil && current != nil {
		// The handshake this waited for may already have used the new server.
		session := c.SessionInfo()
		if gw := current.gateway(); gw != nil {
			st := gw.State()
			if st.Endpoint == session.Endpoint && st.Token == session.Token {
				return
			}
		}
	}

	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateConnecting)) {
		return
	}

	c.logger.Info("re-running voice handshake", zap.String("kind", kind))

	if l := c.link.Swap(nil); l != nil {
		l.close(c.abortCtx, voicegateway.CloseNormal)
	}

	if err := c.handshake(ctx, kind); err != nil {
		verr := wrapError(kind, err)
		c.logger.Warn("voice handshake failed", zap.Error(verr))
		c.invalidate(reasonFor(verr), verr.Error())
		return
	}

	if c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		c.logger.Info("voice connection re-established", zap.String("kind", kind))
	}
}

// onDataError invalidates the connection when the send loop of l fails.
func (c *Connection) onDataError(l *link, err error) {
	if l.isClosed() || c.link.Load() != l {
		return
	}
	c.invalidate(ReasonError, wrapError("send", err).Error())
}
