// Package voicegateway implements the voice signaling protocol: the
// Identify, Ready, SelectProtocol and SessionDescription handshake, the
// heartbeat and close code classification.
package voicegateway

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/diamondburned/voicecore/discord"
	"github.com/diamondburned/voicecore/internal/heart"
	"github.com/diamondburned/voicecore/utils/json"
	"github.com/diamondburned/voicecore/utils/ws"
)

// Version is the voice gateway version this package speaks.
const Version = "4"

var (
	// ErrNoEndpoint is returned when the voice server has no endpoint, which
	// happens while the server is being reallocated.
	ErrNoEndpoint = errors.New("no endpoint was received")
	// ErrClosed is returned by the Wait methods once the gateway is closed.
	ErrClosed = errors.New("voice gateway closed")
	// ErrHeartbeatTimeout is the gateway error after an unacknowledged beat.
	ErrHeartbeatTimeout = errors.New("voice gateway heartbeat timed out")
)

// State contains the session information needed to identify or resume.
type State struct {
	GuildID   discord.GuildID
	UserID    discord.UserID
	SessionID string
	Token     string
	Endpoint  string
}

// Opts contains the options for a Gateway.
type Opts struct {
	// HeartbeatCompensation scales the interval advertised in Hello. Servers
	// advertise an interval that is too long to keep the session alive.
	HeartbeatCompensation float64
	// URL turns the endpoint into the websocket URL. It defaults to
	// EndpointURL.
	URL func(endpoint string) (string, error)
	// Dialer overrides the websocket dialer.
	Dialer ws.Dialer
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// OnSpeaking is called from the read loop for every op 5 received.
	OnSpeaking func(*SpeakingEvent)
}

// DefaultOpts contains the default options.
var DefaultOpts = Opts{
	HeartbeatCompensation: 0.75,
	URL:                   EndpointURL,
}

type endpointQuery struct {
	Version string `schema:"v"`
}

var queryEncoder = schema.NewEncoder()

// EndpointURL returns the websocket URL for a voice server endpoint.
func EndpointURL(endpoint string) (string, error) {
	if endpoint == "" {
		return "", ErrNoEndpoint
	}

	q := url.Values{}
	if err := queryEncoder.Encode(endpointQuery{Version: Version}, q); err != nil {
		return "", errors.Wrap(err, "cannot encode query")
	}

	u := url.URL{
		Scheme:   "wss",
		Host:     strings.TrimSuffix(endpoint, ":80"),
		Path:     "/",
		RawQuery: q.Encode(),
	}

	return u.String(), nil
}

// Gateway is a single voice signaling session over one websocket. A Gateway
// cannot be reopened; resuming or re-identifying uses a new Gateway.
type Gateway struct {
	state  State
	opts   Opts
	logger *zap.Logger

	handlers map[OpCode]func(ws.Event)

	hello   *promise[*HelloEvent]
	ready   *promise[*ReadyEvent]
	session *promise[*SessionDescriptionEvent]
	resumed *promise[*ResumedEvent]

	pacer atomic.Pointer[heart.Pacemaker]

	mu      sync.Mutex
	ws      *ws.Websocket
	closing bool

	ctx       context.Context
	cancel    context.CancelFunc
	outcome   atomic.Int32
	closeCode atomic.Int64
	opened    atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// New creates a new unopened Gateway.
func New(state State, opts Opts) *Gateway {
	if opts.HeartbeatCompensation <= 0 {
		opts.HeartbeatCompensation = DefaultOpts.HeartbeatCompensation
	}
	if opts.URL == nil {
		opts.URL = DefaultOpts.URL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		state:   state,
		opts:    opts,
		logger:  opts.Logger.Named("voicegateway"),
		hello:   newPromise[*HelloEvent](),
		ready:   newPromise[*ReadyEvent](),
		session: newPromise[*SessionDescriptionEvent](),
		resumed: newPromise[*ResumedEvent](),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	g.closeCode.Store(-1)

	g.handlers = map[OpCode]func(ws.Event){
		HelloOp: func(ev ws.Event) {
			g.hello.resolve(ev.(*HelloEvent))
		},
		ReadyOp: func(ev ws.Event) {
			g.ready.resolve(ev.(*ReadyEvent))
		},
		SessionDescriptionOp: func(ev ws.Event) {
			g.session.resolve(ev.(*SessionDescriptionEvent))
		},
		ResumedOp: func(ev ws.Event) {
			g.resumed.resolve(ev.(*ResumedEvent))
		},
		HeartbeatAckOp: func(ev ws.Event) {
			nonce := uint64(*ev.(*HeartbeatAckEvent))
			if p := g.pacer.Load(); p == nil || !p.Echo(nonce) {
				g.logger.Debug("ignoring stale heartbeat ack", zap.Uint64("nonce", nonce))
			}
		},
		SpeakingOp: func(ev ws.Event) {
			if g.opts.OnSpeaking != nil {
				g.opts.OnSpeaking(ev.(*SpeakingEvent))
			}
		},
		ClientConnectOp: func(ev ws.Event) {
			g.logger.Debug("client connected", zap.Stringer("user_id", ev.(*ClientConnectEvent).UserID))
		},
		ClientDisconnectOp: func(ev ws.Event) {
			g.logger.Debug("client disconnected", zap.Stringer("user_id", ev.(*ClientDisconnectEvent).UserID))
		},
	}

	return g
}

// State returns the state the gateway was created with.
func (g *Gateway) State() State { return g.state }

// Open dials the websocket and starts the read loop.
func (g *Gateway) Open(ctx context.Context) error {
	if !g.opened.CompareAndSwap(false, true) {
		return errors.New("gateway already opened")
	}

	addr, err := g.opts.URL(g.state.Endpoint)
	if err != nil {
		g.finish(OutcomeUnexpected)
		return errors.Wrap(err, "cannot resolve endpoint")
	}

	codec := ws.NewCodec(OpUnmarshalers)

	var conn ws.Connection
	if g.opts.Dialer != nil {
		conn = ws.NewConnWithDialer(codec, g.opts.Dialer, g.logger)
	} else {
		conn = ws.NewConn(codec, g.logger)
	}

	sock := ws.NewCustomWebsocket(conn, addr, g.logger)

	ch, err := sock.Dial(ctx)
	if err != nil {
		g.finish(OutcomeUnexpected)
		return errors.Wrap(err, "failed to connect to voice gateway")
	}

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		sock.Close()
		g.finish(OutcomeClosed)
		return ErrClosed
	}
	g.ws = sock
	g.mu.Unlock()

	go g.loop(ch)
	return nil
}

func (g *Gateway) loop(ch <-chan ws.Op) {
	defer g.finish(OutcomeUnexpected)

	for op := range ch {
		switch data := op.Data.(type) {
		case *ws.CloseEvent:
			g.closeCode.Store(int64(data.Code))
			g.setOutcome(ClassifyClose(data.Code))
			g.logger.Debug("voice gateway closed",
				zap.Int("code", data.Code),
				zap.Stringer("outcome", g.Outcome()),
				zap.Error(data.Err))

		case *ws.BackgroundErrorEvent:
			g.logger.Warn("voice gateway frame error", zap.Error(data.Err))

		case *ws.UnknownEventError:
			g.logger.Debug("dropping unknown op", zap.Int("op", int(data.Code)))

		default:
			if handler, ok := g.handlers[op.Code]; ok {
				handler(op.Data)
			}
		}
	}
}

func (g *Gateway) setOutcome(o CloseOutcome) bool {
	return g.outcome.CompareAndSwap(int32(OutcomeNone), int32(o))
}

func (g *Gateway) finish(o CloseOutcome) {
	g.doneOnce.Do(func() {
		g.setOutcome(o)
		g.cancel()
		close(g.done)
	})
}

// Done is closed once the socket is gone and the read loop has stopped.
func (g *Gateway) Done() <-chan struct{} { return g.done }

// Outcome returns how the gateway ended. It is OutcomeNone while open.
func (g *Gateway) Outcome() CloseOutcome { return CloseOutcome(g.outcome.Load()) }

// CloseCode returns the close code received from the server, or -1.
func (g *Gateway) CloseCode() int { return int(g.closeCode.Load()) }

// Err returns why the gateway is closed, or nil while it is open.
func (g *Gateway) Err() error {
	select {
	case <-g.done:
	default:
		return nil
	}

	switch o := g.Outcome(); o {
	case OutcomeTimedOut:
		return ErrHeartbeatTimeout
	default:
		return errors.Wrapf(ErrClosed, "%s (code %d)", o, g.CloseCode())
	}
}

// Close closes the websocket with the given close code and waits for the read
// loop to stop. ws.NoCloseFrame drops the socket without a close frame.
func (g *Gateway) Close(code int) (err error) {
	g.closeOnce.Do(func() {
		g.setOutcome(OutcomeClosed)

		g.mu.Lock()
		g.closing = true
		sock := g.ws
		g.mu.Unlock()

		g.cancel()

		if sock == nil {
			g.finish(OutcomeClosed)
			return
		}

		err = sock.CloseWithCode(code)
		<-g.done
	})

	if errors.Is(err, ws.ErrWebsocketClosed) {
		err = nil
	}
	return err
}

// abort drops the socket after the outcome has been decided locally.
func (g *Gateway) abort(o CloseOutcome) {
	g.setOutcome(o)

	g.mu.Lock()
	sock := g.ws
	g.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
}

// Send sends a single command.
func (g *Gateway) Send(ctx context.Context, ev ws.Event) error {
	g.mu.Lock()
	sock := g.ws
	g.mu.Unlock()

	if sock == nil {
		return ws.ErrWebsocketClosed
	}

	b, err := json.Marshal(ws.Op{Code: ev.Op(), Data: ev})
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}

	return sock.Send(ctx, b)
}

// WaitHello waits for op 8.
func (g *Gateway) WaitHello(ctx context.Context) (*HelloEvent, error) {
	return g.hello.wait(ctx, g.done, g.Err)
}

// WaitReady waits for op 2.
func (g *Gateway) WaitReady(ctx context.Context) (*ReadyEvent, error) {
	return g.ready.wait(ctx, g.done, g.Err)
}

// Ready returns the Ready event if it has been received.
func (g *Gateway) Ready() (ReadyEvent, bool) {
	r, ok := g.ready.peek()
	if !ok {
		return ReadyEvent{}, false
	}
	return *r, true
}

// WaitSessionDescription waits for op 4.
func (g *Gateway) WaitSessionDescription(ctx context.Context) (*SessionDescriptionEvent, error) {
	return g.session.wait(ctx, g.done, g.Err)
}

// WaitResumed waits for op 9.
func (g *Gateway) WaitResumed(ctx context.Context) error {
	_, err := g.resumed.wait(ctx, g.done, g.Err)
	return err
}

// HeartbeatInterval returns the compensated interval derived from Hello.
func (g *Gateway) HeartbeatInterval() (time.Duration, bool) {
	hello, ok := g.hello.peek()
	if !ok {
		return 0, false
	}
	d := time.Duration(float64(hello.Interval()) * g.opts.HeartbeatCompensation)
	return d, true
}

// StartHeartbeat starts the heartbeat loop in the background. It requires
// Hello. The loop stops with the gateway; a missing ack drops the socket with
// OutcomeTimedOut.
func (g *Gateway) StartHeartbeat() error {
	interval, ok := g.HeartbeatInterval()
	if !ok {
		return errors.New("heartbeat started before hello")
	}

	p := heart.NewPacemaker(interval, func(ctx context.Context, nonce uint64) error {
		beat := HeartbeatCommand(nonce)
		return g.Send(ctx, &beat)
	})

	if !g.pacer.CompareAndSwap(nil, p) {
		return errors.New("heartbeat already started")
	}

	g.logger.Debug("starting heartbeat", zap.Duration("interval", interval))

	go func() {
		err := p.Run(g.ctx)
		switch {
		case g.ctx.Err() != nil:
			return
		case errors.Is(err, heart.ErrDead):
			g.logger.Warn("voice gateway heartbeat timed out", zap.Uint64("nonce", p.Sent()))
			g.abort(OutcomeTimedOut)
		case err != nil:
			g.logger.Warn("voice gateway heartbeat failed", zap.Error(err))
			g.abort(OutcomeUnexpected)
		}
	}()

	return nil
}
