package voice

import (
	"time"

	"go.uber.org/zap"

	"github.com/diamondburned/voicecore/utils/ws"
	"github.com/diamondburned/voicecore/voice/codec"
	"github.com/diamondburned/voicecore/voice/udp"
	"github.com/diamondburned/voicecore/voice/voicegateway"
)

const (
	// DefaultConnectTimeout bounds Connect and every reconnection.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultStepTimeout bounds each handshake step.
	DefaultStepTimeout = 10 * time.Second
)

type options struct {
	logger                *zap.Logger
	connectTimeout        time.Duration
	stepTimeout           time.Duration
	heartbeatCompensation float64
	codec                 codec.Config
	codecFactory          codec.Factory
	metrics               *Metrics
	gatewayURL            func(endpoint string) (string, error)
	udpDialer             udp.Dialer
	wsDialer              ws.Dialer
}

func defaultOptions() options {
	return options{
		logger:                zap.NewNop(),
		connectTimeout:        DefaultConnectTimeout,
		stepTimeout:           DefaultStepTimeout,
		heartbeatCompensation: voicegateway.DefaultOpts.HeartbeatCompensation,
		codec:                 codec.DefaultConfig,
		gatewayURL:            voicegateway.EndpointURL,
	}
}

// Option configures a Connection.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConnectTimeout bounds Connect, including waiting for the bridge.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithStepTimeout bounds each handshake step.
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) { o.stepTimeout = d }
}

// WithHeartbeatCompensation scales the heartbeat interval advertised by the
// server. The default is 0.75.
func WithHeartbeatCompensation(f float64) Option {
	return func(o *options) { o.heartbeatCompensation = f }
}

// WithFrameDuration sets the audio frame duration. The default is 20ms.
func WithFrameDuration(d time.Duration) Option {
	return func(o *options) { o.codec.FrameDuration = d }
}

// WithCodec sets the PCM format and the codec primitive. A nil factory uses
// the primitive linked in at build time.
func WithCodec(cfg codec.Config, factory codec.Factory) Option {
	return func(o *options) {
		o.codec = cfg
		o.codecFactory = factory
	}
}

// WithMetrics records the connection in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithGatewayURL overrides how a voice server endpoint becomes the
// websocket URL.
func WithGatewayURL(fn func(endpoint string) (string, error)) Option {
	return func(o *options) { o.gatewayURL = fn }
}

// WithUDPDialer overrides the UDP dialer.
func WithUDPDialer(d udp.Dialer) Option {
	return func(o *options) { o.udpDialer = d }
}

// WithWebsocketDialer overrides the websocket dialer.
func WithWebsocketDialer(d ws.Dialer) Option {
	return func(o *options) { o.wsDialer = d }
}
