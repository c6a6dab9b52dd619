package voice

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/diamondburned/voicecore/voice/udp"
	"github.com/diamondburned/voicecore/voice/voicegateway"
)

// Error kinds. Every error returned by Connection is an *Error whose Kind is
// one of these.
var (
	// ErrTimedOut is a handshake step, the whole connect or a heartbeat
	// taking too long.
	ErrTimedOut = errors.New("timed out")
	// ErrTransport is a socket-level failure.
	ErrTransport = errors.New("transport error")
	// ErrProtocol is an unexpected close code or a malformed payload.
	ErrProtocol = errors.New("protocol error")
	// ErrEncryption is a frame that could not be sealed.
	ErrEncryption = errors.New("encryption failure")
	// ErrInvalidState is API misuse, such as sending before connecting. It
	// never affects the connection.
	ErrInvalidState = errors.New("invalid state")
	// ErrBufferFull is returned by SendVoiceData when the audio does not fit.
	ErrBufferFull = udp.ErrBufferFull
)

// ErrUnsupportedMode is returned when the server does not offer
// xsalsa20_poly1305.
var ErrUnsupportedMode = errors.New("voice server does not support " + voicegateway.EncryptionMode)

// Error is the error type returned by Connection.
type Error struct {
	// Op is the operation that failed, such as "connect: ready".
	Op string
	// Kind is one of the Err kinds above.
	Kind error
	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("voice: ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns both the kind and the cause, so errors.Is matches either.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalidState(op, format string, v ...interface{}) *Error {
	return &Error{Op: op, Kind: ErrInvalidState, Err: errors.Errorf(format, v...)}
}

// wrapError turns err into an *Error with a classified kind. An existing
// *Error keeps its kind and gets the outer op prefixed.
func wrapError(op string, err error) *Error {
	var verr *Error
	if errors.As(err, &verr) {
		return &Error{Op: op + ": " + verr.Op, Kind: verr.Kind, Err: verr.Err}
	}
	return &Error{Op: op, Kind: classify(err), Err: err}
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, voicegateway.ErrHeartbeatTimeout):
		return ErrTimedOut
	case errors.Is(err, udp.ErrEncryption),
		errors.Is(err, udp.ErrNoSecret):
		return ErrEncryption
	case errors.Is(err, udp.ErrBufferFull):
		return ErrBufferFull
	case errors.Is(err, udp.ErrClosed):
		return ErrInvalidState
	case errors.Is(err, voicegateway.ErrClosed),
		errors.Is(err, voicegateway.ErrMissingForIdentify),
		errors.Is(err, voicegateway.ErrMissingForResume),
		errors.Is(err, voicegateway.ErrNoEndpoint),
		errors.Is(err, udp.ErrBadDiscovery),
		errors.Is(err, ErrUnsupportedMode):
		return ErrProtocol
	default:
		return ErrTransport
	}
}

// InvalidReason is why a connection was invalidated.
type InvalidReason int

const (
	// ReasonNormal is a requested disconnect or the server ending the
	// session.
	ReasonNormal InvalidReason = iota
	// ReasonBotRemovedFromGuild means the guild is gone.
	ReasonBotRemovedFromGuild
	// ReasonTimedOut is a connect, step or heartbeat timeout.
	ReasonTimedOut
	// ReasonError is any other failure.
	ReasonError
)

func (r InvalidReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonBotRemovedFromGuild:
		return "bot removed from guild"
	case ReasonTimedOut:
		return "timed out"
	case ReasonError:
		return "error"
	default:
		return "unknown"
	}
}

func reasonFor(err error) InvalidReason {
	if errors.Is(err, ErrTimedOut) {
		return ReasonTimedOut
	}
	return ReasonError
}
