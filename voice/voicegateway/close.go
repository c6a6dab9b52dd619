package voicegateway

// CloseOutcome is what the owner of a Gateway should do after the signaling
// socket is gone.
type CloseOutcome int32

const (
	// OutcomeNone means the gateway is still open.
	OutcomeNone CloseOutcome = iota
	// OutcomeClosed is a normal closure, either local or by the server.
	OutcomeClosed
	// OutcomeDisconnected is terminal; the client was kicked from the channel.
	OutcomeDisconnected
	// OutcomeResume means the session should be resumed over a new socket.
	OutcomeResume
	// OutcomeNewSession means the whole handshake must run again from
	// Identify.
	OutcomeNewSession
	// OutcomeTimedOut means a heartbeat went unacknowledged.
	OutcomeTimedOut
	// OutcomeUnexpected is any other close code or an abnormal closure.
	OutcomeUnexpected
)

// Close codes sent by the voice server.
const (
	CloseNormal            = 1000
	CloseUnknownOpcode     = 4001
	CloseDecodeFailed      = 4002
	CloseNotAuthenticated  = 4003
	CloseAuthFailed        = 4004
	CloseAlreadyAuthed     = 4005
	CloseInvalidSession    = 4006
	CloseSessionTimeout    = 4009
	CloseServerNotFound    = 4011
	CloseUnknownProtocol   = 4012
	CloseDisconnected      = 4014
	CloseServerCrashed     = 4015
	CloseUnknownEncryption = 4016
)

// ClassifyClose maps a websocket close code to a CloseOutcome.
func ClassifyClose(code int) CloseOutcome {
	switch code {
	case CloseNormal:
		return OutcomeClosed
	case CloseDisconnected:
		return OutcomeDisconnected
	case CloseServerCrashed:
		return OutcomeResume
	case CloseInvalidSession, CloseSessionTimeout:
		return OutcomeNewSession
	default:
		return OutcomeUnexpected
	}
}

func (o CloseOutcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeClosed:
		return "closed"
	case OutcomeDisconnected:
		return "disconnected"
	case OutcomeResume:
		return "resume"
	case OutcomeNewSession:
		return "new session"
	case OutcomeTimedOut:
		return "timed out"
	case OutcomeUnexpected:
		return "unexpected close"
	default:
		return "unknown"
	}
}
