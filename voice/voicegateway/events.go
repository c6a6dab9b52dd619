package voicegateway

import (
	"net"
	"strconv"
	"time"

	"github.com/diamondburned/voicecore/discord"
)

// ReadyEvent is op 2. It carries the information needed to open the UDP
// connection.
type ReadyEvent struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// Op implements ws.Event.
func (*ReadyEvent) Op() OpCode { return ReadyOp }

// Addr returns the UDP address as host:port.
func (r ReadyEvent) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// SupportsMode returns true if the server advertised the encryption mode.
func (r ReadyEvent) SupportsMode(mode string) bool {
	for _, m := range r.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// SessionDescriptionEvent is op 4.
type SessionDescriptionEvent struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// Op implements ws.Event.
func (*SessionDescriptionEvent) Op() OpCode { return SessionDescriptionOp }

// SpeakingEvent is op 5 as received from the server when another member
// starts or stops speaking.
type SpeakingEvent struct {
	UserID   discord.UserID `json:"user_id"`
	SSRC     uint32         `json:"ssrc"`
	Speaking SpeakingFlag   `json:"speaking"`
}

// Op implements ws.Event.
func (*SpeakingEvent) Op() OpCode { return SpeakingOp }

// HeartbeatAckEvent is op 6. It echoes the nonce of the acknowledged beat.
type HeartbeatAckEvent uint64

// Op implements ws.Event.
func (*HeartbeatAckEvent) Op() OpCode { return HeartbeatAckOp }

// HelloEvent is op 8.
type HelloEvent struct {
	// HeartbeatInterval is in milliseconds. Servers send it as a float.
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// Op implements ws.Event.
func (*HelloEvent) Op() OpCode { return HelloOp }

// Interval returns the advertised heartbeat interval.
func (h HelloEvent) Interval() time.Duration {
	return time.Duration(h.HeartbeatInterval * float64(time.Millisecond))
}

// ResumedEvent is op 9.
type ResumedEvent struct{}

// Op implements ws.Event.
func (*ResumedEvent) Op() OpCode { return ResumedOp }

// ClientConnectEvent is op 12 (undocumented).
type ClientConnectEvent struct {
	UserID    discord.UserID `json:"user_id"`
	AudioSSRC uint32         `json:"audio_ssrc"`
	VideoSSRC uint32         `json:"video_ssrc"`
}

// Op implements ws.Event.
func (*ClientConnectEvent) Op() OpCode { return ClientConnectOp }

// ClientDisconnectEvent is op 13 (undocumented).
type ClientDisconnectEvent struct {
	UserID discord.UserID `json:"user_id"`
}

// Op implements ws.Event.
func (*ClientDisconnectEvent) Op() OpCode { return ClientDisconnectOp }
