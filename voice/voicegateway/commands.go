package voicegateway

import (
	"context"

	"github.com/pkg/errors"

	"github.com/diamondburned/voicecore/discord"
)

var (
	// ErrMissingForIdentify is an error when we are missing information to
	// identify.
	ErrMissingForIdentify = errors.New("missing GuildID, UserID, SessionID, or Token for identify")
	// ErrMissingForResume is an error when we are missing information to
	// resume.
	ErrMissingForResume = errors.New("missing GuildID, SessionID, or Token for resuming")
)

// EncryptionMode is the only negotiated encryption mode.
const EncryptionMode = "xsalsa20_poly1305"

// IdentifyCommand is op 0.
type IdentifyCommand struct {
	GuildID   discord.GuildID `json:"server_id"`
	UserID    discord.UserID  `json:"user_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

// Op implements ws.Event.
func (*IdentifyCommand) Op() OpCode { return IdentifyOp }

// Identify sends op 0 from the gateway state.
func (g *Gateway) Identify(ctx context.Context) error {
	s := g.state
	if !s.GuildID.IsValid() || !s.UserID.IsValid() || s.SessionID == "" || s.Token == "" {
		return ErrMissingForIdentify
	}

	return g.Send(ctx, &IdentifyCommand{
		GuildID:   s.GuildID,
		UserID:    s.UserID,
		SessionID: s.SessionID,
		Token:     s.Token,
	})
}

// SelectProtocolCommand is op 1.
type SelectProtocolCommand struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

// SelectProtocolData is the address discovered through UDP IP discovery.
type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// Op implements ws.Event.
func (*SelectProtocolCommand) Op() OpCode { return SelectProtocolOp }

// SelectProtocol sends op 1 with the "udp" protocol.
func (g *Gateway) SelectProtocol(ctx context.Context, data SelectProtocolData) error {
	return g.Send(ctx, &SelectProtocolCommand{
		Protocol: "udp",
		Data:     data,
	})
}

// HeartbeatCommand is op 3. Its payload is the bare nonce.
type HeartbeatCommand uint64

// Op implements ws.Event.
func (*HeartbeatCommand) Op() OpCode { return HeartbeatOp }

// SpeakingFlag is the bitmask sent in op 5.
type SpeakingFlag uint64

const (
	SpeakingOff SpeakingFlag = 0
	Microphone  SpeakingFlag = 1 << (iota - 1)
	Soundshare
	Priority
)

// SpeakingCommand is op 5 as sent by the client.
type SpeakingCommand struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
}

// Op implements ws.Event.
func (*SpeakingCommand) Op() OpCode { return SpeakingOp }

// Speaking sends op 5 with the SSRC from Ready.
func (g *Gateway) Speaking(ctx context.Context, flag SpeakingFlag) error {
	ready, ok := g.Ready()
	if !ok {
		return errors.New("speaking before ready")
	}

	return g.Send(ctx, &SpeakingCommand{
		Speaking: flag,
		Delay:    0,
		SSRC:     ready.SSRC,
	})
}

// ResumeCommand is op 7.
type ResumeCommand struct {
	GuildID   discord.GuildID `json:"server_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

// Op implements ws.Event.
func (*ResumeCommand) Op() OpCode { return ResumeOp }

// Resume sends op 7 from the gateway state.
func (g *Gateway) Resume(ctx context.Context) error {
	s := g.state
	if !s.GuildID.IsValid() || s.SessionID == "" || s.Token == "" {
		return ErrMissingForResume
	}

	return g.Send(ctx, &ResumeCommand{
		GuildID:   s.GuildID,
		SessionID: s.SessionID,
		Token:     s.Token,
	})
}
