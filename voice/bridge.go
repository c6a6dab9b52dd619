package voice

import (
	"context"

	"github.com/diamondburned/voicecore/discord"
)

// GatewayBridge connects a Connection to the host gateway connection, which
// may live in another process.
type GatewayBridge interface {
	// Subscribe starts delivering the bridge events of one guild. The
	// returned channel is closed after unsubscribe is called. Senders must
	// not drop events.
	Subscribe(guildID discord.GuildID) (events <-chan BridgeEvent, unsubscribe func())
	// UpdateVoiceState sends the voice state intent. A null channel ID leaves
	// the channel. It fails with ErrInvalidState if the host connection is not
	// usable.
	UpdateVoiceState(ctx context.Context, guildID discord.GuildID, channelID discord.ChannelID, mute, deaf bool) error
}

// BridgeEvent is an event delivered by a GatewayBridge.
type BridgeEvent interface {
	bridgeEvent()
}

// VoiceStateChanged is the voice state of a guild member. ChannelID is null
// once the member left.
type VoiceStateChanged struct {
	UserID    discord.UserID
	ChannelID discord.ChannelID
	SessionID string
}

// VoiceServerAssigned carries the voice server for the session. Endpoint is
// empty while the server is being reallocated.
type VoiceServerAssigned struct {
	Token    string
	Endpoint string
}

// GuildRemoved means the bot is no longer in the guild.
type GuildRemoved struct{}

func (*VoiceStateChanged) bridgeEvent()   {}
func (*VoiceServerAssigned) bridgeEvent() {}
func (*GuildRemoved) bridgeEvent()        {}
