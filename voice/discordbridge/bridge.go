// Package discordbridge implements voice.GatewayBridge over a discordgo
// session, so the voice connection can run next to a discordgo bot.
package discordbridge

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/diamondburned/voicecore/discord"
	"github.com/diamondburned/voicecore/voice"
)

// Session is the part of *discordgo.Session the bridge uses.
type Session interface {
	AddHandler(handler interface{}) func()
	ChannelVoiceJoinManual(guildID, channelID string, mute, deaf bool) error
}

// Bridge forwards the voice events of a discordgo session to voice
// connections and sends their voice state updates.
type Bridge struct {
	session Session
	ready   func() bool
	logger  *zap.Logger

	mu   sync.RWMutex
	subs map[discord.GuildID][]*subscriber

	removers []func()
}

type subscriber struct {
	ch chan voice.BridgeEvent
}

// New creates a bridge over s. Voice state updates fail with
// voice.ErrInvalidState until s has received Ready.
func New(s *discordgo.Session, logger *zap.Logger) *Bridge {
	return NewCustom(s, func() bool {
		s.RLock()
		defer s.RUnlock()
		return s.DataReady
	}, logger)
}

// NewCustom creates a bridge over any Session. ready reports whether the
// session can send voice state updates.
func NewCustom(s Session, ready func() bool, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bridge{
		session: s,
		ready:   ready,
		logger:  logger.Named("discordbridge"),
		subs:    make(map[discord.GuildID][]*subscriber),
	}

	b.removers = []func(){
		s.AddHandler(b.onVoiceStateUpdate),
		s.AddHandler(b.onVoiceServerUpdate),
		s.AddHandler(b.onGuildDelete),
	}

	return b
}

// Close removes the session handlers. Subscriptions stay open until
// unsubscribed.
func (b *Bridge) Close() {
	for _, remove := range b.removers {
		remove()
	}
}

// Subscribe implements voice.GatewayBridge.
func (b *Bridge) Subscribe(guildID discord.GuildID) (<-chan voice.BridgeEvent, func()) {
	sub := &subscriber{ch: make(chan voice.BridgeEvent, 16)}

	b.mu.Lock()
	b.subs[guildID] = append(b.subs[guildID], sub)
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subs[guildID]
			for i, s := range subs {
				if s == sub {
					subs = append(subs[:i], subs[i+1:]...)
					break
				}
			}

			if len(subs) == 0 {
				delete(b.subs, guildID)
			} else {
				b.subs[guildID] = subs
			}

			close(sub.ch)
		})
	}
}

// UpdateVoiceState implements voice.GatewayBridge. A null channel ID leaves
// the voice channel.
func (b *Bridge) UpdateVoiceState(ctx context.Context, guildID discord.GuildID, channelID discord.ChannelID, mute, deaf bool) error {
	const op = "update voice state"

	if b.ready != nil && !b.ready() {
		return &voice.Error{Op: op, Kind: voice.ErrInvalidState, Err: errors.New("discord session is not ready")}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	var cID string
	if channelID.IsValid() {
		cID = channelID.String()
	}

	if err := b.session.ChannelVoiceJoinManual(guildID.String(), cID, mute, deaf); err != nil {
		return errors.Wrap(err, "cannot send voice state update")
	}

	return nil
}

// deliver sends ev to every subscriber of the guild. Subscribers drain their
// channels continuously, so this only blocks briefly.
func (b *Bridge) deliver(guildID discord.GuildID, ev voice.BridgeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[guildID] {
		sub.ch <- ev
	}
}

func (b *Bridge) onVoiceStateUpdate(_ *discordgo.Session, ev *discordgo.VoiceStateUpdate) {
	if ev.VoiceState == nil {
		return
	}

	guildID, err := parseID(ev.GuildID)
	if err != nil {
		b.logger.Debug("ignoring voice state without guild", zap.Error(err))
		return
	}

	userID, err := parseID(ev.UserID)
	if err != nil {
		b.logger.Debug("ignoring voice state without user", zap.Error(err))
		return
	}

	channelID := discord.NullChannelID
	if ev.ChannelID != "" {
		id, err := parseID(ev.ChannelID)
		if err != nil {
			b.logger.Warn("invalid voice channel ID", zap.String("channel_id", ev.ChannelID))
			return
		}
		channelID = discord.ChannelID(id)
	}

	b.deliver(discord.GuildID(guildID), &voice.VoiceStateChanged{
		UserID:    discord.UserID(userID),
		ChannelID: channelID,
		SessionID: ev.SessionID,
	})
}

func (b *Bridge) onVoiceServerUpdate(_ *discordgo.Session, ev *discordgo.VoiceServerUpdate) {
	guildID, err := parseID(ev.GuildID)
	if err != nil {
		b.logger.Debug("ignoring voice server without guild", zap.Error(err))
		return
	}

	b.deliver(discord.GuildID(guildID), &voice.VoiceServerAssigned{
		Token:    ev.Token,
		Endpoint: ev.Endpoint,
	})
}

func (b *Bridge) onGuildDelete(_ *discordgo.Session, ev *discordgo.GuildDelete) {
	// An unavailable guild is an outage, not a removal.
	if ev.Guild == nil || ev.Unavailable {
		return
	}

	guildID, err := parseID(ev.ID)
	if err != nil {
		return
	}

	b.deliver(discord.GuildID(guildID), &voice.GuildRemoved{})
}

func parseID(s string) (discord.Snowflake, error) {
	id, err := discord.ParseSnowflake(s)
	if err != nil {
		return 0, err
	}
	if !id.IsValid() {
		return 0, errors.Errorf("invalid snowflake %q", s)
	}
	return id, nil
}
