package voice

import (
	"context"
	"sync"

	"github.com/diamondburned/voicecore/discord"
)

type stateUpdate struct {
	GuildID   discord.GuildID
	ChannelID discord.ChannelID
	Mute      bool
	Deaf      bool
}

// fakeBridge answers join intents with a voice state and a voice server, the
// way the host gateway would.
type fakeBridge struct {
	userID    discord.UserID
	sessionID string
	token     string
	endpoint  string

	// manual disables the automatic answer.
	manual bool
	// err is returned by every UpdateVoiceState.
	err error
	// blockLeave makes leave intents wait for their context.
	blockLeave bool

	updates chan stateUpdate

	mu   sync.Mutex
	subs map[discord.GuildID]chan BridgeEvent
}

func newFakeBridge(endpoint string) *fakeBridge {
	return &fakeBridge{
		userID:    testUserID,
		sessionID: "S",
		token:     "T",
		endpoint:  endpoint,
		updates:   make(chan stateUpdate, 64),
		subs:      make(map[discord.GuildID]chan BridgeEvent),
	}
}

func (b *fakeBridge) Subscribe(guildID discord.GuildID) (<-chan BridgeEvent, func()) {
	ch := make(chan BridgeEvent, 16)

	b.mu.Lock()
	b.subs[guildID] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if b.subs[guildID] == ch {
				delete(b.subs, guildID)
			}
			close(ch)
		})
	}
}

func (b *fakeBridge) subscribed(guildID discord.GuildID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[guildID]
	return ok
}

func (b *fakeBridge) deliver(guildID discord.GuildID, ev BridgeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[guildID]; ok {
		ch <- ev
	}
}

func (b *fakeBridge) UpdateVoiceState(ctx context.Context, guildID discord.GuildID, channelID discord.ChannelID, mute, deaf bool) error {
	select {
	case b.updates <- stateUpdate{guildID, channelID, mute, deaf}:
	default:
	}

	if b.err != nil {
		return b.err
	}

	if !channelID.IsValid() {
		if b.blockLeave {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	if !b.manual {
		b.answer(guildID, channelID)
	}

	return nil
}

func (b *fakeBridge) answer(guildID discord.GuildID, channelID discord.ChannelID) {
	b.deliver(guildID, &VoiceStateChanged{
		UserID:    b.userID,
		ChannelID: channelID,
		SessionID: b.sessionID,
	})
	b.deliver(guildID, &VoiceServerAssigned{
		Token:    b.token,
		Endpoint: b.endpoint,
	})
}

// lastUpdate returns the most recent intent, waiting for it if needed.
func (b *fakeBridge) lastUpdate(ctx context.Context) (stateUpdate, bool) {
	var last stateUpdate
	var got bool

	for {
		select {
		case u := <-b.updates:
			last, got = u, true
		default:
			if got {
				return last, true
			}
			select {
			case u := <-b.updates:
				last, got = u, true
			case <-ctx.Done():
				return last, false
			}
		}
	}
}
