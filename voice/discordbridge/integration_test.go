package discordbridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/diamondburned/voicecore/discord"
	"github.com/diamondburned/voicecore/internal/testenv"
	"github.com/diamondburned/voicecore/voice"
	"github.com/diamondburned/voicecore/voice/codec"
	"github.com/diamondburned/voicecore/voice/discordbridge"
	"github.com/diamondburned/voicecore/voice/voicegateway"
)

// silence encodes every frame into the Opus silence frame, so the test does
// not need the Opus library.
type silence struct{}

func (silence) Encode([]int16, int) ([]byte, error) { return []byte{0xF8, 0xFF, 0xFE}, nil }

func (silence) Decode([]byte, int) ([]int16, error) {
	return nil, errors.New("decoding is not supported")
}

func TestIntegration(t *testing.T) {
	env := testenv.Must(t)
	logger := zaptest.NewLogger(t)

	s, err := discordgo.New("Bot " + env.BotToken)
	require.NoError(t, err)
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	bridge := discordbridge.New(s, logger)
	t.Cleanup(bridge.Close)

	require.NoError(t, s.Open())
	t.Cleanup(func() { s.Close() })

	ch, err := s.Channel(env.VoiceChID.String())
	require.NoError(t, err, "cannot get voice channel")

	guildID, err := discord.ParseSnowflake(ch.GuildID)
	require.NoError(t, err)
	userID, err := discord.ParseSnowflake(s.State.User.ID)
	require.NoError(t, err)

	factory := codec.DefaultFactory
	if factory == nil {
		factory = func(codec.Config) (codec.Primitive, error) { return silence{}, nil }
	}

	v, err := voice.NewConnection(bridge, discord.GuildID(guildID), discord.UserID(userID),
		voice.WithLogger(logger),
		voice.WithCodec(codec.DefaultConfig, factory),
	)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	v.AddHandler(func(ev voice.Event) { t.Log("voice event:", spew.Sdump(ev)) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, v.Connect(ctx, env.VoiceChID, false, true))
	require.NoError(t, v.SetSpeaking(ctx, voicegateway.Microphone))

	frame := make([]byte, codec.DefaultConfig.FrameSize())
	for i := 0; i < 50; i++ {
		for !v.CanSendVoiceData(len(frame)) {
			time.Sleep(10 * time.Millisecond)
		}
		require.NoError(t, v.SendVoiceData(frame))
	}

	require.NoError(t, v.SetSpeaking(ctx, voicegateway.SpeakingOff))
	time.Sleep(time.Second)

	require.NoError(t, v.Disconnect(ctx))
	require.False(t, v.IsValid())
}
