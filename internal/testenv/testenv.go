// Package testenv reads the variables of integration tests that need a real
// bot. Tests calling Must are skipped when they are missing.
package testenv

import (
	"os"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/diamondburned/voicecore/discord"
)

// Env is the integration test environment.
type Env struct {
	BotToken  string
	VoiceChID discord.ChannelID
}

var (
	globalEnv Env
	globalErr error
	once      sync.Once
)

// Must returns the environment or skips the test.
func Must(t *testing.T) Env {
	t.Helper()

	e, err := GetEnv()
	if err != nil {
		t.Skip("integration test variables missing:", err)
	}
	return e
}

// GetEnv reads $BOT_TOKEN and $VOICE_ID once.
func GetEnv() (Env, error) {
	once.Do(getEnv)
	return globalEnv, globalErr
}

func getEnv() {
	var token = os.Getenv("BOT_TOKEN")
	if token == "" {
		globalErr = errors.New("missing $BOT_TOKEN")
		return
	}

	var sid = os.Getenv("VOICE_ID")
	if sid == "" {
		globalErr = errors.New("missing $VOICE_ID")
		return
	}

	vid, err := discord.ParseSnowflake(sid)
	if err != nil {
		globalErr = errors.Wrap(err, "invalid $VOICE_ID")
		return
	}

	globalEnv = Env{
		BotToken:  token,
		VoiceChID: discord.ChannelID(vid),
	}
}
