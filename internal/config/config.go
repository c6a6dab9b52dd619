// Package config loads the voiceplay configuration from a YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/diamondburned/voicecore/discord"
)

// DiscordConfig stores the bot credentials and where to play.
type DiscordConfig struct {
	Token     string `yaml:"token" env:"DISCORD_TOKEN, overwrite"`
	GuildID   string `yaml:"guild_id" env:"DISCORD_GUILD_ID, overwrite"`
	ChannelID string `yaml:"channel_id" env:"DISCORD_CHANNEL_ID, overwrite"`
}

// VoiceConfig tunes the voice connection.
type VoiceConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout" env:"VOICE_CONNECT_TIMEOUT, overwrite"`
	StepTimeout           time.Duration `yaml:"step_timeout" env:"VOICE_STEP_TIMEOUT, overwrite"`
	FrameDuration         time.Duration `yaml:"frame_duration" env:"VOICE_FRAME_DURATION, overwrite"`
	HeartbeatCompensation float64       `yaml:"heartbeat_compensation" env:"VOICE_HEARTBEAT_COMPENSATION, overwrite"`
	// MetricsAddr serves Prometheus metrics when not empty.
	MetricsAddr string `yaml:"metrics_addr" env:"VOICE_METRICS_ADDR, overwrite"`
}

// Config stores the application configuration.
type Config struct {
	Discord  DiscordConfig `yaml:"discord"`
	Voice    VoiceConfig   `yaml:"voice"`
	LogLevel string        `yaml:"log_level" env:"LOG_LEVEL, overwrite"`
}

// Default returns the configuration used for anything left unset.
func Default() Config {
	return Config{
		Voice: VoiceConfig{
			ConnectTimeout:        10 * time.Second,
			StepTimeout:           10 * time.Second,
			FrameDuration:         20 * time.Millisecond,
			HeartbeatCompensation: 0.75,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path, then applies the variables of envFile and
// of the environment. Either path may be empty; a missing envFile is not an
// error.
func Load(ctx context.Context, path, envFile string) (*Config, error) {
	lookuper := envconfig.OsLookuper()

	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			lookuper = envconfig.MultiLookuper(lookuper, envconfig.MapLookuper(vars))
		case !errors.Is(err, os.ErrNotExist):
			return nil, errors.Wrap(err, "cannot read env file")
		}
	}

	return load(ctx, path, lookuper)
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "cannot read config")
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "cannot parse config")
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, errors.Wrap(err, "cannot apply environment")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the bot can log in and join a channel.
func (c *Config) Validate() error {
	if c.Discord.Token == "" {
		return errors.New("missing discord token")
	}
	if _, err := c.GuildID(); err != nil {
		return err
	}
	if _, err := c.ChannelID(); err != nil {
		return err
	}
	if c.Voice.HeartbeatCompensation <= 0 || c.Voice.HeartbeatCompensation > 1 {
		return errors.Errorf("heartbeat compensation %v is not in (0, 1]", c.Voice.HeartbeatCompensation)
	}
	return nil
}

// GuildID parses the configured guild.
func (c *Config) GuildID() (discord.GuildID, error) {
	id, err := parseID("guild", c.Discord.GuildID)
	return discord.GuildID(id), err
}

// ChannelID parses the configured voice channel.
func (c *Config) ChannelID() (discord.ChannelID, error) {
	id, err := parseID("channel", c.Discord.ChannelID)
	return discord.ChannelID(id), err
}

func parseID(name, s string) (discord.Snowflake, error) {
	if s == "" {
		return 0, errors.Errorf("missing %s ID", name)
	}

	id, err := discord.ParseSnowflake(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s ID", name)
	}
	if !id.IsValid() {
		return 0, errors.Errorf("invalid %s ID %q", name, s)
	}

	return id, nil
}
