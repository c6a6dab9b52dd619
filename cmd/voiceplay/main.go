// Command voiceplay joins a voice channel and plays a raw PCM file: signed
// 16-bit little-endian samples at the configured rate and channel count.
//
// Build with -tags opus to link the Opus encoder.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/k0kubun/pp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/diamondburned/voicecore/discord"
	"github.com/diamondburned/voicecore/internal/config"
	"github.com/diamondburned/voicecore/voice"
	"github.com/diamondburned/voicecore/voice/codec"
	"github.com/diamondburned/voicecore/voice/discordbridge"
	"github.com/diamondburned/voicecore/voice/voicegateway"
)

var (
	configPath = flag.String("config", "", "path to the YAML config")
	envFile    = flag.String("env", ".env", "path to a .env file")
	debug      = flag.Bool("debug", false, "print every voice event")
)

func main() {
	flag.Parse()

	file := flag.Arg(0)
	if file == "" {
		log.Fatalln("usage: voiceplay [flags] <file.pcm>")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load(ctx, *configPath, *envFile)
	if err != nil {
		log.Fatalln("cannot load config:", err)
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalln("invalid log level:", err)
	}

	logCfg := zap.NewProductionConfig()
	logCfg.Level = level
	if *debug {
		logCfg = zap.NewDevelopmentConfig()
	}

	logger, err := logCfg.Build()
	if err != nil {
		log.Fatalln("cannot create logger:", err)
	}
	defer logger.Sync()

	if err := run(ctx, cfg, file, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("voiceplay failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, file string, logger *zap.Logger) error {
	guildID, _ := cfg.GuildID()
	channelID, _ := cfg.ChannelID()

	f, err := os.Open(file)
	if err != nil {
		return errors.Wrap(err, "cannot open audio")
	}
	defer f.Close()

	s, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return errors.Wrap(err, "cannot create session")
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	bridge := discordbridge.New(s, logger)
	defer bridge.Close()

	if err := s.Open(); err != nil {
		return errors.Wrap(err, "cannot open session")
	}
	defer s.Close()

	userID, err := discord.ParseSnowflake(s.State.User.ID)
	if err != nil {
		return errors.Wrap(err, "invalid bot user ID")
	}

	opts := []voice.Option{
		voice.WithLogger(logger),
		voice.WithConnectTimeout(cfg.Voice.ConnectTimeout),
		voice.WithStepTimeout(cfg.Voice.StepTimeout),
		voice.WithHeartbeatCompensation(cfg.Voice.HeartbeatCompensation),
		voice.WithFrameDuration(cfg.Voice.FrameDuration),
	}

	if cfg.Voice.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, voice.WithMetrics(voice.NewMetrics(reg)))

		srv := &http.Server{
			Addr:    cfg.Voice.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	v, err := voice.NewConnection(bridge, guildID, discord.UserID(userID), opts...)
	if err != nil {
		return errors.Wrap(err, "cannot create voice connection")
	}
	defer v.Close()

	invalidated := make(chan *voice.InvalidatedEvent, 1)
	v.AddHandler(func(ev voice.Event) {
		if *debug {
			pp.Println(ev)
		}
		if ev, ok := ev.(*voice.InvalidatedEvent); ok {
			invalidated <- ev
		}
	})

	if err := v.Connect(ctx, channelID, false, true); err != nil {
		return errors.Wrap(err, "cannot join channel")
	}

	if err := v.SetSpeaking(ctx, voicegateway.Microphone); err != nil {
		return errors.Wrap(err, "cannot start speaking")
	}

	if err := play(ctx, v, f, cfg.Voice.FrameDuration, invalidated); err != nil {
		return err
	}

	if err := v.SetSpeaking(ctx, voicegateway.SpeakingOff); err != nil {
		return errors.Wrap(err, "cannot stop speaking")
	}

	// Let the send loop drain before leaving.
	time.Sleep(time.Second)

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return v.Disconnect(disconnectCtx)
}

// play feeds r into the connection one frame at a time, waiting whenever the
// send buffer is full.
func play(ctx context.Context, v *voice.Connection, r io.Reader, frameDuration time.Duration, invalidated <-chan *voice.InvalidatedEvent) error {
	cfg := codec.DefaultConfig
	cfg.FrameDuration = frameDuration

	frame := make([]byte, cfg.FrameSize())

	ticker := time.NewTicker(frameDuration / 2)
	defer ticker.Stop()

	for {
		n, err := io.ReadFull(r, frame)
		if n > 0 {
			for !v.CanSendVoiceData(n) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev := <-invalidated:
					return errors.Errorf("voice connection invalidated: %s %s", ev.Reason, ev.Message)
				case <-ticker.C:
				}
			}

			if err := v.SendVoiceData(frame[:n]); err != nil {
				return errors.Wrap(err, "cannot send audio")
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return errors.Wrap(err, "cannot read audio")
		}
	}
}
