package main

import (
	"fmt"

	"github.com/zulandar/interviewer/internal/archive"
	"github.com/zulandar/interviewer/internal/config"
	"github.com/zulandar/interviewer/internal/db"
	"github.com/zulandar/interviewer/internal/digest"
	"github.com/zulandar/interviewer/internal/digest/discord"
	"github.com/zulandar/interviewer/internal/digest/slack"
	"github.com/zulandar/interviewer/internal/llm"
	"github.com/zulandar/interviewer/internal/pipeline"
	"github.com/zulandar/interviewer/internal/tts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}

// newGenerator builds the reply generator. Every supported provider speaks
// the OpenAI chat completions protocol.
func newGenerator(cfg config.LLMConfig) (*llm.Client, error) {
	switch cfg.Provider {
	case "openai", "mistral", "ollama":
	default:
		return nil, fmt.Errorf("llm provider %q is not supported", cfg.Provider)
	}
	provider, err := llm.NewOpenAI(llm.OpenAIOpts{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, err
	}
	return llm.New(llm.ClientOpts{
		Provider:    provider,
		Window:      cfg.Window,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	})
}

// newSynthesizer builds the speech synthesizer. Provider "none" returns a
// nil Synthesizer and replies stay text-only.
func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Provider {
	case "openai":
		return tts.NewOpenAI(tts.OpenAIOpts{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Voice:   cfg.Voice,
			Format:  cfg.Format,
		})
	case "elevenlabs":
		return tts.NewElevenLabs(tts.ElevenLabsOpts{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Voice:   cfg.Voice,
			Model:   cfg.Model,
		})
	case "deepgram":
		return tts.NewDeepgram(tts.DeepgramOpts{
			APIKey:   cfg.APIKey,
			Endpoint: cfg.BaseURL,
			Voice:    cfg.Voice,
		})
	case "piper":
		return tts.NewPiper(cfg.BaseURL, nil), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("tts provider %q is not supported", cfg.Provider)
	}
}

// openArchive connects to and migrates the archive database. It returns nil
// when archiving is disabled.
func openArchive(cfg config.ArchiveConfig) (*gorm.DB, error) {
	if cfg.Driver == "none" {
		return nil, nil
	}
	gormDB, err := db.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return gormDB, nil
}

// newPoster builds the chat poster for finished interview digests. It
// returns nil when no platform is configured.
func newPoster(cfg config.DigestConfig) (digest.Poster, error) {
	switch cfg.Platform {
	case "":
		return nil, nil
	case "slack":
		return slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Channel})
	case "discord":
		return discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Channel})
	default:
		return nil, fmt.Errorf("digest platform %q is not supported", cfg.Platform)
	}
}

// newSinks returns the room sinks fed on every room close.
func newSinks(cfg *config.Config, gormDB *gorm.DB, logger *zap.Logger) ([]pipeline.RoomSink, error) {
	var sinks []pipeline.RoomSink
	if gormDB != nil {
		s, err := archive.NewSink(archive.SinkOpts{DB: gormDB, Logger: logger.Named("archive")})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	poster, err := newPoster(cfg.Digest)
	if err != nil {
		return nil, err
	}
	if poster != nil {
		s, err := digest.NewSink(digest.SinkOpts{Poster: poster, Logger: logger.Named("digest")})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
