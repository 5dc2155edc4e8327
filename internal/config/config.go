// Package config provides YAML-based configuration loading for the interviewer server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values applied when a field is left empty.
const (
	DefaultPort           = 5000
	DefaultLiveKitURL     = "ws://localhost:7880"
	DefaultAIIdentity     = "ai-interviewer"
	DefaultAIName         = "AI Interviewer"
	DefaultEgressURL      = "rtmp://localhost:1935/live"
	DefaultTokenTTL       = 6 * time.Hour
	DefaultDeepgramModel  = "nova-2-general"
	DefaultLLMProvider    = "openai"
	DefaultLLMWindow      = 10
	DefaultLLMMaxTokens   = 150
	DefaultLLMTemperature = 0.7
	DefaultLLMTimeout     = 20 * time.Second
	DefaultTTSProvider    = "openai"
	DefaultTTSFormat      = "mp3"
	DefaultTTSTimeout     = 30 * time.Second
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultSweepSchedule  = "@every 5m"
	DefaultArtifactGrace  = 120 * time.Second
	DefaultFFmpegBinary   = "ffmpeg"
	DefaultArchiveDriver  = "sqlite"
	DefaultArchiveDSN     = "interviewer.db"

	DefaultSystemPrompt = "You are an AI interviewer. Be conversational, engaging, and ask follow-up questions. Keep responses concise."
	DefaultGreeting     = "Hello! I'm your AI interviewer today. I'll ask you some questions about your experience and skills. Let's get started. Could you please introduce yourself?"
)

// Config is the top-level interviewer configuration, loaded from interviewer.yaml.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LiveKit  LiveKitConfig  `yaml:"livekit"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	LLM      LLMConfig      `yaml:"llm"`
	TTS      TTSConfig      `yaml:"tts"`
	Session  SessionConfig  `yaml:"session"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Digest   DigestConfig   `yaml:"digest"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// LiveKitConfig holds media room credentials and the AI participant identity.
type LiveKitConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	APISecret  string        `yaml:"api_secret"`
	AIIdentity string        `yaml:"ai_identity"`
	AIName     string        `yaml:"ai_name"`
	EgressURL  string        `yaml:"egress_url"` // RTMP base the egress streams to
	TokenTTL   time.Duration `yaml:"token_ttl"`
}

// DeepgramConfig holds streaming transcription settings.
type DeepgramConfig struct {
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
}

// LLMConfig selects and tunes the text generation provider.
type LLMConfig struct {
	Provider     string        `yaml:"provider"` // openai, mistral, ollama
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	Window       int           `yaml:"window"`
	MaxTokens    int           `yaml:"max_tokens"`
	Temperature  float32       `yaml:"temperature"`
	Timeout      time.Duration `yaml:"timeout"`
	SystemPrompt string        `yaml:"system_prompt"`
}

// TTSConfig selects and tunes the speech synthesis provider.
type TTSConfig struct {
	Provider string        `yaml:"provider"` // openai, elevenlabs, deepgram, piper, none
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Voice    string        `yaml:"voice"`
	Format   string        `yaml:"format"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SessionConfig controls conversation expiry.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// PipelineConfig holds turn and artifact settings.
type PipelineConfig struct {
	Greeting      string        `yaml:"greeting"`
	ArtifactDir   string        `yaml:"artifact_dir"`
	ArtifactGrace time.Duration `yaml:"artifact_grace"`
	PublicBaseURL string        `yaml:"public_base_url"` // when set, ingress pulls artifacts over HTTP
	FFmpegBinary  string        `yaml:"ffmpeg_binary"`
}

// ArchiveConfig selects the durable store for finished interviews.
type ArchiveConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, none
	DSN    string `yaml:"dsn"`
}

// DigestConfig configures posting interview summaries to a chat platform.
type DigestConfig struct {
	Platform string        `yaml:"platform"` // "", slack, discord
	Channel  string        `yaml:"channel"`
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// LogConfig controls the zap logger built by the CLI.
type LogConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
}

// Load reads .env (if present) and a YAML config file from path, and returns
// a validated Config. Environment variables override file values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		// Environment-only deployments have no file.
		data = nil
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config, applying environment
// overrides from the current process.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.LookupEnv)
}

func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays well-known environment variables onto the config.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LIVEKIT_URL", &c.LiveKit.URL)
	str("LIVEKIT_API_KEY", &c.LiveKit.APIKey)
	str("LIVEKIT_API_SECRET", &c.LiveKit.APISecret)
	str("RTMP_SERVER_URL", &c.LiveKit.EgressURL)
	str("DEEPGRAM_API_KEY", &c.Deepgram.APIKey)
	str("LLM_PROVIDER", &c.LLM.Provider)
	str("TTS_PROVIDER", &c.TTS.Provider)
	str("CORS_ORIGIN", &c.Server.CORSOrigin)
	str("ARCHIVE_DSN", &c.Archive.DSN)

	// Provider keys only apply to the provider that uses them.
	switch c.LLM.Provider {
	case "mistral":
		str("MISTRAL_API_KEY", &c.LLM.APIKey)
	case "", "openai":
		str("OPENAI_API_KEY", &c.LLM.APIKey)
	}
	switch c.TTS.Provider {
	case "elevenlabs":
		str("ELEVENLABS_API_KEY", &c.TTS.APIKey)
	case "deepgram":
		str("DEEPGRAM_API_KEY", &c.TTS.APIKey)
	case "", "openai":
		str("OPENAI_API_KEY", &c.TTS.APIKey)
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("SESSION_TIMEOUT"); ok && v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SESSION_TIMEOUT %q: %w", v, err)
		}
		c.Session.IdleTimeout = time.Duration(minutes) * time.Minute
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.LiveKit.URL == "" {
		c.LiveKit.URL = DefaultLiveKitURL
	}
	if c.LiveKit.AIIdentity == "" {
		c.LiveKit.AIIdentity = DefaultAIIdentity
	}
	if c.LiveKit.AIName == "" {
		c.LiveKit.AIName = DefaultAIName
	}
	if c.LiveKit.EgressURL == "" {
		c.LiveKit.EgressURL = DefaultEgressURL
	}
	c.LiveKit.EgressURL = strings.TrimRight(c.LiveKit.EgressURL, "/")
	if c.LiveKit.TokenTTL == 0 {
		c.LiveKit.TokenTTL = DefaultTokenTTL
	}

	if c.Deepgram.Model == "" {
		c.Deepgram.Model = DefaultDeepgramModel
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = DefaultLLMProvider
	}
	switch c.LLM.Provider {
	case "mistral":
		if c.LLM.BaseURL == "" {
			c.LLM.BaseURL = "https://api.mistral.ai/v1"
		}
		if c.LLM.Model == "" {
			c.LLM.Model = "mistral-small-latest"
		}
	case "ollama":
		if c.LLM.BaseURL == "" {
			c.LLM.BaseURL = "http://localhost:11434/v1"
		}
		if c.LLM.Model == "" {
			c.LLM.Model = "llama3"
		}
	default:
		if c.LLM.Model == "" {
			c.LLM.Model = "gpt-4o-mini"
		}
	}
	if c.LLM.Window == 0 {
		c.LLM.Window = DefaultLLMWindow
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = DefaultLLMMaxTokens
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = DefaultLLMTemperature
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = DefaultLLMTimeout
	}
	if c.LLM.SystemPrompt == "" {
		c.LLM.SystemPrompt = DefaultSystemPrompt
	}

	if c.TTS.Provider == "" {
		c.TTS.Provider = DefaultTTSProvider
	}
	if c.TTS.Format == "" {
		c.TTS.Format = DefaultTTSFormat
	}
	if c.TTS.Timeout == 0 {
		c.TTS.Timeout = DefaultTTSTimeout
	}

	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = DefaultIdleTimeout
	}
	if c.Session.SweepSchedule == "" {
		c.Session.SweepSchedule = DefaultSweepSchedule
	}

	if c.Pipeline.Greeting == "" {
		c.Pipeline.Greeting = DefaultGreeting
	}
	if c.Pipeline.ArtifactDir == "" {
		c.Pipeline.ArtifactDir = os.TempDir()
	}
	if c.Pipeline.ArtifactGrace == 0 {
		c.Pipeline.ArtifactGrace = DefaultArtifactGrace
	}
	c.Pipeline.PublicBaseURL = strings.TrimRight(c.Pipeline.PublicBaseURL, "/")
	if c.Pipeline.FFmpegBinary == "" {
		c.Pipeline.FFmpegBinary = DefaultFFmpegBinary
	}

	if c.Archive.Driver == "" {
		c.Archive.Driver = DefaultArchiveDriver
	}
	if c.Archive.DSN == "" && c.Archive.Driver == "sqlite" {
		c.Archive.DSN = DefaultArchiveDSN
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.LiveKit.APIKey == "" {
		errs = append(errs, "livekit.api_key is required")
	}
	if c.LiveKit.APISecret == "" {
		errs = append(errs, "livekit.api_secret is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}

	switch c.LLM.Provider {
	case "openai", "mistral":
		if c.LLM.APIKey == "" {
			errs = append(errs, fmt.Sprintf("llm.api_key is required for provider %q", c.LLM.Provider))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Sprintf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.Window < 0 {
		errs = append(errs, "llm.window must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}

	switch c.TTS.Provider {
	case "openai", "elevenlabs", "deepgram":
		if c.TTS.APIKey == "" {
			errs = append(errs, fmt.Sprintf("tts.api_key is required for provider %q", c.TTS.Provider))
		}
	case "piper", "none":
	default:
		errs = append(errs, fmt.Sprintf("tts.provider %q is not supported", c.TTS.Provider))
	}

	switch c.Archive.Driver {
	case "sqlite", "none":
	case "mysql":
		if c.Archive.DSN == "" {
			errs = append(errs, "archive.dsn is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("archive.driver %q is not supported", c.Archive.Driver))
	}

	switch c.Digest.Platform {
	case "":
	case "slack":
		if c.Digest.Slack.BotToken == "" {
			errs = append(errs, "digest.slack.bot_token is required")
		}
	case "discord":
		if c.Digest.Discord.BotToken == "" {
			errs = append(errs, "digest.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("digest.platform %q is not supported", c.Digest.Platform))
	}
	if c.Digest.Platform != "" && c.Digest.Channel == "" {
		errs = append(errs, "digest.channel is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
