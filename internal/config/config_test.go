package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
server:
  port: 8088
  cors_origin: https://interview.example.com

livekit:
  url: wss://lk.example.com
  api_key: APIabc
  api_secret: s3cret
  ai_identity: coach
  ai_name: Coach
  egress_url: rtmp://media.internal:1935/live/
  token_ttl: 2h

deepgram:
  api_key: dg-key
  model: nova-2-meeting

llm:
  provider: mistral
  api_key: mk-1
  window: 6
  max_tokens: 300
  temperature: 0.2
  timeout: 5s

tts:
  provider: elevenlabs
  api_key: el-1
  voice: EXAVITQu4vr4xnSDxMaL

session:
  idle_timeout: 10m
  sweep_schedule: "@every 1m"

pipeline:
  greeting: Hi there.
  artifact_dir: /var/tmp/iv
  artifact_grace: 90s
  public_base_url: https://iv.example.com/

archive:
  driver: mysql
  dsn: "iv:pw@tcp(db:3306)/interviews"

digest:
  platform: slack
  channel: C123
  slack:
    bot_token: xoxb-1
`

const minimalYAML = `
livekit:
  api_key: key
  api_secret: secret
llm:
  api_key: sk-1
tts:
  api_key: sk-1
`

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestParse_FullConfig(t *testing.T) {
	cfg, err := parse([]byte(fullYAML), noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8088 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8088)
	}
	if cfg.Server.CORSOrigin != "https://interview.example.com" {
		t.Errorf("Server.CORSOrigin = %q", cfg.Server.CORSOrigin)
	}
	if cfg.LiveKit.AIIdentity != "coach" {
		t.Errorf("LiveKit.AIIdentity = %q, want %q", cfg.LiveKit.AIIdentity, "coach")
	}
	if cfg.LiveKit.EgressURL != "rtmp://media.internal:1935/live" {
		t.Errorf("LiveKit.EgressURL = %q, want trailing slash trimmed", cfg.LiveKit.EgressURL)
	}
	if cfg.LiveKit.TokenTTL != 2*time.Hour {
		t.Errorf("LiveKit.TokenTTL = %v, want 2h", cfg.LiveKit.TokenTTL)
	}
	if cfg.Deepgram.Model != "nova-2-meeting" {
		t.Errorf("Deepgram.Model = %q", cfg.Deepgram.Model)
	}
	if cfg.LLM.BaseURL != "https://api.mistral.ai/v1" {
		t.Errorf("LLM.BaseURL = %q, want mistral default", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Model != "mistral-small-latest" {
		t.Errorf("LLM.Model = %q, want mistral default", cfg.LLM.Model)
	}
	if cfg.LLM.Window != 6 {
		t.Errorf("LLM.Window = %d, want 6", cfg.LLM.Window)
	}
	if cfg.LLM.MaxTokens != 300 {
		t.Errorf("LLM.MaxTokens = %d, want 300", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Errorf("LLM.Temperature = %v, want 0.2", cfg.LLM.Temperature)
	}
	if cfg.LLM.Timeout != 5*time.Second {
		t.Errorf("LLM.Timeout = %v, want 5s", cfg.LLM.Timeout)
	}
	if cfg.TTS.Provider != "elevenlabs" {
		t.Errorf("TTS.Provider = %q", cfg.TTS.Provider)
	}
	if cfg.Session.IdleTimeout != 10*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want 10m", cfg.Session.IdleTimeout)
	}
	if cfg.Session.SweepSchedule != "@every 1m" {
		t.Errorf("Session.SweepSchedule = %q", cfg.Session.SweepSchedule)
	}
	if cfg.Pipeline.Greeting != "Hi there." {
		t.Errorf("Pipeline.Greeting = %q", cfg.Pipeline.Greeting)
	}
	if cfg.Pipeline.ArtifactGrace != 90*time.Second {
		t.Errorf("Pipeline.ArtifactGrace = %v, want 90s", cfg.Pipeline.ArtifactGrace)
	}
	if cfg.Pipeline.PublicBaseURL != "https://iv.example.com" {
		t.Errorf("Pipeline.PublicBaseURL = %q, want trailing slash trimmed", cfg.Pipeline.PublicBaseURL)
	}
	if cfg.Archive.Driver != "mysql" {
		t.Errorf("Archive.Driver = %q", cfg.Archive.Driver)
	}
	if cfg.Digest.Channel != "C123" {
		t.Errorf("Digest.Channel = %q", cfg.Digest.Channel)
	}
}

func TestParse_MinimalDefaults(t *testing.T) {
	cfg, err := parse([]byte(minimalYAML), noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != DefaultPort {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.LiveKit.URL != DefaultLiveKitURL {
		t.Errorf("LiveKit.URL = %q, want %q", cfg.LiveKit.URL, DefaultLiveKitURL)
	}
	if cfg.LiveKit.AIIdentity != DefaultAIIdentity {
		t.Errorf("LiveKit.AIIdentity = %q, want %q", cfg.LiveKit.AIIdentity, DefaultAIIdentity)
	}
	if cfg.LiveKit.EgressURL != DefaultEgressURL {
		t.Errorf("LiveKit.EgressURL = %q, want %q", cfg.LiveKit.EgressURL, DefaultEgressURL)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("LLM = %s/%s, want openai/gpt-4o-mini", cfg.LLM.Provider, cfg.LLM.Model)
	}
	if cfg.LLM.Window != DefaultLLMWindow {
		t.Errorf("LLM.Window = %d, want %d", cfg.LLM.Window, DefaultLLMWindow)
	}
	if cfg.LLM.MaxTokens != DefaultLLMMaxTokens {
		t.Errorf("LLM.MaxTokens = %d, want %d", cfg.LLM.MaxTokens, DefaultLLMMaxTokens)
	}
	if cfg.LLM.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("LLM.SystemPrompt = %q", cfg.LLM.SystemPrompt)
	}
	if cfg.TTS.Format != "mp3" {
		t.Errorf("TTS.Format = %q, want mp3", cfg.TTS.Format)
	}
	if cfg.Session.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("Session.IdleTimeout = %v, want %v", cfg.Session.IdleTimeout, DefaultIdleTimeout)
	}
	if cfg.Session.SweepSchedule != DefaultSweepSchedule {
		t.Errorf("Session.SweepSchedule = %q, want %q", cfg.Session.SweepSchedule, DefaultSweepSchedule)
	}
	if cfg.Pipeline.ArtifactGrace != DefaultArtifactGrace {
		t.Errorf("Pipeline.ArtifactGrace = %v, want %v", cfg.Pipeline.ArtifactGrace, DefaultArtifactGrace)
	}
	if cfg.Pipeline.ArtifactDir == "" {
		t.Error("Pipeline.ArtifactDir should default to the temp dir")
	}
	if cfg.Archive.Driver != "sqlite" || cfg.Archive.DSN != DefaultArchiveDSN {
		t.Errorf("Archive = %s %q, want sqlite %q", cfg.Archive.Driver, cfg.Archive.DSN, DefaultArchiveDSN)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	env := envMap(map[string]string{
		"LIVEKIT_URL":        "wss://env.example.com",
		"LIVEKIT_API_KEY":    "env-key",
		"LIVEKIT_API_SECRET": "env-secret",
		"OPENAI_API_KEY":     "sk-env",
		"RTMP_SERVER_URL":    "rtmp://relay:1935/in",
		"PORT":               "7000",
		"SESSION_TIMEOUT":    "45",
	})
	cfg, err := parse([]byte("{}"), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LiveKit.URL != "wss://env.example.com" {
		t.Errorf("LiveKit.URL = %q", cfg.LiveKit.URL)
	}
	if cfg.LiveKit.APIKey != "env-key" {
		t.Errorf("LiveKit.APIKey = %q", cfg.LiveKit.APIKey)
	}
	if cfg.LLM.APIKey != "sk-env" || cfg.TTS.APIKey != "sk-env" {
		t.Errorf("OPENAI_API_KEY not applied: llm=%q tts=%q", cfg.LLM.APIKey, cfg.TTS.APIKey)
	}
	if cfg.LiveKit.EgressURL != "rtmp://relay:1935/in" {
		t.Errorf("LiveKit.EgressURL = %q", cfg.LiveKit.EgressURL)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Session.IdleTimeout != 45*time.Minute {
		t.Errorf("Session.IdleTimeout = %v, want 45m", cfg.Session.IdleTimeout)
	}
}

func TestParse_MistralKeyOnlyForMistral(t *testing.T) {
	env := envMap(map[string]string{
		"LIVEKIT_API_KEY":    "k",
		"LIVEKIT_API_SECRET": "s",
		"LLM_PROVIDER":       "mistral",
		"MISTRAL_API_KEY":    "mk",
		"OPENAI_API_KEY":     "sk",
	})
	cfg, err := parse(nil, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "mk" {
		t.Errorf("LLM.APIKey = %q, want mk", cfg.LLM.APIKey)
	}
	if cfg.TTS.APIKey != "sk" {
		t.Errorf("TTS.APIKey = %q, want sk", cfg.TTS.APIKey)
	}
}

func TestParse_BadPortEnv(t *testing.T) {
	_, err := parse([]byte(minimalYAML), envMap(map[string]string{"PORT": "eighty"}))
	if err == nil {
		t.Fatal("expected error for non-numeric PORT")
	}
	if !strings.Contains(err.Error(), "PORT") {
		t.Errorf("error = %q, want mention of PORT", err)
	}
}

func TestParse_OllamaNeedsNoKey(t *testing.T) {
	yaml := `
livekit: {api_key: k, api_secret: s}
llm: {provider: ollama}
tts: {provider: piper, base_url: "http://piper:5000"}
`
	cfg, err := parse([]byte(yaml), noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	yaml := `
llm: {provider: bard}
tts: {provider: robot}
archive: {driver: postgres}
digest: {platform: teams}
`
	_, err := parse([]byte(yaml), noEnv)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"livekit.api_key is required",
		"livekit.api_secret is required",
		`llm.provider "bard" is not supported`,
		`tts.provider "robot" is not supported`,
		`archive.driver "postgres" is not supported`,
		`digest.platform "teams" is not supported`,
		"digest.channel is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestParse_DigestNeedsToken(t *testing.T) {
	yaml := minimalYAML + `
digest:
  platform: discord
  channel: "123"
`
	_, err := parse([]byte(yaml), noEnv)
	if err == nil || !strings.Contains(err.Error(), "digest.discord.bot_token is required") {
		t.Fatalf("err = %v, want discord token error", err)
	}
}

func TestParse_MySQLNeedsDSN(t *testing.T) {
	yaml := minimalYAML + `
archive:
  driver: mysql
`
	_, err := parse([]byte(yaml), noEnv)
	if err == nil || !strings.Contains(err.Error(), "archive.dsn is required for mysql") {
		t.Fatalf("err = %v, want mysql dsn error", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := parse([]byte("livekit: [unclosed"), noEnv)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want config: parse prefix", err)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "interviewer.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LiveKit.APIKey != "key" {
		t.Errorf("LiveKit.APIKey = %q, want key", cfg.LiveKit.APIKey)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	// godotenv never overrides variables that are already set.
	t.Setenv("LIVEKIT_API_KEY", "")
	os.Unsetenv("LIVEKIT_API_KEY")
	t.Setenv("LIVEKIT_API_SECRET", "")
	os.Unsetenv("LIVEKIT_API_SECRET")
	t.Setenv("OPENAI_API_KEY", "")
	os.Unsetenv("OPENAI_API_KEY")

	env := "LIVEKIT_API_KEY=dot-key\nLIVEKIT_API_SECRET=dot-secret\nOPENAI_API_KEY=sk-dot\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LiveKit.APIKey != "dot-key" {
		t.Errorf("LiveKit.APIKey = %q, want dot-key", cfg.LiveKit.APIKey)
	}
	t.Cleanup(func() {
		os.Unsetenv("LIVEKIT_API_KEY")
		os.Unsetenv("LIVEKIT_API_SECRET")
		os.Unsetenv("OPENAI_API_KEY")
	})
}
