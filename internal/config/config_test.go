package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Transcription.Mode != "batch" || cfg.Transcription.Batch.Provider != "mock" {
		t.Fatalf("expected mock batch transcription by default, got %+v", cfg.Transcription)
	}
	if cfg.Audio.QueueDepth != 50 {
		t.Fatalf("expected queue depth 50, got %d", cfg.Audio.QueueDepth)
	}
	if cfg.Transcription.StreamFallback != "fail" {
		t.Fatalf("expected stream fallback fail, got %q", cfg.Transcription.StreamFallback)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_AUDIO_QUEUE_DEPTH", "8")
	t.Setenv("LOQA_AUDIO_SILENCE_THRESHOLD", "0.05")
	t.Setenv("LOQA_CONTEXT_USE_CLIPBOARD", "true")
	t.Setenv("LOQA_ENHANCEMENT_MODE", "assistant")
	t.Setenv("LOQA_PIPELINE_GRACE_PERIOD_MS", "750")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Audio.QueueDepth != 8 {
		t.Fatalf("expected queue depth override, got %d", cfg.Audio.QueueDepth)
	}
	if cfg.Audio.SilenceThreshold != 0.05 {
		t.Fatalf("expected silence threshold override, got %v", cfg.Audio.SilenceThreshold)
	}
	if !cfg.Context.UseClipboard {
		t.Fatal("expected clipboard context enabled")
	}
	if cfg.Enhancement.Mode != "assistant" {
		t.Fatalf("expected enhancement mode override")
	}
	if cfg.Pipeline.GracePeriodMS != 750 {
		t.Fatalf("expected grace period override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictate.yaml")
	data := []byte(`
transcription:
  mode: streaming
  stream_fallback: batch
  streaming:
    provider: websocket
    endpoint: ws://127.0.0.1:9000/v1/stream
  batch:
    provider: http
    endpoint: http://127.0.0.1:9000/v1/transcribe
enhancement:
  enabled: true
  provider: ollama
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transcription.Mode != "streaming" || cfg.Transcription.StreamFallback != "batch" {
		t.Fatalf("unexpected transcription config: %+v", cfg.Transcription)
	}
	if len(cfg.Enhancement.Tags) != 5 {
		t.Fatalf("expected default tags to survive overlay, got %d", len(cfg.Enhancement.Tags))
	}
}

func TestValidateRejectsInvalidTags(t *testing.T) {
	cfg := Default()
	cfg.Enhancement.Tags = []TagConfig{
		{Name: "TRANSCRIPT", Signal: "transcript"},
		{Name: "transcript", Signal: "clipboard"},
	}
	if err := validate(cfg); err == nil {
		t.Fatal("expected duplicate tag error")
	}

	cfg.Enhancement.Tags = []TagConfig{{Name: "<bad>", Signal: "transcript"}}
	if err := validate(cfg); err == nil {
		t.Fatal("expected invalid tag name error")
	}

	cfg.Enhancement.Tags = []TagConfig{{Name: "CLIPBOARD", Signal: "clipboard"}}
	if err := validate(cfg); err == nil {
		t.Fatal("expected missing transcript tag error")
	}
}

func TestValidateStreamingRequiresEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Transcription.Mode = "streaming"
	if err := validate(cfg); err == nil {
		t.Fatal("expected streaming endpoint error")
	}
	cfg.Transcription.Streaming.Endpoint = "ws://localhost/stream"
	cfg.Transcription.StreamFallback = "retry"
	if err := validate(cfg); err == nil {
		t.Fatal("expected stream fallback error")
	}
}
