package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Context       ContextConfig       `yaml:"context"`
	Enhancement   EnhancementConfig   `yaml:"enhancement"`
	Output        OutputConfig        `yaml:"output"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
}

type BusConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Embedded        bool     `yaml:"embedded"`
	Port            int      `yaml:"port"`
	Servers         []string `yaml:"servers"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	Token           string   `yaml:"token"`
	TLSInsecure     bool     `yaml:"tls_insecure"`
	ConnectTimeout  int      `yaml:"connect_timeout_ms"`
	PublishPartials bool     `yaml:"publish_partials"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig controls capture and voice-activity segmentation.
type AudioConfig struct {
	Device            string  `yaml:"device"`
	Opener            string  `yaml:"opener"` // exec, wav
	Command           string  `yaml:"command"`
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	FrameDurationMS   int     `yaml:"frame_duration_ms"`
	SilenceThreshold  float64 `yaml:"silence_threshold"`
	TrailingSilenceMS int     `yaml:"trailing_silence_ms"`
	PreRollMS         int     `yaml:"pre_roll_ms"`
	MaxSegmentMS      int     `yaml:"max_segment_ms"`
	QueueDepth        int     `yaml:"queue_depth"`
	BlockTimeoutMS    int     `yaml:"block_timeout_ms"`
	FrameSegments     bool    `yaml:"frame_segments"`
	AutoStop          bool    `yaml:"auto_stop"`
	Realtime          bool    `yaml:"realtime"`
}

// ProviderConfig describes one transcription backend.
type ProviderConfig struct {
	Provider     string `yaml:"provider"`
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	Language     string `yaml:"language"`
	CredentialID string `yaml:"credential_id"`
	Command      string `yaml:"command"`
	ModelPath    string `yaml:"model_path"`
}

type TranscriptionConfig struct {
	Mode             string         `yaml:"mode"` // batch, streaming
	Batch            ProviderConfig `yaml:"batch"`
	Streaming        ProviderConfig `yaml:"streaming"`
	StreamFallback   string         `yaml:"stream_fallback"` // fail, batch
	RequestTimeoutMS int            `yaml:"request_timeout_ms"`
	IdleTimeoutMS    int            `yaml:"idle_timeout_ms"`
	RetryBackoffMS   int            `yaml:"retry_backoff_ms"`
	RateLimitPerMin  int            `yaml:"rate_limit_per_min"`
}

type ContextConfig struct {
	UseClipboard     bool   `yaml:"use_clipboard_context"`
	UseScreenCapture bool   `yaml:"use_screen_capture_context"`
	UseSelectedText  bool   `yaml:"use_selected_text_context"`
	UseVocabulary    bool   `yaml:"use_vocabulary"`
	ScreenCommand    string `yaml:"screen_command"`
	SelectionCommand string `yaml:"selection_command"`
	TimeoutMS        int    `yaml:"timeout_ms"`
	MaxChars         int    `yaml:"max_chars"`
}

// TagConfig binds a prompt delimiter tag to the signal it carries.
type TagConfig struct {
	Name   string `yaml:"name"`
	Signal string `yaml:"signal"`
}

type EnhancementConfig struct {
	Enabled          bool        `yaml:"enabled"`
	Mode             string      `yaml:"mode"`     // restrictive, assistant
	Provider         string      `yaml:"provider"` // mock, ollama, openai, exec
	Endpoint         string      `yaml:"endpoint"`
	Model            string      `yaml:"model"`
	CredentialID     string      `yaml:"credential_id"`
	Command          string      `yaml:"command"`
	MaxTokens        int         `yaml:"max_tokens"`
	Temperature      float64     `yaml:"temperature"`
	RequestTimeoutMS int         `yaml:"request_timeout_ms"`
	RetryBackoffMS   int         `yaml:"retry_backoff_ms"`
	RateLimitPerMin  int         `yaml:"rate_limit_per_min"`
	Tags             []TagConfig `yaml:"tags"`
}

type OutputConfig struct {
	Sink    string `yaml:"sink"` // stdout, clipboard, exec, bus
	Command string `yaml:"command"`
	Subject string `yaml:"subject"`
}

type SecretsConfig struct {
	Source    string `yaml:"source"` // env, dir
	Directory string `yaml:"directory"`
}

type PipelineConfig struct {
	GracePeriodMS int `yaml:"grace_period_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictate.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Device:            "default",
			Opener:            "exec",
			Command:           "arecord -q -t raw -f S16_LE -c 1 -r 16000 -D",
			SampleRate:        16000,
			Channels:          1,
			FrameDurationMS:   20,
			SilenceThreshold:  0.02,
			TrailingSilenceMS: 800,
			PreRollMS:         200,
			MaxSegmentMS:      30000,
			QueueDepth:        50,
			BlockTimeoutMS:    2000,
			Realtime:          true,
		},
		Transcription: TranscriptionConfig{
			Mode: "batch",
			Batch: ProviderConfig{
				Provider: "mock",
				Language: "en",
			},
			Streaming: ProviderConfig{
				Provider: "websocket",
				Language: "en",
			},
			StreamFallback:   "fail",
			RequestTimeoutMS: 30000,
			IdleTimeoutMS:    10000,
			RetryBackoffMS:   500,
			RateLimitPerMin:  120,
		},
		Context: ContextConfig{
			TimeoutMS: 1500,
			MaxChars:  4000,
		},
		Enhancement: EnhancementConfig{
			Enabled:          false,
			Mode:             "restrictive",
			Provider:         "mock",
			Endpoint:         "http://localhost:11434",
			Model:            "llama3.2:latest",
			MaxTokens:        512,
			Temperature:      0.2,
			RequestTimeoutMS: 45000,
			RetryBackoffMS:   500,
			RateLimitPerMin:  60,
			Tags: []TagConfig{
				{Name: "TRANSCRIPT", Signal: "transcript"},
				{Name: "CUSTOM_VOCABULARY", Signal: "vocabulary"},
				{Name: "SELECTED_TEXT", Signal: "selected_text"},
				{Name: "CLIPBOARD_CONTEXT", Signal: "clipboard"},
				{Name: "SCREEN_CONTEXT", Signal: "screen"},
			},
		},
		Output: OutputConfig{
			Sink:    "stdout",
			Subject: "dictation.output",
		},
		Secrets: SecretsConfig{
			Source: "env",
		},
		Pipeline: PipelineConfig{
			GracePeriodMS: 2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.PublishPartials, "LOQA_BUS_PUBLISH_PARTIALS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideString(&cfg.Audio.Opener, "LOQA_AUDIO_OPENER")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "LOQA_AUDIO_FRAME_DURATION_MS")
	overrideFloat(&cfg.Audio.SilenceThreshold, "LOQA_AUDIO_SILENCE_THRESHOLD")
	overrideInt(&cfg.Audio.TrailingSilenceMS, "LOQA_AUDIO_TRAILING_SILENCE_MS")
	overrideInt(&cfg.Audio.QueueDepth, "LOQA_AUDIO_QUEUE_DEPTH")
	overrideBool(&cfg.Audio.FrameSegments, "LOQA_AUDIO_FRAME_SEGMENTS")
	overrideBool(&cfg.Audio.AutoStop, "LOQA_AUDIO_AUTO_STOP")
	overrideString(&cfg.Transcription.Mode, "LOQA_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.Batch.Provider, "LOQA_TRANSCRIPTION_BATCH_PROVIDER")
	overrideString(&cfg.Transcription.Batch.Endpoint, "LOQA_TRANSCRIPTION_BATCH_ENDPOINT")
	overrideString(&cfg.Transcription.Batch.Model, "LOQA_TRANSCRIPTION_BATCH_MODEL")
	overrideString(&cfg.Transcription.Batch.CredentialID, "LOQA_TRANSCRIPTION_BATCH_CREDENTIAL_ID")
	overrideString(&cfg.Transcription.Batch.Command, "LOQA_TRANSCRIPTION_BATCH_COMMAND")
	overrideString(&cfg.Transcription.Batch.ModelPath, "LOQA_TRANSCRIPTION_BATCH_MODEL_PATH")
	overrideString(&cfg.Transcription.Streaming.Provider, "LOQA_TRANSCRIPTION_STREAMING_PROVIDER")
	overrideString(&cfg.Transcription.Streaming.Endpoint, "LOQA_TRANSCRIPTION_STREAMING_ENDPOINT")
	overrideString(&cfg.Transcription.Streaming.CredentialID, "LOQA_TRANSCRIPTION_STREAMING_CREDENTIAL_ID")
	overrideString(&cfg.Transcription.StreamFallback, "LOQA_TRANSCRIPTION_STREAM_FALLBACK")
	overrideInt(&cfg.Transcription.RequestTimeoutMS, "LOQA_TRANSCRIPTION_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Transcription.IdleTimeoutMS, "LOQA_TRANSCRIPTION_IDLE_TIMEOUT_MS")
	overrideBool(&cfg.Context.UseClipboard, "LOQA_CONTEXT_USE_CLIPBOARD")
	overrideBool(&cfg.Context.UseScreenCapture, "LOQA_CONTEXT_USE_SCREEN_CAPTURE")
	overrideBool(&cfg.Context.UseSelectedText, "LOQA_CONTEXT_USE_SELECTED_TEXT")
	overrideBool(&cfg.Context.UseVocabulary, "LOQA_CONTEXT_USE_VOCABULARY")
	overrideString(&cfg.Context.ScreenCommand, "LOQA_CONTEXT_SCREEN_COMMAND")
	overrideString(&cfg.Context.SelectionCommand, "LOQA_CONTEXT_SELECTION_COMMAND")
	overrideBool(&cfg.Enhancement.Enabled, "LOQA_ENHANCEMENT_ENABLED")
	overrideString(&cfg.Enhancement.Mode, "LOQA_ENHANCEMENT_MODE")
	overrideString(&cfg.Enhancement.Provider, "LOQA_ENHANCEMENT_PROVIDER")
	overrideString(&cfg.Enhancement.Endpoint, "LOQA_ENHANCEMENT_ENDPOINT")
	overrideString(&cfg.Enhancement.Model, "LOQA_ENHANCEMENT_MODEL")
	overrideString(&cfg.Enhancement.CredentialID, "LOQA_ENHANCEMENT_CREDENTIAL_ID")
	overrideString(&cfg.Enhancement.Command, "LOQA_ENHANCEMENT_COMMAND")
	overrideInt(&cfg.Enhancement.MaxTokens, "LOQA_ENHANCEMENT_MAX_TOKENS")
	overrideFloat(&cfg.Enhancement.Temperature, "LOQA_ENHANCEMENT_TEMPERATURE")
	overrideString(&cfg.Output.Sink, "LOQA_OUTPUT_SINK")
	overrideString(&cfg.Output.Command, "LOQA_OUTPUT_COMMAND")
	overrideString(&cfg.Secrets.Source, "LOQA_SECRETS_SOURCE")
	overrideString(&cfg.Secrets.Directory, "LOQA_SECRETS_DIRECTORY")
	overrideInt(&cfg.Pipeline.GracePeriodMS, "LOQA_PIPELINE_GRACE_PERIOD_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

var tagNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := validateAudio(cfg.Audio); err != nil {
		return err
	}
	if err := validateTranscription(cfg.Transcription); err != nil {
		return err
	}
	if cfg.Context.TimeoutMS <= 0 {
		return errors.New("context.timeout_ms must be positive")
	}
	if cfg.Context.MaxChars < 0 {
		return errors.New("context.max_chars must be >= 0")
	}
	if err := validateEnhancement(cfg.Enhancement); err != nil {
		return err
	}
	switch cfg.Output.Sink {
	case "stdout", "clipboard", "bus":
	case "exec":
		if cfg.Output.Command == "" {
			return errors.New("output.command must be set when sink=exec")
		}
	default:
		return errors.New("output.sink must be one of stdout|clipboard|exec|bus")
	}
	if cfg.Output.Sink == "bus" && !cfg.Bus.Enabled {
		return errors.New("output.sink=bus requires bus.enabled")
	}
	switch cfg.Secrets.Source {
	case "env":
	case "dir":
		if cfg.Secrets.Directory == "" {
			return errors.New("secrets.directory must be set when source=dir")
		}
	default:
		return errors.New("secrets.source must be one of env|dir")
	}
	if cfg.Pipeline.GracePeriodMS <= 0 {
		return errors.New("pipeline.grace_period_ms must be positive")
	}
	return nil
}

func validateAudio(cfg AudioConfig) error {
	switch cfg.Opener {
	case "exec":
		if cfg.Command == "" {
			return errors.New("audio.command must be set when opener=exec")
		}
	case "wav":
	default:
		return errors.New("audio.opener must be one of exec|wav")
	}
	if cfg.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > 1 {
		return errors.New("audio.silence_threshold must be between 0 and 1")
	}
	if cfg.TrailingSilenceMS <= 0 {
		return errors.New("audio.trailing_silence_ms must be positive")
	}
	if cfg.QueueDepth <= 0 {
		return errors.New("audio.queue_depth must be >= 1")
	}
	if cfg.BlockTimeoutMS <= 0 {
		return errors.New("audio.block_timeout_ms must be positive")
	}
	return nil
}

func validateTranscription(cfg TranscriptionConfig) error {
	switch cfg.Mode {
	case "batch":
		if err := validateBatch(cfg.Batch); err != nil {
			return err
		}
	case "streaming":
		switch cfg.Streaming.Provider {
		case "mock":
		case "websocket":
			if cfg.Streaming.Endpoint == "" {
				return errors.New("transcription.streaming.endpoint must be set")
			}
		default:
			return errors.New("transcription.streaming.provider must be one of mock|websocket")
		}
		switch cfg.StreamFallback {
		case "fail":
		case "batch":
			if err := validateBatch(cfg.Batch); err != nil {
				return err
			}
		default:
			return errors.New("transcription.stream_fallback must be one of fail|batch")
		}
	default:
		return errors.New("transcription.mode must be one of batch|streaming")
	}
	if cfg.RequestTimeoutMS <= 0 {
		return errors.New("transcription.request_timeout_ms must be positive")
	}
	if cfg.IdleTimeoutMS <= 0 {
		return errors.New("transcription.idle_timeout_ms must be positive")
	}
	if cfg.RetryBackoffMS < 0 {
		return errors.New("transcription.retry_backoff_ms must be >= 0")
	}
	return nil
}

func validateBatch(cfg ProviderConfig) error {
	switch cfg.Provider {
	case "mock":
	case "exec":
		if cfg.Command == "" {
			return errors.New("transcription.batch.command must be set when provider=exec")
		}
	case "http", "openai":
		if cfg.Endpoint == "" {
			return fmt.Errorf("transcription.batch.endpoint must be set when provider=%s", cfg.Provider)
		}
	case "whisper":
		if cfg.ModelPath == "" {
			return errors.New("transcription.batch.model_path must be set when provider=whisper")
		}
	default:
		return errors.New("transcription.batch.provider must be one of mock|exec|http|openai|whisper")
	}
	return nil
}

func validateEnhancement(cfg EnhancementConfig) error {
	if len(cfg.Tags) == 0 {
		return errors.New("enhancement.tags must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Tags))
	hasTranscript := false
	for _, tag := range cfg.Tags {
		if !tagNamePattern.MatchString(tag.Name) {
			return fmt.Errorf("enhancement.tags: invalid tag name %q", tag.Name)
		}
		key := strings.ToUpper(tag.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("enhancement.tags: duplicate tag %q", tag.Name)
		}
		seen[key] = struct{}{}
		if tag.Signal == "transcript" {
			hasTranscript = true
		}
	}
	if !hasTranscript {
		return errors.New("enhancement.tags must bind a tag to the transcript signal")
	}
	if !cfg.Enabled {
		return nil
	}
	switch cfg.Mode {
	case "restrictive", "assistant":
	default:
		return errors.New("enhancement.mode must be one of restrictive|assistant")
	}
	switch cfg.Provider {
	case "mock":
	case "ollama", "openai":
		if cfg.Endpoint == "" {
			return fmt.Errorf("enhancement.endpoint must be set when provider=%s", cfg.Provider)
		}
	case "exec":
		if cfg.Command == "" {
			return errors.New("enhancement.command must be set when provider=exec")
		}
	default:
		return errors.New("enhancement.provider must be one of mock|ollama|openai|exec")
	}
	if cfg.MaxTokens < 0 {
		return errors.New("enhancement.max_tokens must be >= 0")
	}
	if cfg.RequestTimeoutMS <= 0 {
		return errors.New("enhancement.request_timeout_ms must be positive")
	}
	return nil
}
