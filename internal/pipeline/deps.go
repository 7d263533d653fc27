package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/enhance"
	"github.com/loqalabs/loqa-dictate/internal/prompt"
	"github.com/loqalabs/loqa-dictate/internal/signals"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

// Capture is a running audio capture. Done is closed once capture has ended
// and Err is final.
type Capture interface {
	Segments() <-chan audio.Segment
	Done() <-chan struct{}
	Stop()
	Err() error
}

// AudioSource starts captures. Only one capture runs at a time.
type AudioSource interface {
	Start(ctx context.Context, deviceID string) (Capture, error)
}

// ContextCollector reads the context signals for one enhancement.
type ContextCollector interface {
	Capture(ctx context.Context, transcript string, enabled signals.Set) signals.Snapshot
}

// Enhancer rewrites an assembled prompt.
type Enhancer interface {
	Enhance(ctx context.Context, p prompt.SanitizedPrompt, mode enhance.Mode) (enhance.Response, error)
}

// Sink delivers the final text.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, text string) error
}

type audioSource struct {
	src *audio.Source
}

// FromAudio adapts an audio.Source to AudioSource.
func FromAudio(src *audio.Source) AudioSource {
	return audioSource{src: src}
}

func (a audioSource) Start(ctx context.Context, deviceID string) (Capture, error) {
	c, err := a.src.Start(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Mode selects how audio reaches the transcription provider.
type Mode string

const (
	ModeBatch     Mode = "batch"
	ModeStreaming Mode = "streaming"
)

// FallbackPolicy decides what happens when a streaming session breaks.
type FallbackPolicy string

const (
	FallbackFail  FallbackPolicy = "fail"
	FallbackBatch FallbackPolicy = "batch"
)

// Deps are the collaborators a controller drives. Streaming is required in
// streaming mode; Batch is required in batch mode and for the batch
// fallback. Enhancer nil disables enhancement; Collector nil enhances with
// the transcript alone.
type Deps struct {
	Audio     AudioSource
	Batch     transcribe.BatchProvider
	Streaming transcribe.StreamingProvider
	Collector ContextCollector
	Template  prompt.Template
	Enhancer  Enhancer
	Sink      Sink
	Reporter  Reporter
}

// Options are fixed for the lifetime of a controller; each session sees the
// same copy.
type Options struct {
	DeviceID        string
	Mode            Mode
	StreamFallback  FallbackPolicy
	StreamConfig    transcribe.StreamConfig
	EnhancementMode enhance.Mode
	Signals         signals.Set
	AutoStop        bool
	GracePeriod     time.Duration
}

// OptionsFromConfig derives controller options from cfg.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	mode, err := enhance.ParseMode(cfg.Enhancement.Mode)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		DeviceID:       cfg.Audio.Device,
		Mode:           Mode(cfg.Transcription.Mode),
		StreamFallback: FallbackPolicy(cfg.Transcription.StreamFallback),
		StreamConfig: transcribe.StreamConfig{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			Language:   cfg.Transcription.Streaming.Language,
		},
		EnhancementMode: mode,
		Signals:         signals.EnabledFromConfig(cfg.Context),
		AutoStop:        cfg.Audio.AutoStop,
		GracePeriod:     time.Duration(cfg.Pipeline.GracePeriodMS) * time.Millisecond,
	}
	if opts.Mode == "" {
		opts.Mode = ModeBatch
	}
	if opts.StreamFallback == "" {
		opts.StreamFallback = FallbackFail
	}
	return opts, nil
}

func (d Deps) validate(opts Options) error {
	if d.Audio == nil {
		return fmt.Errorf("pipeline: audio source required")
	}
	if d.Sink == nil {
		return fmt.Errorf("pipeline: output sink required")
	}
	switch opts.Mode {
	case ModeBatch:
		if d.Batch == nil {
			return fmt.Errorf("pipeline: batch provider required")
		}
	case ModeStreaming:
		if d.Streaming == nil {
			return fmt.Errorf("pipeline: streaming provider required")
		}
		if opts.StreamFallback == FallbackBatch && d.Batch == nil {
			return fmt.Errorf("pipeline: batch fallback requires a batch provider")
		}
	default:
		return fmt.Errorf("pipeline: unknown mode %q", opts.Mode)
	}
	if d.Enhancer != nil {
		if err := d.Template.Validate(); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
	}
	return nil
}
