//go:build whisper_cpp

package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/failure"
)

// whisperBatch runs whisper.cpp in process. The model is not safe for
// concurrent use so calls are serialised.
type whisperBatch struct {
	model    whisperpkg.Model
	language string
	threads  uint
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewWhisperBatch(modelPath, language string, logger *slog.Logger) (BatchProvider, error) {
	model, err := whisperpkg.New(modelPath)
	if err != nil {
		return nil, failure.New(failure.ProviderUnavailable, "transcribe.whisper", fmt.Errorf("load model: %w", err))
	}
	if language == "" {
		language = "auto"
	}
	logger = logger.With(slog.String("component", "transcribe-whisper"))
	logger.Info("whisper model loaded", slog.String("model", modelPath))
	return &whisperBatch{
		model:    model,
		language: language,
		threads:  uint(runtime.NumCPU()),
		logger:   logger,
	}, nil
}

func (w *whisperBatch) Name() string { return "whisper" }

func (w *whisperBatch) Transcribe(ctx context.Context, seg audio.Segment) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, failure.New(failure.Cancelled, "transcribe.whisper", err)
	}
	if seg.SampleRate != whisperpkg.SampleRate || seg.Channels != 1 {
		return Result{}, failure.Newf(failure.ProviderUnavailable, "transcribe.whisper", "whisper requires %dHz mono input", whisperpkg.SampleRate)
	}
	samples := make([]float32, len(seg.Samples))
	for i, v := range seg.Samples {
		samples[i] = float32(v) / 32768.0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	wctx, err := w.model.NewContext()
	if err != nil {
		return Result{}, failure.New(failure.ProviderUnavailable, "transcribe.whisper", fmt.Errorf("create context: %w", err))
	}
	wctx.SetThreads(w.threads)
	_ = wctx.SetLanguage(w.language)
	wctx.SetSplitOnWord(true)

	proceed := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, proceed, nil, nil); err != nil {
		if ctx.Err() != nil {
			return Result{}, failure.New(failure.Cancelled, "transcribe.whisper", ctx.Err())
		}
		return Result{}, failure.New(failure.ProviderUnavailable, "transcribe.whisper", fmt.Errorf("process audio: %w", err))
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Warn("error reading segment", slogError(err))
			}
			break
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return Result{
		Text:        strings.Join(parts, " "),
		Confidence:  1,
		Segment:     seg.Sequence,
		Provider:    w.Name(),
		Final:       true,
		CompletedAt: time.Now(),
	}, nil
}
