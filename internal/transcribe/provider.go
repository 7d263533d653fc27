// Package transcribe turns captured audio segments into text, either one
// segment per request (batch) or over a long-lived session (streaming).
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/secrets"
)

// Result is one piece of recognised text. Streaming providers emit partial
// results with increasing Revision followed by exactly one Final result.
type Result struct {
	Text        string
	Confidence  float64
	Segment     uint64
	Provider    string
	Final       bool
	Revision    int
	CompletedAt time.Time
}

// BatchProvider transcribes a complete segment per call.
type BatchProvider interface {
	Name() string
	Transcribe(ctx context.Context, seg audio.Segment) (Result, error)
}

type StreamConfig struct {
	SessionID  string
	SampleRate int
	Channels   int
	Language   string
}

// StreamingProvider opens sessions. Connecting is separate from sending
// audio so the session is ready before capture starts.
type StreamingProvider interface {
	Name() string
	Connect(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is one streaming session. Results is closed after the final result
// or on failure; Err is valid once it is closed.
type Stream interface {
	Send(ctx context.Context, seg audio.Segment) error
	CloseSend() error
	Results() <-chan Result
	Err() error
	Close() error
}

// NewBatch builds the batch provider selected by cfg.
func NewBatch(ctx context.Context, cfg config.TranscriptionConfig, store secrets.Store, logger *slog.Logger) (BatchProvider, error) {
	pc := cfg.Batch
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	backoff := time.Duration(cfg.RetryBackoffMS) * time.Millisecond
	switch pc.Provider {
	case "", "mock":
		return NewMockBatch(), nil
	case "exec":
		return NewExecBatch(pc, timeout)
	case "http":
		secret, err := secrets.Optional(ctx, store, pc.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("resolve transcription credential: %w", err)
		}
		return NewHTTPBatch(HTTPOptions{
			Endpoint:     pc.Endpoint,
			Model:        pc.Model,
			Language:     pc.Language,
			Secret:       secret,
			Timeout:      timeout,
			RetryBackoff: backoff,
			RatePerMin:   cfg.RateLimitPerMin,
		}, logger), nil
	case "openai":
		secret, err := secrets.Optional(ctx, store, pc.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("resolve transcription credential: %w", err)
		}
		return NewOpenAIBatch(HTTPOptions{
			Endpoint:     pc.Endpoint,
			Model:        pc.Model,
			Language:     pc.Language,
			Secret:       secret,
			Timeout:      timeout,
			RetryBackoff: backoff,
			RatePerMin:   cfg.RateLimitPerMin,
		}, logger), nil
	case "whisper":
		return NewWhisperBatch(pc.ModelPath, pc.Language, logger)
	default:
		return nil, fmt.Errorf("unsupported batch provider %q", pc.Provider)
	}
}

// NewStreaming builds the streaming provider selected by cfg.
func NewStreaming(ctx context.Context, cfg config.TranscriptionConfig, store secrets.Store, logger *slog.Logger) (StreamingProvider, error) {
	pc := cfg.Streaming
	switch pc.Provider {
	case "mock":
		return NewMockStreaming(), nil
	case "websocket":
		secret, err := secrets.Optional(ctx, store, pc.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("resolve streaming credential: %w", err)
		}
		return NewWebSocketStreaming(WebSocketOptions{
			Endpoint:    pc.Endpoint,
			Model:       pc.Model,
			Language:    pc.Language,
			Secret:      secret,
			IdleTimeout: time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
			DialTimeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported streaming provider %q", pc.Provider)
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
