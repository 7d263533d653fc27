package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.EnhancementConfig) Request {
	return Request{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// Collect runs the generator and returns the concatenated output.
func Collect(ctx context.Context, gen Generator, req Request) (string, error) {
	var b strings.Builder
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		b.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// NewGenerator builds the backend selected by cfg. secret is the resolved
// credential, or empty.
func NewGenerator(cfg config.EnhancementConfig, secret string, logger *slog.Logger) (Generator, error) {
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	switch cfg.Provider {
	case "", "mock":
		return NewMockGenerator(nil), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, timeout, cfg.RateLimitPerMin, logger), nil
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.Model, secret, timeout, cfg.RateLimitPerMin, logger), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported enhancement provider %q", cfg.Provider)
	}
}
