package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/failure"
	"golang.org/x/time/rate"
)

// openAIGenerator talks to OpenAI-compatible /v1/chat/completions servers.
type openAIGenerator struct {
	endpoint string
	model    string
	secret   string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func NewOpenAIGenerator(endpoint, model, secret string, timeout time.Duration, ratePerMin int, logger *slog.Logger) Generator {
	return &openAIGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		secret:   secret,
		client:   &http.Client{Timeout: timeout},
		limiter:  newLimiter(ratePerMin),
		logger:   logger.With(slog.String("component", "llm-openai")),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (g *openAIGenerator) url() string {
	if strings.HasSuffix(g.endpoint, "/chat/completions") {
		return g.endpoint
	}
	return g.endpoint + "/v1/chat/completions"
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	payload := chatRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})
	body, err := json.Marshal(payload)
	if err != nil {
		return failure.New(failure.Internal, "llm.openai", err)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return failure.FromTransport(ctx, "llm.openai", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url(), bytes.NewReader(body))
	if err != nil {
		return failure.New(failure.ProviderUnavailable, "llm.openai", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.secret)
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return failure.FromTransport(ctx, "llm.openai", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return failure.FromTransport(ctx, "llm.openai", err)
	}
	if resp.StatusCode >= 300 {
		return failure.FromStatus("llm.openai", resp.StatusCode, string(data))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return failure.New(failure.ProviderUnavailable, "llm.openai", err)
	}
	if len(out.Choices) == 0 {
		return failure.Newf(failure.ProviderUnavailable, "llm.openai", "response has no choices")
	}
	g.logger.Debug("generation complete",
		slog.String("model", model),
		slog.Int("completion_tokens", out.Usage.CompletionTokens),
		slog.Duration("latency", time.Since(start)))
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		Latency:          time.Since(start),
	})
}
