package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/failure"
	"golang.org/x/time/rate"
)

// HTTPOptions configures the HTTP batch providers.
type HTTPOptions struct {
	Endpoint     string
	Model        string
	Language     string
	Secret       string
	Timeout      time.Duration
	RetryBackoff time.Duration
	RatePerMin   int
	Client       *http.Client
}

func (o HTTPOptions) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func newLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 1)
}

// httpBatch posts each segment as base64 WAV in a JSON body.
type httpBatch struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

type httpRequest struct {
	RequestID  string `json:"request_id"`
	Segment    uint64 `json:"segment"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Language   string `json:"language,omitempty"`
	Model      string `json:"model,omitempty"`
	Audio      string `json:"audio"`
}

type httpResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewHTTPBatch(opts HTTPOptions, logger *slog.Logger) BatchProvider {
	return &httpBatch{
		opts:    opts,
		client:  opts.client(),
		limiter: newLimiter(opts.RatePerMin),
		logger:  logger.With(slog.String("component", "transcribe-http")),
	}
}

func (p *httpBatch) Name() string { return "http" }

func (p *httpBatch) Transcribe(ctx context.Context, seg audio.Segment) (Result, error) {
	wavData, err := audio.EncodeWAV(seg)
	if err != nil {
		return Result{}, failure.New(failure.Internal, "transcribe.http", err)
	}
	body, err := json.Marshal(httpRequest{
		RequestID:  uuid.NewString(),
		Segment:    seg.Sequence,
		Format:     "wav",
		SampleRate: seg.SampleRate,
		Channels:   seg.Channels,
		Language:   p.opts.Language,
		Model:      p.opts.Model,
		Audio:      base64.StdEncoding.EncodeToString(wavData),
	})
	if err != nil {
		return Result{}, failure.New(failure.Internal, "transcribe.http", err)
	}

	return failure.RetryTransient(ctx, p.opts.RetryBackoff, func(ctx context.Context) (Result, error) {
		start := time.Now()
		resp, err := p.attempt(ctx, body)
		if err != nil {
			p.logger.Warn("transcription request failed",
				slog.Uint64("segment", seg.Sequence),
				slog.String("code", string(failure.CodeOf(err))),
				slog.Duration("elapsed", time.Since(start)))
			return Result{}, err
		}
		return Result{
			Text:        strings.TrimSpace(resp.Text),
			Confidence:  resp.Confidence,
			Segment:     seg.Sequence,
			Provider:    p.Name(),
			Final:       true,
			CompletedAt: time.Now(),
		}, nil
	})
}

func (p *httpBatch) attempt(ctx context.Context, body []byte) (httpResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return httpResponse{}, failure.FromTransport(ctx, "transcribe.http", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return httpResponse{}, failure.New(failure.ProviderUnavailable, "transcribe.http", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.opts.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+p.opts.Secret)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return httpResponse{}, failure.FromTransport(ctx, "transcribe.http", err)
	}
	defer resp.Body.Close()
	return decodeResponse[httpResponse](ctx, "transcribe.http", resp)
}

func decodeResponse[T any](ctx context.Context, op string, resp *http.Response) (T, error) {
	var out T
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return out, failure.FromTransport(ctx, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, failure.FromStatus(op, resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, failure.New(failure.ProviderUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	return out, nil
}
