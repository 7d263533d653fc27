package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/failure"
	"golang.org/x/time/rate"
)

// openAIBatch targets OpenAI-compatible /v1/audio/transcriptions servers.
type openAIBatch struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

type openAIResponse struct {
	Text string `json:"text"`
}

func NewOpenAIBatch(opts HTTPOptions, logger *slog.Logger) BatchProvider {
	if opts.Model == "" {
		opts.Model = "whisper-1"
	}
	return &openAIBatch{
		opts:    opts,
		client:  opts.client(),
		limiter: newLimiter(opts.RatePerMin),
		logger:  logger.With(slog.String("component", "transcribe-openai")),
	}
}

func (p *openAIBatch) Name() string { return "openai" }

func (p *openAIBatch) url() string {
	base := strings.TrimRight(p.opts.Endpoint, "/")
	if strings.HasSuffix(base, "/audio/transcriptions") {
		return base
	}
	return base + "/v1/audio/transcriptions"
}

func (p *openAIBatch) Transcribe(ctx context.Context, seg audio.Segment) (Result, error) {
	wavData, err := audio.EncodeWAV(seg)
	if err != nil {
		return Result{}, failure.New(failure.Internal, "transcribe.openai", err)
	}
	body, contentType, err := p.form(wavData, seg.Sequence)
	if err != nil {
		return Result{}, failure.New(failure.Internal, "transcribe.openai", err)
	}

	return failure.RetryTransient(ctx, p.opts.RetryBackoff, func(ctx context.Context) (Result, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return Result{}, failure.FromTransport(ctx, "transcribe.openai", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(), bytes.NewReader(body))
		if err != nil {
			return Result{}, failure.New(failure.ProviderUnavailable, "transcribe.openai", err)
		}
		req.Header.Set("Content-Type", contentType)
		if p.opts.Secret != "" {
			req.Header.Set("Authorization", "Bearer "+p.opts.Secret)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			err = failure.FromTransport(ctx, "transcribe.openai", err)
			p.logger.Warn("transcription request failed", slog.Uint64("segment", seg.Sequence), slog.String("code", string(failure.CodeOf(err))))
			return Result{}, err
		}
		defer resp.Body.Close()
		out, err := decodeResponse[openAIResponse](ctx, "transcribe.openai", resp)
		if err != nil {
			p.logger.Warn("transcription request failed", slog.Uint64("segment", seg.Sequence), slog.String("code", string(failure.CodeOf(err))))
			return Result{}, err
		}
		return Result{
			Text:        strings.TrimSpace(out.Text),
			Segment:     seg.Sequence,
			Provider:    p.Name(),
			Final:       true,
			CompletedAt: time.Now(),
		}, nil
	})
}

func (p *openAIBatch) form(wavData []byte, sequence uint64) ([]byte, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", p.opts.Model); err != nil {
		return nil, "", err
	}
	if p.opts.Language != "" {
		if err := mw.WriteField("language", p.opts.Language); err != nil {
			return nil, "", err
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return nil, "", err
	}
	fw, err := mw.CreateFormFile("file", fmt.Sprintf("segment-%d.wav", sequence))
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(wavData); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return body.Bytes(), mw.FormDataContentType(), nil
}
