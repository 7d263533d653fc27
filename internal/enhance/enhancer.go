// Package enhance rewrites a transcript with a language model.
package enhance

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/failure"
	"github.com/loqalabs/loqa-dictate/internal/llm"
	"github.com/loqalabs/loqa-dictate/internal/prompt"
)

// Response is the rewritten text. Echoed lists delimiters the model copied
// into its output; the text is returned as produced.
type Response struct {
	Text    string
	Echoed  []prompt.Delimiter
	Latency time.Duration
}

type Options struct {
	Mode         Mode
	Template     prompt.Template
	Defaults     llm.Request
	RetryBackoff time.Duration
}

func OptionsFromConfig(cfg config.EnhancementConfig, tmpl prompt.Template) (Options, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Mode:         mode,
		Template:     tmpl,
		Defaults:     llm.OptionsFromConfig(cfg),
		RetryBackoff: time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
	}, nil
}

type Enhancer struct {
	gen    llm.Generator
	opts   Options
	logger *slog.Logger
}

func New(gen llm.Generator, opts Options, logger *slog.Logger) *Enhancer {
	if opts.Mode == "" {
		opts.Mode = Restrictive
	}
	logger = logger.With(slog.String("component", "enhance"))
	if opts.Mode == Assistant {
		logger.Warn("assistant enhancement mode has weaker prompt-injection resistance; context signals may steer the model")
	}
	return &Enhancer{gen: gen, opts: opts, logger: logger}
}

// Mode reports the configured default mode.
func (e *Enhancer) Mode() Mode { return e.opts.Mode }

// Enhance sends p to the model under mode. Transient failures are retried
// once; any other failure is returned as EnhancementFailed unless the
// context was cancelled.
func (e *Enhancer) Enhance(ctx context.Context, p prompt.SanitizedPrompt, mode Mode) (Response, error) {
	if mode == "" {
		mode = e.opts.Mode
	}
	if mode == Assistant {
		e.logger.Warn("enhancing in assistant mode")
	}
	req := e.opts.Defaults
	req.Prompt = p.Text
	req.System = SystemPrompt(mode, e.opts.Template)

	start := time.Now()
	text, err := failure.RetryTransient(ctx, e.opts.RetryBackoff, func(ctx context.Context) (string, error) {
		return llm.Collect(ctx, e.gen, req)
	})
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, failure.ErrCancelled) {
			return Response{}, failure.New(failure.Cancelled, "enhance", ctx.Err())
		}
		e.logger.Warn("enhancement failed",
			slog.String("code", string(failure.CodeOf(err))),
			slog.Duration("latency", latency))
		return Response{}, failure.New(failure.EnhancementFailed, "enhance", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Response{}, failure.Newf(failure.EnhancementFailed, "enhance", "model returned empty text")
	}

	resp := Response{Text: text, Latency: latency}
	if echoed := prompt.ScanDelimiters(text, tagNames(p, e.opts.Template)); len(echoed) > 0 {
		resp.Echoed = echoed
		e.logger.Warn("model response echoes prompt delimiters",
			slog.Int("count", len(echoed)),
			slog.String("tag", echoed[0].Tag))
	}
	e.logger.Debug("enhancement complete",
		slog.String("mode", string(mode)),
		slog.Int("chars", len(text)),
		slog.Duration("latency", latency))
	return resp, nil
}

func tagNames(p prompt.SanitizedPrompt, tmpl prompt.Template) []string {
	if len(p.Tags) > 0 {
		return p.Tags
	}
	return tmpl.Names()
}

// AnomalyError describes an echoed delimiter for diagnostics.
func AnomalyError(resp Response) error {
	if len(resp.Echoed) == 0 {
		return nil
	}
	return failure.Newf(failure.SanitizationAnomaly, "enhance", "response echoes %d delimiter(s), first %s", len(resp.Echoed), resp.Echoed[0].Tag)
}
