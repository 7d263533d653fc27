package signals

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// Collector captures the enabled signals concurrently. A failing or slow
// source yields an empty value with a warning and never aborts the run.
type Collector struct {
	sources  map[Kind]Source
	timeout  time.Duration
	maxChars int
	logger   *slog.Logger
}

func NewCollector(timeout time.Duration, maxChars int, logger *slog.Logger, sources ...Source) *Collector {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	m := make(map[Kind]Source, len(sources))
	for _, src := range sources {
		if src != nil {
			m[src.Kind()] = src
		}
	}
	return &Collector{
		sources:  m,
		timeout:  timeout,
		maxChars: maxChars,
		logger:   logger.With(slog.String("component", "signals")),
	}
}

func (c *Collector) Capture(ctx context.Context, transcript string, enabled Set) Snapshot {
	kinds := []Kind{Clipboard, Screen, SelectedText, Vocabulary}
	values := make([]Signal, len(kinds))

	var g errgroup.Group
	g.SetLimit(len(kinds))
	for i, kind := range kinds {
		values[i] = Signal{Kind: kind, Enabled: enabled[kind]}
		if !enabled[kind] {
			continue
		}
		src, ok := c.sources[kind]
		if !ok {
			values[i].Warning = "unavailable"
			values[i].CapturedAt = time.Now()
			c.logger.Warn("context signal has no source", slog.String("signal", string(kind)))
			continue
		}
		g.Go(func() error {
			values[i] = c.read(ctx, src, kind)
			return nil
		})
	}
	_ = g.Wait()

	all := append([]Signal{{Kind: Transcript, Text: transcript, Enabled: true, CapturedAt: time.Now()}}, values...)
	return NewSnapshot(all...)
}

func (c *Collector) read(ctx context.Context, src Source, kind Kind) Signal {
	readCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		text, err := src.Read(readCtx)
		ch <- outcome{text: text, err: err}
	}()

	sig := Signal{Kind: kind, Enabled: true}
	select {
	case out := <-ch:
		sig.CapturedAt = time.Now()
		if out.err != nil {
			sig.Warning = warningFor(out.err)
			c.logger.Warn("context signal capture failed",
				slog.String("signal", string(kind)),
				slog.String("warning", sig.Warning),
				slog.Duration("elapsed", time.Since(start)))
			return sig
		}
		sig.Text = truncate(out.text, c.maxChars)
	case <-readCtx.Done():
		sig.CapturedAt = time.Now()
		sig.Warning = warningFor(readCtx.Err())
		c.logger.Warn("context signal capture timed out",
			slog.String("signal", string(kind)),
			slog.Duration("timeout", c.timeout))
		return sig
	}
	c.logger.Debug("context signal captured",
		slog.String("signal", string(kind)),
		slog.Int("chars", utf8.RuneCountInString(sig.Text)),
		slog.Duration("elapsed", time.Since(start)))
	return sig
}

func warningFor(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "unavailable"
	}
}

func truncate(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxChars])
}
