package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/failure"
)

// Options configures a Source.
type Options struct {
	Format          Format
	VAD             VAD
	TrailingSilence time.Duration
	PreRoll         time.Duration
	MaxSegment      time.Duration
	FrameSegments   bool
	QueueDepth      int
	BlockTimeout    time.Duration
}

// OptionsFromConfig maps the audio configuration section onto Options.
func OptionsFromConfig(cfg config.AudioConfig) Options {
	return Options{
		Format: Format{
			SampleRate:    cfg.SampleRate,
			Channels:      cfg.Channels,
			FrameDuration: time.Duration(cfg.FrameDurationMS) * time.Millisecond,
		},
		VAD:             EnergyVAD{Threshold: cfg.SilenceThreshold},
		TrailingSilence: time.Duration(cfg.TrailingSilenceMS) * time.Millisecond,
		PreRoll:         time.Duration(cfg.PreRollMS) * time.Millisecond,
		MaxSegment:      time.Duration(cfg.MaxSegmentMS) * time.Millisecond,
		FrameSegments:   cfg.FrameSegments,
		QueueDepth:      cfg.QueueDepth,
		BlockTimeout:    time.Duration(cfg.BlockTimeoutMS) * time.Millisecond,
	}
}

// NewOpener returns the device opener selected by configuration.
func NewOpener(cfg config.AudioConfig, logger *slog.Logger) Opener {
	if cfg.Opener == "wav" {
		return WAVOpener{Realtime: cfg.Realtime}
	}
	return ExecOpener{Command: cfg.Command, Logger: logger}
}

// Source owns a capture device. At most one Capture is active at a time and
// segment sequence numbers keep increasing across captures.
type Source struct {
	opener Opener
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	active *Capture
	seq    atomic.Uint64
}

func NewSource(opener Opener, opts Options, logger *slog.Logger) *Source {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = time.Second
	}
	if opts.VAD == nil {
		opts.VAD = EnergyVAD{Threshold: 0.02}
	}
	return &Source{
		opener: opener,
		opts:   opts,
		logger: logger.With(slog.String("component", "audio")),
	}
}

// Start opens the device and begins producing segments. It fails with
// AlreadyActive while another capture is running. A capture that is already
// stopping is waited for.
func (s *Source) Start(ctx context.Context, deviceID string) (*Capture, error) {
	for {
		s.mu.Lock()
		prev := s.active
		if prev == nil {
			break
		}
		s.mu.Unlock()
		if !prev.closing() {
			return nil, failure.New(failure.AlreadyActive, "audio.start", errors.New("capture already active"))
		}
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer s.mu.Unlock()

	dev, err := s.opener.Open(ctx, deviceID, s.opts.Format)
	if err != nil {
		if failure.CodeOf(err) == failure.Internal {
			err = failure.New(failure.DeviceLost, "audio.open", err)
		}
		return nil, err
	}

	readCtx, stopRead := context.WithCancel(ctx)
	c := &Capture{
		source:   s,
		device:   dev,
		ctx:      ctx,
		readCtx:  readCtx,
		stopRead: stopRead,
		seg:      newSegmenter(segmenterConfig{Format: s.opts.Format, TrailingSilence: s.opts.TrailingSilence, PreRoll: s.opts.PreRoll, MaxSegment: s.opts.MaxSegment, FrameSegments: s.opts.FrameSegments}),
		segments: make(chan Segment, s.opts.QueueDepth),
		done:     make(chan struct{}),
	}
	s.active = c
	s.logger.Info("capture started", slog.String("device", deviceID), slog.Int("queue_depth", s.opts.QueueDepth))
	go c.run()
	return c, nil
}

func (s *Source) release(c *Capture) {
	s.mu.Lock()
	if s.active == c {
		s.active = nil
	}
	s.mu.Unlock()
}

// Capture is one running capture. Segments is closed when capture ends;
// Err reports why and is valid once the channel is closed.
type Capture struct {
	source   *Source
	device   Device
	ctx      context.Context
	readCtx  context.Context
	stopRead context.CancelFunc
	seg      *segmenter
	segments chan Segment
	done     chan struct{}

	stopped  atomic.Bool
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func (c *Capture) Segments() <-chan Segment { return c.segments }

// Done is closed once the device has been released.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Stop ends capture. The open segment is flushed as the final segment.
// Calling Stop more than once has no further effect.
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.stopRead()
	})
}

func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Capture) closing() bool {
	return c.stopped.Load() || c.ctx.Err() != nil
}

func (c *Capture) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Capture) run() {
	logger := c.source.logger
	defer close(c.done)
	defer c.source.release(c)
	defer c.device.Close()
	defer close(c.segments)
	defer c.stopRead()

	vad := c.source.opts.VAD
	for {
		frame, err := c.device.ReadFrame(c.readCtx)
		if err != nil {
			switch {
			case c.stopped.Load() && c.ctx.Err() == nil:
				c.finish(logger, "stopped")
			case errors.Is(err, io.EOF):
				c.finish(logger, "end of input")
			case c.ctx.Err() != nil:
				c.setErr(failure.New(failure.Cancelled, "audio.capture", c.ctx.Err()))
				logger.Info("capture cancelled")
			default:
				if failure.CodeOf(err) != failure.DeviceLost {
					err = failure.New(failure.DeviceLost, "audio.capture", err)
				}
				c.setErr(err)
				logger.Warn("capture device lost", slogError(err))
			}
			return
		}
		for _, seg := range c.seg.push(frame, vad.Voiced(frame.Samples)) {
			if err := c.emit(seg); err != nil {
				c.setErr(err)
				logger.Warn("capture ended", slogError(err))
				return
			}
		}
	}
}

func (c *Capture) finish(logger *slog.Logger, reason string) {
	if err := c.emit(c.seg.flush()); err != nil {
		c.setErr(err)
		logger.Warn("final segment dropped", slogError(err))
		return
	}
	logger.Info("capture finished", slog.String("reason", reason))
}

// emit hands a segment to the consumer. A full queue blocks capture for at
// most BlockTimeout before the capture fails with Overrun.
func (c *Capture) emit(seg Segment) error {
	seg.Sequence = c.source.seq.Add(1)
	select {
	case c.segments <- seg:
		return nil
	default:
	}
	timer := time.NewTimer(c.source.opts.BlockTimeout)
	defer timer.Stop()
	select {
	case c.segments <- seg:
		return nil
	case <-timer.C:
		return failure.Newf(failure.Overrun, "audio.capture", "segment queue full for %s", c.source.opts.BlockTimeout)
	case <-c.ctx.Done():
		return failure.New(failure.Cancelled, "audio.capture", c.ctx.Err())
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
