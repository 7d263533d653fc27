package pipeline

import (
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/enhance"
	"github.com/loqalabs/loqa-dictate/internal/prompt"
	"github.com/loqalabs/loqa-dictate/internal/signals"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

type event interface{ owner() *session }

type base struct{ s *session }

func (b base) owner() *session { return b.s }

type recordingEvent struct {
	base
	capture     Capture
	stream      transcribe.Stream
	connectTook time.Duration
	connectErr  error
	err         error
	ack         chan bool
}

type segmentEvent struct {
	base
	seg audio.Segment
}

type utteranceEvent struct{ base }

type captureDoneEvent struct {
	base
	err      error
	buffered []audio.Segment
}

type captureFailedEvent struct {
	base
	err error
}

type resultEvent struct {
	base
	result transcribe.Result
}

type streamDoneEvent struct {
	base
	err error
}

type transcribedEvent struct {
	base
	seq    uint64
	result transcribe.Result
	err    error
	took   time.Duration
}

type enhancedEvent struct {
	base
	resp           enhance.Response
	err            error
	took           time.Duration
	called         bool
	signalWarnings []string
}

type deliveredEvent struct {
	base
	err  error
	took time.Duration
}

// open connects the streaming session, when there is one, and then starts
// capture. Whatever it opened is closed again unless the controller takes
// ownership.
func (c *Controller) open(s *session) {
	ev := recordingEvent{base: base{s}, ack: make(chan bool, 1)}
	if c.opts.Mode == ModeStreaming {
		cfg := c.opts.StreamConfig
		cfg.SessionID = s.id
		start := time.Now()
		stream, err := c.deps.Streaming.Connect(s.ctx, cfg)
		ev.connectTook = time.Since(start)
		if err != nil {
			ev.connectErr = err
			ev.err = err
			c.post(s, ev)
			return
		}
		ev.stream = stream
	}
	capture, err := c.deps.Audio.Start(s.ctx, c.opts.DeviceID)
	if err != nil {
		if ev.stream != nil {
			_ = ev.stream.Close()
		}
		ev.stream = nil
		ev.err = err
		c.post(s, ev)
		return
	}
	ev.capture = capture

	release := func() {
		capture.Stop()
		for range capture.Segments() {
		}
		if ev.stream != nil {
			_ = ev.stream.Close()
		}
	}
	if !c.post(s, ev) {
		release()
		return
	}
	select {
	case owned := <-ev.ack:
		if !owned {
			release()
		}
	case <-s.ctx.Done():
		select {
		case owned := <-ev.ack:
			if owned {
				return
			}
		default:
		}
		release()
	}
}

// pump moves captured audio to its consumer: the stream in streaming mode,
// the controller otherwise. It runs until capture ends.
func (c *Controller) pump(s *session, capture Capture, stream transcribe.Stream) {
	var buffered []audio.Segment
	keep := c.opts.Mode == ModeStreaming && c.opts.StreamFallback == FallbackBatch
	sending := stream != nil
	for seg := range capture.Segments() {
		if stream == nil {
			c.post(s, segmentEvent{base: base{s}, seg: seg})
			continue
		}
		if keep && seg.Voiced {
			buffered = append(buffered, seg)
		}
		if sending {
			if err := stream.Send(s.ctx, seg); err != nil {
				sending = false
				c.post(s, streamDoneEvent{base: base{s}, err: err})
			}
		}
		if c.opts.AutoStop && seg.EndOfUtterance {
			c.post(s, utteranceEvent{base: base{s}})
		}
	}
	if sending {
		if err := stream.CloseSend(); err != nil {
			c.post(s, streamDoneEvent{base: base{s}, err: err})
		}
	}
	c.post(s, captureDoneEvent{base: base{s}, err: capture.Err(), buffered: buffered})
}

// watch reports a capture failure as soon as capture ends, without waiting
// for the consumer to drain the queued segments.
func (c *Controller) watch(s *session, capture Capture) {
	select {
	case <-capture.Done():
	case <-s.ctx.Done():
		return
	}
	if err := capture.Err(); err != nil {
		c.post(s, captureFailedEvent{base: base{s}, err: err})
	}
}

// read forwards stream results in arrival order.
func (c *Controller) read(s *session, stream transcribe.Stream) {
	for r := range stream.Results() {
		c.post(s, resultEvent{base: base{s}, result: r})
	}
	c.post(s, streamDoneEvent{base: base{s}, err: stream.Err()})
}

func (c *Controller) transcribe(s *session, seg audio.Segment) {
	start := time.Now()
	res, err := c.deps.Batch.Transcribe(s.ctx, seg)
	c.post(s, transcribedEvent{base: base{s}, seq: seg.Sequence, result: res, err: err, took: time.Since(start)})
}

// enhance captures the context signals, assembles the prompt and calls the
// enhancer. Signals are read after transcription has finished.
func (c *Controller) enhance(s *session, transcript string) {
	ev := enhancedEvent{base: base{s}}
	snap := signals.NewSnapshot()
	if c.deps.Collector != nil {
		snap = c.deps.Collector.Capture(s.ctx, transcript, c.opts.Signals)
		for _, kind := range snap.Warnings() {
			sig, _ := snap.Get(kind)
			ev.signalWarnings = append(ev.signalWarnings, string(kind)+": "+sig.Warning)
		}
	}
	p, err := prompt.Assemble(transcript, snap, c.deps.Template)
	if err != nil {
		ev.err = err
		c.post(s, ev)
		return
	}
	start := time.Now()
	ev.resp, ev.err = c.deps.Enhancer.Enhance(s.ctx, p, c.opts.EnhancementMode)
	ev.took = time.Since(start)
	ev.called = true
	c.post(s, ev)
}
