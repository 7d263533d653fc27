// Package pipeline sequences one dictation session at a time through
// recording, transcription, optional enhancement and delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/failure"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

var errControllerClosed = errors.New("pipeline controller closed")

// Controller owns the session slot. Every command and every task result is
// handled on the goroutine running Run, so state changes are serialised.
type Controller struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	report Reporter

	inbox chan any
	done  chan struct{}
	state atomic.Value

	active *session
	drain  sync.WaitGroup
}

// New validates deps against opts and returns an idle controller. Run must
// be called before commands are accepted.
func New(deps Deps, opts Options, logger *slog.Logger) (*Controller, error) {
	if opts.Mode == "" {
		opts.Mode = ModeBatch
	}
	if opts.StreamFallback == "" {
		opts.StreamFallback = FallbackFail
	}
	if err := deps.validate(opts); err != nil {
		return nil, err
	}
	report := deps.Reporter
	if report == nil {
		report = NopReporter{}
	}
	c := &Controller{
		deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "pipeline")),
		report: report,
		inbox:  make(chan any, 64),
		done:   make(chan struct{}),
	}
	c.state.Store(StateIdle)
	return c, nil
}

// State reports the current state of the active session, or idle.
func (c *Controller) State() State {
	return c.state.Load().(State)
}

type startCmd struct{ reply chan startReply }

type startReply struct {
	id  string
	err error
}

type stopCmd struct{ reply chan struct{} }

type cancelCmd struct{ reply chan struct{} }

// Start opens a new session and returns its id. It fails with AlreadyActive
// while another session holds the slot.
func (c *Controller) Start(ctx context.Context) (string, error) {
	reply := make(chan startReply, 1)
	if err := c.send(ctx, startCmd{reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop ends recording. It has no effect outside the recording state.
func (c *Controller) Stop(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := c.send(ctx, stopCmd{reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// Cancel aborts the active session without delivering anything. It has no
// effect when idle.
func (c *Controller) Cancel(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := c.send(ctx, cancelCmd{reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

func (c *Controller) send(ctx context.Context, msg any) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return errControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) await(ctx context.Context, reply <-chan struct{}) error {
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes commands and task events until ctx is done. An active
// session is cancelled on return and its tasks are given the grace period
// to finish.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			if s := c.active; s != nil {
				c.finish(s, StatusCancelled, string(failure.Cancelled), nil)
			}
			c.waitDrained()
			return nil
		case msg := <-c.inbox:
			c.dispatch(ctx, msg)
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case startCmd:
		id, err := c.start(ctx)
		m.reply <- startReply{id: id, err: err}
	case stopCmd:
		c.stop()
		m.reply <- struct{}{}
	case cancelCmd:
		if s := c.active; s != nil {
			c.finish(s, StatusCancelled, string(failure.Cancelled), nil)
		}
		m.reply <- struct{}{}
	case event:
		s := m.owner()
		if s != c.active {
			c.logger.Debug("dropping stale event", slog.String("session", s.id), slog.String("event", fmt.Sprintf("%T", m)))
			if rec, ok := m.(recordingEvent); ok && rec.ack != nil {
				rec.ack <- false
			}
			return
		}
		c.handle(s, m)
	}
}

func (c *Controller) start(ctx context.Context) (string, error) {
	if c.active != nil {
		return "", failure.New(failure.AlreadyActive, "pipeline.start", errors.New("a session is already active"))
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:      uuid.NewString(),
		ctx:     sctx,
		cancel:  cancel,
		state:   StateIdle,
		started: time.Now(),
		texts:   make(map[uint64]string),
	}
	c.active = s
	c.logger.Info("session started", slog.String("session", s.id), slog.String("mode", string(c.opts.Mode)))
	c.transition(s, StateRecording)
	c.spawn(s, func() { c.open(s) })
	return s.id, nil
}

func (c *Controller) stop() {
	s := c.active
	if s == nil || s.state != StateRecording {
		return
	}
	if s.capture == nil {
		s.stopRequested = true
		return
	}
	c.stopCapture(s)
}

func (c *Controller) stopCapture(s *session) {
	s.capture.Stop()
	if s.state == StateRecording {
		c.transition(s, StateTranscribing)
	}
}

func (c *Controller) handle(s *session, ev event) {
	switch m := ev.(type) {
	case recordingEvent:
		c.onRecording(s, m)
	case segmentEvent:
		if m.seg.Voiced && len(m.seg.Samples) > 0 {
			s.pending++
			seg := m.seg
			c.spawn(s, func() { c.transcribe(s, seg) })
		}
		if c.opts.AutoStop && m.seg.EndOfUtterance && s.state == StateRecording {
			c.stopCapture(s)
		}
	case utteranceEvent:
		if s.state == StateRecording {
			c.stopCapture(s)
		}
	case captureDoneEvent:
		s.captureDone = true
		s.buffered = m.buffered
		if m.err != nil {
			c.fail(s, m.err)
			return
		}
		if s.state == StateRecording {
			c.transition(s, StateTranscribing)
		}
		c.advance(s)
	case captureFailedEvent:
		c.fail(s, m.err)
	case resultEvent:
		c.onResult(s, m.result)
	case streamDoneEvent:
		c.onStreamDone(s, m.err)
	case transcribedEvent:
		c.onTranscribed(s, m)
	case enhancedEvent:
		c.onEnhanced(s, m)
	case deliveredEvent:
		c.report.ProviderCall(ProviderCall{SessionID: s.id, Provider: c.deps.Sink.Name(), Op: "deliver", Duration: m.took, Code: codeOf(m.err)})
		if m.err != nil {
			c.finish(s, StatusFailed, string(failure.DeliveryFailed), m.err)
			return
		}
		c.finish(s, StatusDelivered, s.reason, nil)
	}
}

func (c *Controller) onRecording(s *session, m recordingEvent) {
	if m.connectTook > 0 || m.connectErr != nil {
		c.report.ProviderCall(ProviderCall{SessionID: s.id, Provider: c.deps.Streaming.Name(), Op: "connect", Duration: m.connectTook, Code: codeOf(m.connectErr)})
	}
	if m.err != nil {
		m.ack <- false
		c.fail(s, m.err)
		return
	}
	m.ack <- true
	s.capture = m.capture
	s.stream = m.stream
	if s.stream != nil {
		s.streamOpened = time.Now()
		stream := s.stream
		c.spawn(s, func() { c.read(s, stream) })
	}
	capture, stream := s.capture, s.stream
	c.spawn(s, func() { c.watch(s, capture) })
	c.spawn(s, func() { c.pump(s, capture, stream) })
	if s.stopRequested {
		c.stopCapture(s)
	}
}

// onResult applies a streaming result. Results must carry a higher revision
// than the last accepted one, and nothing is accepted after the final.
func (c *Controller) onResult(s *session, r transcribe.Result) {
	if s.final || r.Revision <= s.revision {
		c.logger.Debug("discarding superseded result",
			slog.String("session", s.id),
			slog.Int("revision", r.Revision),
			slog.Int("accepted_revision", s.revision),
			slog.Bool("after_final", s.final))
		return
	}
	s.revision = r.Revision
	s.transcript = r.Text
	if r.Final {
		s.final = true
		return
	}
	c.report.Partial(s.id, r)
}

func (c *Controller) onStreamDone(s *session, err error) {
	if s.streamDone {
		return
	}
	s.streamDone = true
	if s.final {
		err = nil
	} else if err == nil {
		err = failure.Newf(failure.StreamBroken, "pipeline.stream", "stream ended without a final result")
	}
	c.report.ProviderCall(ProviderCall{SessionID: s.id, Provider: c.deps.Streaming.Name(), Op: "stream", Duration: time.Since(s.streamOpened), Code: codeOf(err)})
	if err != nil {
		if !errors.Is(err, failure.ErrNoSpeech) && c.opts.StreamFallback == FallbackBatch {
			s.fallback = true
			c.report.Warning(s.id, failure.CodeOf(err), "streaming failed; transcribing buffered audio with "+c.deps.Batch.Name())
			c.logger.Warn("streaming failed, falling back to batch", slog.String("session", s.id), slogError(err))
			c.advance(s)
			return
		}
		c.fail(s, err)
		return
	}
	c.advance(s)
}

func (c *Controller) onTranscribed(s *session, m transcribedEvent) {
	s.pending--
	c.report.ProviderCall(ProviderCall{SessionID: s.id, Provider: c.deps.Batch.Name(), Op: "transcribe", Duration: m.took, Code: codeOf(m.err)})
	switch {
	case m.err == nil:
		if text := strings.TrimSpace(m.result.Text); text != "" {
			s.texts[m.seq] = text
		}
	case errors.Is(m.err, failure.ErrNoSpeech):
	default:
		c.fail(s, m.err)
		return
	}
	c.advance(s)
}

// advance moves a session out of transcription once every source of text
// has finished.
func (c *Controller) advance(s *session) {
	if s.state != StateRecording && s.state != StateTranscribing {
		return
	}
	if !s.captureDone {
		return
	}
	switch {
	case c.opts.Mode == ModeBatch:
		if s.pending > 0 {
			return
		}
		s.transcript = s.joinTexts()
	case s.fallback:
		if !s.fallbackStarted {
			seg, ok := audio.ConcatSegments(s.buffered)
			s.buffered = nil
			if !ok {
				c.fail(s, failure.Newf(failure.NoSpeechDetected, "pipeline.fallback", "no voiced audio buffered"))
				return
			}
			s.fallbackStarted = true
			s.pending++
			c.spawn(s, func() { c.transcribe(s, seg) })
			return
		}
		if s.pending > 0 {
			return
		}
		s.transcript = s.joinTexts()
	default:
		if !s.streamDone {
			return
		}
	}

	s.transcript = strings.TrimSpace(s.transcript)
	if s.transcript == "" {
		c.fail(s, failure.Newf(failure.NoSpeechDetected, "pipeline.transcribe", "transcript is empty"))
		return
	}
	if s.state == StateRecording {
		c.transition(s, StateTranscribing)
	}
	if c.deps.Enhancer == nil {
		c.deliver(s, s.transcript, ReasonRaw)
		return
	}
	c.transition(s, StateEnhancing)
	transcript := s.transcript
	c.spawn(s, func() { c.enhance(s, transcript) })
}

func (c *Controller) onEnhanced(s *session, m enhancedEvent) {
	for _, w := range m.signalWarnings {
		c.report.Warning(s.id, failure.ProviderUnavailable, w)
	}
	if m.called {
		c.report.ProviderCall(ProviderCall{SessionID: s.id, Provider: "enhancer", Op: "enhance", Duration: m.took, Code: codeOf(m.err)})
	}
	if m.err != nil {
		code := failure.CodeOf(m.err)
		if code != failure.SanitizationAnomaly {
			code = failure.EnhancementFailed
		}
		c.report.Warning(s.id, code, "delivering raw transcript")
		c.logger.Warn("enhancement failed, delivering raw transcript", slog.String("session", s.id), slogError(m.err))
		c.deliver(s, s.transcript, ReasonEnhancementFallback)
		return
	}
	if n := len(m.resp.Echoed); n > 0 {
		c.report.Warning(s.id, failure.SanitizationAnomaly, fmt.Sprintf("response echoes %d delimiter(s)", n))
	}
	c.deliver(s, m.resp.Text, ReasonEnhanced)
}

func (c *Controller) deliver(s *session, text, reason string) {
	s.reason = reason
	s.chars = len([]rune(text))
	c.transition(s, StateDelivering)
	c.spawn(s, func() {
		start := time.Now()
		err := c.deps.Sink.Deliver(s.ctx, text)
		if err != nil && failure.CodeOf(err) == failure.Internal {
			err = failure.New(failure.DeliveryFailed, "pipeline.deliver", err)
		}
		c.post(s, deliveredEvent{base: base{s}, err: err, took: time.Since(start)})
	})
}

func (c *Controller) fail(s *session, err error) {
	c.finish(s, StatusFailed, string(failure.CodeOf(err)), err)
}

// finish releases the session slot immediately and cancels every task of
// the session. The tasks are awaited in the background.
func (c *Controller) finish(s *session, status Status, reason string, err error) {
	s.cancel()
	if s.capture != nil {
		s.capture.Stop()
	}
	if s.stream != nil {
		stream := s.stream
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			_ = stream.Close()
		}()
	}
	from := s.state
	s.state = StateIdle
	c.active = nil
	c.state.Store(StateIdle)
	c.report.Transition(s.id, from, StateIdle)

	outcome := Outcome{SessionID: s.id, Status: status, Reason: reason, Duration: time.Since(s.started), Err: err}
	if status == StatusDelivered {
		outcome.Chars = s.chars
	}
	attrs := []any{
		slog.String("session", s.id),
		slog.String("status", string(status)),
		slog.String("reason", reason),
		slog.Duration("duration", outcome.Duration),
	}
	if err != nil {
		attrs = append(attrs, slogError(err))
	}
	c.logger.Info("session finished", attrs...)
	c.report.Outcome(outcome)

	c.drain.Add(1)
	go c.awaitTasks(s)
}

func (c *Controller) awaitTasks(s *session) {
	defer c.drain.Done()
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	grace := c.opts.GracePeriod
	if grace <= 0 {
		grace = 2 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
		c.logger.Warn("session tasks still running after grace period", slog.String("session", s.id), slog.Duration("grace", grace))
	}
	<-done
}

func (c *Controller) waitDrained() {
	done := make(chan struct{})
	go func() {
		c.drain.Wait()
		close(done)
	}()
	grace := c.opts.GracePeriod
	if grace <= 0 {
		grace = 2 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (c *Controller) transition(s *session, to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	c.state.Store(to)
	c.logger.Info("session transition", slog.String("session", s.id), slog.String("from", string(from)), slog.String("to", string(to)))
	c.report.Transition(s.id, from, to)
}

func (c *Controller) spawn(s *session, fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
}

// post hands an event to the controller loop. It gives up once the session
// has been released.
func (c *Controller) post(s *session, ev event) bool {
	select {
	case c.inbox <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func codeOf(err error) failure.Code {
	if err == nil {
		return ""
	}
	return failure.CodeOf(err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

type session struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	state   State
	started time.Time
	tasks   sync.WaitGroup

	capture       Capture
	stream        transcribe.Stream
	streamOpened  time.Time
	stopRequested bool
	captureDone   bool
	buffered      []audio.Segment

	pending         int
	texts           map[uint64]string
	fallback        bool
	fallbackStarted bool

	revision   int
	final      bool
	streamDone bool
	transcript string

	reason string
	chars  int
}

func (s *session) joinTexts() string {
	seqs := make([]uint64, 0, len(s.texts))
	for seq := range s.texts {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	parts := make([]string, len(seqs))
	for i, seq := range seqs {
		parts[i] = s.texts[seq]
	}
	return strings.Join(parts, " ")
}
