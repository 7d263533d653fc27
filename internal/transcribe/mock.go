package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/failure"
)

type mockBatch struct{}

// NewMockBatch returns a provider that describes the audio instead of
// recognising it, for wiring checks without a speech backend.
func NewMockBatch() BatchProvider {
	return &mockBatch{}
}

func (m *mockBatch) Name() string { return "mock" }

func (m *mockBatch) Transcribe(ctx context.Context, seg audio.Segment) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, failure.New(failure.Cancelled, "transcribe.mock", err)
	}
	return Result{
		Text:        fmt.Sprintf("[transcript segment=%d duration=%s]", seg.Sequence, seg.Duration()),
		Segment:     seg.Sequence,
		Provider:    m.Name(),
		Final:       true,
		CompletedAt: time.Now(),
	}, nil
}

type mockStreaming struct{}

// NewMockStreaming returns a streaming provider that emits one partial per
// voiced segment and a final result when sending is closed.
func NewMockStreaming() StreamingProvider {
	return &mockStreaming{}
}

func (m *mockStreaming) Name() string { return "mock-stream" }

func (m *mockStreaming) Connect(ctx context.Context, _ StreamConfig) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure.New(failure.Cancelled, "transcribe.mock", err)
	}
	return &mockStream{results: make(chan Result, 64)}, nil
}

type mockStream struct {
	mu       sync.Mutex
	results  chan Result
	voiced   int
	revision int
	last     uint64
	closed   bool
	err      error
}

func (s *mockStream) Send(ctx context.Context, seg audio.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return failure.Newf(failure.StreamBroken, "transcribe.mock", "send after close")
	}
	if !seg.Voiced {
		return nil
	}
	s.voiced++
	s.revision++
	s.last = seg.Sequence
	select {
	case s.results <- Result{
		Text:        fmt.Sprintf("[partial segments=%d]", s.voiced),
		Segment:     seg.Sequence,
		Provider:    "mock-stream",
		Revision:    s.revision,
		CompletedAt: time.Now(),
	}:
	default:
	}
	return nil
}

func (s *mockStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.voiced == 0 {
		s.err = failure.New(failure.NoSpeechDetected, "transcribe.mock", errors.New("no voiced audio"))
		close(s.results)
		return nil
	}
	s.revision++
	s.results <- Result{
		Text:        fmt.Sprintf("[transcript segments=%d]", s.voiced),
		Segment:     s.last,
		Provider:    "mock-stream",
		Final:       true,
		Revision:    s.revision,
		CompletedAt: time.Now(),
	}
	close(s.results)
	return nil
}

func (s *mockStream) Results() <-chan Result { return s.results }

func (s *mockStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}
