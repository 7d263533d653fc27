package transcribe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictate/internal/failure"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func drain(t *testing.T, stream Stream) []Result {
	t.Helper()
	var out []Result
	timeout := time.After(3 * time.Second)
	for {
		select {
		case r, ok := <-stream.Results():
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("timed out waiting for results")
		}
	}
}

func TestWebSocketStreamPartialsThenFinal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sample_rate") != "16000" {
			t.Errorf("missing sample rate")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(wsEvent{Type: "session", SessionID: "abc"})
		frames := 0
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				frames++
				_ = conn.WriteJSON(wsEvent{Type: "partial", Text: strings.Repeat("x", frames)})
				continue
			}
			if strings.Contains(string(data), `"end"`) {
				_ = conn.WriteJSON(wsEvent{Type: "final", Text: "hello there", Confidence: 0.8})
				return
			}
		}
	}))
	defer server.Close()

	provider := NewWebSocketStreaming(WebSocketOptions{Endpoint: wsURL(server), IdleTimeout: 2 * time.Second}, testLogger())
	stream, err := provider.Connect(context.Background(), StreamConfig{SessionID: "s1", SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer stream.Close()

	for i := 0; i < 3; i++ {
		if err := stream.Send(context.Background(), testSegment()); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}

	results := drain(t, stream)
	if len(results) != 4 {
		t.Fatalf("expected 3 partials and a final, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Revision <= results[i-1].Revision {
			t.Fatalf("revisions not increasing: %+v", results)
		}
	}
	last := results[len(results)-1]
	if !last.Final || last.Text != "hello there" {
		t.Fatalf("unexpected final %+v", last)
	}
	if stream.Err() != nil {
		t.Fatalf("unexpected error %v", stream.Err())
	}
}

func TestWebSocketStreamEmptyFinalIsNoSpeech(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"end"`) {
				_ = conn.WriteJSON(wsEvent{Type: "final", Text: "  "})
				return
			}
		}
	}))
	defer server.Close()

	provider := NewWebSocketStreaming(WebSocketOptions{Endpoint: wsURL(server), IdleTimeout: 2 * time.Second}, testLogger())
	stream, err := provider.Connect(context.Background(), StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer stream.Close()
	_ = stream.CloseSend()
	if results := drain(t, stream); len(results) != 0 {
		t.Fatalf("expected no results, got %+v", results)
	}
	if !errors.Is(stream.Err(), failure.ErrNoSpeech) {
		t.Fatalf("expected NoSpeech, got %v", stream.Err())
	}
}

func TestWebSocketStreamIdleTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	provider := NewWebSocketStreaming(WebSocketOptions{Endpoint: wsURL(server), IdleTimeout: 100 * time.Millisecond}, testLogger())
	stream, err := provider.Connect(context.Background(), StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer stream.Close()
	drain(t, stream)
	if !errors.Is(stream.Err(), failure.ErrStreamBroken) {
		t.Fatalf("expected StreamBroken, got %v", stream.Err())
	}
}

func TestWebSocketStreamResumesOnce(t *testing.T) {
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if n == 1 {
			_ = conn.WriteJSON(wsEvent{Type: "session", ResumeToken: "tok-1"})
			_ = conn.WriteJSON(wsEvent{Type: "partial", Text: "hel"})
			return
		}
		if r.URL.Query().Get("resume") != "tok-1" {
			t.Errorf("expected resume token on reconnect")
		}
		_ = conn.WriteJSON(wsEvent{Type: "final", Text: "hello"})
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	provider := NewWebSocketStreaming(WebSocketOptions{Endpoint: wsURL(server), IdleTimeout: time.Second}, testLogger())
	stream, err := provider.Connect(context.Background(), StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer stream.Close()

	results := drain(t, stream)
	if len(results) != 2 || results[0].Final || !results[1].Final || results[1].Text != "hello" {
		t.Fatalf("unexpected results %+v", results)
	}
	if connections.Load() != 2 {
		t.Fatalf("expected one reconnect, got %d connections", connections.Load())
	}
}

func TestWebSocketStreamBrokenWithoutResume(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(wsEvent{Type: "partial", Text: "hel"})
		conn.Close()
	}))
	defer server.Close()

	provider := NewWebSocketStreaming(WebSocketOptions{Endpoint: wsURL(server), IdleTimeout: time.Second}, testLogger())
	stream, err := provider.Connect(context.Background(), StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer stream.Close()
	drain(t, stream)
	if !errors.Is(stream.Err(), failure.ErrStreamBroken) {
		t.Fatalf("expected StreamBroken, got %v", stream.Err())
	}
}

func TestWebSocketDialRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	provider := NewWebSocketStreaming(WebSocketOptions{Endpoint: wsURL(server)}, testLogger())
	_, err := provider.Connect(context.Background(), StreamConfig{SampleRate: 16000, Channels: 1})
	if !errors.Is(err, failure.ErrProviderUnavailable) {
		t.Fatalf("expected ProviderUnavailable, got %v", err)
	}
}

func TestWebSocketStreamCloseAbandonsResume(t *testing.T) {
	var connections atomic.Int32
	resuming := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if connections.Add(1) > 1 {
			close(resuming)
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(wsEvent{Type: "session", ResumeToken: "tok-1"})
		time.Sleep(20 * time.Millisecond)
		conn.Close()
	}))
	defer server.Close()
	defer close(release)

	provider := NewWebSocketStreaming(WebSocketOptions{Endpoint: wsURL(server), IdleTimeout: 5 * time.Second, DialTimeout: 5 * time.Second}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := provider.Connect(ctx, StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-resuming:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not try to resume")
	}
	cancel()
	start := time.Now()
	_ = stream.Close()
	if took := time.Since(start); took > time.Second {
		t.Fatalf("close waited %s for the abandoned resume", took)
	}
	drain(t, stream)
}

func TestWebSocketSendFailsAfterServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(wsEvent{Type: "error", Code: "overloaded", Message: "try later"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	provider := NewWebSocketStreaming(WebSocketOptions{Endpoint: wsURL(server), IdleTimeout: 2 * time.Second}, testLogger())
	stream, err := provider.Connect(context.Background(), StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer stream.Close()
	drain(t, stream)

	err = stream.Send(context.Background(), testSegment())
	if !errors.Is(err, failure.ErrStreamBroken) {
		t.Fatalf("expected StreamBroken from send, got %v", err)
	}
	if err := stream.CloseSend(); !errors.Is(err, failure.ErrStreamBroken) {
		t.Fatalf("expected StreamBroken from close send, got %v", err)
	}
}
