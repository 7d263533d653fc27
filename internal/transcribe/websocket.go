package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/failure"
)

// WebSocketOptions configures the websocket streaming provider.
type WebSocketOptions struct {
	Endpoint    string
	Model       string
	Language    string
	Secret      string
	IdleTimeout time.Duration
	DialTimeout time.Duration
}

// Wire messages. Audio travels as binary PCM16LE frames; control and
// results travel as JSON text frames.
type wsEvent struct {
	Type        string  `json:"type"`
	Text        string  `json:"text,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	SessionID   string  `json:"session_id,omitempty"`
	ResumeToken string  `json:"resume_token,omitempty"`
	Code        string  `json:"code,omitempty"`
	Message     string  `json:"message,omitempty"`
}

type wsControl struct {
	Type string `json:"type"`
}

type webSocketStreaming struct {
	opts   WebSocketOptions
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWebSocketStreaming(opts WebSocketOptions, logger *slog.Logger) StreamingProvider {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &webSocketStreaming{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.DialTimeout,
			ReadBufferSize:   16 * 1024,
			WriteBufferSize:  16 * 1024,
		},
		logger: logger.With(slog.String("component", "transcribe-ws")),
	}
}

func (p *webSocketStreaming) Name() string { return "websocket" }

// Connect opens a stream. The stream lives no longer than ctx: a reconnect
// in progress is abandoned as soon as ctx ends or the stream is closed.
func (p *webSocketStreaming) Connect(ctx context.Context, cfg StreamConfig) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	s := &wsStream{
		provider: p,
		cfg:      cfg,
		ctx:      streamCtx,
		cancel:   cancel,
		results:  make(chan Result, 32),
		done:     make(chan struct{}),
		closeCh:  make(chan struct{}),
		logger:   p.logger.With(slog.String("session_id", cfg.SessionID)),
	}
	conn, err := p.dial(ctx, cfg, "")
	if err != nil {
		cancel()
		return nil, err
	}
	s.conn.Store(conn)
	s.bumpDeadline(conn)
	go s.read()
	s.logger.Info("stream connected")
	return s, nil
}

func (p *webSocketStreaming) dial(ctx context.Context, cfg StreamConfig, resumeToken string) (*websocket.Conn, error) {
	u, err := url.Parse(p.opts.Endpoint)
	if err != nil {
		return nil, failure.New(failure.ProviderUnavailable, "transcribe.ws.dial", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("encoding", "pcm_s16le")
	if lang := firstNonEmpty(cfg.Language, p.opts.Language); lang != "" {
		q.Set("language", lang)
	}
	if p.opts.Model != "" {
		q.Set("model", p.opts.Model)
	}
	if resumeToken != "" {
		q.Set("resume", resumeToken)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if p.opts.Secret != "" {
		header.Set("Authorization", "Bearer "+p.opts.Secret)
	}

	// The handshake read only honours deadlines, so the raw connection is
	// closed directly when ctx ends.
	var raw atomic.Pointer[net.Conn]
	dialer := *p.dialer
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		c, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		raw.Store(&c)
		if ctx.Err() != nil {
			_ = c.Close()
		}
		return c, nil
	}
	stop := context.AfterFunc(ctx, func() {
		if c := raw.Load(); c != nil {
			_ = (*c).Close()
		}
	})
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if !stop() {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, failure.FromTransport(ctx, "transcribe.ws.dial", ctx.Err())
	}
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return nil, failure.FromStatus("transcribe.ws.dial", resp.StatusCode, string(body))
		}
		return nil, failure.FromTransport(ctx, "transcribe.ws.dial", err)
	}
	return conn, nil
}

type wsStream struct {
	provider *webSocketStreaming
	cfg      StreamConfig
	ctx      context.Context
	cancel   context.CancelFunc
	results  chan Result
	done     chan struct{}
	closeCh  chan struct{}
	logger   *slog.Logger

	conn atomic.Pointer[websocket.Conn]

	mu          sync.Mutex // serialises writes and reconnects
	resumeToken string
	resumed     bool
	sendClosed  bool

	stateMu  sync.Mutex
	final    bool
	closed   bool
	err      error
	revision int
}

func (s *wsStream) Send(ctx context.Context, seg audio.Segment) error {
	if err := ctx.Err(); err != nil {
		return failure.New(failure.Cancelled, "transcribe.ws.send", err)
	}
	if len(seg.Samples) == 0 {
		return nil
	}
	return s.write(ctx, websocket.BinaryMessage, seg.Bytes())
}

// CloseSend tells the server no more audio follows; the final result is
// still delivered on Results.
func (s *wsStream) CloseSend() error {
	s.mu.Lock()
	if s.sendClosed {
		s.mu.Unlock()
		return nil
	}
	s.sendClosed = true
	s.mu.Unlock()
	payload, _ := json.Marshal(wsControl{Type: "end"})
	return s.write(s.ctx, websocket.TextMessage, payload)
}

// write sends one message. Once the read side has failed the stream error
// is returned without touching the connection.
func (s *wsStream) write(ctx context.Context, messageType int, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; attempt < 2; attempt++ {
		if err := s.Err(); err != nil {
			return err
		}
		conn := s.conn.Load()
		_ = conn.SetWriteDeadline(time.Now().Add(s.provider.opts.IdleTimeout))
		err := conn.WriteMessage(messageType, payload)
		if err == nil {
			s.bumpDeadline(conn)
			return nil
		}
		if s.isClosed() {
			return failure.New(failure.Cancelled, "transcribe.ws.send", errors.New("stream closed"))
		}
		if ferr := s.Err(); ferr != nil {
			return ferr
		}
		if s.isFinal() {
			return nil
		}
		if rerr := s.resumeLocked(ctx, conn); rerr != nil {
			return rerr
		}
	}
	return failure.New(failure.StreamBroken, "transcribe.ws.send", errors.New("write failed after resume"))
}

// resumeLocked replaces a failed connection once, using the token the
// server advertised. Without a token the stream is broken. The dial ends
// with ctx or with the stream, whichever comes first.
func (s *wsStream) resumeLocked(ctx context.Context, failed *websocket.Conn) error {
	if s.conn.Load() != failed {
		return nil
	}
	if s.resumed || s.resumeToken == "" {
		return failure.New(failure.StreamBroken, "transcribe.ws", errors.New("connection lost"))
	}
	s.resumed = true
	s.logger.Warn("stream connection lost, resuming")

	dialCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	conn, err := s.provider.dial(dialCtx, s.cfg, s.resumeToken)
	if err != nil {
		if s.isClosed() {
			return failure.New(failure.Cancelled, "transcribe.ws.resume", errors.New("stream closed"))
		}
		if dialCtx.Err() != nil {
			return failure.New(failure.Cancelled, "transcribe.ws.resume", dialCtx.Err())
		}
		return failure.New(failure.StreamBroken, "transcribe.ws.resume", err)
	}
	_ = failed.Close()
	s.conn.Store(conn)
	if s.isClosed() {
		_ = conn.Close()
		return failure.New(failure.Cancelled, "transcribe.ws.resume", errors.New("stream closed"))
	}
	s.bumpDeadline(conn)
	return nil
}

func (s *wsStream) bumpDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.provider.opts.IdleTimeout))
}

func (s *wsStream) read() {
	defer close(s.done)
	defer close(s.results)

	for {
		conn := s.conn.Load()
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() || s.isFinal() {
				return
			}
			if s.idle(err) {
				s.fail(failure.Newf(failure.StreamBroken, "transcribe.ws.read", "no result within %s", s.provider.opts.IdleTimeout))
				return
			}
			s.mu.Lock()
			rerr := s.resumeLocked(s.ctx, conn)
			s.mu.Unlock()
			if rerr != nil {
				s.fail(rerr)
				return
			}
			continue
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.bumpDeadline(conn)

		var ev wsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("ignoring malformed stream event", slogError(err))
			continue
		}
		switch ev.Type {
		case "session":
			s.mu.Lock()
			if ev.ResumeToken != "" {
				s.resumeToken = ev.ResumeToken
			}
			s.mu.Unlock()
		case "partial":
			s.emit(ev, false)
		case "final":
			if strings.TrimSpace(ev.Text) == "" {
				s.markFinal()
				s.fail(failure.New(failure.NoSpeechDetected, "transcribe.ws", errors.New("empty final transcript")))
				return
			}
			s.emit(ev, true)
			return
		case "error":
			code := failure.StreamBroken
			if ev.Code == "unauthorized" || ev.Code == "invalid_request" {
				code = failure.ProviderUnavailable
			}
			s.fail(failure.Newf(code, "transcribe.ws", "server error %s: %s", ev.Code, ev.Message))
			return
		default:
			s.logger.Debug("ignoring stream event", slog.String("type", ev.Type))
		}
	}
}

func (s *wsStream) idle(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *wsStream) emit(ev wsEvent, final bool) {
	s.stateMu.Lock()
	if s.final {
		s.stateMu.Unlock()
		return
	}
	s.revision++
	if final {
		s.final = true
	}
	result := Result{
		Text:        strings.TrimSpace(ev.Text),
		Confidence:  ev.Confidence,
		Provider:    s.provider.Name(),
		Final:       final,
		Revision:    s.revision,
		CompletedAt: time.Now(),
	}
	s.stateMu.Unlock()

	select {
	case s.results <- result:
	case <-s.closeCh:
	}
}

func (s *wsStream) markFinal() {
	s.stateMu.Lock()
	s.final = true
	s.stateMu.Unlock()
}

func (s *wsStream) isFinal() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.final
}

func (s *wsStream) isClosed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

// fail records the stream error and drops the connection so that pending
// and later sends return it.
func (s *wsStream) fail(err error) {
	s.stateMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.stateMu.Unlock()
	_ = s.conn.Load().Close()
	s.logger.Warn("stream ended", slog.String("code", string(failure.CodeOf(err))))
}

func (s *wsStream) Results() <-chan Result { return s.results }

func (s *wsStream) Err() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.err
}

func (s *wsStream) Close() error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.stateMu.Unlock()
	s.cancel()
	close(s.closeCh)

	conn := s.conn.Load()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := conn.Close()
	<-s.done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
