// Package control exposes the dictation controller on the NATS bus so a UI
// shell or hotkey daemon can drive it, and mirrors session progress back out.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/failure"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
	"github.com/nats-io/nats.go"
)

// Controller is the part of pipeline.Controller the service drives.
type Controller interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) error
	Cancel(ctx context.Context) error
	State() pipeline.State
}

type Service struct {
	cfg        config.BusConfig
	bus        *bus.Client
	controller Controller
	logger     *slog.Logger
	timeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewService(parent context.Context, cfg config.BusConfig, busClient *bus.Client, controller Controller, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		controller: controller,
		logger:     logger.With(slog.String("component", "control")),
		timeout:    5 * time.Second,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to the command subjects.
func (s *Service) Start() error {
	handlers := map[string]func(context.Context) protocol.CommandReply{
		protocol.SubjectCommandStart:  s.start,
		protocol.SubjectCommandStop:   s.stop,
		protocol.SubjectCommandCancel: s.cancelSession,
	}
	for subject, handle := range handlers {
		handle := handle
		sub, err := s.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
			s.handleCommand(msg, handle)
		})
		if err != nil {
			s.unsubscribe()
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	s.logger.Info("control service listening")
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 3 && s.bus.Healthy()
}

func (s *Service) unsubscribe() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (s *Service) handleCommand(msg *nats.Msg, handle func(context.Context) protocol.CommandReply) {
	var cmd protocol.Command
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.logger.Warn("control failed to decode command", slog.String("subject", msg.Subject), slogError(err))
			s.reply(msg, protocol.CommandReply{State: string(s.controller.State()), Code: string(failure.Internal), Error: "malformed command"})
			return
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		reply := handle(ctx)
		s.logger.Debug("control command handled",
			slog.String("subject", msg.Subject),
			slog.String("request_id", cmd.RequestID),
			slog.Bool("ok", reply.OK),
			slog.String("code", reply.Code))
		s.reply(msg, reply)
	}()
}

func (s *Service) reply(msg *nats.Msg, reply protocol.CommandReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("control failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("control failed to send reply", slogError(err))
	}
}

func (s *Service) start(ctx context.Context) protocol.CommandReply {
	id, err := s.controller.Start(ctx)
	if err != nil {
		return s.failed(err)
	}
	return protocol.CommandReply{OK: true, SessionID: id, State: string(s.controller.State())}
}

func (s *Service) stop(ctx context.Context) protocol.CommandReply {
	if err := s.controller.Stop(ctx); err != nil {
		return s.failed(err)
	}
	return protocol.CommandReply{OK: true, State: string(s.controller.State())}
}

func (s *Service) cancelSession(ctx context.Context) protocol.CommandReply {
	if err := s.controller.Cancel(ctx); err != nil {
		return s.failed(err)
	}
	return protocol.CommandReply{OK: true, State: string(s.controller.State())}
}

func (s *Service) failed(err error) protocol.CommandReply {
	return protocol.CommandReply{State: string(s.controller.State()), Code: string(failure.CodeOf(err)), Error: err.Error()}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Publisher mirrors session progress onto the bus. It implements
// pipeline.Reporter.
type Publisher struct {
	bus            *bus.Client
	publishPartial bool
	logger         *slog.Logger
}

func NewPublisher(busClient *bus.Client, cfg config.BusConfig, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:            busClient,
		publishPartial: cfg.PublishPartials,
		logger:         logger.With(slog.String("component", "control")),
	}
}

var _ pipeline.Reporter = (*Publisher)(nil)

func (p *Publisher) Transition(sessionID string, from, to pipeline.State) {
	p.publish(protocol.SubjectState, protocol.StateChange{
		SessionID: sessionID,
		From:      string(from),
		To:        string(to),
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) ProviderCall(pipeline.ProviderCall) {}

func (p *Publisher) Partial(sessionID string, result transcribe.Result) {
	if !p.publishPartial {
		return
	}
	p.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Revision:   result.Revision,
		Confidence: result.Confidence,
		Timestamp:  time.Now().UTC(),
	})
}

func (p *Publisher) Warning(string, failure.Code, string) {}

func (p *Publisher) Outcome(o pipeline.Outcome) {
	p.publish(protocol.SubjectOutcome, protocol.Outcome{
		SessionID:  o.SessionID,
		Status:     string(o.Status),
		Reason:     o.Reason,
		DurationMS: o.Duration.Milliseconds(),
		Chars:      o.Chars,
		Timestamp:  time.Now().UTC(),
	})
}

func (p *Publisher) publish(subject string, v any) {
	if err := p.bus.PublishJSON(subject, v); err != nil {
		p.logger.Warn("control failed to publish", slog.String("subject", subject), slogError(err))
	}
}
