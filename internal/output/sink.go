// Package output hands finished text to whatever places it at the cursor.
package output

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/failure"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// Sink delivers text once per session.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, text string) error
}

// Publisher is the part of the bus client a BusSink needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// New builds the sink selected by cfg. pub may be nil unless the sink is
// "bus".
func New(cfg config.OutputConfig, pub Publisher) (Sink, error) {
	switch cfg.Sink {
	case "", "stdout":
		return NewWriterSink(os.Stdout), nil
	case "clipboard":
		return ClipboardSink{}, nil
	case "exec":
		return NewCommandSink(cfg.Command)
	case "bus":
		if pub == nil {
			return nil, fmt.Errorf("output sink bus requires a bus connection")
		}
		return &BusSink{pub: pub, subject: cfg.Subject}, nil
	default:
		return nil, fmt.Errorf("unsupported output sink %q", cfg.Sink)
	}
}

// WriterSink writes each delivery followed by a newline.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Name() string { return "writer" }

func (s *WriterSink) Deliver(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return failure.New(failure.Cancelled, "output.writer", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, text+"\n"); err != nil {
		return failure.New(failure.DeliveryFailed, "output.writer", err)
	}
	return nil
}

// ClipboardSink replaces the clipboard contents; a paste helper or the user
// inserts them.
type ClipboardSink struct{}

func (ClipboardSink) Name() string { return "clipboard" }

func (ClipboardSink) Deliver(ctx context.Context, text string) error {
	if clipboard.Unsupported {
		return failure.Newf(failure.DeliveryFailed, "output.clipboard", "clipboard unsupported on this platform")
	}
	done := make(chan error, 1)
	go func() { done <- clipboard.WriteAll(text) }()
	select {
	case <-ctx.Done():
		return failure.New(failure.Cancelled, "output.clipboard", ctx.Err())
	case err := <-done:
		if err != nil {
			return failure.New(failure.DeliveryFailed, "output.clipboard", err)
		}
		return nil
	}
}

// CommandSink pipes the text to a helper such as xdotool or wtype on stdin.
type CommandSink struct {
	args []string
}

func NewCommandSink(command string) (*CommandSink, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse output command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("output command is empty")
	}
	return &CommandSink{args: args}, nil
}

func (s *CommandSink) Name() string { return "exec" }

func (s *CommandSink) Deliver(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return failure.New(failure.Cancelled, "output.exec", ctx.Err())
		}
		return failure.Newf(failure.DeliveryFailed, "output.exec", "%v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// BusSink publishes the text for a UI shell that owns text injection.
type BusSink struct {
	pub     Publisher
	subject string
}

func NewBusSink(pub Publisher, subject string) *BusSink {
	return &BusSink{pub: pub, subject: subject}
}

func (s *BusSink) Name() string { return "bus" }

func (s *BusSink) Deliver(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return failure.New(failure.Cancelled, "output.bus", err)
	}
	if err := s.pub.PublishJSON(s.subject, protocol.Delivery{Text: text, Timestamp: time.Now().UTC()}); err != nil {
		return failure.New(failure.DeliveryFailed, "output.bus", err)
	}
	return nil
}
