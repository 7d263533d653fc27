package signals

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/mattn/go-shellwords"
)

// ClipboardSource reads the system clipboard.
type ClipboardSource struct{}

func (ClipboardSource) Kind() Kind { return Clipboard }

func (ClipboardSource) Read(ctx context.Context) (string, error) {
	if clipboard.Unsupported {
		return "", fmt.Errorf("clipboard unsupported on this platform")
	}
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := clipboard.ReadAll()
		ch <- result{text: text, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("read clipboard: %w", r.err)
		}
		return r.text, nil
	}
}

// CommandSource runs a helper command and uses its stdout as the signal,
// e.g. an OCR tool for screen text or a selection helper.
type CommandSource struct {
	kind Kind
	args []string
}

func NewCommandSource(kind Kind, command string) (*CommandSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", kind, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command is empty", kind)
	}
	return &CommandSource{kind: kind, args: args}, nil
}

func (s *CommandSource) Kind() Kind { return s.kind }

func (s *CommandSource) Read(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s command failed: %w", s.kind, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// TermLister lists custom vocabulary terms.
type TermLister interface {
	ListTerms(ctx context.Context) ([]string, error)
}

// VocabularySource renders the custom vocabulary one term per line.
type VocabularySource struct {
	Terms TermLister
}

func (VocabularySource) Kind() Kind { return Vocabulary }

func (s VocabularySource) Read(ctx context.Context) (string, error) {
	terms, err := s.Terms.ListTerms(ctx)
	if err != nil {
		return "", fmt.Errorf("list vocabulary: %w", err)
	}
	return strings.Join(terms, "\n"), nil
}
