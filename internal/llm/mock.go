package llm

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/failure"
)

type mockGenerator struct {
	respond func(Request) (string, error)
}

// NewMockGenerator returns a generator that answers with respond. A nil
// respond echoes the body of the first tagged section of the prompt, which
// stands in for a model that returns the transcript unchanged.
func NewMockGenerator(respond func(Request) (string, error)) Generator {
	if respond == nil {
		respond = func(req Request) (string, error) { return firstSection(req.Prompt), nil }
	}
	return &mockGenerator{respond: respond}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return failure.New(failure.Cancelled, "llm.mock", ctx.Err())
	case <-time.After(5 * time.Millisecond):
	}
	content, err := m.respond(req)
	if err != nil {
		return err
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   content,
		Latency:   5 * time.Millisecond,
	})
}

func firstSection(prompt string) string {
	lines := strings.Split(prompt, "\n")
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "<") {
		return strings.TrimSpace(prompt)
	}
	closing := "</" + strings.TrimPrefix(lines[0], "<")
	var body []string
	for _, line := range lines[1:] {
		if line == closing {
			break
		}
		body = append(body, line)
	}
	return strings.Join(body, "\n")
}
