package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/failure"
	"github.com/mattn/go-shellwords"
)

// execBatch runs a local recogniser command per segment. The command gets
// --audio <wav> plus optional --model and --language flags and prints
// {"text": ..., "confidence": ...} on stdout.
type execBatch struct {
	cmd     []string
	cfg     config.ProviderConfig
	timeout time.Duration
	mu      sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecBatch(cfg config.ProviderConfig, timeout time.Duration) (BatchProvider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcription command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcription command is empty")
	}
	return &execBatch{cmd: args, cfg: cfg, timeout: timeout}, nil
}

func (r *execBatch) Name() string { return "exec" }

func (r *execBatch) Transcribe(ctx context.Context, seg audio.Segment) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path, err := audio.WriteTempWAV(seg)
	if err != nil {
		return Result{}, failure.New(failure.Internal, "transcribe.exec", err)
	}
	defer os.Remove(path)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, failure.FromTransport(ctx, "transcribe.exec", ctx.Err())
		}
		return Result{}, failure.Newf(failure.ProviderUnavailable, "transcribe.exec", "command failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, failure.Newf(failure.ProviderUnavailable, "transcribe.exec", "decode response: %v", err)
	}
	return Result{
		Text:        strings.TrimSpace(resp.Text),
		Confidence:  resp.Confidence,
		Segment:     seg.Sequence,
		Provider:    r.Name(),
		Final:       true,
		CompletedAt: time.Now(),
	}, nil
}
