package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-dictate/internal/failure"
	"github.com/mattn/go-shellwords"
)

// Device produces fixed-size frames until it is closed or fails. ReadFrame
// returns io.EOF when the device reaches a clean end of input.
type Device interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Opener opens a capture device by identifier.
type Opener interface {
	Open(ctx context.Context, deviceID string, format Format) (Device, error)
}

// ExecOpener captures audio from a command writing raw PCM16LE to stdout,
// such as arecord or ffmpeg. The device identifier is appended as the last
// argument unless it is empty.
type ExecOpener struct {
	Command string
	Logger  *slog.Logger
}

func (o ExecOpener) Open(ctx context.Context, deviceID string, format Format) (Device, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(o.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if deviceID != "" {
		args = append(args, deviceID)
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, failure.New(failure.DeviceLost, "audio.open", err)
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dev := &execDevice{
		cmd:    cmd,
		frames: make(chan Frame, 4),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("component", "capture-exec")),
	}
	go dev.read(stdout, format.FrameSamples())
	return dev, nil
}

type execDevice struct {
	cmd    *exec.Cmd
	frames chan Frame
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	readErr error
	closed  bool
	once    sync.Once
}

func (d *execDevice) read(r io.Reader, samples int) {
	defer close(d.frames)
	buf := make([]byte, samples*2)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			d.mu.Lock()
			if !d.closed {
				d.readErr = failure.New(failure.DeviceLost, "audio.read", fmt.Errorf("capture process ended: %w", err))
			}
			d.mu.Unlock()
			return
		}
		pcm, _ := DecodePCM16LE(buf)
		select {
		case d.frames <- Frame{Samples: pcm, CapturedAt: time.Now()}:
		case <-d.done:
			return
		}
	}
}

func (d *execDevice) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case frame, ok := <-d.frames:
		if !ok {
			d.mu.Lock()
			err := d.readErr
			d.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Frame{}, err
		}
		return frame, nil
	}
}

func (d *execDevice) Close() error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		if err := d.cmd.Wait(); err != nil {
			d.logger.Debug("capture process exited", slog.String("error", err.Error()))
		}
	})
	return nil
}

// WAVOpener replays a WAV file as a capture device; the device identifier is
// the file path. With Realtime set frames are paced at the capture rate.
type WAVOpener struct {
	Realtime bool
}

func (o WAVOpener) Open(_ context.Context, path string, format Format) (Device, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, failure.New(failure.DeviceLost, "audio.open", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file %s", path)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("wav file is %d-bit, capture needs 16-bit PCM", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, fmt.Errorf("empty wav buffer")
	}
	if buf.Format.SampleRate != format.SampleRate || buf.Format.NumChannels != format.Channels {
		return nil, fmt.Errorf("wav format %dHz/%dch does not match capture format %dHz/%dch",
			buf.Format.SampleRate, buf.Format.NumChannels, format.SampleRate, format.Channels)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return &sliceDevice{
		samples:  samples,
		frame:    format.FrameSamples(),
		interval: format.FrameDuration,
		realtime: o.Realtime,
	}, nil
}

type sliceDevice struct {
	samples  []int16
	frame    int
	interval time.Duration
	realtime bool
	offset   int
	next     time.Time
}

func (d *sliceDevice) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if d.offset >= len(d.samples) {
		return Frame{}, io.EOF
	}
	if d.realtime {
		now := time.Now()
		if d.next.IsZero() {
			d.next = now
		}
		if wait := d.next.Sub(now); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Frame{}, ctx.Err()
			case <-timer.C:
			}
		}
		d.next = d.next.Add(d.interval)
	}
	end := d.offset + d.frame
	if end > len(d.samples) {
		end = len(d.samples)
	}
	frame := Frame{Samples: d.samples[d.offset:end], CapturedAt: time.Now()}
	d.offset = end
	return frame, nil
}

func (d *sliceDevice) Close() error { return nil }
