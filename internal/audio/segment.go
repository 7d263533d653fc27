package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Format describes the PCM layout a device produces.
type Format struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// FrameSamples is the number of interleaved samples in one frame.
func (f Format) FrameSamples() int {
	n := int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
	if n <= 0 {
		n = 1
	}
	return n * f.Channels
}

// Frame is one fixed-length block read from a device.
type Frame struct {
	Samples    []int16
	CapturedAt time.Time
}

// Segment is a contiguous, voice-activity bounded run of captured audio. A
// segment is never modified after it has been handed to a consumer.
type Segment struct {
	Sequence       uint64
	SampleRate     int
	Channels       int
	StartedAt      time.Time
	Samples        []int16
	Voiced         bool
	EndOfUtterance bool
	Final          bool
}

func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return 0
	}
	frames := len(s.Samples) / s.Channels
	return time.Duration(frames) * time.Second / time.Duration(s.SampleRate)
}

// Bytes returns the samples as 16-bit little-endian PCM.
func (s Segment) Bytes() []byte {
	return EncodePCM16LE(s.Samples)
}

func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func DecodePCM16LE(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// WriteWAV encodes samples as a 16-bit WAV file.
func WriteWAV(file *os.File, samples []int16, sampleRate, channels int) error {
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, v := range samples {
		buffer.Data[i] = int(v)
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		enc.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteTempWAV writes the segment to a temporary WAV file and returns its
// path. The caller removes the file.
func WriteTempWAV(seg Segment) (string, error) {
	file, err := os.CreateTemp("", "loqa_dictate_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	if err := WriteWAV(file, seg.Samples, seg.SampleRate, seg.Channels); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close temp wav: %w", err)
	}
	return file.Name(), nil
}

// EncodeWAV returns the segment as WAV file bytes.
func EncodeWAV(seg Segment) ([]byte, error) {
	path, err := WriteTempWAV(seg)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read temp wav: %w", err)
	}
	return data, nil
}

// ConcatSegments joins voiced segments into a single segment, used when
// buffered audio has to be re-transcribed in one request.
func ConcatSegments(segments []Segment) (Segment, bool) {
	var out Segment
	found := false
	for _, seg := range segments {
		if !seg.Voiced || len(seg.Samples) == 0 {
			continue
		}
		if !found {
			out = Segment{
				Sequence:   seg.Sequence,
				SampleRate: seg.SampleRate,
				Channels:   seg.Channels,
				StartedAt:  seg.StartedAt,
				Voiced:     true,
			}
			found = true
		}
		out.Samples = append(out.Samples, seg.Samples...)
		out.EndOfUtterance = seg.EndOfUtterance
		out.Final = out.Final || seg.Final
	}
	return out, found
}
