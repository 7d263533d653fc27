// Package signals gathers the context that accompanies a transcript into
// the enhancement prompt: clipboard, screen text, selected text and custom
// vocabulary. Every value is captured fresh for each run.
package signals

import (
	"context"
	"sort"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

type Kind string

const (
	Transcript   Kind = "transcript"
	Clipboard    Kind = "clipboard"
	Screen       Kind = "screen"
	SelectedText Kind = "selected_text"
	Vocabulary   Kind = "vocabulary"
)

func (k Kind) Valid() bool {
	switch k {
	case Transcript, Clipboard, Screen, SelectedText, Vocabulary:
		return true
	}
	return false
}

// Signal is one captured value. A signal that failed to capture has an
// empty Text and a Warning describing the failure class.
type Signal struct {
	Kind       Kind
	Text       string
	Enabled    bool
	CapturedAt time.Time
	Warning    string
}

// Snapshot is the immutable set of signals for one run.
type Snapshot struct {
	signals map[Kind]Signal
}

func NewSnapshot(values ...Signal) Snapshot {
	m := make(map[Kind]Signal, len(values))
	for _, v := range values {
		m[v.Kind] = v
	}
	return Snapshot{signals: m}
}

func (s Snapshot) Get(kind Kind) (Signal, bool) {
	v, ok := s.signals[kind]
	return v, ok
}

// Text returns the value of kind when it is enabled, or "".
func (s Snapshot) Text(kind Kind) string {
	v, ok := s.signals[kind]
	if !ok || !v.Enabled {
		return ""
	}
	return v.Text
}

// Signals returns a copy of every signal ordered by kind.
func (s Snapshot) Signals() []Signal {
	out := make([]Signal, 0, len(s.signals))
	for _, v := range s.signals {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Warnings lists the kinds whose capture failed.
func (s Snapshot) Warnings() []Kind {
	var out []Kind
	for _, v := range s.Signals() {
		if v.Warning != "" {
			out = append(out, v.Kind)
		}
	}
	return out
}

// Set is the collection of enabled context signals.
type Set map[Kind]bool

func EnabledFromConfig(cfg config.ContextConfig) Set {
	return Set{
		Clipboard:    cfg.UseClipboard,
		Screen:       cfg.UseScreenCapture,
		SelectedText: cfg.UseSelectedText,
		Vocabulary:   cfg.UseVocabulary,
	}
}

// Source reads one kind of context signal.
type Source interface {
	Kind() Kind
	Read(ctx context.Context) (string, error)
}
