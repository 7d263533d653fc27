// Package prompt builds the enhancement prompt from untrusted text. Every
// value is stripped of all declared tag delimiters before it is wrapped in
// its own tag, so no value can open or close a section it does not own.
package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/signals"
)

// Tag binds a delimiter name to the signal it wraps.
type Tag struct {
	Name   string
	Signal signals.Kind
}

func (t Tag) Open() string  { return "<" + t.Name + ">" }
func (t Tag) Close() string { return "</" + t.Name + ">" }

// Template is the ordered list of sections a prompt may contain.
type Template struct {
	Tags []Tag
}

var tagName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

func DefaultTemplate() Template {
	return Template{Tags: []Tag{
		{Name: "TRANSCRIPT", Signal: signals.Transcript},
		{Name: "CUSTOM_VOCABULARY", Signal: signals.Vocabulary},
		{Name: "SELECTED_TEXT", Signal: signals.SelectedText},
		{Name: "CLIPBOARD_CONTEXT", Signal: signals.Clipboard},
		{Name: "SCREEN_CONTEXT", Signal: signals.Screen},
	}}
}

func TemplateFromConfig(tags []config.TagConfig) (Template, error) {
	t := Template{Tags: make([]Tag, 0, len(tags))}
	for _, tag := range tags {
		t.Tags = append(t.Tags, Tag{Name: tag.Name, Signal: signals.Kind(tag.Signal)})
	}
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	return t, nil
}

func (t Template) Validate() error {
	if len(t.Tags) == 0 {
		return errors.New("template declares no tags")
	}
	seen := make(map[string]struct{}, len(t.Tags))
	hasTranscript := false
	for _, tag := range t.Tags {
		if !tagName.MatchString(tag.Name) {
			return fmt.Errorf("invalid tag name %q", tag.Name)
		}
		key := strings.ToUpper(tag.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate tag %q", tag.Name)
		}
		seen[key] = struct{}{}
		if !tag.Signal.Valid() {
			return fmt.Errorf("tag %s: unknown signal %q", tag.Name, tag.Signal)
		}
		if tag.Signal == signals.Transcript {
			hasTranscript = true
		}
	}
	if !hasTranscript {
		return errors.New("template has no transcript tag")
	}
	return nil
}

// Names returns the declared tag names in template order.
func (t Template) Names() []string {
	out := make([]string, len(t.Tags))
	for i, tag := range t.Tags {
		out[i] = tag.Name
	}
	return out
}

// TranscriptTag returns the tag wrapping the transcript.
func (t Template) TranscriptTag() (Tag, bool) {
	for _, tag := range t.Tags {
		if tag.Signal == signals.Transcript {
			return tag, true
		}
	}
	return Tag{}, false
}
