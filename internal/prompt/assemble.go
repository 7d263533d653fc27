package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-dictate/internal/failure"
	"github.com/loqalabs/loqa-dictate/internal/signals"
)

// Section is one wrapped value of the prompt.
type Section struct {
	Tag  string
	Text string
}

// SanitizedPrompt is the assembled prompt. No section text contains a
// delimiter of any declared tag.
type SanitizedPrompt struct {
	Sections []Section
	Text     string
	Tags     []string
}

// Section returns the sanitized text of the named section, if present.
func (p SanitizedPrompt) Section(tag string) (string, bool) {
	for _, s := range p.Sections {
		if s.Tag == tag {
			return s.Text, true
		}
	}
	return "", false
}

// Delimiter is one occurrence of a tag delimiter in a string.
type Delimiter struct {
	Tag     string
	Closing bool
	Start   int
	End     int
}

// Separators an attacker may place inside a delimiter: ASCII and Unicode
// whitespace plus invisible format characters.
const gap = `[\s\p{Z}\p{Cf}]*`

// Invisible format characters may also split the tag name itself.
const invisible = `\p{Cf}*`

// delimiterPattern matches opening and closing delimiters of any of names,
// ignoring case, interior spacing and invisible characters inside the name.
func delimiterPattern(names []string) *regexp.Regexp {
	quoted := make([]string, len(names))
	for i, n := range names {
		runes := make([]string, 0, len(n))
		for _, r := range n {
			runes = append(runes, regexp.QuoteMeta(string(r)))
		}
		quoted[i] = strings.Join(runes, invisible)
	}
	return regexp.MustCompile(`(?i)<` + gap + `(/?)` + gap + `(` + strings.Join(quoted, "|") + `)` + gap + `>`)
}

// Sanitize removes every delimiter of every name from value. Removal is
// repeated until nothing matches, so fragments cannot recombine.
func Sanitize(value string, names []string) string {
	if len(names) == 0 || value == "" {
		return value
	}
	return sanitize(value, delimiterPattern(names))
}

func sanitize(value string, re *regexp.Regexp) string {
	for {
		next := re.ReplaceAllString(value, "")
		if next == value {
			return next
		}
		value = next
	}
}

// ScanDelimiters lists every delimiter of names found in text.
func ScanDelimiters(text string, names []string) []Delimiter {
	if len(names) == 0 {
		return nil
	}
	return scan(text, delimiterPattern(names))
}

func scan(text string, re *regexp.Regexp) []Delimiter {
	var out []Delimiter
	for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, Delimiter{
			Tag:     strings.ToUpper(strings.Map(visible, text[m[4]:m[5]])),
			Closing: m[3] > m[2],
			Start:   m[0],
			End:     m[1],
		})
	}
	return out
}

// Assemble wraps the transcript and the enabled, non-empty signals of snap
// in their tags, in template order. The strip set is the template's own tag
// list. The result is re-scanned and any delimiter outside an inserted
// position is reported as SanitizationAnomaly.
func Assemble(transcript string, snap signals.Snapshot, tmpl Template) (SanitizedPrompt, error) {
	if err := tmpl.Validate(); err != nil {
		return SanitizedPrompt{}, fmt.Errorf("assemble prompt: %w", err)
	}
	names := tmpl.Names()
	re := delimiterPattern(names)

	var (
		b        strings.Builder
		sections []Section
		expected []Delimiter
	)
	for _, tag := range tmpl.Tags {
		var raw string
		if tag.Signal == signals.Transcript {
			raw = transcript
		} else {
			raw = snap.Text(tag.Signal)
			if strings.TrimSpace(raw) == "" {
				continue
			}
		}
		clean := sanitize(raw, re)
		if tag.Signal != signals.Transcript && strings.TrimSpace(clean) == "" {
			continue
		}

		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		open := b.Len()
		b.WriteString(tag.Open())
		expected = append(expected, Delimiter{Tag: strings.ToUpper(tag.Name), Start: open, End: b.Len()})
		b.WriteString("\n")
		b.WriteString(clean)
		b.WriteString("\n")
		closeAt := b.Len()
		b.WriteString(tag.Close())
		expected = append(expected, Delimiter{Tag: strings.ToUpper(tag.Name), Closing: true, Start: closeAt, End: b.Len()})
		sections = append(sections, Section{Tag: tag.Name, Text: clean})
	}

	text := b.String()
	found := scan(text, re)
	if !sameDelimiters(found, expected) {
		return SanitizedPrompt{}, failure.Newf(failure.SanitizationAnomaly, "prompt.assemble",
			"found %d delimiters, inserted %d", len(found), len(expected))
	}
	return SanitizedPrompt{Sections: sections, Text: text, Tags: names}, nil
}

func visible(r rune) rune {
	if unicode.Is(unicode.Cf, r) {
		return -1
	}
	return r
}

func sameDelimiters(a, b []Delimiter) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
