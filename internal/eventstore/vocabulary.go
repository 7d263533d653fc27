package eventstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"
)

// MaxTermLength bounds a single vocabulary entry in runes.
const MaxTermLength = 128

// normalizeTerm trims a term and rejects empty, oversized or multi-line
// values.
func normalizeTerm(term string) (string, error) {
	term = strings.TrimSpace(term)
	switch {
	case term == "":
		return "", fmt.Errorf("vocabulary term is empty")
	case utf8.RuneCountInString(term) > MaxTermLength:
		return "", fmt.Errorf("vocabulary term longer than %d characters", MaxTermLength)
	case strings.ContainsAny(term, "\r\n"):
		return "", fmt.Errorf("vocabulary term spans lines")
	}
	return term, nil
}

// AddTerm stores term. Terms are unique ignoring case; re-adding one is a
// no-op.
func (s *Store) AddTerm(ctx context.Context, term string) error {
	term, err := normalizeTerm(term)
	if err != nil {
		return err
	}
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := strings.ToLower(term)
		if _, ok := s.terms[key]; !ok {
			s.terms[key] = term
		}
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vocabulary(term, created_at) VALUES(?, ?) ON CONFLICT(term) DO NOTHING`,
		term, s.clock().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("add vocabulary term: %w", err)
	}
	return nil
}

// RemoveTerm deletes term, ignoring case. It reports whether a term was
// removed.
func (s *Store) RemoveTerm(ctx context.Context, term string) (bool, error) {
	term = strings.TrimSpace(term)
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := strings.ToLower(term)
		_, ok := s.terms[key]
		delete(s.terms, key)
		return ok, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM vocabulary WHERE term = ?`, term)
	if err != nil {
		return false, fmt.Errorf("remove vocabulary term: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListTerms returns every stored term in alphabetical order.
func (s *Store) ListTerms(ctx context.Context) ([]string, error) {
	if s.db == nil {
		s.mu.Lock()
		out := make([]string, 0, len(s.terms))
		for _, term := range s.terms {
			out = append(out, term)
		}
		s.mu.Unlock()
		sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT term FROM vocabulary ORDER BY term COLLATE NOCASE ASC`)
	if err != nil {
		return nil, fmt.Errorf("list vocabulary: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var term string
		if err := rows.Scan(&term); err != nil {
			return nil, err
		}
		out = append(out, term)
	}
	return out, rows.Err()
}

// ImportTerms adds one term per line from r. Blank lines and lines starting
// with # are skipped, as are invalid terms. It returns the number of lines
// accepted and the number skipped as invalid. Imported terms are untrusted
// text; they are sanitized like any other signal when a prompt is built.
func (s *Store) ImportTerms(ctx context.Context, r io.Reader) (added, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, nerr := normalizeTerm(line); nerr != nil {
			skipped++
			continue
		}
		if err := s.AddTerm(ctx, line); err != nil {
			return added, skipped, err
		}
		added++
	}
	if err := scanner.Err(); err != nil {
		return added, skipped, fmt.Errorf("read vocabulary import: %w", err)
	}
	return added, skipped, nil
}
