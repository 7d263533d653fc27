// Package secrets resolves provider credentials by identifier. Values are
// never logged or written to the event store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

var ErrNotFound = errors.New("secret not found")

type Store interface {
	Lookup(ctx context.Context, id string) (string, error)
}

// EnvStore reads LOQA_SECRET_<ID>, with the id upper-cased and any
// character outside [A-Z0-9] replaced by an underscore.
type EnvStore struct{}

func (EnvStore) Lookup(_ context.Context, id string) (string, error) {
	key := EnvKey(id)
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return strings.TrimSpace(value), nil
}

func EnvKey(id string) string {
	var b strings.Builder
	b.WriteString("LOQA_SECRET_")
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// DirStore reads one file per secret id from a directory, as mounted by
// container secret managers.
type DirStore struct {
	Dir string
}

func (s DirStore) Lookup(_ context.Context, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid secret id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("read secret %s: %w", id, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func New(cfg config.SecretsConfig) Store {
	if cfg.Source == "dir" {
		return DirStore{Dir: cfg.Directory}
	}
	return EnvStore{}
}

// Optional looks up id and returns an empty value when id is empty.
func Optional(ctx context.Context, store Store, id string) (string, error) {
	if id == "" || store == nil {
		return "", nil
	}
	return store.Lookup(ctx, id)
}
