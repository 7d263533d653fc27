//go:build !whisper_cpp

package transcribe

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/failure"
)

// NewWhisperBatch reports the provider as unavailable in builds without the
// whisper_cpp tag.
func NewWhisperBatch(modelPath, language string, logger *slog.Logger) (BatchProvider, error) {
	return nil, failure.New(failure.ProviderUnavailable, "transcribe.whisper", errors.New("built without whisper_cpp support"))
}
