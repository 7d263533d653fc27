package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorsIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("start session: %w", New(AlreadyActive, "pipeline.start", nil))
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatal("expected wrapped error to match ErrAlreadyActive")
	}
	if errors.Is(err, ErrOverrun) {
		t.Fatal("did not expect match on a different code")
	}
	if CodeOf(err) != AlreadyActive {
		t.Fatalf("expected already_active, got %s", CodeOf(err))
	}
}

func TestCodeOfContext(t *testing.T) {
	if CodeOf(context.Canceled) != Cancelled {
		t.Fatalf("expected context.Canceled to map to cancelled")
	}
	if CodeOf(errors.New("boom")) != Internal {
		t.Fatalf("expected unclassified errors to map to internal")
	}
	if CodeOf(nil) != "" {
		t.Fatalf("expected empty code for nil")
	}
}

func TestFromStatus(t *testing.T) {
	cases := map[int]Code{
		http.StatusInternalServerError: TransientNetwork,
		http.StatusBadGateway:          TransientNetwork,
		http.StatusTooManyRequests:     TransientNetwork,
		http.StatusUnauthorized:        ProviderUnavailable,
		http.StatusBadRequest:          ProviderUnavailable,
	}
	for status, want := range cases {
		if got := FromStatus("op", status, "body").Code; got != want {
			t.Errorf("status %d: expected %s, got %s", status, want, got)
		}
	}
}

func TestFromTransportCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := FromTransport(ctx, "op", fmt.Errorf("do request: %w", context.Canceled))
	if CodeOf(err) != Cancelled {
		t.Fatalf("expected cancelled, got %s", CodeOf(err))
	}
	err = FromTransport(context.Background(), "op", errors.New("dial tcp: connection refused"))
	if !IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestRetryTransientRetriesOnce(t *testing.T) {
	calls := 0
	_, err := RetryTransient(context.Background(), 0, func(context.Context) (string, error) {
		calls++
		return "", New(TransientNetwork, "op", errors.New("503"))
	})
	if err == nil {
		t.Fatal("expected error after retry")
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}
}

func TestRetryTransientSkipsPermanent(t *testing.T) {
	calls := 0
	_, err := RetryTransient(context.Background(), 0, func(context.Context) (int, error) {
		calls++
		return 0, New(ProviderUnavailable, "op", errors.New("401"))
	})
	if CodeOf(err) != ProviderUnavailable {
		t.Fatalf("expected provider_unavailable, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRetryTransientRecovers(t *testing.T) {
	calls := 0
	value, err := RetryTransient(context.Background(), 0, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, ErrTransientNetwork
		}
		return 42, nil
	})
	if err != nil || value != 42 {
		t.Fatalf("expected recovery on second attempt, got %d %v", value, err)
	}
}
