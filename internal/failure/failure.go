// Package failure classifies pipeline errors into the reason codes reported
// with every terminal session outcome.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

type Code string

const (
	DeviceLost          Code = "device_lost"
	Overrun             Code = "overrun"
	NoSpeechDetected    Code = "no_speech"
	ProviderUnavailable Code = "provider_unavailable"
	TransientNetwork    Code = "transient_network"
	StreamBroken        Code = "stream_broken"
	EnhancementFailed   Code = "enhancement_failed"
	SanitizationAnomaly Code = "sanitization_anomaly"
	AlreadyActive       Code = "already_active"
	Cancelled           Code = "cancelled"
	DeliveryFailed      Code = "delivery_failed"
	Internal            Code = "internal"
)

// Error carries a reason code alongside the operation that produced it.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code && other.Op == "" && other.Err == nil
}

var (
	ErrDeviceLost          = &Error{Code: DeviceLost}
	ErrOverrun             = &Error{Code: Overrun}
	ErrNoSpeech            = &Error{Code: NoSpeechDetected}
	ErrProviderUnavailable = &Error{Code: ProviderUnavailable}
	ErrTransientNetwork    = &Error{Code: TransientNetwork}
	ErrStreamBroken        = &Error{Code: StreamBroken}
	ErrEnhancementFailed   = &Error{Code: EnhancementFailed}
	ErrSanitization        = &Error{Code: SanitizationAnomaly}
	ErrAlreadyActive       = &Error{Code: AlreadyActive}
	ErrCancelled           = &Error{Code: Cancelled}
	ErrDeliveryFailed      = &Error{Code: DeliveryFailed}
)

func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the reason code of err. Context cancellation maps to
// Cancelled; unclassified errors map to Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientNetwork
	}
	return Internal
}

func IsTransient(err error) bool {
	return CodeOf(err) == TransientNetwork
}

// FromStatus classifies a non-2xx provider response. 5xx and 429 are
// transient; any other status is a permanent provider rejection.
func FromStatus(op string, status int, body string) *Error {
	body = strings.TrimSpace(body)
	if len(body) > 256 {
		body = body[:256]
	}
	err := fmt.Errorf("status %d: %s", status, body)
	if status >= 500 || status == http.StatusTooManyRequests {
		return New(TransientNetwork, op, err)
	}
	return New(ProviderUnavailable, op, err)
}

// FromTransport classifies an error returned by a client round trip. The
// caller's own cancellation is reported as Cancelled, never as transient.
func FromTransport(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return New(Cancelled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(TransientNetwork, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return New(TransientNetwork, op, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "eof", "no such host", "timeout"} {
		if strings.Contains(msg, marker) {
			return New(TransientNetwork, op, err)
		}
	}
	return New(ProviderUnavailable, op, err)
}

// RetryTransient runs fn and retries it exactly once when the first attempt
// fails with a transient error.
func RetryTransient[T any](ctx context.Context, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	result, err := fn(ctx)
	if err == nil || !IsTransient(err) {
		return result, err
	}
	if backoff > 0 {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, New(Cancelled, "retry", ctx.Err())
		case <-timer.C:
		}
	}
	return fn(ctx)
}
