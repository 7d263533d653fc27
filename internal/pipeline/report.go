package pipeline

import (
	"time"

	"github.com/loqalabs/loqa-dictate/internal/failure"
	"github.com/loqalabs/loqa-dictate/internal/transcribe"
)

// State is the controller's position in a session.
type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
	StateEnhancing    State = "enhancing"
	StateDelivering   State = "delivering"
)

// Status is a terminal session outcome.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Reasons reported with delivered sessions.
const (
	ReasonEnhanced            = "enhanced"
	ReasonRaw                 = "raw"
	ReasonEnhancementFallback = "enhancement_fallback"
)

// Outcome closes a session. Reason is a failure code for cancelled and
// failed sessions and one of the Reason constants for delivered ones.
type Outcome struct {
	SessionID string
	Status    Status
	Reason    string
	Duration  time.Duration
	Chars     int
	Err       error
}

// ProviderCall describes one call to an external backend. Code is empty on
// success.
type ProviderCall struct {
	SessionID string
	Provider  string
	Op        string
	Duration  time.Duration
	Code      failure.Code
}

// Reporter receives session diagnostics. Calls are made from the controller
// loop only, in order.
type Reporter interface {
	Transition(sessionID string, from, to State)
	ProviderCall(call ProviderCall)
	Partial(sessionID string, result transcribe.Result)
	Warning(sessionID string, code failure.Code, detail string)
	Outcome(outcome Outcome)
}

// NopReporter ignores everything. Embed it to implement part of Reporter.
type NopReporter struct{}

func (NopReporter) Transition(string, State, State) {}
func (NopReporter) ProviderCall(ProviderCall) {}
func (NopReporter) Partial(string, transcribe.Result) {}
func (NopReporter) Warning(string, failure.Code, string) {}
func (NopReporter) Outcome(Outcome) {}

// Reporters fans every call out to each reporter in order.
type Reporters []Reporter

func (rs Reporters) Transition(id string, from, to State) {
	for _, r := range rs {
		r.Transition(id, from, to)
	}
}

func (rs Reporters) ProviderCall(call ProviderCall) {
	for _, r := range rs {
		r.ProviderCall(call)
	}
}

func (rs Reporters) Partial(id string, result transcribe.Result) {
	for _, r := range rs {
		r.Partial(id, result)
	}
}

func (rs Reporters) Warning(id string, code failure.Code, detail string) {
	for _, r := range rs {
		r.Warning(id, code, detail)
	}
}

func (rs Reporters) Outcome(o Outcome) {
	for _, r := range rs {
		r.Outcome(o)
	}
}

// OutcomeWaiter records outcomes so a caller can wait for a session to end.
type OutcomeWaiter struct {
	NopReporter
	ch chan Outcome
}

func NewOutcomeWaiter() *OutcomeWaiter {
	return &OutcomeWaiter{ch: make(chan Outcome, 8)}
}

func (w *OutcomeWaiter) Outcome(o Outcome) {
	select {
	case w.ch <- o:
	default:
	}
}

// Outcomes yields reported outcomes.
func (w *OutcomeWaiter) Outcomes() <-chan Outcome { return w.ch }
