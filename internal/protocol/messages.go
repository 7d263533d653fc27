package protocol

import "time"

// Command is the request body for the dictation.command.* subjects.
type Command struct {
	RequestID string `json:"request_id,omitempty"`
}

// CommandReply answers a command. Code is set when OK is false.
type CommandReply struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StateChange is published on every session transition.
type StateChange struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is published once per finished session.
type Outcome struct {
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	DurationMS int64     `json:"duration_ms"`
	Chars      int       `json:"chars,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Transcript carries a streaming partial for display in the UI shell.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Revision   int       `json:"revision"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Delivery carries final text for the bus output sink.
type Delivery struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectCommandStart      = "dictation.command.start"
	SubjectCommandStop       = "dictation.command.stop"
	SubjectCommandCancel     = "dictation.command.cancel"
	SubjectState             = "dictation.state"
	SubjectOutcome           = "dictation.outcome"
	SubjectTranscriptPartial = "dictation.transcript.partial"
)
