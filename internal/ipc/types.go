package ipc

import (
	"encoding/json"

	"github.com/mattjoyce/rmiagent/internal/execctx"
)

// Code tags every message on the channel.
type Code string

const (
	CodeRequest  Code = "REQUEST"
	CodeProgress Code = "PROGRESS"
	CodeResult   Code = "RESULT"
	CodeError    Code = "ERROR"
	CodeRaised   Code = "RAISED"
	CodePing     Code = "PING"
)

// Terminal reports whether a message with this code ends a call.
func (c Code) Terminal() bool {
	switch c {
	case CodeResult, CodeError, CodeRaised:
		return true
	}
	return false
}

// Message is one framed record: a code and its JSON payload.
type Message struct {
	Code    Code            `json:"code"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request is everything the worker needs to rebuild and invoke the target.
type Request struct {
	SN        string                     `json:"sn,omitempty"`
	Namespace string                     `json:"namespace"`
	Method    string                     `json:"method"`
	State     json.RawMessage            `json:"state,omitempty"`
	Args      []json.RawMessage          `json:"args,omitempty"`
	Kwargs    map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// Progress carries a progress snapshot from the worker.
type Progress = execctx.Snapshot

// ErrorPayload is an opaque failure with no structured origin.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Raised describes an error value well enough to rebuild it on the other side.
type Raised struct {
	Description string          `json:"description"`
	Module      string          `json:"module,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	Args        []any           `json:"args,omitempty"`
	Trace       string          `json:"trace,omitempty"`
}

// Ping is the worker's liveness message.
type Ping struct {
	PID int `json:"pid"`
}
