// Package transport defines the request envelope and the queue Reader and
// Producer the consumer talks to, with a Redis implementation.
package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the envelope version this agent accepts.
const Version = "2.0"

// Status values sent back to a request's reply-to address.
const (
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusStarted   = "started"
	StatusProgress  = "progress"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Request names the target and carries its arguments.
type Request struct {
	Namespace string                     `json:"namespace"`
	Method    string                     `json:"method"`
	State     json.RawMessage            `json:"state,omitempty"`
	Args      []json.RawMessage          `json:"args,omitempty"`
	Kwargs    map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// Document is the request envelope.
type Document struct {
	ID      string          `json:"id,omitempty"`
	SN      string          `json:"sn"`
	Version string          `json:"version"`
	ReplyTo string          `json:"replyto,omitempty"`
	TS      float64         `json:"ts,omitempty"`
	TTL     float64         `json:"ttl,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Request *Request        `json:"request,omitempty"`
}

// Locator decodes the user data used for criteria matching.
func (d *Document) Locator() any {
	if len(d.Data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(d.Data, &v); err != nil {
		return nil
	}
	return v
}

// Expired reports whether the document outlived its ttl at now. Documents
// without a ttl or timestamp never expire.
func (d *Document) Expired(now time.Time) bool {
	if d.TTL <= 0 || d.TS <= 0 {
		return false
	}
	sent := time.Unix(0, int64(d.TS*float64(time.Second)))
	return now.Sub(sent) > time.Duration(d.TTL*float64(time.Second))
}

// InvalidDocument is raised for a document that fails validation.
type InvalidDocument struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Details     string `json:"details,omitempty"`
}

func (e *InvalidDocument) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("invalid document (%s): %s", e.Code, e.Description)
	}
	return fmt.Sprintf("invalid document (%s): %s: %s", e.Code, e.Description, e.Details)
}

// Decode parses and validates body. On a validation failure the partially
// decoded document is still returned when the JSON itself was readable, so
// the rejection can be routed to its reply-to address.
func Decode(body []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &InvalidDocument{Code: "model.json", Description: "document is not valid JSON", Details: err.Error()}
	}
	if doc.Version != Version {
		return &doc, &InvalidDocument{
			Code:        "model.version",
			Description: "protocol version mismatch",
			Details:     fmt.Sprintf("expected:%s, found:%s", Version, doc.Version),
		}
	}
	if doc.SN == "" {
		return &doc, &InvalidDocument{Code: "model.schema", Description: "required field missing", Details: "sn"}
	}
	if doc.Request == nil {
		return &doc, &InvalidDocument{Code: "model.schema", Description: "required field missing", Details: "request"}
	}
	if doc.Request.Namespace == "" || doc.Request.Method == "" {
		return &doc, &InvalidDocument{Code: "model.schema", Description: "request target incomplete", Details: "request.namespace and request.method are required"}
	}
	return &doc, nil
}
