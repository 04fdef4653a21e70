package api

import (
	"github.com/mattjoyce/rmiagent/internal/journal"
	"github.com/mattjoyce/rmiagent/internal/tracker"
)

// CancelRequest is the JSON body for POST /cancel. Exactly one of SN or
// Criteria is expected; Criteria wins when both are set.
type CancelRequest struct {
	SN       string         `json:"sn,omitempty"`
	Criteria map[string]any `json:"criteria,omitempty"`
}

// CancelResponse lists the serial numbers newly cancelled.
type CancelResponse struct {
	Cancelled []string `json:"cancelled"`
}

// RequestsResponse is returned by GET /requests.
type RequestsResponse struct {
	Outstanding []tracker.Entry `json:"outstanding"`
	Recent      []journal.Entry `json:"recent,omitempty"`
}

// RequestStatusResponse is returned by GET /requests/{sn}. Exactly one of
// Outstanding or Journal is set.
type RequestStatusResponse struct {
	SN          string         `json:"sn"`
	Status      string         `json:"status"`
	Outstanding *tracker.Entry `json:"outstanding,omitempty"`
	Journal     *journal.Entry `json:"journal,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Agent         string `json:"agent"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Outstanding   int    `json:"outstanding"`
}
