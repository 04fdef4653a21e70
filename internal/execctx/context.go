// Package execctx carries per-call execution state (serial number, progress
// and cancellation) on a context.Context so target methods can reach it
// without it appearing in their signatures.
package execctx

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type ctxKey struct{}

// Cancelled reports whether the call has been cancelled.
type Cancelled func() bool

// NeverCancelled is used where cancellation is enforced from outside, such as
// inside an isolated worker that its parent terminates instead.
func NeverCancelled() bool { return false }

// Context is the state of one executing call. It is owned by the goroutine
// driving that call and never shared between calls.
type Context struct {
	SN        string
	Progress  *Progress
	Cancelled Cancelled
}

// IsCancelled tolerates a nil receiver or predicate.
func (c *Context) IsCancelled() bool {
	if c == nil || c.Cancelled == nil {
		return false
	}
	return c.Cancelled()
}

// With installs c on ctx. Passing nil clears any inherited context.
func With(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// From returns the installed context, or nil when the caller is not running
// under a dispatched request.
func From(ctx context.Context) *Context {
	c, _ := ctx.Value(ctxKey{}).(*Context)
	return c
}

// Snapshot is the progress state transmitted on each report.
type Snapshot struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Details   any `json:"details,omitempty"`
}

// Sink transmits a progress snapshot.
type Sink interface {
	SendProgress(ctx context.Context, s Snapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s Snapshot) error

func (f SinkFunc) SendProgress(ctx context.Context, s Snapshot) error { return f(ctx, s) }

const defaultReportTimeout = 10 * time.Second

// Progress holds the latest snapshot of one call. Each report overwrites the
// previous snapshot; no history is kept.
type Progress struct {
	mu      sync.Mutex
	snap    Snapshot
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger
}

// NewProgress returns a Progress reporting through sink. A zero timeout uses
// the default.
func NewProgress(sink Sink, timeout time.Duration, logger *slog.Logger) *Progress {
	if timeout <= 0 {
		timeout = defaultReportTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Progress{sink: sink, timeout: timeout, logger: logger}
}

// Set replaces the snapshot.
func (p *Progress) Set(total, completed int, details any) {
	p.mu.Lock()
	p.snap = Snapshot{Total: total, Completed: completed, Details: details}
	p.mu.Unlock()
}

// Update mutates the snapshot in place.
func (p *Progress) Update(fn func(*Snapshot)) {
	p.mu.Lock()
	fn(&p.snap)
	p.mu.Unlock()
}

// Snapshot returns a copy of the current snapshot.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Report transmits the current snapshot. It is bounded by the report timeout
// and never returns an error; failures are logged.
func (p *Progress) Report(ctx context.Context) {
	if p == nil || p.sink == nil {
		return
	}
	snap := p.Snapshot()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.sink.SendProgress(rctx, snap); err != nil {
		p.logger.Warn("progress report failed", "error", err, "completed", snap.Completed, "total", snap.Total)
	}
}

// Report is a convenience for target methods: it updates and reports the
// progress of the call running on ctx, and does nothing outside a call.
func Report(ctx context.Context, total, completed int, details any) {
	c := From(ctx)
	if c == nil || c.Progress == nil {
		return
	}
	c.Progress.Set(total, completed, details)
	c.Progress.Report(ctx)
}
