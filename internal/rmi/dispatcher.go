// Package rmi turns accepted request documents into calls and reports their
// outcome to the caller.
package rmi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mattjoyce/rmiagent/internal/callmodel"
	"github.com/mattjoyce/rmiagent/internal/catalog"
	"github.com/mattjoyce/rmiagent/internal/events"
	"github.com/mattjoyce/rmiagent/internal/execctx"
	"github.com/mattjoyce/rmiagent/internal/ipc"
	"github.com/mattjoyce/rmiagent/internal/journal"
	"github.com/mattjoyce/rmiagent/internal/log"
	"github.com/mattjoyce/rmiagent/internal/metrics"
	"github.com/mattjoyce/rmiagent/internal/tracker"
	"github.com/mattjoyce/rmiagent/internal/transport"
)

// Journal statuses beyond the reply statuses.
const (
	StatusFailed  = "failed"
	StatusExpired = "expired"
)

// ExpiredError is the failure reported for a request that outlived its ttl
// before it could start.
type ExpiredError struct {
	SN  string  `json:"sn"`
	TTL float64 `json:"ttl"`
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("request %s expired (ttl %gs)", e.SN, e.TTL)
}

// Config tunes reply delivery.
type Config struct {
	ReportTimeout time.Duration
	SendTimeout   time.Duration
}

// Dispatcher runs requests through the call model their target is
// registered with.
type Dispatcher struct {
	cfg      Config
	catalog  *catalog.Catalog
	models   map[string]callmodel.Model
	producer transport.Producer
	tracker  *tracker.Tracker
	journal  *journal.Store
	metrics  *metrics.Metrics
	hub      *events.Hub
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithJournal(j *journal.Store) Option { return func(d *Dispatcher) { d.journal = j } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func WithEvents(h *events.Hub) Option { return func(d *Dispatcher) { d.hub = h } }

// NewDispatcher returns a dispatcher. models maps a catalog call model name
// to its implementation.
func NewDispatcher(cfg Config, c *catalog.Catalog, models map[string]callmodel.Model, producer transport.Producer, tr *tracker.Tracker, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:      cfg,
		catalog:  c,
		models:   models,
		producer: producer,
		tracker:  tr,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes doc and sends its replies. It never returns an error:
// every failure becomes a reply to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, doc *transport.Document) {
	logger := log.WithSN(d.logger, doc.SN)
	target := catalog.Target{Namespace: doc.Request.Namespace, Method: doc.Request.Method, State: doc.Request.State}
	entry := journal.Entry{
		SN:        doc.SN,
		Namespace: target.Namespace,
		Method:    target.Method,
		StartedAt: d.now(),
	}

	if doc.Expired(entry.StartedAt) {
		logger.Info("request expired", "ttl", doc.TTL, "ts", doc.TS)
		d.hub.Publish(events.TypeExpired, doc.SN, nil)
		d.metrics.Finished("", StatusExpired)
		d.finish(ctx, doc, entry, StatusExpired, &ExpiredError{SN: doc.SN, TTL: doc.TTL}, nil, logger)
		return
	}
	if d.tracker.Cancelled(doc.SN) {
		// Redelivered after the agent went down with the request cancelled.
		logger.Info("request already cancelled")
		d.hub.Publish(events.TypeCancelled, doc.SN, nil)
		d.metrics.Finished("", transport.StatusCancelled)
		d.finish(ctx, doc, entry, transport.StatusCancelled, nil, nil, logger)
		return
	}

	modelName, err := d.catalog.ModelOf(target)
	var model callmodel.Model
	if err == nil {
		var ok bool
		if model, ok = d.models[modelName]; !ok {
			err = fmt.Errorf("call model %q not available", modelName)
		}
	}
	if err != nil {
		logger.Warn("target not resolved", "target", target.String(), "error", err)
		d.hub.Publish(events.TypeFailed, doc.SN, map[string]string{"error": err.Error()})
		d.metrics.Finished(modelName, StatusFailed)
		d.finish(ctx, doc, entry, StatusFailed, err, nil, logger)
		return
	}
	entry.Model = modelName

	logger.Info("request started", "target", target.String(), "model", modelName)
	d.hub.Publish(events.TypeStarted, doc.SN, target)
	d.send(ctx, doc, transport.Fields{"status": transport.StatusStarted}, logger)
	done := d.metrics.Started(modelName)

	call := &execctx.Context{
		SN:        doc.SN,
		Progress:  execctx.NewProgress(d.progressSink(doc, logger), d.cfg.ReportTimeout, logger),
		Cancelled: func() bool { return d.tracker.Cancelled(doc.SN) },
	}
	result, err := d.invoke(execctx.With(ctx, call), model, &callmodel.Call{
		SN:     doc.SN,
		Target: target,
		Args:   doc.Request.Args,
		Kwargs: doc.Request.Kwargs,
	})

	status := transport.StatusCompleted
	switch {
	case errors.Is(err, callmodel.ErrCancelled):
		status = transport.StatusCancelled
		d.hub.Publish(events.TypeCancelled, doc.SN, nil)
	case err != nil:
		status = StatusFailed
		d.hub.Publish(events.TypeFailed, doc.SN, map[string]string{"error": err.Error()})
	default:
		d.hub.Publish(events.TypeCompleted, doc.SN, nil)
	}
	done(status)
	d.finish(ctx, doc, entry, status, err, result, logger)
}

// invoke runs the call and turns a panic in the model into a failure.
func (d *Dispatcher) invoke(ctx context.Context, m callmodel.Model, call *callmodel.Call) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			r := ipc.NewPanicRaised(v, debug.Stack())
			err = &ipc.RemoteError{Module: r.Module, Kind: r.Kind, Description: r.Description, Args: r.Args, Trace: r.Trace}
		}
	}()
	return m.Invoke(ctx, call)
}

func (d *Dispatcher) progressSink(doc *transport.Document, logger *slog.Logger) execctx.Sink {
	return execctx.SinkFunc(func(ctx context.Context, s execctx.Snapshot) error {
		d.hub.Publish(events.TypeProgress, doc.SN, s)
		if doc.ReplyTo == "" {
			return nil
		}
		logger.Debug("progress", "total", s.Total, "completed", s.Completed)
		return d.producer.Send(ctx, doc.ReplyTo, d.fields(doc, transport.Fields{
			"status":    transport.StatusProgress,
			"total":     s.Total,
			"completed": s.Completed,
			"details":   s.Details,
		}))
	})
}

// finish journals the outcome and sends the final reply.
func (d *Dispatcher) finish(ctx context.Context, doc *transport.Document, entry journal.Entry, status string, err error, result any, logger *slog.Logger) {
	entry.Status = status
	entry.CompletedAt = d.now()
	entry.Duration = entry.CompletedAt.Sub(entry.StartedAt)
	if err != nil && status != transport.StatusCancelled {
		entry.Error = err.Error()
	}
	if jerr := d.journal.Record(context.WithoutCancel(ctx), entry); jerr != nil {
		logger.Error("journal record failed", "error", jerr)
	}

	switch status {
	case transport.StatusCancelled:
		logger.Info("request cancelled", "duration", entry.Duration)
		d.send(ctx, doc, transport.Fields{"status": transport.StatusCancelled}, logger)
	case transport.StatusCompleted:
		logger.Info("request completed", "duration", entry.Duration)
		d.send(ctx, doc, transport.Fields{
			"status": transport.StatusCompleted,
			"result": map[string]any{"retval": result},
		}, logger)
	default:
		logger.Info("request failed", "status", status, "error", err, "duration", entry.Duration)
		d.send(ctx, doc, transport.Fields{
			"status": transport.StatusCompleted,
			"result": Failure(err),
		}, logger)
	}
}

// send delivers a status reply. It is best effort: failures are logged.
func (d *Dispatcher) send(ctx context.Context, doc *transport.Document, fields transport.Fields, logger *slog.Logger) {
	if doc.ReplyTo == "" {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	if err := d.producer.Send(sctx, doc.ReplyTo, d.fields(doc, fields)); err != nil {
		logger.Warn("send reply failed", "status", fields["status"], "error", err)
	}
}

func (d *Dispatcher) fields(doc *transport.Document, fields transport.Fields) transport.Fields {
	fields["sn"] = doc.SN
	if len(doc.Data) > 0 {
		fields["data"] = doc.Data
	}
	return fields
}

// Failure describes err as the exception half of a call result.
func Failure(err error) map[string]any {
	var r *ipc.Raised
	var remote *ipc.RemoteError
	if errors.As(err, &remote) {
		r = &ipc.Raised{Description: remote.Description, Module: remote.Module, Kind: remote.Kind, Args: remote.Args, Trace: remote.Trace}
	} else {
		r = ipc.NewRaised(err, "")
	}

	state := map[string]any{}
	if len(r.State) > 0 {
		_ = json.Unmarshal(r.State, &state)
	}
	if state == nil {
		state = map[string]any{}
	}
	exval := r.Trace
	if exval == "" {
		exval = r.Description
	}
	state["trace"] = exval
	return map[string]any{
		"exval":   exval,
		"xmodule": r.Module,
		"xclass":  r.Kind,
		"xstate":  state,
		"xargs":   r.Args,
	}
}
