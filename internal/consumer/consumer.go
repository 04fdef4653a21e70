// Package consumer runs the read, validate, dispatch and acknowledge loop
// for one request queue.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mattjoyce/rmiagent/internal/events"
	"github.com/mattjoyce/rmiagent/internal/metrics"
	"github.com/mattjoyce/rmiagent/internal/tracker"
	"github.com/mattjoyce/rmiagent/internal/transport"
)

// State of a consumer's reader.
type State int32

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Dispatcher runs an accepted request. It owns the execution context and the
// replies sent while the request runs; failures must be reported to the
// request's reply-to address rather than returned.
type Dispatcher interface {
	Dispatch(ctx context.Context, doc *transport.Document)
}

// Config tunes one consumer.
type Config struct {
	Queue       string
	Wait        time.Duration
	ReopenDelay time.Duration
	SendTimeout time.Duration
	// RateLimit caps requests per second taken off the queue; zero is unlimited.
	RateLimit float64
	Burst     int
}

// Consumer serves one queue, one request at a time.
type Consumer struct {
	cfg        Config
	reader     transport.Reader
	producer   transport.Producer
	tracker    *tracker.Tracker
	dispatcher Dispatcher
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	hub        *events.Hub
	logger     *slog.Logger
	state      atomic.Int32
}

// Option adds an optional collaborator.
type Option func(*Consumer)

func WithMetrics(m *metrics.Metrics) Option { return func(c *Consumer) { c.metrics = m } }

func WithEvents(h *events.Hub) Option { return func(c *Consumer) { c.hub = h } }

func New(cfg Config, reader transport.Reader, producer transport.Producer, tr *tracker.Tracker, d Dispatcher, logger *slog.Logger, opts ...Option) *Consumer {
	if cfg.Wait <= 0 {
		cfg.Wait = 3 * time.Second
	}
	if cfg.ReopenDelay <= 0 {
		cfg.ReopenDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		cfg:        cfg,
		reader:     reader,
		producer:   producer,
		tracker:    tr,
		dispatcher: d,
		logger:     logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consumer) State() State { return State(c.state.Load()) }

// Run opens the reader and serves messages until ctx is done. Transport
// failures close and reopen the reader; they never end Run.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.open(ctx, false) {
		return ctx.Err()
	}
	c.logger.Info("consumer started", "wait", c.cfg.Wait)
	defer func() {
		c.close()
		c.logger.Info("consumer stopped")
	}()

	for ctx.Err() == nil {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				break
			}
		}
		msg, err := c.reader.Next(ctx, c.cfg.Wait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if transport.IsConnection(err) {
				c.logger.Warn("transport failure, reopening reader", "error", err)
			} else {
				c.logger.Error("read failed, reopening reader", "error", err)
			}
			c.close()
			c.metrics.Reconnected()
			if !c.open(ctx, true) {
				break
			}
			continue
		}
		if msg == nil {
			continue
		}
		c.handle(ctx, msg)
	}
	return nil
}

// open retries until the reader opens or ctx is done. A reopen after a
// failure waits the reopen delay before the first attempt.
func (c *Consumer) open(ctx context.Context, reopen bool) bool {
	delay := time.Duration(0)
	if reopen {
		delay = c.cfg.ReopenDelay
	}
	for {
		if delay > 0 && !sleep(ctx, delay) {
			return false
		}
		err := c.reader.Open(ctx)
		if err == nil {
			c.state.Store(int32(StateOpen))
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Warn("open reader failed", "error", err, "retry_in", c.cfg.ReopenDelay)
		delay = c.cfg.ReopenDelay
	}
}

func (c *Consumer) close() {
	if c.State() == StateClosed {
		return
	}
	c.state.Store(int32(StateClosed))
	if err := c.reader.Close(); err != nil {
		c.logger.Warn("close reader failed", "error", err)
	}
}

func (c *Consumer) handle(ctx context.Context, msg *transport.Message) {
	doc, err := transport.Decode(msg.Body)
	var invalid *transport.InvalidDocument
	if errors.As(err, &invalid) {
		c.reject(ctx, msg, doc, invalid)
		return
	}

	logger := c.logger.With("sn", doc.SN)
	logger.Info("request accepted", "target", doc.Request.Namespace+"."+doc.Request.Method)
	c.metrics.Received("accepted")
	c.hub.Publish(events.TypeAccepted, doc.SN, doc.Request)
	c.reply(ctx, doc, transport.Fields{"status": transport.StatusAccepted})

	c.tracker.Add(doc.SN, doc.Locator())
	c.dispatch(ctx, doc, logger)

	if ctx.Err() != nil {
		// Interrupted by shutdown: leave the message pending so it is
		// redelivered, and keep any cancel mark for that redelivery.
		logger.Warn("shutdown during dispatch, leaving request unacknowledged")
		return
	}
	c.ack(ctx, msg, logger)
	if err := c.tracker.Remove(doc.SN); err != nil {
		logger.Error("remove tracker entry failed", "error", err)
	}
}

func (c *Consumer) dispatch(ctx context.Context, doc *transport.Document, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatch panicked", "panic", fmt.Sprint(r))
		}
	}()
	c.dispatcher.Dispatch(ctx, doc)
}

func (c *Consumer) reject(ctx context.Context, msg *transport.Message, doc *transport.Document, invalid *transport.InvalidDocument) {
	logger := c.logger
	if doc != nil && doc.SN != "" {
		logger = logger.With("sn", doc.SN)
	}
	logger.Warn("request rejected", "code", invalid.Code, "description", invalid.Description, "details", invalid.Details)
	c.metrics.Received("rejected")

	c.ack(ctx, msg, logger)

	sn := ""
	if doc != nil {
		sn = doc.SN
	}
	c.hub.Publish(events.TypeRejected, sn, invalid)
	if doc == nil || doc.ReplyTo == "" {
		return
	}
	c.reply(ctx, doc, transport.Fields{
		"status":      transport.StatusRejected,
		"code":        invalid.Code,
		"description": invalid.Description,
		"details":     invalid.Details,
	})
}

func (c *Consumer) ack(ctx context.Context, msg *transport.Message, logger *slog.Logger) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SendTimeout)
	defer cancel()
	if err := msg.Ack(actx); err != nil {
		logger.Error("ack failed", "error", err)
	}
}

// reply is best effort: failures are logged and never block the request.
func (c *Consumer) reply(ctx context.Context, doc *transport.Document, fields transport.Fields) {
	if doc.ReplyTo == "" {
		return
	}
	fields["sn"] = doc.SN
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	if err := c.producer.Send(sctx, doc.ReplyTo, fields); err != nil {
		c.logger.Warn("send status failed", "sn", doc.SN, "status", fields["status"], "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
