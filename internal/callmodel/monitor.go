package callmodel

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattjoyce/rmiagent/internal/execctx"
)

// DefaultPollInterval is how often a Monitor checks for cancellation.
const DefaultPollInterval = 100 * time.Millisecond

// Terminator stops a running worker.
type Terminator interface {
	Terminate() error
}

type processTerminator struct {
	proc *os.Process
}

func (p processTerminator) Terminate() error {
	return p.proc.Signal(syscall.SIGTERM)
}

// Monitor watches one call and terminates its worker once the call is
// cancelled or ctx is done.
type Monitor struct {
	ctx    context.Context
	call   *execctx.Context
	target Terminator
	poll   time.Duration
	logger *slog.Logger

	stop       chan struct{}
	done       chan struct{}
	started    atomic.Bool
	stopOnce   sync.Once
	terminated atomic.Bool
}

func NewMonitor(ctx context.Context, call *execctx.Context, target Terminator, poll time.Duration, logger *slog.Logger) *Monitor {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		ctx:    ctx,
		call:   call,
		target: target,
		poll:   poll,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the watcher goroutine. It is a no-op after the first call.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

// Stop ends the watcher and waits for it to exit. It is safe to call more
// than once, and before or without Start.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

// Terminated reports whether the monitor terminated the worker.
func (m *Monitor) Terminated() bool { return m.terminated.Load() }

func (m *Monitor) run() {
	defer close(m.done)

	if m.call.IsCancelled() {
		m.terminate("cancelled")
		return
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-m.ctx.Done():
			m.terminate("context done")
			return
		case <-ticker.C:
			if m.call.IsCancelled() {
				m.terminate("cancelled")
				return
			}
		}
	}
}

func (m *Monitor) terminate(reason string) {
	m.terminated.Store(true)
	m.logger.Info("terminating worker", "reason", reason)
	if err := m.target.Terminate(); err != nil {
		m.logger.Warn("terminate worker failed", "error", err)
	}
}
