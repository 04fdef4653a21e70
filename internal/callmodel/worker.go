package callmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/mattjoyce/rmiagent/internal/catalog"
	"github.com/mattjoyce/rmiagent/internal/execctx"
	"github.com/mattjoyce/rmiagent/internal/ipc"
)

// DefaultPingInterval is how often a worker proves its parent is still there.
const DefaultPingInterval = time.Second

// replyFD is the file descriptor a worker writes replies to.
const replyFD = 3

// WorkerConfig tunes the worker side of an isolated call.
type WorkerConfig struct {
	PingInterval time.Duration
	// Exit ends the process when the parent is gone. Defaults to os.Exit.
	Exit func(code int)
}

// Worker is the child side of an isolated call: it reads one request,
// invokes it under a never-cancelled context and writes exactly one
// terminal reply.
type Worker struct {
	catalog *catalog.Catalog
	in      io.Reader
	out     io.Writer
	cfg     WorkerConfig
	logger  *slog.Logger
}

func NewWorker(c *catalog.Catalog, in io.Reader, out io.Writer, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{catalog: c, in: in, out: out, cfg: cfg, logger: logger}
}

// ServeWorker runs one call over the process's stdin and reply descriptor.
func ServeWorker(ctx context.Context, c *catalog.Catalog, cfg WorkerConfig, logger *slog.Logger) error {
	out := os.NewFile(replyFD, "rmi-reply")
	if out == nil {
		return errors.New("reply descriptor not available")
	}
	defer out.Close()
	return NewWorker(c, os.Stdin, out, cfg, logger).Run(ctx)
}

// Run serves a single request.
func (w *Worker) Run(ctx context.Context) error {
	enc := ipc.NewEncoder(w.out)

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go w.pingLoop(pingCtx, enc)

	req, err := w.readRequest()
	if err != nil {
		return err
	}
	logger := w.logger.With("sn", req.SN, "target", req.Namespace+"."+req.Method)

	progress := execctx.NewProgress(execctx.SinkFunc(func(_ context.Context, s execctx.Snapshot) error {
		return enc.Send(ipc.CodeProgress, s)
	}), 0, logger)
	callCtx := execctx.With(ctx, &execctx.Context{
		SN:        req.SN,
		Progress:  progress,
		Cancelled: execctx.NeverCancelled,
	})

	result, raised := w.invoke(callCtx, req)
	if raised != nil {
		logger.Debug("call raised", "kind", raised.Kind, "description", raised.Description)
		return enc.Send(ipc.CodeRaised, raised)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return enc.Send(ipc.CodeError, ipc.ErrorPayload{Message: fmt.Sprintf("encode result: %v", err)})
	}
	return enc.Send(ipc.CodeResult, json.RawMessage(payload))
}

func (w *Worker) readRequest() (*ipc.Request, error) {
	dec := ipc.NewDecoder(w.in, w.logger)
	for {
		msg, err := dec.Next()
		if err != nil {
			return nil, fmt.Errorf("read request: %w", err)
		}
		if msg.Code != ipc.CodeRequest {
			w.logger.Warn("ignoring message before request", "code", msg.Code)
			continue
		}
		var req ipc.Request
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		return &req, nil
	}
}

func (w *Worker) invoke(ctx context.Context, req *ipc.Request) (result any, raised *ipc.Raised) {
	defer func() {
		if r := recover(); r != nil {
			result, raised = nil, ipc.NewPanicRaised(r, debug.Stack())
		}
	}()

	target := catalog.Target{Namespace: req.Namespace, Method: req.Method, State: req.State}
	bound, err := w.catalog.Resolve(target)
	if err != nil {
		return nil, ipc.NewRaised(err, "")
	}
	result, err = bound.Call(ctx, req.Args, req.Kwargs)
	if err != nil {
		return nil, ipc.NewRaised(err, "")
	}
	return result, nil
}

// pingLoop writes a no-op record periodically. A failed write means the
// parent has gone away, and the worker exits rather than run orphaned.
func (w *Worker) pingLoop(ctx context.Context, enc *ipc.Encoder) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := enc.Send(ipc.CodePing, ipc.Ping{PID: os.Getpid()}); err != nil {
				w.logger.Error("parent unreachable, exiting", "error", err)
				w.cfg.Exit(1)
				return
			}
		}
	}
}
