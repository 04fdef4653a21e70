package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mattjoyce/rmiagent/internal/execctx"
)

// Outcome is what a handler makes of one message. Terminal stops the read
// loop; Result or Err then carry the call's outcome.
type Outcome struct {
	Terminal bool
	Result   json.RawMessage
	Err      error
}

// Handler processes the payload of one message.
type Handler func(ctx context.Context, payload json.RawMessage) Outcome

// Registry maps reply codes to handlers. One is built per process and passed
// to whoever drives a read loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Code]Handler
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{handlers: make(map[Code]Handler), logger: logger}
}

// Register installs h for code, replacing any previous handler.
func (r *Registry) Register(code Code, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[code] = h
}

func (r *Registry) handler(code Code) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[code]
	return h, ok
}

// Loop reads messages and dispatches them until a handler reports a terminal
// outcome or the stream ends. End of stream yields a non-terminal zero
// Outcome: the call finished without a result. The returned error is only
// set for read failures other than end of stream.
func (r *Registry) Loop(ctx context.Context, dec *Decoder) (Outcome, error) {
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return Outcome{}, nil
		}
		if err != nil {
			return Outcome{}, err
		}

		h, ok := r.handler(msg.Code)
		if !ok {
			r.logger.Warn("no handler for ipc reply", "code", msg.Code)
			continue
		}
		out := h(ctx, msg.Payload)
		if out.Terminal {
			return out, nil
		}
	}
}

// NewReplyRegistry returns a registry with the standard reply handlers used
// by the parent side of an isolated call.
func NewReplyRegistry(kinds *Kinds, logger *slog.Logger) *Registry {
	if kinds == nil {
		kinds = NewKinds()
	}
	r := NewRegistry(logger)
	r.Register(CodeResult, func(_ context.Context, payload json.RawMessage) Outcome {
		return Outcome{Terminal: true, Result: payload}
	})
	r.Register(CodeProgress, func(ctx context.Context, payload json.RawMessage) Outcome {
		var snap Progress
		if err := json.Unmarshal(payload, &snap); err != nil {
			r.logger.Warn("bad progress payload", "error", err)
			return Outcome{}
		}
		c := execctx.From(ctx)
		if c == nil || c.Progress == nil {
			return Outcome{}
		}
		c.Progress.Set(snap.Total, snap.Completed, snap.Details)
		c.Progress.Report(ctx)
		return Outcome{}
	})
	r.Register(CodeError, func(_ context.Context, payload json.RawMessage) Outcome {
		var p ErrorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			p.Message = string(payload)
		}
		return Outcome{Terminal: true, Err: &ExecutionError{Message: p.Message}}
	})
	r.Register(CodeRaised, func(_ context.Context, payload json.RawMessage) Outcome {
		var raised Raised
		if err := json.Unmarshal(payload, &raised); err != nil {
			return Outcome{Terminal: true, Err: &ExecutionError{Message: fmt.Sprintf("undecodable raised payload: %s", payload)}}
		}
		return Outcome{Terminal: true, Err: kinds.Rebuild(&raised)}
	})
	r.Register(CodePing, func(context.Context, json.RawMessage) Outcome {
		return Outcome{}
	})
	return r
}
