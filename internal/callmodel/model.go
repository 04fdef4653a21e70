package callmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/rmiagent/internal/catalog"
)

// ErrCancelled is returned by an isolated call whose worker was terminated
// because the request was cancelled.
var ErrCancelled = errors.New("call cancelled")

// Call is one invocation: a resolved target and its arguments.
type Call struct {
	SN     string
	Target catalog.Target
	Args   []json.RawMessage
	Kwargs catalog.Kwargs
}

// Model executes a Call. Implementations are interchangeable: a method's
// result or error reaches the caller the same way whichever model runs it.
type Model interface {
	Invoke(ctx context.Context, call *Call) (any, error)
}

// Direct runs the target synchronously on the calling goroutine.
type Direct struct {
	catalog *catalog.Catalog
}

func NewDirect(c *catalog.Catalog) *Direct {
	return &Direct{catalog: c}
}

// Invoke resolves and calls the target. Errors, including resolution
// failures, are returned unchanged.
func (d *Direct) Invoke(ctx context.Context, call *Call) (any, error) {
	bound, err := d.catalog.Resolve(call.Target)
	if err != nil {
		return nil, err
	}
	return bound.Call(ctx, call.Args, call.Kwargs)
}

// WorkerExitError reports a worker that ended without sending a terminal
// reply and exited abnormally.
type WorkerExitError struct {
	Err    error
	Stderr string
}

func (e *WorkerExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("worker exited without a result: %v: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("worker exited without a result: %v", e.Err)
}

func (e *WorkerExitError) Unwrap() error { return e.Err }
