package callmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/rmiagent/internal/catalog"
	"github.com/mattjoyce/rmiagent/internal/execctx"
)

// The test binary doubles as the isolated worker: the parent re-executes it
// with WorkerEnv set and TestMain serves one call instead of running tests.
func TestMain(m *testing.M) {
	if os.Getenv(WorkerEnv) == "1" {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		if err := ServeWorker(context.Background(), testCatalog(), WorkerConfig{PingInterval: 20 * time.Millisecond}, logger); err != nil {
			logger.Error("worker failed", "error", err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type ValueError struct {
	Msg string `json:"msg"`
}

func (e *ValueError) Error() string { return e.Msg }

type targets struct {
	Prefix string `json:"prefix"`
}

func (t *targets) Echo(_ context.Context, s string) (string, error) { return t.Prefix + s, nil }

func (t *targets) Fail(_ context.Context, msg string) error { return &ValueError{Msg: msg} }

func (t *targets) Opaque(context.Context) error { return errors.New("opaque failure") }

func (t *targets) Steps(ctx context.Context, n int) (int, error) {
	for i := 1; i <= n; i++ {
		execctx.Report(ctx, n, i, map[string]int{"step": i})
	}
	return n, nil
}

func (t *targets) Sleep(ctx context.Context, ms int) (string, error) {
	execctx.Report(ctx, 1, 0, "sleeping")
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "awake", nil
}

func (t *targets) Panic(context.Context) error { panic("kaboom") }

func (t *targets) Exit(context.Context, int) error {
	os.Exit(3)
	return nil
}

func (t *targets) Cancelled(ctx context.Context) (bool, error) {
	return execctx.From(ctx).IsCancelled(), nil
}

func testCatalog() *catalog.Catalog {
	c := catalog.New()
	if err := c.Register("targets", &targets{}, catalog.WithModel(catalog.ModelIsolated)); err != nil {
		panic(err)
	}
	return c
}

func testCommand() Command {
	return Command{Path: os.Args[0], Args: []string{"-test.run=^$"}, Env: []string{WorkerEnv + "=1"}}
}

func rawArgs(t *testing.T, args ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			t.Fatalf("marshal %v: %v", a, err)
		}
		out = append(out, b)
	}
	return out
}

type recordedProgress struct {
	mu    sync.Mutex
	snaps []execctx.Snapshot
}

func (r *recordedProgress) SendProgress(_ context.Context, s execctx.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *recordedProgress) all() []execctx.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execctx.Snapshot(nil), r.snaps...)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
