package callmodel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattjoyce/rmiagent/internal/execctx"
	"github.com/mattjoyce/rmiagent/internal/ipc"
)

const (
	// maxStderrBytes caps the amount of worker stderr kept for error reports.
	maxStderrBytes = 64 * 1024

	// DefaultGrace is how long a worker gets between SIGTERM (or the end of
	// its call) and SIGKILL.
	DefaultGrace = 5 * time.Second

	// WorkerEnv marks a process started as an isolated worker.
	WorkerEnv = "RMIAGENT_WORKER"
)

// Command is how to start a worker process.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// SelfCommand re-executes the running binary with args.
func SelfCommand(args ...string) (Command, error) {
	exe, err := os.Executable()
	if err != nil {
		return Command{}, fmt.Errorf("locate executable: %w", err)
	}
	return Command{Path: exe, Args: args, Env: []string{WorkerEnv + "=1"}}, nil
}

// IsolatedConfig tunes worker supervision.
type IsolatedConfig struct {
	PollInterval time.Duration
	Grace        time.Duration
}

// Isolated runs each call in a fresh worker process. The request goes to the
// worker's stdin and replies come back on fd 3, one framed record per line.
type Isolated struct {
	command Command
	replies *ipc.Registry
	cfg     IsolatedConfig
	logger  *slog.Logger
}

func NewIsolated(command Command, replies *ipc.Registry, cfg IsolatedConfig, logger *slog.Logger) *Isolated {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Isolated{command: command, replies: replies, cfg: cfg, logger: logger}
}

// Invoke starts a worker, hands it the call and relays its replies until a
// terminal reply or the end of the channel. The cancellation monitor is
// always stopped, and the worker always reaped, before Invoke returns.
func (m *Isolated) Invoke(ctx context.Context, call *Call) (any, error) {
	replyR, replyW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create reply pipe: %w", err)
	}
	defer replyR.Close()

	cmd := exec.Command(m.command.Path, m.command.Args...)
	cmd.Env = append(os.Environ(), m.command.Env...)
	cmd.ExtraFiles = []*os.File{replyW}
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = stderr
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = replyW.Close()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = replyW.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	// The worker holds the only write end now; its exit closes the channel.
	_ = replyW.Close()

	logger := m.logger.With("sn", call.SN, "target", call.Target.String(), "pid", cmd.Process.Pid)
	logger.Debug("worker started")

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	req := ipc.Request{
		SN:        call.SN,
		Namespace: call.Target.Namespace,
		Method:    call.Target.Method,
		State:     call.Target.State,
		Args:      call.Args,
		Kwargs:    call.Kwargs,
	}
	if err := ipc.NewEncoder(stdin).Send(ipc.CodeRequest, req); err != nil {
		logger.Warn("send request to worker failed", "error", err)
	}

	monitor := NewMonitor(ctx, execctx.From(ctx), processTerminator{proc: cmd.Process}, m.cfg.PollInterval, logger)
	monitor.Start()

	out, loopErr := m.replies.Loop(ctx, ipc.NewDecoder(replyR, logger))

	monitor.Stop()
	_ = stdin.Close()
	waitErr := m.reap(cmd.Process, waitCh, logger)

	switch {
	case out.Terminal && out.Err != nil:
		return nil, out.Err
	case out.Terminal:
		return out.Result, nil
	case monitor.Terminated():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return nil, ErrCancelled
	case loopErr != nil:
		return nil, fmt.Errorf("read worker replies: %w", loopErr)
	case waitErr != nil:
		return nil, &WorkerExitError{Err: waitErr, Stderr: stderr.String()}
	}
	return nil, nil
}

// reap waits for the worker to exit, killing it once the grace period ends.
func (m *Isolated) reap(proc *os.Process, waitCh <-chan error, logger *slog.Logger) error {
	grace := time.NewTimer(m.cfg.Grace)
	defer grace.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-grace.C:
		logger.Warn("worker did not exit, sending SIGKILL")
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitCh
	}
}

// cappedBuffer keeps the first max bytes written to it.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
