// Package builtin holds the targets every agent serves besides admin.
package builtin

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/mattjoyce/rmiagent/internal/callmodel"
	"github.com/mattjoyce/rmiagent/internal/catalog"
	"github.com/mattjoyce/rmiagent/internal/execctx"
	"github.com/mattjoyce/rmiagent/internal/ipc"
)

// Namespace is the catalog name of System.
const Namespace = "system"

// Failure is the error System.Fail raises. It survives process isolation as
// itself once registered with RegisterKinds.
type Failure struct {
	Msg  string `json:"msg"`
	Code int    `json:"code,omitempty"`
}

func (e *Failure) Error() string { return e.Msg }

// Info describes the host an agent runs on.
type Info struct {
	Hostname  string `json:"hostname"`
	PID       int    `json:"pid"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// System exposes host probes and long-running test calls. Sleep and Fail
// run isolated.
type System struct {
	// Step is the progress reporting interval of Sleep.
	Step time.Duration `json:"step,omitempty"`
}

// Register adds the system namespace to c.
func Register(c *catalog.Catalog) error {
	return c.Register(Namespace, &System{Step: time.Second},
		catalog.WithMethodModel("Sleep", catalog.ModelIsolated),
		catalog.WithMethodModel("Fail", catalog.ModelIsolated),
	)
}

// RegisterKinds lets the agent rebuild errors raised by isolated system calls.
func RegisterKinds(k *ipc.Kinds) {
	ipc.Register[Failure](k)
}

func (s *System) Info(context.Context) (Info, error) {
	host, _ := os.Hostname()
	return Info{
		Hostname:  host,
		PID:       os.Getpid(),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}, nil
}

// Sleep waits for the given seconds, reporting progress every step. It
// stops early with callmodel.ErrCancelled when the call is cancelled.
func (s *System) Sleep(ctx context.Context, seconds float64) (float64, error) {
	step := s.Step
	if step <= 0 {
		step = time.Second
	}
	total := time.Duration(seconds * float64(time.Second))
	steps := int((total + step - 1) / step)
	start := time.Now()

	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for done := 0; done < steps; {
		execctx.Report(ctx, steps, done, nil)
		select {
		case <-ctx.Done():
			return time.Since(start).Seconds(), ctx.Err()
		case <-ticker.C:
			done++
		}
		if call := execctx.From(ctx); call != nil && call.IsCancelled() {
			return time.Since(start).Seconds(), callmodel.ErrCancelled
		}
	}
	execctx.Report(ctx, steps, steps, nil)
	return time.Since(start).Seconds(), nil
}

// Fail raises a *Failure carrying msg and code.
func (s *System) Fail(_ context.Context, msg string, code int) error {
	return &Failure{Msg: msg, Code: code}
}
