package ipc

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// ExecutionError is a failure reported without structure.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string { return e.Message }

// RemoteError stands in for a raised error whose kind is not registered
// locally, or could not be rebuilt.
type RemoteError struct {
	Module      string
	Kind        string
	Description string
	Args        []any
	Trace       string
}

// Error returns the first constructor argument when it is a string, else the
// description.
func (e *RemoteError) Error() string {
	if len(e.Args) > 0 {
		if s, ok := e.Args[0].(string); ok && s != "" {
			return s
		}
	}
	return e.Description
}

// Builder rebuilds a concrete error from its description.
type Builder func(r *Raised) (error, error)

// Kinds is the table of error kinds that may be rebuilt from a Raised
// payload. Anything not in the table becomes a *RemoteError.
type Kinds struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewKinds() *Kinds {
	return &Kinds{builders: make(map[string]Builder)}
}

// Add registers a builder under module and kind.
func (k *Kinds) Add(module, kind string, b Builder) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.builders[module+"."+kind] = b
}

// Register adds the error type *T, rebuilt by decoding the raised state into
// a new T.
func Register[T any, PT interface {
	*T
	error
}](k *Kinds) {
	module, kind := typeName(reflect.TypeFor[T]())
	k.Add(module, kind, func(r *Raised) (error, error) {
		v := PT(new(T))
		if len(r.State) > 0 {
			if err := json.Unmarshal(r.State, v); err != nil {
				return nil, err
			}
		}
		return v, nil
	})
}

// Rebuild returns the error described by r. It never returns nil.
func (k *Kinds) Rebuild(r *Raised) error {
	fallback := &RemoteError{
		Module:      r.Module,
		Kind:        r.Kind,
		Description: r.Description,
		Args:        r.Args,
		Trace:       r.Trace,
	}

	k.mu.RLock()
	b, ok := k.builders[r.Module+"."+r.Kind]
	k.mu.RUnlock()
	if !ok {
		return fallback
	}
	err, buildErr := b(r)
	if buildErr != nil || err == nil {
		return fallback
	}
	return err
}

// NewRaised describes err for transmission. The module and kind are taken
// from err's concrete type and the state is its JSON encoding.
func NewRaised(err error, trace string) *Raised {
	module, kind := typeName(reflect.TypeOf(err))
	r := &Raised{
		Description: err.Error(),
		Module:      module,
		Kind:        kind,
		Args:        []any{err.Error()},
		Trace:       trace,
	}
	if state, mErr := json.Marshal(err); mErr == nil && string(state) != "{}" {
		r.State = state
	}
	if r.Trace == "" {
		r.Trace = fmt.Sprintf("%s.%s: %s", module, kind, err)
	}
	return r
}

// NewPanicRaised describes a recovered panic.
func NewPanicRaised(v any, stack []byte) *Raised {
	msg := fmt.Sprint(v)
	return &Raised{
		Description: "panic: " + msg,
		Module:      "runtime",
		Kind:        "panic",
		Args:        []any{"panic: " + msg},
		Trace:       string(stack),
	}
}

func typeName(t reflect.Type) (string, string) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "", ""
	}
	return t.PkgPath(), t.Name()
}
