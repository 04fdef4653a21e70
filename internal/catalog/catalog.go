// Package catalog resolves request targets (namespace, method and serialized
// instance state) into bound Go methods.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Call models a method may be registered with.
const (
	ModelDirect   = "direct"
	ModelIsolated = "isolated"
)

// Kwargs carries keyword arguments. A method receives them when its last
// parameter has this type.
type Kwargs map[string]json.RawMessage

// Decode unmarshals the keyword name into v and reports whether it was set.
func (k Kwargs) Decode(name string, v any) (bool, error) {
	raw, ok := k[name]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("keyword %q: %w", name, err)
	}
	return true, nil
}

// Target identifies what a request wants to run.
type Target struct {
	Namespace string          `json:"namespace"`
	Method    string          `json:"method"`
	State     json.RawMessage `json:"state,omitempty"`
}

func (t Target) String() string { return t.Namespace + "." + t.Method }

// ResolutionError reports a target that does not exist or cannot be rebuilt.
type ResolutionError struct {
	Namespace string `json:"namespace"`
	Method    string `json:"method"`
	Reason    string `json:"reason"`
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s.%s: %s", e.Namespace, e.Method, e.Reason)
}

// ArgumentError reports arguments that do not fit the method signature.
type ArgumentError struct {
	Namespace string `json:"namespace"`
	Method    string `json:"method"`
	Reason    string `json:"reason"`
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("call %s.%s: %s", e.Namespace, e.Method, e.Reason)
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
	kwargsType  = reflect.TypeFor[Kwargs]()
)

type method struct {
	fn      reflect.Method
	params  []reflect.Type
	kwargs  bool
	returns bool
	model   string
}

type namespace struct {
	name    string
	proto   reflect.Value
	model   string
	methods map[string]*method
}

// Option adjusts a namespace registration.
type Option func(*namespace) error

// WithModel sets the call model for every method of the namespace.
func WithModel(model string) Option {
	return func(ns *namespace) error {
		if err := checkModel(model); err != nil {
			return err
		}
		ns.model = model
		for _, m := range ns.methods {
			m.model = model
		}
		return nil
	}
}

// WithMethodModel sets the call model of one method.
func WithMethodModel(name, model string) Option {
	return func(ns *namespace) error {
		if err := checkModel(model); err != nil {
			return err
		}
		m, ok := ns.methods[name]
		if !ok {
			return fmt.Errorf("namespace %s has no method %s", ns.name, name)
		}
		m.model = model
		return nil
	}
}

func checkModel(model string) error {
	if model != ModelDirect && model != ModelIsolated {
		return fmt.Errorf("unknown call model %q", model)
	}
	return nil
}

// Catalog holds the registered namespaces.
type Catalog struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace
}

func New() *Catalog {
	return &Catalog{namespaces: make(map[string]*namespace)}
}

// Register scans prototype, a pointer to a struct, for eligible methods:
// exported, taking context.Context first, optionally Kwargs last, and
// returning error or (T, error). Methods default to the direct model.
func (c *Catalog) Register(name string, prototype any, opts ...Option) error {
	v := reflect.ValueOf(prototype)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("register %s: prototype must be a non-nil pointer to a struct, got %T", name, prototype)
	}

	ns := &namespace{name: name, proto: v, model: ModelDirect, methods: make(map[string]*method)}
	typ := v.Type()
	for i := 0; i < typ.NumMethod(); i++ {
		if m, ok := inspect(typ.Method(i)); ok {
			m.model = ModelDirect
			ns.methods[m.fn.Name] = m
		}
	}
	if len(ns.methods) == 0 {
		return fmt.Errorf("register %s: %s has no callable methods", name, typ)
	}
	for _, opt := range opts {
		if err := opt(ns); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.namespaces[name]; dup {
		return fmt.Errorf("register %s: namespace already registered", name)
	}
	c.namespaces[name] = ns
	return nil
}

func inspect(fn reflect.Method) (*method, bool) {
	t := fn.Type
	if t.IsVariadic() || t.NumIn() < 2 || t.In(1) != contextType {
		return nil, false
	}
	switch t.NumOut() {
	case 1, 2:
		if t.Out(t.NumOut()-1) != errorType {
			return nil, false
		}
	default:
		return nil, false
	}

	m := &method{fn: fn, returns: t.NumOut() == 2}
	last := t.NumIn()
	if t.In(last-1) == kwargsType {
		m.kwargs = true
		last--
	}
	for i := 2; i < last; i++ {
		m.params = append(m.params, t.In(i))
	}
	return m, true
}

func (c *Catalog) lookup(t Target) (*namespace, *method, error) {
	c.mu.RLock()
	ns, ok := c.namespaces[t.Namespace]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, &ResolutionError{Namespace: t.Namespace, Method: t.Method, Reason: "namespace not found"}
	}
	m, ok := ns.methods[t.Method]
	if !ok {
		return nil, nil, &ResolutionError{Namespace: t.Namespace, Method: t.Method, Reason: "method not found"}
	}
	return ns, m, nil
}

// ModelOf returns the call model registered for the target's method.
func (c *Catalog) ModelOf(t Target) (string, error) {
	_, m, err := c.lookup(t)
	if err != nil {
		return "", err
	}
	return m.model, nil
}

// Resolve builds a fresh instance of the target's namespace from its
// prototype, overlays the serialized state and binds the method.
func (c *Catalog) Resolve(t Target) (*Bound, error) {
	ns, m, err := c.lookup(t)
	if err != nil {
		return nil, err
	}

	inst := reflect.New(ns.proto.Type().Elem())
	inst.Elem().Set(ns.proto.Elem())
	if len(t.State) > 0 && string(t.State) != "null" {
		if err := json.Unmarshal(t.State, inst.Interface()); err != nil {
			return nil, &ResolutionError{Namespace: t.Namespace, Method: t.Method, Reason: "bad state: " + err.Error()}
		}
	}
	return &Bound{target: t, recv: inst, m: m}, nil
}

// Bound is a method ready to be called.
type Bound struct {
	target Target
	recv   reflect.Value
	m      *method
}

func (b *Bound) Target() Target { return b.target }

// Call decodes args into the parameter types and invokes the method.
func (b *Bound) Call(ctx context.Context, args []json.RawMessage, kwargs Kwargs) (any, error) {
	if len(args) != len(b.m.params) {
		return nil, b.argErr("expected %d arguments, got %d", len(b.m.params), len(args))
	}
	if !b.m.kwargs && len(kwargs) > 0 {
		return nil, b.argErr("method takes no keyword arguments")
	}

	in := make([]reflect.Value, 0, len(args)+3)
	in = append(in, b.recv, reflect.ValueOf(ctx))
	for i, p := range b.m.params {
		v := reflect.New(p)
		if err := json.Unmarshal(args[i], v.Interface()); err != nil {
			return nil, b.argErr("argument %d: %v", i, err)
		}
		in = append(in, v.Elem())
	}
	if b.m.kwargs {
		if kwargs == nil {
			kwargs = Kwargs{}
		}
		in = append(in, reflect.ValueOf(kwargs))
	}

	out := b.m.fn.Func.Call(in)
	var err error
	if e, ok := out[len(out)-1].Interface().(error); ok {
		err = e
	}
	if !b.m.returns {
		return nil, err
	}
	return out[0].Interface(), err
}

func (b *Bound) argErr(format string, a ...any) error {
	return &ArgumentError{Namespace: b.target.Namespace, Method: b.target.Method, Reason: fmt.Sprintf(format, a...)}
}

// MethodInfo describes one callable method.
type MethodInfo struct {
	Name   string   `json:"name"`
	Model  string   `json:"model"`
	Params []string `json:"params,omitempty"`
	Kwargs bool     `json:"kwargs,omitempty"`
}

// NamespaceInfo describes one registered namespace.
type NamespaceInfo struct {
	Name    string       `json:"name"`
	Methods []MethodInfo `json:"methods"`
}

// Describe lists the catalog in name order.
func (c *Catalog) Describe() []NamespaceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]NamespaceInfo, 0, len(c.namespaces))
	for _, ns := range c.namespaces {
		info := NamespaceInfo{Name: ns.name}
		for name, m := range ns.methods {
			mi := MethodInfo{Name: name, Model: m.model, Kwargs: m.kwargs}
			for _, p := range m.params {
				mi.Params = append(mi.Params, p.String())
			}
			info.Methods = append(info.Methods, mi)
		}
		sort.Slice(info.Methods, func(i, j int) bool { return info.Methods[i].Name < info.Methods[j].Name })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
