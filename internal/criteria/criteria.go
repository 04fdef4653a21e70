// Package criteria evaluates small predicate trees against request locators.
//
// A tree is normally built from a declarative mapping with Build, for example
//
//	{"field": {"id": {"and": [{"gt": 1}, {"lt": 3}]}}}
//
// and is used to select outstanding requests for bulk cancellation.
package criteria

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Criteria is a predicate over an arbitrary locator value.
type Criteria interface {
	Match(locator any) bool
}

// Equal matches a value equal to Value.
type Equal struct{ Value any }

func (c Equal) Match(v any) bool { return equal(v, c.Value) }

// NotEqual matches a value different from Value.
type NotEqual struct{ Value any }

func (c NotEqual) Match(v any) bool { return !equal(v, c.Value) }

// Greater matches a value ordered after Value. Values that cannot be ordered
// against each other never match.
type Greater struct{ Value any }

func (c Greater) Match(v any) bool {
	n, ok := compare(v, c.Value)
	return ok && n > 0
}

// Less matches a value ordered before Value.
type Less struct{ Value any }

func (c Less) Match(v any) bool {
	n, ok := compare(v, c.Value)
	return ok && n < 0
}

// In matches a value equal to any member of Values.
type In struct{ Values []any }

func (c In) Match(v any) bool {
	for _, x := range c.Values {
		if equal(v, x) {
			return true
		}
	}
	return false
}

// And matches when both sides match.
type And struct{ Left, Right Criteria }

func (c And) Match(v any) bool { return c.Left.Match(v) && c.Right.Match(v) }

// Or matches when either side matches.
type Or struct{ Left, Right Criteria }

func (c Or) Match(v any) bool { return c.Left.Match(v) || c.Right.Match(v) }

// Match matches a mapping locator containing every key in Fields. A field
// value that is itself a Criteria is evaluated against the locator's value;
// anything else is compared for equality.
type Match struct{ Fields map[string]any }

func (c Match) Match(v any) bool {
	m, ok := asMap(v)
	if !ok {
		return false
	}
	for k, want := range c.Fields {
		got, present := m[k]
		if !present {
			return false
		}
		if sub, ok := want.(Criteria); ok {
			if !sub.Match(got) {
				return false
			}
			continue
		}
		if !equal(got, want) {
			return false
		}
	}
	return true
}

// Field applies Criteria to a single key of a mapping locator. A missing key
// never matches.
type Field struct {
	Name     string
	Criteria Criteria
}

func (c Field) Match(v any) bool {
	m, ok := asMap(v)
	if !ok {
		return false
	}
	got, present := m[c.Name]
	if !present {
		return false
	}
	return c.Criteria.Match(got)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case json.RawMessage:
		var out map[string]any
		if err := json.Unmarshal(m, &out); err != nil {
			return nil, false
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// normalize folds every numeric representation onto float64 so that locators
// decoded from JSON compare equal to literals written in Go.
func normalize(v any) any {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(n, &out); err == nil {
			return out
		}
		return string(n)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return v
}

func compare(a, b any) (int, bool) {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}

func equal(a, b any) bool {
	if n, ok := compare(a, b); ok {
		return n == 0
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}
