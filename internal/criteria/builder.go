package criteria

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidOperator reports an operator key Build does not understand.
var ErrInvalidOperator = errors.New("invalid criteria operator")

// Build resolves a declarative specification into a Criteria tree. The
// specification is a mapping with exactly one operator key:
//
//	eq, neq, gt, lt   scalar comparison
//	in                list membership
//	and, or           list of two or more nested specifications
//	match             mapping subset; values may be nested specifications
//	field             {"name": specification} applied to one locator key
func Build(spec map[string]any) (Criteria, error) {
	if len(spec) != 1 {
		keys := make([]string, 0, len(spec))
		for k := range spec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: expected exactly one operator, got %v", ErrInvalidOperator, keys)
	}
	for op, arg := range spec {
		return build(op, arg)
	}
	return nil, nil
}

// Parse decodes a JSON specification and builds it.
func Parse(data []byte) (Criteria, error) {
	var spec map[string]any
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode criteria: %w", err)
	}
	return Build(spec)
}

func build(op string, arg any) (Criteria, error) {
	switch op {
	case "eq":
		return Equal{Value: arg}, nil
	case "neq":
		return NotEqual{Value: arg}, nil
	case "gt":
		return Greater{Value: arg}, nil
	case "lt":
		return Less{Value: arg}, nil
	case "in":
		list, ok := arg.([]any)
		if !ok {
			return nil, fmt.Errorf("criteria %q: expected a list, got %T", op, arg)
		}
		return In{Values: list}, nil
	case "and", "or":
		return buildJunction(op, arg)
	case "match":
		m, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("criteria %q: expected a mapping, got %T", op, arg)
		}
		fields := make(map[string]any, len(m))
		for k, v := range m {
			if sub, ok := v.(map[string]any); ok {
				c, err := Build(sub)
				if err != nil {
					return nil, fmt.Errorf("criteria match %q: %w", k, err)
				}
				fields[k] = c
				continue
			}
			fields[k] = v
		}
		return Match{Fields: fields}, nil
	case "field":
		m, ok := arg.(map[string]any)
		if !ok || len(m) != 1 {
			return nil, fmt.Errorf("criteria %q: expected a single-key mapping", op)
		}
		for name, v := range m {
			sub, ok := v.(map[string]any)
			if !ok {
				return Field{Name: name, Criteria: Equal{Value: v}}, nil
			}
			c, err := Build(sub)
			if err != nil {
				return nil, fmt.Errorf("criteria field %q: %w", name, err)
			}
			return Field{Name: name, Criteria: c}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidOperator, op)
}

func buildJunction(op string, arg any) (Criteria, error) {
	list, ok := arg.([]any)
	if !ok || len(list) < 2 {
		return nil, fmt.Errorf("criteria %q: expected a list of at least two operands", op)
	}
	nodes := make([]Criteria, 0, len(list))
	for i, item := range list {
		sub, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("criteria %q operand %d: expected a mapping, got %T", op, i, item)
		}
		c, err := Build(sub)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, c)
	}
	out := nodes[0]
	for _, next := range nodes[1:] {
		if op == "and" {
			out = And{Left: out, Right: next}
		} else {
			out = Or{Left: out, Right: next}
		}
	}
	return out, nil
}
