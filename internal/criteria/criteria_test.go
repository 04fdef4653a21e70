package criteria

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodes(t *testing.T) {
	tests := []struct {
		name    string
		node    Criteria
		locator any
		want    bool
	}{
		{"equal int vs float", Equal{Value: 2}, 2.0, true},
		{"equal string", Equal{Value: "a"}, "a", true},
		{"equal mismatched kinds", Equal{Value: "1"}, 1, false},
		{"not equal", NotEqual{Value: 1}, 2, true},
		{"greater", Greater{Value: 1}, 2, true},
		{"greater equal bound", Greater{Value: 2}, 2, false},
		{"greater string vs int", Greater{Value: 1}, "z", false},
		{"less strings", Less{Value: "m"}, "a", true},
		{"in", In{Values: []any{"x", 3}}, 3.0, true},
		{"not in", In{Values: []any{"x"}}, "y", false},
		{"and", And{Left: Greater{Value: 1}, Right: Less{Value: 3}}, 2, true},
		{"or", Or{Left: Equal{Value: 1}, Right: Equal{Value: 5}}, 5, true},
		{"match subset", Match{Fields: map[string]any{"group": "a"}}, map[string]any{"group": "a", "id": 1}, true},
		{"match missing key", Match{Fields: map[string]any{"group": "a"}}, map[string]any{"id": 1}, false},
		{"match nested criteria", Match{Fields: map[string]any{"id": Greater{Value: 0}}}, map[string]any{"id": 1}, true},
		{"match on scalar locator", Match{Fields: map[string]any{"id": 1}}, 1, false},
		{"field typed map", Field{Name: "id", Criteria: Equal{Value: 7}}, map[string]int{"id": 7}, true},
		{"field missing", Field{Name: "id", Criteria: Equal{Value: 7}}, map[string]any{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.node.Match(tt.locator))
		})
	}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		locator any
		want    bool
	}{
		{"and on field", `{"field":{"id":{"and":[{"gt":1},{"lt":3}]}}}`, map[string]any{"id": 2}, true},
		{"and on field outside", `{"field":{"id":{"and":[{"gt":1},{"lt":3}]}}}`, map[string]any{"id": 3}, false},
		{"or of three", `{"or":[{"eq":1},{"eq":2},{"eq":3}]}`, 3, true},
		{"in", `{"in":["a","b"]}`, "b", true},
		{"neq", `{"neq":"a"}`, "b", true},
		{"match", `{"match":{"user":"bob","n":{"gt":4}}}`, map[string]any{"user": "bob", "n": 5}, true},
		{"field shorthand equality", `{"field":{"user":"bob"}}`, map[string]any{"user": "bob"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(tt.spec))
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Match(tt.locator))
		})
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name        string
		spec        map[string]any
		invalidOper bool
	}{
		{"unknown operator", map[string]any{"between": []any{1, 2}}, true},
		{"nested unknown operator", map[string]any{"and": []any{map[string]any{"gt": 1}, map[string]any{"ge": 2}}}, true},
		{"empty", map[string]any{}, true},
		{"two operators", map[string]any{"gt": 1, "lt": 3}, true},
		{"and with one operand", map[string]any{"and": []any{map[string]any{"gt": 1}}}, false},
		{"in not a list", map[string]any{"in": "abc"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.spec)
			require.Error(t, err)
			assert.Equal(t, tt.invalidOper, errors.Is(err, ErrInvalidOperator))
		})
	}
}
