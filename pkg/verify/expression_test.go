package verify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitloop/orbitloop/pkg/config"
	"github.com/orbitloop/orbitloop/pkg/engine"
)

func TestParse_Leaf(t *testing.T) {
	n, err := Parse([]any{"BATT_V", ">=", 27.5}, config.Layer{})
	require.NoError(t, err)

	leaf, ok := n.(*LeafNode)
	require.True(t, ok)
	assert.Equal(t, "BATT_V", leaf.Cond.Parameter)
	assert.Equal(t, Ge, leaf.Cond.Comparator)
	assert.Equal(t, []any{27.5}, leaf.Cond.Expected)
	assert.Equal(t, "BATT_V >= 27.5", leaf.String())
}

func TestParse_RangeLeafWithOptions(t *testing.T) {
	defaults := config.Layer{Retries: config.Int(5), Tolerance: config.Float(0.1)}
	n, err := Parse([]any{"TEMP", "bw", 10, 20, map[string]any{"strict": true, "tolerance": 0.5}}, defaults)
	require.NoError(t, err)

	leaf := n.(*LeafNode)
	assert.Equal(t, []any{10, 20}, leaf.Cond.Expected)
	require.NotNil(t, leaf.Cond.Config.Strict)
	assert.True(t, *leaf.Cond.Config.Strict)
	assert.Equal(t, 0.5, *leaf.Cond.Config.Tolerance)
	assert.Equal(t, 5, *leaf.Cond.Config.Retries)
}

func TestParse_Groups(t *testing.T) {
	def := []any{
		"OR",
		[]any{"MODE", "eq", "SAFE"},
		[]any{
			[]any{"A", "eq", 1},
			[]any{"B", "lt", 2},
		},
	}
	n, err := Parse(def, config.Layer{})
	require.NoError(t, err)

	g, ok := n.(*GroupNode)
	require.True(t, ok)
	assert.Equal(t, OpOr, g.Op)
	require.Len(t, g.Children, 2)

	inner, ok := g.Children[1].(*GroupNode)
	require.True(t, ok)
	assert.Equal(t, OpAnd, inner.Op, "groups default to AND")

	leaves := n.Leaves()
	require.Len(t, leaves, 3)
	assert.Equal(t, "MODE", leaves[0].Cond.Parameter)
	assert.Equal(t, "B", leaves[2].Cond.Parameter)
	assert.Equal(t, "(MODE = SAFE) OR ((A = 1) AND (B < 2))", n.String())
}

func TestParse_DefaultsReachEveryLeaf(t *testing.T) {
	defaults := config.Layer{Timeout: config.Duration(3 * time.Second)}
	n, err := Parse([]any{"and", []any{"A", "eq", 1}, []any{"B", "eq", 2, map[string]any{"retries": 0}}}, defaults)
	require.NoError(t, err)

	for _, l := range n.Leaves() {
		require.NotNil(t, l.Cond.Config.Timeout)
		assert.Equal(t, 3*time.Second, *l.Cond.Config.Timeout)
	}
	assert.Equal(t, 0, *n.Leaves()[1].Cond.Config.Retries)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  any
	}{
		{"not a list", "A eq 1"},
		{"empty group", []any{}},
		{"marker only", []any{"AND"}},
		{"bad element", []any{[]any{"A", "eq", 1}, "B"}},
		{"range missing bound", []any{"A", "bw", 1}},
		{"too many operands", []any{"A", "eq", 1, 2}},
		{"unknown comparator in group", []any{[]any{"A", "approx", 1}}},
		{"bad option", []any{"A", "eq", 1, map[string]any{"retries": "many"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.def, config.Layer{})
			require.Error(t, err)
			assert.True(t, engine.IsSyntax(err), "got %v", err)
		})
	}
}

func TestLeaf_WithLeavesOriginalUntouched(t *testing.T) {
	base := Leaf("X", Eq, 1)
	derived := base.With(config.Layer{Retries: config.Int(7)})

	assert.Nil(t, base.Cond.Config.Retries)
	assert.Equal(t, 7, *derived.Cond.Config.Retries)
}

func TestCondition_Validate(t *testing.T) {
	_, err := NewCondition("", Eq, 1)
	assert.Equal(t, engine.ErrCodeArguments, engine.CodeOf(err))

	_, err = NewCondition("X", Comparator("approx"), 1)
	assert.True(t, engine.IsSyntax(err))

	c, err := NewCondition("X", NotBetween, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "X <> [1, 2]", c.String())

	c, err = NewCondition("X", Eq, []any{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "[1, 2]", c.ExpectedString())

	h := &engine.ItemHandle{Name: "RESOLVED"}
	c = Condition{Handle: h, Comparator: Eq, Expected: []any{1}}
	assert.NoError(t, c.Validate())
	assert.Equal(t, "RESOLVED", c.Name())
}
