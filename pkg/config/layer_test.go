package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

func TestMerge_LaterLayerWins(t *testing.T) {
	defaults := Layer{Retries: Int(1), Tolerance: Float(0.5), Wait: Bool(true)}
	item := Layer{Retries: Int(4)}
	call := Layer{Tolerance: Float(0.1)}

	merged := Merge(defaults, item, call)

	require.NotNil(t, merged.Retries)
	assert.Equal(t, 4, *merged.Retries)
	assert.Equal(t, 0.1, *merged.Tolerance)
	assert.True(t, *merged.Wait)
	assert.Nil(t, merged.Strict)
}

func TestMerge_DoesNotAlias(t *testing.T) {
	retries := 2
	base := Layer{Retries: &retries}
	merged := Merge(base)
	retries = 9

	assert.Equal(t, 2, *merged.Retries)
}

func TestResolve_AppliesOverDefaults(t *testing.T) {
	opts, err := Resolve(Layer{OnFailure: Actions(engine.ActionAbort, engine.ActionSkip), Timeout: Duration(time.Second)})
	require.NoError(t, err)

	def := engine.DefaultOptions()
	assert.Equal(t, engine.ActionAbort|engine.ActionSkip, opts.OnFailure)
	assert.Equal(t, time.Second, opts.Timeout)
	assert.Equal(t, def.Retries, opts.Retries)
	assert.Equal(t, def.OnTrue, opts.OnTrue)
	assert.Equal(t, def.ValueFormat, opts.ValueFormat)
}

func TestResolve_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		layer Layer
	}{
		{"negative retries", Layer{Retries: Int(-1)}},
		{"negative tolerance", Layer{Tolerance: Float(-0.1)}},
		{"bad format", Layer{ValueFormat: Format("HEX")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.layer)
			require.Error(t, err)
			assert.True(t, engine.IsSyntax(err))
		})
	}
}

func TestFromMap(t *testing.T) {
	l, err := FromMap(map[string]any{
		"Tolerance":   0.2,
		"retries":     int64(3),
		"ignore_case": true,
		"Timeout":     2.5,
		"ValueFormat": "raw",
		"OnFailure":   "ABORT|SKIP",
		"on_false":    []any{"RECHECK", "NOACTION"},
		"Wait":        "true",
	})
	require.NoError(t, err)

	assert.Equal(t, 0.2, *l.Tolerance)
	assert.Equal(t, 3, *l.Retries)
	assert.True(t, *l.IgnoreCase)
	assert.Equal(t, 2500*time.Millisecond, *l.Timeout)
	assert.Equal(t, engine.FormatRaw, *l.ValueFormat)
	assert.Equal(t, engine.ActionAbort|engine.ActionSkip, *l.OnFailure)
	assert.Equal(t, engine.ActionRecheck|engine.ActionNoAction, *l.OnFalse)
	assert.True(t, *l.Wait)
	assert.Nil(t, l.Strict)
}

func TestFromMap_Errors(t *testing.T) {
	tests := map[string]map[string]any{
		"unknown key":    {"Colour": "red"},
		"bad bool":       {"Strict": 1},
		"fractional int": {"Retries": 1.5},
		"unknown action": {"OnFailure": "EXPLODE"},
		"bad duration":   {"Timeout": "soon"},
	}
	for name, m := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := FromMap(m)
			require.Error(t, err)
			assert.Equal(t, engine.ErrCodeArguments, engine.CodeOf(err))
		})
	}
}

func TestStack_Resolve(t *testing.T) {
	stack := &Stack{
		Defaults:   Layer{Retries: Int(1), Tolerance: Float(0.5)},
		Interfaces: map[string]Layer{"SIM": {Tolerance: Float(0.25), Strict: Bool(true)}},
		Items:      map[string]Layer{"BATT_V": {Tolerance: Float(0.05)}},
	}

	opts, err := stack.Resolve("SIM", "BATT_V", Layer{Retries: Int(5)})
	require.NoError(t, err)
	assert.Equal(t, 5, opts.Retries)
	assert.Equal(t, 0.05, opts.Tolerance)
	assert.True(t, opts.Strict)

	opts, err = stack.Resolve("OTHER", "TEMP", Layer{})
	require.NoError(t, err)
	assert.Equal(t, 1, opts.Retries)
	assert.Equal(t, 0.5, opts.Tolerance)
	assert.False(t, opts.Strict)
}

func TestStack_NilResolvesDefaults(t *testing.T) {
	var stack *Stack
	opts, err := stack.Resolve("SIM", "X", Layer{})
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultOptions(), opts)
}
