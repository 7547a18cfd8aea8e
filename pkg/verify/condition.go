package verify

import (
	"fmt"
	"strings"

	"github.com/orbitloop/orbitloop/pkg/config"
	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Condition is one telemetry assertion. It is immutable once built.
type Condition struct {
	// Parameter is the telemetry item name, resolved lazily.
	Parameter string

	// Handle is an already resolved item; when set, Parameter is not resolved.
	Handle *engine.ItemHandle

	// Comparator is the comparison applied.
	Comparator Comparator

	// Expected holds one operand (possibly a list) or a [low, high] pair.
	Expected []any

	// Config is the call-site option layer for this condition.
	Config config.Layer
}

// NewCondition builds a condition and checks its arity.
func NewCondition(parameter string, cmp Comparator, expected ...any) (Condition, error) {
	c := Condition{Parameter: parameter, Comparator: cmp, Expected: expected}
	if err := c.Validate(); err != nil {
		return Condition{}, err
	}
	return c, nil
}

// Validate checks the parameter name and operand count.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Parameter) == "" && c.Handle == nil {
		return engine.NewSyntaxError("condition needs a parameter name", nil).WithCode(engine.ErrCodeArguments)
	}
	if _, ok := comparatorSymbols[c.Comparator]; !ok {
		return engine.NewSyntaxError(fmt.Sprintf("unknown comparator %q", c.Comparator), nil).
			WithCode(engine.ErrCodeArguments).
			WithItem(c.Parameter)
	}
	want := 1
	if c.Comparator.IsRange() {
		want = 2
	}
	if len(c.Expected) != want {
		return engine.NewSyntaxError(fmt.Sprintf("%s expects %d value(s), got %d", c.Comparator, want, len(c.Expected)), nil).
			WithCode(engine.ErrCodeArguments).
			WithItem(c.Parameter)
	}
	return nil
}

// Name returns the parameter name, falling back to the handle name.
func (c Condition) Name() string {
	if c.Parameter == "" && c.Handle != nil {
		return c.Handle.Name
	}
	return c.Parameter
}

// ExpectedString renders the expected operands for reports.
func (c Condition) ExpectedString() string {
	if c.Comparator.IsRange() && len(c.Expected) == 2 {
		return fmt.Sprintf("[%v, %v]", c.Expected[0], c.Expected[1])
	}
	if len(c.Expected) == 1 {
		return renderValue(c.Expected[0])
	}
	return fmt.Sprint(c.Expected)
}

func renderValue(v any) string {
	list, ok := v.([]any)
	if !ok {
		return fmt.Sprint(v)
	}
	parts := make([]string, 0, len(list))
	for _, e := range list {
		parts = append(parts, renderValue(e))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// String renders the condition, e.g. "BATT_V >= 27.5".
func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Name(), c.Comparator.Symbol(), c.ExpectedString())
}
