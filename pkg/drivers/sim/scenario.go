package sim

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultInterface is the interface name simulated items report.
const DefaultInterface = "SIM"

// Scenario describes a simulated ground system.
type Scenario struct {
	Name        string        `yaml:"name" validate:"required"`
	Description string        `yaml:"description,omitempty"`
	Period      time.Duration `yaml:"period,omitempty" validate:"gte=0"`
	Parameters  []Parameter   `yaml:"parameters" validate:"dive"`
	Commands    []CommandSpec `yaml:"commands,omitempty" validate:"dive"`
}

// Parameter is a simulated telemetry item.
//
// Values are the engineering samples in order; Raw, when given, holds the
// raw counterpart of each sample. With a zero period (and no scenario
// period) every fetch consumes one sample; otherwise samples advance on a
// timer while Run is active.
type Parameter struct {
	Name      string        `yaml:"name" validate:"required"`
	Interface string        `yaml:"interface,omitempty"`
	Values    []any         `yaml:"values" validate:"min=1"`
	Raw       []any         `yaml:"raw,omitempty"`
	Period    time.Duration `yaml:"period,omitempty" validate:"gte=0"`
	Invalid   []int         `yaml:"invalid,omitempty" validate:"dive,gte=0"`
	Loop      bool          `yaml:"loop,omitempty"`
}

// CommandSpec is a simulated telecommand.
//
// The first FailFirst sends are rejected. Accepted sends apply Effects: each
// entry sets a parameter to a value; a value of the form "$arg" takes the
// command argument of that name.
type CommandSpec struct {
	Name      string         `yaml:"name" validate:"required"`
	FailFirst int            `yaml:"fail_first,omitempty" validate:"gte=0"`
	Effects   map[string]any `yaml:"effects,omitempty"`
}

var validate = validator.New()

// ParseScenario decodes and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Validate checks field constraints and cross references.
func (sc *Scenario) Validate() error {
	if err := validate.Struct(sc); err != nil {
		return fmt.Errorf("invalid scenario: %w", err)
	}

	names := make(map[string]bool, len(sc.Parameters))
	for _, p := range sc.Parameters {
		if names[p.Name] {
			return fmt.Errorf("invalid scenario: duplicate parameter %q", p.Name)
		}
		names[p.Name] = true
		if len(p.Raw) > 0 && len(p.Raw) != len(p.Values) {
			return fmt.Errorf("invalid scenario: parameter %q has %d raw and %d engineering values", p.Name, len(p.Raw), len(p.Values))
		}
		for _, i := range p.Invalid {
			if i >= len(p.Values) {
				return fmt.Errorf("invalid scenario: parameter %q marks sample %d invalid but has %d samples", p.Name, i, len(p.Values))
			}
		}
	}

	cmds := make(map[string]bool, len(sc.Commands))
	for _, c := range sc.Commands {
		if cmds[c.Name] {
			return fmt.Errorf("invalid scenario: duplicate command %q", c.Name)
		}
		cmds[c.Name] = true
		for target := range c.Effects {
			if !names[target] {
				return fmt.Errorf("invalid scenario: command %q affects unknown parameter %q", c.Name, target)
			}
		}
	}
	return nil
}
