package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/rs/zerolog"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "items.BATT_V.retries").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String renders the error with its location.
func (v ValidationError) String() string {
	switch {
	case v.File != "" && v.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", v.File, v.Line, v.Column, v.Message)
	case v.Path != "":
		return fmt.Sprintf("%s: %s", v.Path, v.Message)
	}
	return v.Message
}

// ValidationErrors is returned when layer files fail to parse or validate.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (ve ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve))
	for _, v := range ve {
		msgs = append(msgs, v.String())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// layerDoc is the file form of a Layer.
type layerDoc struct {
	OnFailure     []string `json:"on_failure,omitempty"`
	OnTrue        []string `json:"on_true,omitempty"`
	OnFalse       []string `json:"on_false,omitempty"`
	HandleError   *bool    `json:"handle_error,omitempty"`
	PromptUser    *bool    `json:"prompt_user,omitempty"`
	PromptFailure *bool    `json:"prompt_failure,omitempty"`
	GiveChoice    *bool    `json:"give_choice,omitempty"`
	Notify        *bool    `json:"notify,omitempty"`
	Retries       *int     `json:"retries,omitempty"`
	Tolerance     *float64 `json:"tolerance,omitempty"`
	IgnoreCase    *bool    `json:"ignore_case,omitempty"`
	Strict        *bool    `json:"strict,omitempty"`
	Wait          *bool    `json:"wait,omitempty"`
	Timeout       *string  `json:"timeout,omitempty"`
	ValueFormat   *string  `json:"value_format,omitempty"`
}

type fileDoc struct {
	Defaults   *layerDoc           `json:"defaults,omitempty"`
	Interfaces map[string]layerDoc `json:"interfaces,omitempty"`
	Items      map[string]layerDoc `json:"items,omitempty"`
}

// Loader reads CUE layer files into a Stack.
type Loader struct {
	registry *SchemaRegistry
	logger   zerolog.Logger
}

// NewLoader creates a new layer loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		registry: NewSchemaRegistry(),
		logger:   logger.With().Str("component", "config-loader").Logger(),
	}
}

// Registry returns the schema registry used for validation.
func (l *Loader) Registry() *SchemaRegistry {
	return l.registry
}

// Load parses the given files or directories, unifies them and returns the
// resulting stack.
func (l *Loader) Load(paths ...string) (*Stack, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var (
		value   cue.Value
		loadErr ValidationErrors
	)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", path, err)
		}

		var val cue.Value
		var errs ValidationErrors
		if info.IsDir() {
			val, errs = l.loadDirectory(path)
		} else {
			val, errs = l.loadFile(path)
		}
		loadErr = append(loadErr, errs...)
		if !val.Exists() {
			continue
		}
		if value.Exists() {
			value = value.Unify(val)
		} else {
			value = val
		}
	}
	if len(loadErr) > 0 {
		return nil, loadErr
	}

	stack, err := l.build(value)
	if err != nil {
		return nil, err
	}

	l.logger.Info().
		Int("sources", len(paths)).
		Int("interfaces", len(stack.Interfaces)).
		Int("items", len(stack.Items)).
		Msg("Configuration layers loaded")
	return stack, nil
}

// LoadString parses inline CUE content.
func (l *Loader) LoadString(name, content string) (*Stack, error) {
	val := l.registry.Context().CompileString(content, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return l.build(val)
}

// loadDirectory loads a directory as a CUE package.
func (l *Loader) loadDirectory(dir string) (cue.Value, ValidationErrors) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := l.registry.Context().BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// loadFile loads a single CUE file.
func (l *Loader) loadFile(path string) (cue.Value, ValidationErrors) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, ValidationErrors{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}

	val := l.registry.Context().CompileBytes(content, cue.Filename(filepath.Clean(path)))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// build validates val against #File and converts it to a Stack.
func (l *Loader) build(val cue.Value) (*Stack, error) {
	unified, err := l.registry.Unify("file", val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var doc fileDoc
	if err := unified.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	stack := &Stack{
		Interfaces: make(map[string]Layer, len(doc.Interfaces)),
		Items:      make(map[string]Layer, len(doc.Items)),
	}
	if doc.Defaults != nil {
		if stack.Defaults, err = doc.Defaults.layer(); err != nil {
			return nil, ValidationErrors{{Path: "defaults", Message: err.Error()}}
		}
	}
	for name, d := range doc.Interfaces {
		if stack.Interfaces[name], err = d.layer(); err != nil {
			return nil, ValidationErrors{{Path: "interfaces." + name, Message: err.Error()}}
		}
	}
	for name, d := range doc.Items {
		if stack.Items[name], err = d.layer(); err != nil {
			return nil, ValidationErrors{{Path: "items." + name, Message: err.Error()}}
		}
	}
	return stack, nil
}

func (d layerDoc) layer() (Layer, error) {
	l := Layer{
		HandleError:   d.HandleError,
		PromptUser:    d.PromptUser,
		PromptFailure: d.PromptFailure,
		GiveChoice:    d.GiveChoice,
		Notify:        d.Notify,
		Retries:       d.Retries,
		Tolerance:     d.Tolerance,
		IgnoreCase:    d.IgnoreCase,
		Strict:        d.Strict,
		Wait:          d.Wait,
	}

	var err error
	if d.OnFailure != nil {
		if l.OnFailure, err = toActions(d.OnFailure); err != nil {
			return Layer{}, err
		}
	}
	if d.OnTrue != nil {
		if l.OnTrue, err = toActions(d.OnTrue); err != nil {
			return Layer{}, err
		}
	}
	if d.OnFalse != nil {
		if l.OnFalse, err = toActions(d.OnFalse); err != nil {
			return Layer{}, err
		}
	}
	if d.Timeout != nil {
		if l.Timeout, err = toDuration(*d.Timeout); err != nil {
			return Layer{}, err
		}
	}
	if d.ValueFormat != nil {
		l.ValueFormat = Format(engine.ValueFormat(*d.ValueFormat))
	}
	return l, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		v := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			v.File = pos[0].Filename()
			v.Line = pos[0].Line()
			v.Column = pos[0].Column()
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
