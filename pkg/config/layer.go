package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Layer is a partial set of options. A nil field is unset and lets a lower
// layer show through.
type Layer struct {
	OnFailure     *engine.ActionCode
	OnTrue        *engine.ActionCode
	OnFalse       *engine.ActionCode
	HandleError   *bool
	PromptUser    *bool
	PromptFailure *bool
	GiveChoice    *bool
	Notify        *bool
	Retries       *int
	Tolerance     *float64
	IgnoreCase    *bool
	Strict        *bool
	Wait          *bool
	Timeout       *time.Duration
	ValueFormat   *engine.ValueFormat
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Duration returns a pointer to v.
func Duration(v time.Duration) *time.Duration { return &v }

// Actions returns a pointer to the union of codes.
func Actions(codes ...engine.ActionCode) *engine.ActionCode {
	var mask engine.ActionCode
	for _, c := range codes {
		mask |= c
	}
	return &mask
}

// Format returns a pointer to f.
func Format(f engine.ValueFormat) *engine.ValueFormat { return &f }

// Merge overlays layers left to right: a set field in a later layer wins.
func Merge(layers ...Layer) Layer {
	var out Layer
	for _, l := range layers {
		out.OnFailure = pick(out.OnFailure, l.OnFailure)
		out.OnTrue = pick(out.OnTrue, l.OnTrue)
		out.OnFalse = pick(out.OnFalse, l.OnFalse)
		out.HandleError = pick(out.HandleError, l.HandleError)
		out.PromptUser = pick(out.PromptUser, l.PromptUser)
		out.PromptFailure = pick(out.PromptFailure, l.PromptFailure)
		out.GiveChoice = pick(out.GiveChoice, l.GiveChoice)
		out.Notify = pick(out.Notify, l.Notify)
		out.Retries = pick(out.Retries, l.Retries)
		out.Tolerance = pick(out.Tolerance, l.Tolerance)
		out.IgnoreCase = pick(out.IgnoreCase, l.IgnoreCase)
		out.Strict = pick(out.Strict, l.Strict)
		out.Wait = pick(out.Wait, l.Wait)
		out.Timeout = pick(out.Timeout, l.Timeout)
		out.ValueFormat = pick(out.ValueFormat, l.ValueFormat)
	}
	return out
}

func pick[T any](cur, next *T) *T {
	if next != nil {
		v := *next
		return &v
	}
	return cur
}

// Apply returns base with every set field of l written over it.
func (l Layer) Apply(base engine.Options) engine.Options {
	set(&base.OnFailure, l.OnFailure)
	set(&base.OnTrue, l.OnTrue)
	set(&base.OnFalse, l.OnFalse)
	set(&base.HandleError, l.HandleError)
	set(&base.PromptUser, l.PromptUser)
	set(&base.PromptFailure, l.PromptFailure)
	set(&base.GiveChoice, l.GiveChoice)
	set(&base.Notify, l.Notify)
	set(&base.Retries, l.Retries)
	set(&base.Tolerance, l.Tolerance)
	set(&base.IgnoreCase, l.IgnoreCase)
	set(&base.Strict, l.Strict)
	set(&base.Wait, l.Wait)
	set(&base.Timeout, l.Timeout)
	set(&base.ValueFormat, l.ValueFormat)
	return base
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// IsZero reports whether no field is set.
func (l Layer) IsZero() bool {
	return l == Layer{}
}

var validate = validator.New()

// Resolve merges layers over the built-in defaults and validates the result.
func Resolve(layers ...Layer) (engine.Options, error) {
	opts := Merge(layers...).Apply(engine.DefaultOptions())
	if err := Validate(opts); err != nil {
		return engine.Options{}, err
	}
	return opts, nil
}

// Validate checks an option snapshot.
func Validate(opts engine.Options) error {
	if err := validate.Struct(opts); err != nil {
		return engine.NewSyntaxError("invalid options", err).WithCode(engine.ErrCodeArguments)
	}
	return nil
}

// normalizeKey folds "ignore_case", "IgnoreCase" and "ignorecase" together.
func normalizeKey(k string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(k))
}

// FromMap builds a layer from loosely typed key/value pairs, as found in
// expression definitions and procedure keyword arguments. Keys are matched
// case-insensitively, ignoring underscores.
func FromMap(m map[string]any) (Layer, error) {
	var l Layer
	for key, raw := range m {
		var err error
		switch normalizeKey(key) {
		case "onfailure":
			l.OnFailure, err = toActions(raw)
		case "ontrue":
			l.OnTrue, err = toActions(raw)
		case "onfalse":
			l.OnFalse, err = toActions(raw)
		case "handleerror":
			l.HandleError, err = toBool(raw)
		case "promptuser":
			l.PromptUser, err = toBool(raw)
		case "promptfailure":
			l.PromptFailure, err = toBool(raw)
		case "givechoice":
			l.GiveChoice, err = toBool(raw)
		case "notify":
			l.Notify, err = toBool(raw)
		case "ignorecase":
			l.IgnoreCase, err = toBool(raw)
		case "strict":
			l.Strict, err = toBool(raw)
		case "wait":
			l.Wait, err = toBool(raw)
		case "retries":
			l.Retries, err = toInt(raw)
		case "tolerance":
			l.Tolerance, err = toFloat(raw)
		case "timeout":
			l.Timeout, err = toDuration(raw)
		case "valueformat":
			l.ValueFormat, err = toFormat(raw)
		default:
			err = fmt.Errorf("unknown option")
		}
		if err != nil {
			return Layer{}, engine.NewSyntaxError(fmt.Sprintf("option %s", key), err).WithCode(engine.ErrCodeArguments)
		}
	}
	return l, nil
}

func toBool(v any) (*bool, error) {
	switch t := v.(type) {
	case bool:
		return &t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return nil, err
		}
		return &b, nil
	}
	return nil, fmt.Errorf("expected bool, got %T", v)
}

func toInt(v any) (*int, error) {
	switch t := v.(type) {
	case int:
		return &t, nil
	case int64:
		n := int(t)
		return &n, nil
	case float64:
		if t != float64(int(t)) {
			return nil, fmt.Errorf("expected integer, got %v", t)
		}
		n := int(t)
		return &n, nil
	}
	return nil, fmt.Errorf("expected integer, got %T", v)
}

func toFloat(v any) (*float64, error) {
	switch t := v.(type) {
	case float64:
		return &t, nil
	case int:
		f := float64(t)
		return &f, nil
	case int64:
		f := float64(t)
		return &f, nil
	}
	return nil, fmt.Errorf("expected number, got %T", v)
}

// toDuration accepts a time.Duration, a number of seconds, or a duration string.
func toDuration(v any) (*time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return &t, nil
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, err
		}
		return &d, nil
	}
	secs, err := toFloat(v)
	if err != nil {
		return nil, fmt.Errorf("expected seconds or duration, got %T", v)
	}
	d := time.Duration(*secs * float64(time.Second))
	return &d, nil
}

func toFormat(v any) (*engine.ValueFormat, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected RAW or ENG, got %T", v)
	}
	f := engine.ValueFormat(strings.ToUpper(s))
	if f != engine.FormatRaw && f != engine.FormatEng {
		return nil, fmt.Errorf("expected RAW or ENG, got %q", s)
	}
	return &f, nil
}

// toActions accepts an ActionCode, a list of names, or names joined by "|".
func toActions(v any) (*engine.ActionCode, error) {
	switch t := v.(type) {
	case engine.ActionCode:
		return &t, nil
	case int:
		c := engine.ActionCode(t)
		return &c, nil
	case int64:
		c := engine.ActionCode(t)
		return &c, nil
	case string:
		c, err := engine.ParseActions(strings.Split(t, "|"))
		if err != nil {
			return nil, err
		}
		return &c, nil
	case []string:
		c, err := engine.ParseActions(t)
		if err != nil {
			return nil, err
		}
		return &c, nil
	case []any:
		names := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected action name, got %T", item)
			}
			names = append(names, s)
		}
		c, err := engine.ParseActions(names)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
	return nil, fmt.Errorf("expected actions, got %T", v)
}
