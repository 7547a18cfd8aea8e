package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schema is a compiled CUE source together with the definition to check against.
type schema struct {
	value      cue.Value
	definition string
}

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]schema
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]schema),
	}

	// built-in sources are constants; a compile error here is a programming error
	if err := sr.RegisterSchema("layer", "#Layer", builtinLayerSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("file", "#File", builtinLayerSchema); err != nil {
		panic(err)
	}

	return sr
}

// Context returns the CUE context values checked by this registry must
// be built with.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = schema{value: def, definition: definition}
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	s, ok := sr.schemas[name]
	return s.value, ok
}

// Unify unifies val with the named schema and validates the result.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	def, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinLayerSchema = `
#Action: "ABORT" | "REPEAT" | "RESEND" | "RECHECK" | "SKIP" | "NOACTION" | "HANDLE" | "CANCEL"

// Go duration syntax, e.g. "5s" or "1m30s"
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Layer: {
	on_failure?:     [...#Action]
	on_true?:        [...#Action]
	on_false?:       [...#Action]
	handle_error?:   bool
	prompt_user?:    bool
	prompt_failure?: bool
	give_choice?:    bool
	notify?:         bool
	retries?:        int & >=0
	tolerance?:      number & >=0
	ignore_case?:    bool
	strict?:         bool
	wait?:           bool
	timeout?:        #Duration
	value_format?:   "RAW" | "ENG"
}

#File: {
	defaults?: #Layer
	interfaces?: [string]: #Layer
	items?: [string]: #Layer
}
`
