package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/openfroyo/orchestra/pkg/model"
)

// Built-in schema names.
const (
	SchemaModel = "model"
	SchemaEntry = "entry"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	// The built-in sources are constants; a compile failure is a defect.
	if err := sr.RegisterSchema(SchemaModel, "#SystemModel", builtinModelSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaEntry, "#Entry", builtinModelSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers the definition it declares
// (e.g. "#Entry") under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare %s", name, definition)
	}
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the registered schema names, sorted.
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

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data any) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	if err := sr.validate(schema, data); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// validate returns the unwrapped CUE error so that positions and paths
// survive for reporting. The CUE context is not safe for concurrent use.
func (sr *SchemaRegistry) validate(schema cue.Value, data any) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return err
	}
	return schema.Unify(val).Validate(cue.Concrete(true))
}

// ValidateDocument validates a model document against the model schema. The
// returned error is a CUE error list.
func (sr *SchemaRegistry) ValidateDocument(_ context.Context, doc *model.Document) error {
	schema, _ := sr.GetSchema(SchemaModel)
	if doc.Entries == nil {
		withEntries := *doc
		withEntries.Entries = []*model.SystemEntry{}
		doc = &withEntries
	}
	return sr.validate(schema, doc)
}

// ValidateEntry validates one entry against the entry schema.
func (sr *SchemaRegistry) ValidateEntry(ctx context.Context, entry *model.SystemEntry) error {
	return sr.ValidateAgainstSchema(ctx, SchemaEntry, entry)
}

const builtinModelSchema = `
// A deployable unit on one agent.
#Entry: {
	agent:      string & !=""
	mountPoint: string & =~"^/"
	parent?:    string & =~"^/"

	// Target state; installed, stopped and running for regular entries,
	// prepared and upgraded for self upgrades.
	entryState?: "installed" | "stopped" | "running" | "prepared" | "upgraded"

	script?:         string
	initParameters?: {...}
	tags?:           [...string & !=""]
	metadata?:       {...}
}

// The expected or current picture of a fabric.
#SystemModel: {
	fabric:    string & !=""
	id?:       string
	metadata?: {...}
	agents?:   [...string & !=""]
	entries:   [...#Entry]
}
`
