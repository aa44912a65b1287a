package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaEnvironment = "Environment"
	SchemaResource    = "Resource"
)

// SchemaRegistry manages CUE schemas for validation. A schema named N is
// the #N definition of its source.
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

	if err := sr.RegisterSchema(SchemaEnvironment, builtinEnvironmentSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaResource, builtinResourceSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers its #name definition.
func (sr *SchemaRegistry) RegisterSchema(name, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath("#" + name))
	if !def.Exists() {
		return fmt.Errorf("schema source does not define #%s", name)
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

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names in sorted order.
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

const builtinEnvironmentSchema = `
#Environment: {
	// ID is the stable environment identifier
	id: string & =~"^[a-zA-Z0-9_.-]+$"

	// Name is the human-readable name
	name?: string

	// Labels are read by admission policies (e.g. protected: "true")
	labels?: {[string]: string}
}
`

const builtinResourceSchema = `
#Resource: {
	// ID is the unique identifier for this resource
	id: string & =~"^[a-zA-Z0-9_.-]+$"

	// Type is one of the known resource type tags
	type: "organization" | "space" | "application" | "route" | "service" | "subscription"

	// Name is the human-readable name
	name?: string

	// Labels are key-value pairs for organizing resources
	labels?: {[string]: string}

	// DependsOn lists the IDs of resources that must be ready first
	depends_on?: [...string & !=""]
}
`

// ValidateEnvironment validates an environment block against the environment schema.
func (sr *SchemaRegistry) ValidateEnvironment(ctx context.Context, env EnvironmentConfig) error {
	return sr.ValidateAgainstSchema(ctx, SchemaEnvironment, env)
}

// ValidateResource validates a resource configuration against the resource schema.
func (sr *SchemaRegistry) ValidateResource(ctx context.Context, resource ResourceConfig) error {
	return sr.ValidateAgainstSchema(ctx, SchemaResource, resource)
}
