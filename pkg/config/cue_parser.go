package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/activation/pkg/engine"
)

// CUEParser parses and validates CUE environment definitions.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// Load parses the sources and returns the resource graph of the environment
// they define together with its display name.
func (cp *CUEParser) Load(ctx context.Context, sources []string) (*engine.ResourceGraph, string, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, "", err
	}
	if err := parsed.Err(); err != nil {
		return nil, "", err
	}

	graph := parsed.ToResourceGraph()
	if err := graph.Validate(); err != nil {
		return nil, "", err
	}
	return graph, parsed.DisplayName(), nil
}

// Parse parses CUE definitions from the given files and directories.
// Directories contribute every .cue file below them. All sources are
// unified into one value.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedEnvironment, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			found, err := cp.LoadFromDirectory(source)
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				return &ParsedEnvironment{
					SourceFiles: []string{source},
					ParsedAt:    time.Now(),
					Errors: []ValidationError{{
						File:     source,
						Message:  "no CUE files found",
						Severity: "error",
					}},
				}, nil
			}
			files = append(files, found...)
		} else {
			files = append(files, source)
		}
	}

	var cueValue cue.Value
	var parseErrors []ValidationError
	for _, file := range files {
		val, errs := cp.loadFile(file)
		if len(errs) > 0 {
			parseErrors = append(parseErrors, errs...)
			continue
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedEnvironment{
			SourceFiles: files,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	// Validate the unified value
	if err := cueValue.Validate(cue.Concrete(true)); err != nil {
		return &ParsedEnvironment{
			SourceFiles: files,
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractEnvironment(ctx, cueValue, files), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedEnvironment, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedEnvironment{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return &ParsedEnvironment{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractEnvironment(ctx, val, []string{"inline"}), nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractEnvironment decodes the environment block and the resources.
// Resources may be a struct keyed by ID or a list.
func (cp *CUEParser) extractEnvironment(ctx context.Context, val cue.Value, sourceFiles []string) *ParsedEnvironment {
	parsed := &ParsedEnvironment{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	envVal := val.LookupPath(cue.ParsePath("environment"))
	if !envVal.Exists() {
		parsed.addError("environment", "environment block is required")
	} else {
		var env EnvironmentConfig
		if err := envVal.Decode(&env); err != nil {
			parsed.addError("environment", fmt.Sprintf("failed to decode environment: %v", err))
		} else if err := cp.validateEnvironment(ctx, env); err != nil {
			parsed.addError("environment", err.Error())
		} else {
			parsed.Environment = env
		}
	}

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if !resourcesVal.Exists() {
		return parsed
	}

	seen := make(map[string]string)
	add := func(path, key string, v cue.Value) {
		resource, err := cp.extractResource(ctx, key, v)
		if err != nil {
			parsed.addError(path, err.Error())
			return
		}
		if previous, dup := seen[resource.ID]; dup {
			parsed.addError(path, fmt.Sprintf("duplicate resource ID %s (also at %s)", resource.ID, previous))
			return
		}
		seen[resource.ID] = path
		parsed.Resources = append(parsed.Resources, resource)
	}

	switch resourcesVal.Kind() {
	case cue.StructKind:
		iter, err := resourcesVal.Fields()
		if err != nil {
			parsed.addError("resources", fmt.Sprintf("failed to iterate resources: %v", err))
			return parsed
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			add(fmt.Sprintf("resources.%s", key), key, iter.Value())
		}

	case cue.ListKind:
		list, err := resourcesVal.List()
		if err != nil {
			parsed.addError("resources", fmt.Sprintf("failed to list resources: %v", err))
			return parsed
		}
		idx := 0
		for list.Next() {
			add(fmt.Sprintf("resources[%d]", idx), "", list.Value())
			idx++
		}

	default:
		parsed.addError("resources", "resources must be a struct or a list")
	}

	return parsed
}

// extractResource extracts a resource configuration from a CUE value.
func (cp *CUEParser) extractResource(ctx context.Context, id string, val cue.Value) (ResourceConfig, error) {
	var resource ResourceConfig

	if err := val.Decode(&resource); err != nil {
		return resource, fmt.Errorf("failed to decode resource: %w", err)
	}

	// If ID is provided as key and not in value, use the key
	if resource.ID == "" && id != "" {
		resource.ID = id
	}

	if err := cp.validator.Struct(resource); err != nil {
		return resource, fmt.Errorf("validation failed: %w", err)
	}
	if err := cp.schemaRegistry.ValidateResource(ctx, resource); err != nil {
		return resource, err
	}

	return resource, nil
}

func (cp *CUEParser) validateEnvironment(ctx context.Context, env EnvironmentConfig) error {
	if err := cp.validator.Struct(env); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return cp.schemaRegistry.ValidateEnvironment(ctx, env)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// SchemaRegistry returns the schema registry.
func (cp *CUEParser) SchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// LoadFromDirectory lists all CUE files below a directory in lexical order.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}

func (pe *ParsedEnvironment) addError(path, message string) {
	pe.Errors = append(pe.Errors, ValidationError{
		Path:     path,
		Message:  message,
		Severity: "error",
	})
}
