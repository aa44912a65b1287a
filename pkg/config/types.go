package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/activation/pkg/engine"
)

// EnvironmentConfig is the environment block of a definition.
type EnvironmentConfig struct {
	// ID is the stable environment identifier.
	ID string `json:"id" validate:"required"`

	// Name is the human-readable name.
	Name string `json:"name,omitempty"`

	// Labels are environment-level labels seen by admission policies.
	Labels map[string]string `json:"labels,omitempty"`
}

// ResourceConfig is one resource of an environment definition.
type ResourceConfig struct {
	// ID is the unique identifier for this resource.
	ID string `json:"id" validate:"required"`

	// Type is the resource type tag.
	Type string `json:"type" validate:"required,oneof=organization space application route service subscription"`

	// Name is the human-readable name.
	Name string `json:"name,omitempty"`

	// Labels are key-value pairs for organizing and selecting resources.
	Labels map[string]string `json:"labels,omitempty"`

	// DependsOn lists the IDs of resources that must be ready first.
	DependsOn []string `json:"depends_on,omitempty" validate:"dive,required"`
}

// ParsedEnvironment is an environment definition decoded from CUE.
type ParsedEnvironment struct {
	// Environment is the environment block.
	Environment EnvironmentConfig `json:"environment"`

	// Resources are the resources in declaration order.
	Resources []ResourceConfig `json:"resources"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the definition was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "resources.app").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// Error formats the error with its location.
func (ve ValidationError) Error() string {
	var loc string
	switch {
	case ve.File != "" && ve.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", ve.File, ve.Line, ve.Column)
	case ve.Path != "":
		loc = ve.Path + ": "
	}
	return loc + ve.Message
}

// Err returns the parse errors as one configuration error, or nil.
func (pe *ParsedEnvironment) Err() error {
	if len(pe.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(pe.Errors))
	for i, ve := range pe.Errors {
		msgs[i] = ve.Error()
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("invalid environment definition: %s", strings.Join(msgs, "; ")), nil,
	).WithCode(engine.ErrCodeValidation).WithDetail("errors", msgs)
}

// ToResourceGraph converts the definition into the snapshot the planner reads.
func (pe *ParsedEnvironment) ToResourceGraph() *engine.ResourceGraph {
	resources := make([]engine.Resource, len(pe.Resources))
	for i, rc := range pe.Resources {
		resources[i] = engine.Resource{
			ID:            rc.ID,
			Type:          engine.ResourceType(rc.Type),
			Name:          rc.Name,
			EnvironmentID: pe.Environment.ID,
			DependsOn:     rc.DependsOn,
			Labels:        rc.Labels,
		}
	}

	return &engine.ResourceGraph{
		EnvironmentID: pe.Environment.ID,
		Labels:        pe.Environment.Labels,
		Resources:     resources,
	}
}

// DisplayName returns the environment name, falling back to its ID.
func (pe *ParsedEnvironment) DisplayName() string {
	if pe.Environment.Name != "" {
		return pe.Environment.Name
	}
	return pe.Environment.ID
}
