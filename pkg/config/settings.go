package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/activation/pkg/engine"
	"github.com/openfroyo/activation/pkg/handlers"
	"github.com/openfroyo/activation/pkg/stores"
	"github.com/openfroyo/activation/pkg/telemetry"
	"github.com/openfroyo/activation/pkg/workflow"
)

// DefaultSettingsFile is the settings file looked up in the working directory.
const DefaultSettingsFile = "activator.yaml"

// Settings is the service configuration of the activator.
type Settings struct {
	// Store configures the SQLite database.
	Store stores.Config `yaml:"store"`

	// Driver bounds the poll loop of every task.
	Driver engine.DriverConfig `yaml:"driver"`

	// Workflow configures the local workflow engine.
	Workflow workflow.Config `yaml:"workflow"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`

	// Policy configures plan admission.
	Policy PolicySettings `yaml:"policy"`

	// Simulated configures the demonstration handlers.
	Simulated SimulatedSettings `yaml:"simulated"`

	// Scripts are Starlark-scripted handlers.
	Scripts []ScriptSettings `yaml:"scripts" validate:"dive"`

	// Commands are handlers served by external runner processes.
	Commands []handlers.CommandConfig `yaml:"commands" validate:"dive"`
}

// PolicySettings configures plan admission policies.
type PolicySettings struct {
	// Enabled turns policy evaluation on. Built-in policies always load.
	Enabled bool `yaml:"enabled"`

	// Paths are .rego/.json files or directories of user policies.
	Paths []string `yaml:"paths"`

	// Watch reloads policies when the files change.
	Watch bool `yaml:"watch"`
}

// SimulatedSettings enables the demonstration handlers.
type SimulatedSettings struct {
	Enabled bool `yaml:"enabled"`

	handlers.SimulatedConfig `yaml:",inline"`
}

// ScriptSettings is a scripted handler whose source is inline or in File.
type ScriptSettings struct {
	handlers.ScriptConfig `yaml:",inline"`

	// File is a Starlark file, relative to the settings file.
	File string `yaml:"file"`
}

// DefaultSettings returns settings for a local database and the simulated handlers.
func DefaultSettings() *Settings {
	return &Settings{
		Store:     stores.DefaultConfig("activator.db"),
		Driver:    engine.DefaultDriverConfig(),
		Workflow:  workflow.Config{MaxParallel: 10},
		Telemetry: telemetry.DefaultConfig(),
		Policy: PolicySettings{
			Enabled: true,
		},
		Simulated: SimulatedSettings{
			Enabled:         true,
			SimulatedConfig: handlers.DefaultSimulatedConfig(),
		},
	}
}

// LoadSettings reads a YAML settings file over the defaults. An empty path
// returns the defaults.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()
	if path == "" {
		return settings, settings.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	if err := settings.resolvePaths(filepath.Dir(path)); err != nil {
		return nil, err
	}

	return settings, settings.Validate()
}

// resolvePaths reads script sources given by file and anchors relative
// runner directories at the settings file.
func (s *Settings) resolvePaths(dir string) error {
	for i := range s.Scripts {
		script := &s.Scripts[i]
		if script.File == "" {
			continue
		}
		if script.Source != "" {
			return fmt.Errorf("script %s sets both source and file", script.Name)
		}

		path := script.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		source, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read script %s: %w", script.Name, err)
		}
		script.Source = string(source)
		script.File = path
	}

	for i := range s.Commands {
		command := &s.Commands[i]
		if command.Dir != "" && !filepath.IsAbs(command.Dir) {
			command.Dir = filepath.Join(dir, command.Dir)
		}
	}
	return nil
}

// Validate checks struct tags and the cross-field rules of every section.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := s.Driver.Validate(); err != nil {
		return fmt.Errorf("invalid driver settings: %w", err)
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry settings: %w", err)
	}

	names := make(map[string]bool, len(s.Scripts)+len(s.Commands))
	for _, script := range s.Scripts {
		if names[script.Name] {
			return fmt.Errorf("duplicate script handler %s", script.Name)
		}
		names[script.Name] = true
	}
	for _, command := range s.Commands {
		if names[command.Name] {
			return fmt.Errorf("duplicate command handler %s", command.Name)
		}
		names[command.Name] = true
	}
	return nil
}

// Handlers builds the handlers the settings enable.
func (s *Settings) Handlers(logger zerolog.Logger) ([]engine.Handler, error) {
	var out []engine.Handler
	if s.Simulated.Enabled {
		out = append(out, handlers.Simulated(s.Simulated.SimulatedConfig, logger)...)
	}
	for _, cfg := range s.Scripts {
		script, err := handlers.NewScript(cfg.ScriptConfig, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, script)
	}
	for _, cfg := range s.Commands {
		command, err := handlers.NewCommand(cfg, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, command)
	}
	return out, nil
}
