package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/activation/pkg/activation"
	"github.com/openfroyo/activation/pkg/config"
	"github.com/openfroyo/activation/pkg/engine"
	"github.com/openfroyo/activation/pkg/policy"
	"github.com/openfroyo/activation/pkg/stores"
	"github.com/openfroyo/activation/pkg/telemetry"
	"github.com/openfroyo/activation/pkg/workflow"
)

// app is the wired activator used by the commands.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *stores.SQLiteStore
	registry *engine.Registry
	policies *policy.Engine
	orch     *activation.Orchestrator
}

// loadSettings reads --config, or activator.yaml when it exists.
func loadSettings() (*config.Settings, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultSettingsFile); err == nil {
			path = config.DefaultSettingsFile
		}
	}
	settings, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		log.Debug().Str("path", path).Msg("Settings loaded")
	}
	return settings, nil
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, settings *config.Settings) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, settings.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", settings.Store.Path, err)
	}
	return store, nil
}

// newApp wires settings, store, handlers, policies and the orchestrator.
func newApp(ctx context.Context) (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	store, err := openStore(ctx, settings)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	a := &app{settings: settings, tel: tel, logger: logger, store: store}
	if err := a.wire(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	handlerList, err := a.settings.Handlers(a.tel.Logger.NewComponentLogger("handlers").Zerolog())
	if err != nil {
		return fmt.Errorf("failed to build handlers: %w", err)
	}
	a.registry = engine.NewRegistry(a.logger, handlerList...)

	driver, err := engine.NewTaskDriver(a.settings.Driver, a.tel.Logger.NewComponentLogger("driver").Zerolog())
	if err != nil {
		return fmt.Errorf("invalid driver settings: %w", err)
	}

	wf := workflow.NewEngine(a.settings.Workflow, a.tel.Logger.NewComponentLogger("workflow").Zerolog(), a.tel.Events)

	opts := activation.Options{
		Repository: a.store,
		Status:     a.store,
		Recorder:   a.store,
		Registry:   a.registry,
		Engine:     wf,
		Driver:     driver,
		Telemetry:  a.tel,
		Logger:     a.tel.Logger.NewComponentLogger("orchestrator").Zerolog(),
	}

	if a.settings.Policy.Enabled {
		a.policies, err = policy.NewEngine(a.logger)
		if err != nil {
			return err
		}
		if len(a.settings.Policy.Paths) > 0 {
			if err := a.policies.LoadPaths(ctx, a.settings.Policy.Paths); err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}
		}
		opts.Admission = a.policies
	}

	a.orch, err = activation.New(opts)
	return err
}

// importFiles parses CUE sources and stores the environment they declare.
func (a *app) importFiles(ctx context.Context, files []string) (string, error) {
	graph, name, err := config.NewCUEParser().Load(ctx, files)
	if err != nil {
		return "", err
	}
	if err := a.store.SaveEnvironment(ctx, name, graph); err != nil {
		return "", err
	}
	log.Info().
		Str("environment_id", graph.EnvironmentID).
		Int("resources", len(graph.Resources)).
		Msg("Environment imported")
	return graph.EnvironmentID, nil
}

// environmentID imports --file sources when given, otherwise takes the argument.
func (a *app) environmentID(ctx context.Context, args, files []string) (string, error) {
	if len(files) > 0 {
		id, err := a.importFiles(ctx, files)
		if err != nil {
			return "", err
		}
		if len(args) > 0 && args[0] != id {
			return "", fmt.Errorf("files declare environment %s, not %s", id, args[0])
		}
		return id, nil
	}
	if len(args) == 0 {
		return "", errors.New("an environment ID or --file is required")
	}
	return args[0], nil
}

func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}
