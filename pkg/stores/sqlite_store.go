package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/activation/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists environments, resources, status and activation tasks.
type SQLiteStore struct {
	db     *sql.DB
	config Config
	now    func() time.Time
}

var (
	_ engine.ResourceRepository = (*SQLiteStore)(nil)
	_ engine.StatusSink         = (*SQLiteStore)(nil)
	_ engine.TaskRecorder       = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.Path == ":memory:" {
		// Every connection would open its own empty database.
		cfg.MaxOpenConns = 1
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{config: cfg, now: time.Now}, nil
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.config.BusyTimeout.Milliseconds()),
	}
	if s.config.Path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	dsn := fmt.Sprintf("file:%s?%s", s.config.Path, strings.Join(pragmas, "&"))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxOpenConns)
	if s.config.Path == ":memory:" {
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// SaveEnvironment stores the environment and replaces its resource graph.
// The current status of an existing environment is kept.
func (s *SQLiteStore) SaveEnvironment(ctx context.Context, name string, graph *engine.ResourceGraph) error {
	if graph == nil || graph.EnvironmentID == "" {
		return fmt.Errorf("environment ID is required")
	}

	labels, err := encodeLabels(graph.Labels)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO environments (id, name, labels, status, status_message, percent, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', 0, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, labels = excluded.labels, updated_at = excluded.updated_at
		`, graph.EnvironmentID, name, labels, engine.EnvironmentStatusPending, now, now)
		if err != nil {
			return fmt.Errorf("failed to save environment: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE environment_id = ?`, graph.EnvironmentID); err != nil {
			return fmt.Errorf("failed to clear resources: %w", err)
		}

		for i := range graph.Resources {
			if err := insertResource(ctx, tx, graph.EnvironmentID, i, &graph.Resources[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertResource(ctx context.Context, tx *sql.Tx, environmentID string, position int, res *engine.Resource) error {
	labels, err := encodeLabels(res.Labels)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resources (environment_id, id, type, name, labels, position)
		VALUES (?, ?, ?, ?, ?, ?)
	`, environmentID, res.ID, string(res.Type), res.Name, labels, position)
	if err != nil {
		return fmt.Errorf("failed to save resource %s: %w", res.ID, err)
	}

	for j, dep := range res.DependsOn {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO resource_dependencies (environment_id, resource_id, depends_on, position)
			VALUES (?, ?, ?, ?)
		`, environmentID, res.ID, dep, j)
		if err != nil {
			return fmt.Errorf("failed to save dependency %s -> %s: %w", res.ID, dep, err)
		}
	}
	return nil
}

// GetEnvironment retrieves an environment by ID.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, labels, status, status_message, percent, created_at, updated_at
		FROM environments
		WHERE id = ?
	`, id)

	env, err := scanEnvironment(row)
	if err == sql.ErrNoRows {
		return nil, notFound("environment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	return env, nil
}

// ListEnvironments lists all environments ordered by ID.
func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]*Environment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, labels, status, status_message, percent, created_at, updated_at
		FROM environments
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	envs := []*Environment{}
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environments: %w", err)
	}
	return envs, nil
}

// DeleteEnvironment removes an environment with its resources and history.
func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("environment", id)
	}
	return nil
}

// UpdateStatus records a new environment status and appends it to the history.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, environmentID string, status engine.EnvironmentStatus, message string, percent int) error {
	if err := status.Validate(); err != nil {
		return engine.NewPermanentError(err.Error(), nil).WithCode(engine.ErrCodeValidation)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		result, err := tx.ExecContext(ctx, `
			UPDATE environments
			SET status = ?, status_message = ?, percent = ?, updated_at = ?
			WHERE id = ?
		`, string(status), message, percent, now, environmentID)
		if err != nil {
			return fmt.Errorf("failed to update environment status: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return notFound("environment", environmentID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO status_history (environment_id, status, message, percent, recorded_at)
			VALUES (?, ?, ?, ?, ?)
		`, environmentID, string(status), message, percent, now)
		if err != nil {
			return fmt.Errorf("failed to record status history: %w", err)
		}
		return nil
	})
}

// StatusHistory returns the most recent status records, oldest first.
// A limit of zero returns the full history.
func (s *SQLiteStore) StatusHistory(ctx context.Context, environmentID string, limit int) ([]StatusRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, environment_id, status, message, percent, recorded_at FROM (
			SELECT id, environment_id, status, message, percent, recorded_at
			FROM status_history
			WHERE environment_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, environmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	records := []StatusRecord{}
	for rows.Next() {
		var rec StatusRecord
		var status string
		var recordedAt int64
		if err := rows.Scan(&rec.ID, &rec.EnvironmentID, &status, &rec.Message, &rec.Percent, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status record: %w", err)
		}
		rec.Status = engine.EnvironmentStatus(status)
		rec.RecordedAt = time.UnixMilli(recordedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status history: %w", err)
	}
	return records, nil
}

// FindResource retrieves a resource of an environment by ID and type.
func (s *SQLiteStore) FindResource(ctx context.Context, environmentID, id string, resourceType engine.ResourceType) (*engine.Resource, error) {
	return s.findResource(ctx, environmentID, id, resourceType)
}

// ListDependencies returns the stored resources the given resource depends on,
// in declaration order. Unknown dependency IDs are skipped.
func (s *SQLiteStore) ListDependencies(ctx context.Context, resource *engine.Resource) ([]engine.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.type
		FROM resource_dependencies d
		JOIN resources r ON r.environment_id = d.environment_id AND r.id = d.depends_on
		WHERE d.environment_id = ? AND d.resource_id = ?
		ORDER BY d.position ASC
	`, resource.EnvironmentID, resource.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}

	type ref struct {
		id  string
		typ string
	}
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.id, &r.typ); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		refs = append(refs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	deps := make([]engine.Resource, 0, len(refs))
	for _, r := range refs {
		dep, err := s.findResource(ctx, resource.EnvironmentID, r.id, engine.ResourceType(r.typ))
		if err != nil {
			return nil, err
		}
		deps = append(deps, *dep)
	}
	return deps, nil
}

// Snapshot returns the resource graph of an environment read in a single
// transaction.
func (s *SQLiteStore) Snapshot(ctx context.Context, environmentID string) (*engine.ResourceGraph, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var labels string
	err = tx.QueryRowContext(ctx, `SELECT labels FROM environments WHERE id = ?`, environmentID).Scan(&labels)
	if err == sql.ErrNoRows {
		return nil, notFound("environment", environmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	graph := &engine.ResourceGraph{EnvironmentID: environmentID}
	if graph.Labels, err = decodeLabels(labels); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, type, name, labels
		FROM resources
		WHERE environment_id = ?
		ORDER BY position ASC
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	index := make(map[string]int)
	for rows.Next() {
		var res engine.Resource
		var typ, resLabels string
		if err := rows.Scan(&res.ID, &typ, &res.Name, &resLabels); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		res.Type = engine.ResourceType(typ)
		res.EnvironmentID = environmentID
		if res.Labels, err = decodeLabels(resLabels); err != nil {
			rows.Close()
			return nil, err
		}
		index[res.ID] = len(graph.Resources)
		graph.Resources = append(graph.Resources, res)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	deps, err := tx.QueryContext(ctx, `
		SELECT resource_id, depends_on
		FROM resource_dependencies
		WHERE environment_id = ?
		ORDER BY resource_id, position ASC
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer deps.Close()
	for deps.Next() {
		var resourceID, dependsOn string
		if err := deps.Scan(&resourceID, &dependsOn); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		if i, ok := index[resourceID]; ok {
			graph.Resources[i].DependsOn = append(graph.Resources[i].DependsOn, dependsOn)
		}
	}
	if err := deps.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return graph, nil
}

// SaveActivationTask stores the correlation record of a starting task.
func (s *SQLiteStore) SaveActivationTask(ctx context.Context, task *engine.ActivationTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activation_tasks (
			process_instance_id, engine_task_id, environment_id, step,
			resource_id, resource_type, task_index, task_count, last_error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(process_instance_id, engine_task_id) DO UPDATE SET
			last_error = excluded.last_error
	`,
		task.ProcessInstanceID,
		task.EngineTaskID,
		task.EnvironmentID,
		task.Step.String(),
		task.ResourceID,
		string(task.ResourceType),
		task.Index,
		task.Count,
		task.LastError,
		s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save activation task: %w", err)
	}
	return nil
}

// TakeActivationTask returns and removes the correlation record.
func (s *SQLiteStore) TakeActivationTask(ctx context.Context, processInstanceID, engineTaskID string) (*engine.ActivationTask, error) {
	var task *engine.ActivationTask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT process_instance_id, engine_task_id, environment_id, step,
				   resource_id, resource_type, task_index, task_count, last_error
			FROM activation_tasks
			WHERE process_instance_id = ? AND engine_task_id = ?
		`, processInstanceID, engineTaskID)

		var err error
		task, err = scanActivationTask(row)
		if err == sql.ErrNoRows {
			return notFound("activation task", processInstanceID+"/"+engineTaskID)
		}
		if err != nil {
			return fmt.Errorf("failed to get activation task: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM activation_tasks WHERE process_instance_id = ? AND engine_task_id = ?
		`, processInstanceID, engineTaskID)
		if err != nil {
			return fmt.Errorf("failed to delete activation task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListActivationTasks lists the in-flight tasks of a process instance.
func (s *SQLiteStore) ListActivationTasks(ctx context.Context, processInstanceID string) ([]*engine.ActivationTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT process_instance_id, engine_task_id, environment_id, step,
			   resource_id, resource_type, task_index, task_count, last_error
		FROM activation_tasks
		WHERE process_instance_id = ?
		ORDER BY created_at ASC, engine_task_id ASC
	`, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activation tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*engine.ActivationTask{}
	for rows.Next() {
		task, err := scanActivationTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activation task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activation tasks: %w", err)
	}
	return tasks, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) findResource(ctx context.Context, environmentID, id string, resourceType engine.ResourceType) (*engine.Resource, error) {
	var res engine.Resource
	var typ, labels string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, environment_id, type, name, labels
		FROM resources
		WHERE environment_id = ? AND id = ? AND type = ?
	`, environmentID, id, string(resourceType)).Scan(&res.ID, &res.EnvironmentID, &typ, &res.Name, &labels)
	if err == sql.ErrNoRows {
		return nil, notFound(string(resourceType), id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	res.Type = engine.ResourceType(typ)
	if res.Labels, err = decodeLabels(labels); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on FROM resource_dependencies
		WHERE environment_id = ? AND resource_id = ?
		ORDER BY position ASC
	`, environmentID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		res.DependsOn = append(res.DependsOn, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return &res, nil
}

func scanEnvironment(row scanner) (*Environment, error) {
	env := &Environment{}
	var labels, status string
	var createdAt, updatedAt int64
	if err := row.Scan(&env.ID, &env.Name, &labels, &status, &env.Message, &env.Percent, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if env.Labels, err = decodeLabels(labels); err != nil {
		return nil, err
	}
	env.Status = engine.EnvironmentStatus(status)
	env.CreatedAt = time.UnixMilli(createdAt)
	env.UpdatedAt = time.UnixMilli(updatedAt)
	return env, nil
}

func scanActivationTask(row scanner) (*engine.ActivationTask, error) {
	task := &engine.ActivationTask{}
	var step, resourceType string
	err := row.Scan(
		&task.ProcessInstanceID,
		&task.EngineTaskID,
		&task.EnvironmentID,
		&step,
		&task.ResourceID,
		&resourceType,
		&task.Index,
		&task.Count,
		&task.LastError,
	)
	if err != nil {
		return nil, err
	}

	if task.Step, err = engine.ParseStep(step); err != nil {
		return nil, err
	}
	task.ResourceType = engine.ResourceType(resourceType)
	return task, nil
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func encodeLabels(labels map[string]string) (string, error) {
	if len(labels) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("failed to encode labels: %w", err)
	}
	return string(data), nil
}

func decodeLabels(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var labels map[string]string
	if err := json.Unmarshal([]byte(data), &labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	return labels, nil
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}
