package stores

import (
	"time"

	"github.com/openfroyo/activation/pkg/engine"
)

// Environment is a stored environment with its current status.
type Environment struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name"`
	Labels    map[string]string        `json:"labels,omitempty"`
	Status    engine.EnvironmentStatus `json:"status"`
	Message   string                   `json:"message"`
	Percent   int                      `json:"percent"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// StatusRecord is one entry of an environment's status history.
type StatusRecord struct {
	ID            int64                    `json:"id"`
	EnvironmentID string                   `json:"environment_id"`
	Status        engine.EnvironmentStatus `json:"status"`
	Message       string                   `json:"message"`
	Percent       int                      `json:"percent"`
	RecordedAt    time.Time                `json:"recorded_at"`
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file, or ":memory:" for a private in-memory database.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns bounds the connection pool. In-memory databases use one connection.
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=0"`

	// BusyTimeout is how long a writer waits for a lock.
	BusyTimeout time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// DefaultConfig returns the store defaults for the given path.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		MaxOpenConns: 4,
		BusyTimeout:  5 * time.Second,
	}
}
