// Package stores provides the SQLite persistence layer of the activator.
// It stores environments with their resource graphs, the externally
// visible environment status and its history, and the in-flight
// activation task records, and implements the engine's
// ResourceRepository, StatusSink and TaskRecorder interfaces.
package stores
