// Package protocol defines the JSON-lines protocol spoken between the
// activator and an out-of-process handler runner over stdin/stdout.
//
// The runner announces itself with READY, then receives one CMD per task
// and answers with any number of EVENT messages followed by DONE or ERROR.
// Closing the runner's stdin asks it to exit; it may send EXIT first.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol version sent in CMD metadata.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand carries one task from the activator
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent reports progress of the running task
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the task failed
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the runner is exiting
	MessageTypeExit MessageType = "EXIT"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	PID      int               `json:"pid"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Resource is the resource a command acts on.
type Resource struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Name          string            `json:"name,omitempty"`
	EnvironmentID string            `json:"environment_id,omitempty"`
	DependsOn     []string          `json:"depends_on,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// CommandMessage asks the runner to perform one lifecycle step.
type CommandMessage struct {
	ID       string            `json:"id"`
	Step     string            `json:"step"`
	Resource Resource          `json:"resource"`
	Timeout  int               `json:"timeout,omitempty"` // seconds
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message,omitempty"`
	Percent   *int   `json:"percent,omitempty"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string            `json:"command_id"`
	Duration  float64           `json:"duration"` // seconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorMessage indicates the command failed.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if cmd.Step == "" {
		return fmt.Errorf("command step is required")
	}
	if cmd.Resource.ID == "" || cmd.Resource.Type == "" {
		return fmt.Errorf("command resource ID and type are required")
	}
	if cmd.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	if evt.Percent != nil && (*evt.Percent < 0 || *evt.Percent > 100) {
		return fmt.Errorf("percent out of range: %d", *evt.Percent)
	}
	return nil
}

// Error formats the runner error as "<code>: <message>".
func (e *ErrorMessage) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
