package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrRunnerExited is returned when the runner stops before answering.
var ErrRunnerExited = errors.New("runner exited")

// DefaultStartupTimeout bounds the wait for READY.
const DefaultStartupTimeout = 10 * time.Second

// Client drives one runner over its stdin and stdout. Commands are
// executed one at a time.
type Client struct {
	encoder *Encoder
	decoder *Decoder
	stdin   io.Closer
	ready   *ReadyMessage

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client writing to stdin and reading from stdout.
func NewClient(stdin io.WriteCloser, stdout io.Reader) *Client {
	return &Client{
		encoder: NewEncoder(stdin),
		decoder: NewDecoder(stdout),
		stdin:   stdin,
	}
}

// Handshake waits for the runner's READY message.
func (c *Client) Handshake(ctx context.Context, timeout time.Duration) (*ReadyMessage, error) {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ready *ReadyMessage
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrRunnerExited
			}
			resultCh <- result{err: err}
			return
		}
		if msg.Type != MessageTypeReady {
			resultCh <- result{err: fmt.Errorf("expected READY, got %s", msg.Type)}
			return
		}
		var ready ReadyMessage
		if err := ParseParams(msg.Data, &ready); err != nil {
			resultCh <- result{err: err}
			return
		}
		resultCh <- result{ready: &ready}
	}()

	select {
	case <-readyCtx.Done():
		return nil, fmt.Errorf("timeout waiting for READY message")
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("failed to receive READY: %w", r.err)
		}
		c.mu.Lock()
		c.ready = r.ready
		c.mu.Unlock()
		return r.ready, nil
	}
}

// Execute sends cmd and waits for its DONE or ERROR. Events are passed to
// onEvent, which may be nil. A runner ERROR is returned as *ErrorMessage.
// After ctx is cancelled the client can no longer be used.
func (c *Client) Execute(ctx context.Context, cmd *CommandMessage, onEvent func(*EventMessage)) (*DoneMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	c.mu.Unlock()

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	type result struct {
		done *DoneMessage
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		done, err := c.await(cmd.ID, onEvent)
		resultCh <- result{done: done, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		return r.done, r.err
	}
}

func (c *Client) await(commandID string, onEvent func(*EventMessage)) (*DoneMessage, error) {
	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w before completing command %s", ErrRunnerExited, commandID)
			}
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case MessageTypeEvent:
			var event EventMessage
			if err := ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			if event.CommandID == commandID && onEvent != nil {
				onEvent(&event)
			}

		case MessageTypeDone:
			var done DoneMessage
			if err := ParseParams(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != commandID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", commandID, done.CommandID)
			}
			return &done, nil

		case MessageTypeError:
			var errMsg ErrorMessage
			if err := ParseParams(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != commandID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", commandID, errMsg.CommandID)
			}
			return nil, &errMsg

		case MessageTypeExit:
			var exit ExitMessage
			_ = ParseParams(msg.Data, &exit)
			return nil, fmt.Errorf("%w before completing command %s: %s", ErrRunnerExited, commandID, exit.Reason)

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// Ready returns the READY message received during the handshake.
func (c *Client) Ready() *ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close closes the runner's stdin, asking it to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.stdin.Close(); err != nil {
		return fmt.Errorf("failed to close stdin: %w", err)
	}
	return nil
}
