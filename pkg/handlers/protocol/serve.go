package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ProgressFunc reports progress of the running command.
type ProgressFunc func(percent int, message string)

// HandlerFunc performs one command on the runner side. Returning an
// *ErrorMessage keeps its code; any other error is sent as HANDLER_FAILED.
type HandlerFunc func(ctx context.Context, cmd *CommandMessage, progress ProgressFunc) error

// Serve runs the runner side of the protocol: it sends READY, answers
// every command read from in and sends EXIT once in is closed or ctx is
// done.
func Serve(ctx context.Context, in io.Reader, out io.Writer, metadata map[string]string, handle HandlerFunc) error {
	encoder := NewEncoder(out)
	decoder := NewDecoder(in)

	if err := encoder.EncodeReady(&ReadyMessage{
		Version:  Version,
		PID:      os.Getpid(),
		Metadata: metadata,
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	total := 0
	for {
		if ctx.Err() != nil {
			return encoder.EncodeExit(&ExitMessage{Reason: "cancelled", CommandsTotal: total})
		}

		cmd, err := decoder.DecodeCommand()
		if errors.Is(err, io.EOF) {
			return encoder.EncodeExit(&ExitMessage{Reason: "stdin_closed", CommandsTotal: total})
		}
		if err != nil {
			_ = encoder.EncodeError(&ErrorMessage{Code: "BAD_COMMAND", Message: err.Error()})
			_ = encoder.EncodeExit(&ExitMessage{Reason: "error", ExitCode: 1, CommandsTotal: total})
			return err
		}
		total++

		if err := serveCommand(ctx, encoder, cmd, handle); err != nil {
			return err
		}
	}
}

func serveCommand(ctx context.Context, encoder *Encoder, cmd *CommandMessage, handle HandlerFunc) error {
	cmdCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
		defer cancel()
	}

	progress := func(percent int, message string) {
		p := min(max(percent, 0), 100)
		_ = encoder.EncodeEvent(&EventMessage{
			CommandID: cmd.ID,
			Level:     "info",
			Message:   message,
			Percent:   &p,
		})
	}

	start := time.Now()
	err := handle(cmdCtx, cmd, progress)
	if err == nil {
		return encoder.EncodeDone(&DoneMessage{
			CommandID: cmd.ID,
			Duration:  time.Since(start).Seconds(),
		})
	}

	var errMsg *ErrorMessage
	if !errors.As(err, &errMsg) {
		errMsg = &ErrorMessage{Code: "HANDLER_FAILED", Message: err.Error()}
	}
	errMsg.CommandID = cmd.ID
	return encoder.EncodeError(errMsg)
}
