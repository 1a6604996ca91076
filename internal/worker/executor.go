package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs one command and returns its output. The command string is
// opaque to the core; only the executor interprets it. Implementations must
// honour ctx: cancellation fires on timeout and on job cancel.
type Executor func(ctx context.Context, command string) (string, error)

// Shell returns an executor that runs the command through `sh -c`.
// exec.CommandContext kills the child process on deadline expiry, which is
// the hard-kill path for commands that ignore cooperative cancellation.
func Shell() Executor {
	return func(ctx context.Context, command string) (string, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		out, err := cmd.CombinedOutput()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err != nil {
			return "", fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return strings.TrimRight(string(out), "\n"), nil
	}
}

// Echo returns an executor that reports the command itself as output.
// Useful for demos and smoke tests where running real commands is unwanted.
func Echo() Executor {
	return func(ctx context.Context, command string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		return command, nil
	}
}
