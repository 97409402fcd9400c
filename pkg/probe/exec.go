package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/mnha/pkg/executor"
)

// ExecChecker succeeds when a command exits zero
type ExecChecker struct {
	// Command is the argv to run (e.g., ["systemctl", "status", "xcatd"])
	Command []string

	// Timeout bounds the command (default: 10 seconds)
	Timeout time.Duration

	Runner executor.Runner
}

// NewExecChecker creates an exec checker on the given runner
func NewExecChecker(runner executor.Runner, command ...string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
		Runner:  runner,
	}
}

// Check runs the command
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			OK:        false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	out, err := e.Runner.Run(execCtx, executor.Command{Name: e.Command[0], Args: e.Command[1:]})

	message := fmt.Sprintf("Command: %s", strings.Join(e.Command, " "))
	if err != nil {
		message = fmt.Sprintf("%s, Error: %v", message, err)
		return Result{
			OK:        false,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if output := strings.TrimSpace(string(out)); output != "" {
		if len(output) > 100 {
			output = output[:100] + "..."
		}
		message = fmt.Sprintf("%s, Output: %s", message, output)
	}

	return Result{
		OK:        true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}
