package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/cuemby/mnha/pkg/log"
	"github.com/cuemby/mnha/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultBackoff is the fixed delay between retry attempts
	DefaultBackoff = 3 * time.Second
)

// Command is an external OS command
type Command struct {
	// Name is the program to run, resolved through PATH
	Name string

	// Args are passed verbatim, no shell is involved
	Args []string

	// Env entries ("KEY=value") are appended to the process environment
	Env []string

	// Retries is the number of additional attempts after the first failure
	Retries int

	// IgnoreFailure turns a failed run into a logged success
	IgnoreFailure bool

	// Display replaces the rendered command in logs (used to mask secrets)
	Display string
}

// String renders the command for logs
func (c Command) String() string {
	if c.Display != "" {
		return c.Display
	}
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// CommandError reports a command that failed after all attempts
type CommandError struct {
	Command  string
	Attempts int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed after %d attempt(s): %v", e.Command, e.Attempts, e.Err)
	if e.Output != "" {
		msg = fmt.Sprintf("%s (output: %s)", msg, e.Output)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Runner starts a process and returns its combined output
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// OSRunner runs commands with os/exec
type OSRunner struct{}

// Run executes the command and captures stdout and stderr together
func (OSRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	return out.Bytes(), err
}

// Config configures an Executor
type Config struct {
	DryRun  bool
	Backoff time.Duration
	// Retries is the budget callers give commands that must not fail
	Retries int
	Runner  Runner
}

// Executor runs external commands with retry, dry-run and ignore-failure
// semantics. It is not safe for concurrent use.
type Executor struct {
	runner        Runner
	dryRun        bool
	backoff       time.Duration
	retries       int
	pathAugmented bool
	logger        zerolog.Logger
}

// New creates an executor
func New(cfg Config) *Executor {
	runner := cfg.Runner
	if runner == nil {
		runner = OSRunner{}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &Executor{
		runner:  runner,
		dryRun:  cfg.DryRun,
		backoff: backoff,
		retries: cfg.Retries,
		logger:  log.WithComponent("executor"),
	}
}

// DryRun reports whether mutating commands are simulated
func (e *Executor) DryRun() bool {
	return e.dryRun
}

// Retries returns the configured retry budget
func (e *Executor) Retries() int {
	return e.retries
}

// Runner exposes the underlying process runner for read-only checkers
func (e *Executor) Runner() Runner {
	return e.runner
}

// Execute runs a mutating command
func (e *Executor) Execute(ctx context.Context, cmd Command) error {
	rendered := cmd.String()

	if e.dryRun {
		e.logger.Debug().Msg(rendered + " [Dryrun]")
		metrics.CommandsTotal.WithLabelValues("dryrun").Inc()
		return nil
	}

	retrying := cmd.Retries > 0 && !cmd.IgnoreFailure
	attempts := 0
	var lastOutput []byte
	attempt := func() error {
		attempts++
		out, err := e.runner.Run(ctx, cmd)
		lastOutput = out
		if err != nil {
			metrics.CommandsTotal.WithLabelValues("failed").Inc()
			if retrying {
				e.logger.Debug().Err(err).Int("attempt", attempts).Msg(rendered + " [Failed]")
			}
			return err
		}
		metrics.CommandsTotal.WithLabelValues("passed").Inc()
		return nil
	}

	var err error
	if !retrying {
		err = attempt()
	} else {
		err = retry.Do(attempt,
			retry.Attempts(uint(cmd.Retries)+1),
			retry.Delay(e.backoff),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				e.logger.Debug().Err(err).Msgf("Retry %d ... %s", n+1, rendered)
			}),
		)
	}

	if err == nil {
		e.logger.Debug().Msg(rendered + " [Passed]")
		return nil
	}

	if cmd.IgnoreFailure {
		e.logger.Debug().Err(err).Msg(rendered + " [Failed, OK to ignore]")
		return nil
	}

	e.logger.Error().Err(err).Msg(rendered + " [Failed]")
	return &CommandError{
		Command:  rendered,
		Attempts: attempts,
		Output:   strings.TrimSpace(string(lastOutput)),
		Err:      err,
	}
}

// Run is shorthand for Execute with a plain command
func (e *Executor) Run(ctx context.Context, retries int, name string, args ...string) error {
	return e.Execute(ctx, Command{Name: name, Args: args, Retries: retries})
}

// Query runs a read-only command and returns its trimmed output. It runs in
// dry-run mode as well and never retries.
func (e *Executor) Query(ctx context.Context, name string, args ...string) (string, error) {
	cmd := Command{Name: name, Args: args}
	out, err := e.runner.Run(ctx, cmd)
	if err != nil {
		e.logger.Debug().Err(err).Msg(cmd.String() + " [Query failed]")
		return strings.TrimSpace(string(out)), &CommandError{
			Command:  cmd.String(),
			Attempts: 1,
			Output:   strings.TrimSpace(string(out)),
			Err:      err,
		}
	}
	return strings.TrimSpace(string(out)), nil
}

// AugmentPath prefixes PATH with dirs once per process. It returns false if
// the path was already augmented.
func (e *Executor) AugmentPath(dirs []string) bool {
	if e.pathAugmented || len(dirs) == 0 {
		return false
	}
	e.pathAugmented = true

	current := os.Getenv("PATH")
	prefix := strings.Join(dirs, string(os.PathListSeparator))
	if current != "" && strings.HasPrefix(current, prefix) {
		return true
	}
	if current == "" {
		os.Setenv("PATH", prefix)
	} else {
		os.Setenv("PATH", prefix+string(os.PathListSeparator)+current)
	}
	e.logger.Debug().Str("path", os.Getenv("PATH")).Msg("augmented PATH with coordinator tools")
	return true
}
