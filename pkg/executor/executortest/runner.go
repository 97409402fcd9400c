// Package executortest provides a scripted executor.Runner for tests.
package executortest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cuemby/mnha/pkg/executor"
)

// ErrExit stands in for a non-zero exit status
var ErrExit = errors.New("exit status 1")

// Handler produces the result of a matched command
type Handler func(cmd executor.Command) (string, error)

type rule struct {
	prefix  string
	handler Handler
}

// Runner records every command and answers from registered rules. Commands
// without a matching rule succeed with empty output.
type Runner struct {
	mu    sync.Mutex
	calls []executor.Command
	rules []rule
}

// New creates an empty runner
func New() *Runner {
	return &Runner{}
}

// On answers commands whose rendered form starts with prefix. Later rules
// take precedence over earlier ones.
func (r *Runner) On(prefix, output string, err error) *Runner {
	return r.OnFunc(prefix, func(executor.Command) (string, error) {
		return output, err
	})
}

// Fail makes commands starting with prefix exit non-zero
func (r *Runner) Fail(prefix string) *Runner {
	return r.On(prefix, "", ErrExit)
}

// OnFunc registers a dynamic handler
func (r *Runner) OnFunc(prefix string, h Handler) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{prefix: prefix, handler: h})
	return r
}

// Run implements executor.Runner
func (r *Runner) Run(_ context.Context, cmd executor.Command) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	rendered := render(cmd)
	var h Handler
	for i := len(r.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(rendered, r.rules[i].prefix) {
			h = r.rules[i].handler
			break
		}
	}
	r.mu.Unlock()

	if h == nil {
		return nil, nil
	}
	out, err := h(cmd)
	return []byte(out), err
}

// Calls returns every command seen so far
func (r *Runner) Calls() []executor.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]executor.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// Commands returns the rendered commands in call order, ignoring Display
func (r *Runner) Commands() []string {
	calls := r.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, render(c))
	}
	return out
}

// Matching returns the rendered commands starting with prefix, in order
func (r *Runner) Matching(prefix string) []string {
	var out []string
	for _, c := range r.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many commands started with prefix
func (r *Runner) Count(prefix string) int {
	return len(r.Matching(prefix))
}

// Ran reports whether any command started with prefix
func (r *Runner) Ran(prefix string) bool {
	return r.Count(prefix) > 0
}

// Reset forgets recorded calls but keeps the rules
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func render(cmd executor.Command) string {
	cmd.Display = ""
	return cmd.String()
}
