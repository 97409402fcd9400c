package probe

import (
	"context"
	"time"
)

// CheckType represents the kind of check
type CheckType string

const (
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a check
type Result struct {
	OK        bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by every probe primitive
type Checker interface {
	// Check performs the check and returns the result
	Check(ctx context.Context) Result

	// Type returns the kind of check
	Type() CheckType
}

// Any runs checkers in order and returns the first successful result. The
// second return value is false when none succeeded.
func Any(ctx context.Context, checkers ...Checker) (Result, bool) {
	var last Result
	for _, c := range checkers {
		last = c.Check(ctx)
		if last.OK {
			return last, true
		}
	}
	return last, false
}
