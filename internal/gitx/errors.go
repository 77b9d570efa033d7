package gitx

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed git command so callers know whether to retry.
type Kind int

const (
	// KindUnknown is any failure that matched no known pattern. Not retried.
	KindUnknown Kind = iota
	// KindTransientLock is an index/ref lock held by another process, or a
	// stale lock left by a crashed one. Retryable after a stale-lock sweep.
	KindTransientLock
	// KindTimeout is a command that exceeded its deadline. Retryable.
	KindTimeout
	// KindConflict is a content conflict (merge/checkout would clobber work).
	// Never retried here; the scheduler owns conflict resolution.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindTransientLock:
		return "transient_lock"
	case KindTimeout:
		return "timeout"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned once the rolling failure score has crossed the
// ceiling; every further call fails immediately without executing anything.
var ErrCircuitOpen = errors.New("gitx: circuit breaker open")

// Error is a classified git command failure.
type Error struct {
	Kind     Kind
	Workdir  string
	Args     []string
	Attempts int
	Output   string
	Err      error
}

func (e *Error) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 300 {
		out = out[:300] + "..."
	}
	return fmt.Sprintf("git %s (%s, attempt %d): %v: %s", strings.Join(e.Args, " "), e.Kind, e.Attempts, e.Err, out)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error kind may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientLock || e.Kind == KindTimeout
}

var lockMarkers = []string{
	"index.lock",
	".lock': file exists",
	".lock' exists",
	"another git process",
	"cannot lock ref",
	"unable to create",
	"could not lock",
}

var conflictMarkers = []string{
	"would be overwritten",
	"conflict",
	"needs merge",
	"unmerged files",
	"not uptodate",
	"unresolved conflict",
}

// Classify maps a command failure to a Kind from its combined output.
// Conflict markers win over lock markers: a merge that both conflicts and
// mentions the index must not be blindly retried.
func Classify(output string, err error) Kind {
	low := strings.ToLower(output)
	for _, m := range conflictMarkers {
		if strings.Contains(low, m) {
			return KindConflict
		}
	}
	for _, m := range lockMarkers {
		if strings.Contains(low, m) {
			return KindTransientLock
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(low, "timed out") {
		return KindTimeout
	}
	return KindUnknown
}
