// Package executor defines the external task-execution capability consumed by
// the scheduler: one invocation performs one unit of assigned work, streams
// progress events, and reports exactly one terminal result.
package executor

import (
	"context"
	"time"
)

// Event is one progress notification emitted during an invocation.
type Event struct {
	Type      string         `json:"type"`
	Worker    string         `json:"worker,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Request describes one invocation. Handle, when non-empty, resumes the
// logical context of an earlier invocation; an invalid or expired handle is
// treated identically to never having resumed.
type Request struct {
	Worker      string   `json:"worker"`
	Handle      string   `json:"handle,omitempty"`
	Prompt      string   `json:"prompt"`
	Permissions []string `json:"permissions,omitempty"`
	Model       string   `json:"model,omitempty"`
	Workdir     string   `json:"workdir,omitempty"`
	// Env carries credential material as KEY=VALUE pairs appended to the
	// executor process environment.
	Env []string `json:"-"`
}

// Result is the terminal outcome of one invocation. RateLimited marks a run
// that was throttled rather than failed; it is never merged, only retried.
type Result struct {
	Success     bool          `json:"success"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	RateLimited bool          `json:"rate_limited,omitempty"`
	Handle      string        `json:"handle,omitempty"`
	Duration    time.Duration `json:"duration_ms,omitempty"`
}

// Executor performs one unit of work. Implementations must deliver at least
// one terminal Result per invocation and stream progress through emit.
type Executor interface {
	Name() string
	Invoke(ctx context.Context, req Request, emit func(Event)) (Result, error)
}

// ReadOnlyPermissions restricts an invocation to non-mutating tools; used for
// planner calls.
var ReadOnlyPermissions = []string{"read", "grep", "glob"}
