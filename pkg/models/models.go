// Package models provides shared types for the swarmgit core and the HTTP status API.
// These types mirror the API JSON and the persisted run snapshot, and are stable
// for use by pkg/client and other consumers.
package models

import "time"

// Assignment is one unit of declared work, produced by a planner and consumed
// by exactly one worker session. It is discarded after merge or terminal failure.
type Assignment struct {
	WorkerID           string   `json:"worker_id"`
	Area               string   `json:"area"`
	FileHints          []string `json:"file_hints,omitempty"`
	Tasks              []string `json:"tasks"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// SessionState is the serialized form of one worker session, as persisted in
// the run snapshot and exposed by the /sessions API.
type SessionState struct {
	ID              string    `json:"id"`
	Role            string    `json:"role"`
	Status          string    `json:"status"`
	WorktreePath    string    `json:"worktree_path,omitempty"`
	BranchName      string    `json:"branch_name,omitempty"`
	ResumeHandle    string    `json:"resume_handle,omitempty"`
	CredentialIndex int       `json:"credential_index"`
	Turns           int       `json:"turns"`
	Merges          int       `json:"merges"`
	Failures        int       `json:"failures"`
	RateLimits      int       `json:"rate_limits"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// IntegrationStats are run-wide counters, mutated by the scheduler only.
type IntegrationStats struct {
	Commits   int64 `json:"commits"`
	Merges    int64 `json:"merges"`
	Conflicts int64 `json:"conflicts"`
	Pushes    int64 `json:"pushes"`
}

// RunSnapshot is the versioned persisted scheduler state. It is written
// periodically and at shutdown, and read at startup to resume an interrupted
// run. The core treats it as opaque beyond requiring an exact round-trip.
type RunSnapshot struct {
	Version   int              `json:"version"`
	RunID     string           `json:"run_id"`
	State     string           `json:"state"`
	Sessions  []SessionState   `json:"sessions"`
	Stats     IntegrationStats `json:"stats"`
	StartedAt time.Time        `json:"started_at"`
	SavedAt   time.Time        `json:"saved_at"`
}

// StatusInfo is the /status API response.
type StatusInfo struct {
	RunID     string           `json:"run_id"`
	State     string           `json:"state"`
	Topology  string           `json:"topology"`
	Workers   int              `json:"workers"`
	Stats     IntegrationStats `json:"stats"`
	StartedAt time.Time        `json:"started_at,omitempty"`
	Deadline  time.Time        `json:"deadline,omitempty"`
}
