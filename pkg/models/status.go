package models

// Session statuses used throughout the codebase.
const (
	SessionIdle        = "idle"
	SessionWorking     = "working"
	SessionMerging     = "merging"
	SessionRateLimited = "rate_limited"
	SessionFailed      = "failed"
	SessionDone        = "done"
)

// Session roles.
const (
	RoleWorker  = "worker"
	RoleLead    = "lead"
	RolePlanner = "planner"
)

// Scheduler states.
const (
	SchedIdle    = "idle"
	SchedRunning = "running"
	SchedPaused  = "paused"
	SchedStopped = "stopped"
)

// Topologies.
const (
	TopologyFlat         = "flat"
	TopologyHierarchical = "hierarchical"
)

// SnapshotVersion is the current RunSnapshot schema version.
const SnapshotVersion = 1

// Default limits.
const (
	DefaultEventChannelBuffer = 256
	DefaultQueueCapacity      = 128
	DefaultWorkerCount        = 3
)
