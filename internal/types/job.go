package types

import (
	"time"
)

// JobKind enumerates the work the queue carries.
type JobKind string

const (
	JobProcessEquipment  JobKind = "process-equipment"
	JobApplyUserCommand  JobKind = "apply-user-command"
	JobEmergencyShutdown JobKind = "emergency-shutdown"
)

// JobState is the queue-side lifecycle of a job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobDelayed   JobState = "delayed"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Priority levels. Lower is more urgent.
const (
	PriorityEmergency = 1
	PriorityNormal    = 10
)

// Job is one unit of queued work. Invariants: AttemptsMade <= AttemptsMax,
// and at most one non-terminal job per (EquipmentID, Kind).
type Job struct {
	ID           string    `json:"job_id"`
	Kind         JobKind   `json:"kind"`
	SiteID       string    `json:"site_id"`
	EquipmentID  string    `json:"equipment_id"`
	Payload      []byte    `json:"payload,omitempty"`
	Priority     int       `json:"priority"`
	AttemptsMade int       `json:"attempts_made"`
	AttemptsMax  int       `json:"attempts_max"`
	State        JobState  `json:"state"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Deadline     time.Time `json:"deadline,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	WorkerID     string    `json:"worker_id,omitempty"`
	FailReason   string    `json:"fail_reason,omitempty"`
}

// DedupKey identifies the coalescing unit for concurrent enqueues.
type DedupKey struct {
	EquipmentID string
	Kind        JobKind
}

// Dedup returns the job's coalescing key.
func (j *Job) Dedup() DedupKey {
	return DedupKey{EquipmentID: j.EquipmentID, Kind: j.Kind}
}

// Copy returns a shallow copy with its own payload slice.
func (j *Job) Copy() *Job {
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	return &cp
}
