// Package queue is the in-memory priority job queue feeding the worker
// pools. One queue per site. Jobs deduplicate on (equipment, kind) while
// non-terminal, and failed work is retried with exponential backoff.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-controls/bmscore/internal/clock"
	"github.com/veridian-controls/bmscore/internal/types"
)

var (
	// ErrClosed is returned once the queue has shut down.
	ErrClosed = errors.New("queue: closed")
	// ErrEmpty is returned by Reserve when no job is runnable.
	ErrEmpty = errors.New("queue: no runnable job")
	// ErrNotFound is returned for an unknown job ID.
	ErrNotFound = errors.New("queue: job not found")
	// ErrNotActive is returned when completing or failing a job that is
	// not reserved.
	ErrNotActive = errors.New("queue: job not active")
)

// Retention policy: terminal jobs are kept for inspection, bounded both by
// age and by count per state.
const (
	RetentionAge  = 24 * time.Hour
	CompletedKeep = 10
	FailedKeep    = 5
)

// Options tune a queue. Zero values take the defaults.
type Options struct {
	SiteID       string
	AttemptsMax  int
	BackoffBase  time.Duration
	StallTimeout time.Duration
	Clock        clock.Clock
}

// Queue is a mutex-guarded priority queue with a dedup index over
// non-terminal jobs. Safe for concurrent producers and consumers.
type Queue struct {
	siteID       string
	attemptsMax  int
	backoffBase  time.Duration
	stallTimeout time.Duration
	clock        clock.Clock

	mu     sync.Mutex
	jobs   map[string]*types.Job
	active map[types.DedupKey]string

	closed atomic.Bool

	enqueued  atomic.Int64
	deduped   atomic.Int64
	upgraded  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	stalled   atomic.Int64
}

// New creates a queue for one site.
func New(opts Options) *Queue {
	if opts.AttemptsMax <= 0 {
		opts.AttemptsMax = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 60 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	return &Queue{
		siteID:       opts.SiteID,
		attemptsMax:  opts.AttemptsMax,
		backoffBase:  opts.BackoffBase,
		stallTimeout: opts.StallTimeout,
		clock:        opts.Clock,
		jobs:         make(map[string]*types.Job),
		active:       make(map[types.DedupKey]string),
	}
}

// Close rejects further operations. Reserved jobs stay reserved; callers
// drain them through Complete/Fail which remain usable on a closed queue.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// Enqueue adds a job, or merges it into the existing non-terminal job for
// the same (equipment, kind). When the new job carries a stronger priority
// the existing one is raised in place. Returns the effective job ID and
// whether a new job was created.
func (q *Queue) Enqueue(job types.Job) (string, bool, error) {
	if q.closed.Load() {
		return "", false, ErrClosed
	}

	now := q.clock.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SiteID == "" {
		job.SiteID = q.siteID
	}
	if job.Priority == 0 {
		job.Priority = types.PriorityNormal
	}
	if job.Kind == types.JobEmergencyShutdown {
		job.Priority = types.PriorityEmergency
	}
	if job.AttemptsMax <= 0 {
		job.AttemptsMax = q.attemptsMax
	}
	job.State = types.JobWaiting
	job.EnqueuedAt = now
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existingID, ok := q.active[job.Dedup()]; ok {
		existing := q.jobs[existingID]
		if job.Priority < existing.Priority && existing.State != types.JobActive {
			existing.Priority = job.Priority
			existing.ScheduledAt = now
			q.upgraded.Add(1)
		}
		q.deduped.Add(1)
		return existingID, false, nil
	}

	q.jobs[job.ID] = &job
	q.active[job.Dedup()] = job.ID
	q.enqueued.Add(1)
	return job.ID, true, nil
}

// Reserve hands the best runnable job to a worker: lowest priority number
// first, then earliest scheduled time, then arrival order. Delayed jobs
// whose backoff has elapsed become runnable. Returns ErrEmpty when nothing
// is due.
func (q *Queue) Reserve(workerID string) (*types.Job, error) {
	return q.ReserveKinds(workerID, nil)
}

// ReserveKinds is Reserve restricted to the given job kinds. A nil or empty
// filter accepts everything.
func (q *Queue) ReserveKinds(workerID string, kinds []types.JobKind) (*types.Job, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var best *types.Job
	for _, j := range q.jobs {
		if !runnable(j, now) || !kindMatch(j.Kind, kinds) {
			continue
		}
		if best == nil || less(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrEmpty
	}

	best.State = types.JobActive
	best.AttemptsMade++
	best.StartedAt = now
	best.WorkerID = workerID
	return best.Copy(), nil
}

func kindMatch(k types.JobKind, kinds []types.JobKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func runnable(j *types.Job, now time.Time) bool {
	switch j.State {
	case types.JobWaiting:
		return !j.ScheduledAt.After(now)
	case types.JobDelayed:
		return !j.ScheduledAt.After(now)
	}
	return false
}

func less(a, b *types.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// Complete marks an active job done and releases its dedup slot.
func (q *Queue) Complete(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if j.State != types.JobActive {
		return fmt.Errorf("%w: %s in state %s", ErrNotActive, jobID, j.State)
	}

	j.State = types.JobCompleted
	j.FinishedAt = q.clock.Now()
	delete(q.active, j.Dedup())
	q.completed.Add(1)
	return nil
}

// Fail records a failed attempt. Retryable failures with attempts left are
// rescheduled with exponential backoff (base·2^attempts); everything else
// dead-letters the job.
func (q *Queue) Fail(jobID, reason string, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if j.State != types.JobActive {
		return fmt.Errorf("%w: %s in state %s", ErrNotActive, jobID, j.State)
	}

	now := q.clock.Now()
	j.FailReason = reason

	if retryable && j.AttemptsMade < j.AttemptsMax {
		j.State = types.JobDelayed
		j.ScheduledAt = now.Add(q.backoff(j.AttemptsMade))
		q.retried.Add(1)
		return nil
	}

	j.State = types.JobFailed
	j.FinishedAt = now
	delete(q.active, j.Dedup())
	q.failed.Add(1)
	return nil
}

// backoff is base·2^attempts: the first retry waits 2·base, the second
// 4·base, and so on.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.backoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
	}
	return d
}

// Cancel withdraws a waiting or delayed job. An active job is already in a
// worker's hands and is not interrupted here; emergency paths preempt it
// instead through priority-1 scheduling, and the worker observes context
// cancellation at its next task boundary.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	switch j.State {
	case types.JobWaiting, types.JobDelayed:
	default:
		return fmt.Errorf("%w: %s in state %s", ErrNotActive, jobID, j.State)
	}

	j.State = types.JobCancelled
	j.FinishedAt = q.clock.Now()
	delete(q.active, j.Dedup())
	return nil
}

// Get returns a copy of a job.
func (q *Queue) Get(jobID string) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return j.Copy(), nil
}

// DetectStalled requeues active jobs whose worker has gone quiet past the
// stall timeout. Jobs out of attempts dead-letter instead. Returns the IDs
// that were touched.
func (q *Queue) DetectStalled() []string {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var touched []string
	for _, j := range q.jobs {
		if j.State != types.JobActive || now.Sub(j.StartedAt) <= q.stallTimeout {
			continue
		}
		q.stalled.Add(1)
		touched = append(touched, j.ID)
		j.WorkerID = ""
		if j.AttemptsMade < j.AttemptsMax {
			j.State = types.JobWaiting
			j.ScheduledAt = now
			continue
		}
		j.State = types.JobFailed
		j.FailReason = "stalled: worker did not report completion"
		j.FinishedAt = now
		delete(q.active, j.Dedup())
		q.failed.Add(1)
	}
	sort.Strings(touched)
	return touched
}

// Prune drops terminal jobs past the retention age and trims each terminal
// state to its keep count, newest first. Returns how many were removed.
func (q *Queue) Prune() int {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	byState := map[types.JobState][]*types.Job{}
	for _, j := range q.jobs {
		if !j.State.Terminal() {
			continue
		}
		if now.Sub(j.FinishedAt) > RetentionAge {
			delete(q.jobs, j.ID)
			removed++
			continue
		}
		byState[j.State] = append(byState[j.State], j)
	}

	keep := map[types.JobState]int{
		types.JobCompleted: CompletedKeep,
		types.JobFailed:    FailedKeep,
		types.JobCancelled: FailedKeep,
	}
	for state, jobs := range byState {
		limit, ok := keep[state]
		if !ok || len(jobs) <= limit {
			continue
		}
		sort.Slice(jobs, func(i, k int) bool {
			return jobs[i].FinishedAt.After(jobs[k].FinishedAt)
		})
		for _, j := range jobs[limit:] {
			delete(q.jobs, j.ID)
			removed++
		}
	}
	return removed
}

// Stats is a point-in-time census of the queue.
type Stats struct {
	SiteID    string `json:"site_id"`
	Waiting   int    `json:"waiting"`
	Delayed   int    `json:"delayed"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`

	TotalEnqueued int64 `json:"total_enqueued"`
	Deduplicated  int64 `json:"deduplicated"`
	Upgraded      int64 `json:"upgraded"`
	Retried       int64 `json:"retried"`
	Stalled       int64 `json:"stalled"`
}

// Stats reports current depths and lifetime counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		SiteID:        q.siteID,
		TotalEnqueued: q.enqueued.Load(),
		Deduplicated:  q.deduped.Load(),
		Upgraded:      q.upgraded.Load(),
		Retried:       q.retried.Load(),
		Stalled:       q.stalled.Load(),
	}
	for _, j := range q.jobs {
		switch j.State {
		case types.JobWaiting:
			s.Waiting++
		case types.JobDelayed:
			s.Delayed++
		case types.JobActive:
			s.Active++
		case types.JobCompleted:
			s.Completed++
		case types.JobFailed:
			s.Failed++
		case types.JobCancelled:
			s.Cancelled++
		}
	}
	return s
}

// List returns copies of every job in the given states (all when empty),
// ordered by enqueue time.
func (q *Queue) List(states ...types.JobState) []*types.Job {
	want := map[types.JobState]bool{}
	for _, s := range states {
		want[s] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Job
	for _, j := range q.jobs {
		if len(want) == 0 || want[j.State] {
			out = append(out, j.Copy())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].EnqueuedAt.Before(out[k].EnqueuedAt)
	})
	return out
}

// Snapshot serializes every non-terminal job so pending work survives a
// restart. Active jobs are demoted to waiting; their worker is gone.
func (q *Queue) Snapshot() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*types.Job
	for _, j := range q.jobs {
		if j.State.Terminal() {
			continue
		}
		cp := j.Copy()
		if cp.State == types.JobActive {
			cp.State = types.JobWaiting
			cp.WorkerID = ""
		}
		pending = append(pending, cp)
	}
	sort.Slice(pending, func(i, k int) bool {
		return pending[i].EnqueuedAt.Before(pending[k].EnqueuedAt)
	})
	return json.Marshal(pending)
}

// Restore loads a snapshot into an empty queue, preserving dedup.
func (q *Queue) Restore(data []byte) error {
	var pending []*types.Job
	if err := json.Unmarshal(data, &pending); err != nil {
		return fmt.Errorf("queue restore: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, j := range pending {
		if _, ok := q.active[j.Dedup()]; ok {
			continue
		}
		q.jobs[j.ID] = j
		q.active[j.Dedup()] = j.ID
	}
	return nil
}
