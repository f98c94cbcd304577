// Package workerpool drains a site's job queue with a bounded set of
// workers. Each worker reserves a job, gathers the evaluation context,
// invokes the control function under a timeout and applies the outputs.
package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-controls/bmscore/internal/clock"
	"github.com/veridian-controls/bmscore/internal/command"
	"github.com/veridian-controls/bmscore/internal/configstore"
	"github.com/veridian-controls/bmscore/internal/events"
	"github.com/veridian-controls/bmscore/internal/logic"
	"github.com/veridian-controls/bmscore/internal/obs"
	"github.com/veridian-controls/bmscore/internal/pid"
	"github.com/veridian-controls/bmscore/internal/queue"
	"github.com/veridian-controls/bmscore/internal/statecache"
	"github.com/veridian-controls/bmscore/internal/telemetry"
	"github.com/veridian-controls/bmscore/internal/types"
)

// DefaultPollInterval is how long an idle worker sleeps between reserves.
const DefaultPollInterval = 250 * time.Millisecond

// Deps are the collaborators a pool needs. All are required except Logger.
type Deps struct {
	Queue    *queue.Queue
	Registry *logic.Registry
	Reader   *telemetry.Reader
	Writer   *command.Writer
	Configs  *configstore.Store
	Cache    *statecache.Cache
	PIDs     *pid.Store
	Clock    clock.Clock
	Logger   *events.EventLogger
}

// Options tune a pool. Workers drain process-equipment jobs;
// CommandWorkers drain user-command and emergency-shutdown jobs so a burst
// of control evaluations never starves an operator action.
type Options struct {
	SiteID         string
	Workers        int
	CommandWorkers int
	ControlTimeout time.Duration
	PollInterval   time.Duration
	// RotationDefault is the rotation interval applied to lead-lag groups
	// whose configuration leaves the interval unset. Zero keeps rotation
	// off for those groups.
	RotationDefault time.Duration
}

// Pool runs the workers for one site.
type Pool struct {
	deps Deps
	opts Options

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	wg        sync.WaitGroup

	// lastRun holds the previous evaluation instant per equipment, for the
	// controllers' dt.
	lastMu  sync.Mutex
	lastRun map[string]time.Time

	processed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// New creates a pool. Workers defaults to 5, CommandWorkers to 2, the
// control timeout to 30 s.
func New(deps Deps, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.CommandWorkers <= 0 {
		opts.CommandWorkers = 2
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if deps.Logger == nil {
		deps.Logger = events.NoopEventLogger()
	}
	return &Pool{
		deps:    deps,
		opts:    opts,
		lastRun: make(map[string]time.Time),
	}
}

// Start launches the workers. No-op when already running.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		workerID := fmt.Sprintf("%s-w%d", p.opts.SiteID, i)
		go p.worker(workerID, controlKinds, p.stopCh)
	}
	for i := 0; i < p.opts.CommandWorkers; i++ {
		p.wg.Add(1)
		workerID := fmt.Sprintf("%s-c%d", p.opts.SiteID, i)
		go p.worker(workerID, commandKinds, p.stopCh)
	}
	go func(stoppedCh chan<- struct{}) {
		p.wg.Wait()
		close(stoppedCh)
	}(p.stoppedCh)
}

// Stop signals the workers and waits up to drainTimeout for in-flight jobs
// to settle. Returns false when the drain deadline expired.
func (p *Pool) Stop(drainTimeout time.Duration) bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return true
	}
	p.running = false
	stopCh, stoppedCh := p.stopCh, p.stoppedCh
	p.mu.Unlock()

	close(stopCh)
	select {
	case <-stoppedCh:
		return true
	case <-time.After(drainTimeout):
		return false
	}
}

var (
	controlKinds = []types.JobKind{types.JobProcessEquipment}
	commandKinds = []types.JobKind{types.JobApplyUserCommand, types.JobEmergencyShutdown}
)

func (p *Pool) worker(workerID string, kinds []types.JobKind, stopCh <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		job, err := p.deps.Queue.ReserveKinds(workerID, kinds)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return
			}
			select {
			case <-stopCh:
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}

		p.runJob(job, stopCh)
	}
}

// runJob executes one reserved job under the control timeout and settles it
// with the queue.
func (p *Pool) runJob(job *types.Job, stopCh <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ControlTimeout)
	defer cancel()

	ctx, span := obs.GetGlobalTracer().StartJobSpan(ctx, obs.JobSpanOptions{
		JobID:       job.ID,
		SiteID:      job.SiteID,
		EquipmentID: job.EquipmentID,
		Kind:        string(job.Kind),
		Attempt:     job.AttemptsMade,
	})
	defer span.End()
	started := p.deps.Clock.Mono()

	done := make(chan error, 1)
	go func() {
		done <- p.execute(ctx, job)
	}()

	var err error
	select {
	case err = <-done:
	case <-stopCh:
		cancel()
		// Give the handler a moment to observe cancellation; a silent
		// abandon here would leave the job to stall detection.
		select {
		case err = <-done:
		case <-time.After(time.Second):
			err = types.NewTransientError(job.EquipmentID, errors.New("cancelled: shutdown"))
		}
	}

	latencyMs := float64(p.deps.Clock.Mono()-started) / float64(time.Millisecond)
	obs.GetGlobalMetrics().RecordEvaluation(ctx, job.SiteID, string(job.Kind), latencyMs, err == nil)

	if err == nil {
		p.processed.Add(1)
		if cerr := p.deps.Queue.Complete(job.ID); cerr != nil {
			p.deps.Logger.LogJobFailed(job.ID, job.SiteID, job.EquipmentID, string(job.Kind), job.AttemptsMade, false, "complete: "+cerr.Error())
		}
		return
	}

	p.failed.Add(1)
	retryable := types.IsTransient(err)
	if retryable {
		obs.GetGlobalMetrics().RecordError(ctx, "transient")
	} else {
		obs.GetGlobalMetrics().RecordError(ctx, "permanent")
	}
	terminal := !retryable || job.AttemptsMade >= job.AttemptsMax
	p.deps.Logger.LogJobFailed(job.ID, job.SiteID, job.EquipmentID, string(job.Kind), job.AttemptsMade, terminal, err.Error())
	if ferr := p.deps.Queue.Fail(job.ID, err.Error(), retryable); ferr != nil {
		p.deps.Logger.LogJobFailed(job.ID, job.SiteID, job.EquipmentID, string(job.Kind), job.AttemptsMade, true, "fail: "+ferr.Error())
	}
}

// execute dispatches on the job kind. A panic in a control function is
// converted into a permanent failure; controller state is left untouched.
func (p *Pool) execute(ctx context.Context, job *types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = types.NewPermanentError(job.EquipmentID, fmt.Sprintf("control function panic: %v", r))
		}
	}()

	switch job.Kind {
	case types.JobProcessEquipment:
		return p.processEquipment(ctx, job)
	case types.JobApplyUserCommand:
		return p.applyUserCommand(ctx, job)
	case types.JobEmergencyShutdown:
		return p.emergencyShutdown(ctx, job)
	}
	return types.NewPermanentError(job.EquipmentID, "unknown job kind "+string(job.Kind))
}

func (p *Pool) processEquipment(ctx context.Context, job *types.Job) error {
	eq, err := p.lookupEquipment(ctx, job.SiteID, job.EquipmentID)
	if err != nil {
		return err
	}

	fn, err := p.deps.Registry.Resolve(eq.SiteID, eq.Type)
	if err != nil {
		return types.NewPermanentError(eq.ID, err.Error())
	}

	in, err := p.gather(ctx, *eq)
	if err != nil {
		return err
	}

	out, err := fn(in)
	if err != nil {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return types.NewTransientError(eq.ID, fmt.Errorf("cancelled: %w", cerr))
	}

	return p.apply(ctx, *eq, in, out)
}

// gather assembles the control inputs: telemetry, cached state, controller
// state, and for grouped equipment the group plus the lead's sample.
func (p *Pool) gather(ctx context.Context, eq types.Equipment) (logic.Inputs, error) {
	in := logic.Inputs{
		Equipment: eq,
		PIDStates: p.deps.PIDs.Snapshot(eq.ID),
		Now:       p.deps.Clock.Now(),
	}

	sample, err := p.deps.Reader.ReadLatest(ctx, eq.SiteID, eq.ID)
	if err != nil && !errors.Is(err, telemetry.ErrNoSample) {
		return in, err
	}
	in.Metrics = sample

	st, err := p.deps.Cache.GetEquipmentState(ctx, eq.ID)
	if err != nil && !errors.Is(err, statecache.ErrNotFound) {
		return in, types.NewTransientError(eq.ID, err)
	}
	in.State = st

	if eq.Config.GroupID != "" {
		group, err := p.loadGroup(ctx, eq.Config.GroupID)
		if err != nil {
			return in, err
		}
		in.Group = group
		if group != nil && group.CurrentLeadID != "" {
			if group.CurrentLeadID == eq.ID {
				in.LeadMetrics = sample
			} else {
				lead, err := p.deps.Reader.ReadLatest(ctx, eq.SiteID, group.CurrentLeadID)
				if err == nil {
					in.LeadMetrics = lead
				}
				// Missing lead telemetry fails open in the coordinator.
			}
		}
	}

	p.lastMu.Lock()
	if last, ok := p.lastRun[eq.ID]; ok {
		in.Dt = in.Now.Sub(last).Seconds()
	}
	p.lastMu.Unlock()

	return in, nil
}

// loadGroup merges the configured group with the persisted lead-lag
// snapshot, so leadership survives restarts.
func (p *Pool) loadGroup(ctx context.Context, groupID string) (*types.EquipmentGroup, error) {
	group, err := p.deps.Configs.Group(ctx, groupID)
	if err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			return nil, types.NewPermanentError("", "unknown equipment group "+groupID)
		}
		return nil, err
	}

	if group.UseLeadLag && group.RotationInterval <= 0 {
		group.RotationInterval = p.opts.RotationDefault
	}

	snap, err := p.deps.Cache.GetGroupLeadState(ctx, groupID)
	if err == nil {
		// Check timestamps restore regardless of lead validity, so the
		// health and rotation cooldowns hold across evaluations.
		group.LastHealthCheckAt = snap.LastHealthCheckAt
		group.LastRotationCheckAt = snap.LastRotationCheckAt
		if snap.CurrentLeadID != "" && group.IsMember(snap.CurrentLeadID) {
			group.CurrentLeadID = snap.CurrentLeadID
			group.LastRotationAt = snap.LastRotationAt
			group.LastFailoverAt = snap.LastFailoverAt
			group.FailoverCount = snap.FailoverCount
		}
	}
	return group, nil
}

// apply writes the outputs: commands to the sinks, state to the cache,
// controller and group snapshots, audit events to the log.
func (p *Pool) apply(ctx context.Context, eq types.Equipment, in logic.Inputs, out logic.Outputs) error {
	applied := make(map[string]types.FieldValue, len(out.Commands))
	for i := range out.Commands {
		cmd := &out.Commands[i]
		if err := p.deps.Writer.WriteCommand(ctx, cmd); err != nil {
			return err
		}
		applied[cmd.CommandType] = cmd.Value
	}

	if len(applied) > 0 {
		if err := p.deps.Writer.UpdateState(ctx, eq.ID, applied, "system", "Control System"); err != nil {
			return err
		}
	}

	if out.OARSetpoint != nil {
		if err := p.deps.Cache.SetOARSetpoint(ctx, eq.ID, *out.OARSetpoint); err != nil {
			return err
		}
	}

	if out.Safety {
		p.deps.Logger.LogEmergencyShutdown(eq.SiteID, eq.ID, out.SafetyReason)
	} else if out.PIDStates != nil {
		p.deps.PIDs.Restore(eq.ID, out.PIDStates)
	}

	if out.GroupChanged && in.Group != nil {
		if err := p.deps.Cache.PutGroupLeadState(ctx, in.Group.ID, statecache.GroupLeadState{
			CurrentLeadID:       in.Group.CurrentLeadID,
			LastRotationAt:      in.Group.LastRotationAt,
			LastFailoverAt:      in.Group.LastFailoverAt,
			FailoverCount:       in.Group.FailoverCount,
			LastHealthCheckAt:   in.Group.LastHealthCheckAt,
			LastRotationCheckAt: in.Group.LastRotationCheckAt,
		}); err != nil {
			return err
		}
	}
	for _, ev := range out.Events {
		switch ev.Kind {
		case types.EventFailover:
			p.deps.Logger.LogFailover(ev.GroupID, "", ev.EquipmentID, ev.Reason, in.Group.FailoverCount)
			obs.GetGlobalMetrics().RecordFailover(ctx, ev.GroupID)
		case types.EventRotation:
			p.deps.Logger.LogRotation(ev.GroupID, "", ev.EquipmentID)
		}
		// Audit records are best effort: losing one never fails the
		// evaluation that produced it.
		if err := p.deps.Writer.WriteEvent(ctx, ev); err != nil {
			p.deps.Logger.LogCommandWrite(ev.EquipmentID, "lead-lag-event", string(types.SourceAuto), "failed", err.Error())
		}
	}

	p.lastMu.Lock()
	p.lastRun[eq.ID] = in.Now
	p.lastMu.Unlock()
	return nil
}

// UserCommandPayload is the apply-user-command job payload. Priority "high"
// makes the enqueue path schedule the job at the emergency priority.
type UserCommandPayload struct {
	UserID   string                 `json:"user_id"`
	UserName string                 `json:"user_name"`
	Priority string                 `json:"priority,omitempty"`
	Commands []UserCommandItem      `json:"commands"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

// UserCommandItem is one requested setting change.
type UserCommandItem struct {
	CommandType string           `json:"command_type"`
	Value       types.FieldValue `json:"value"`
}

func (p *Pool) applyUserCommand(ctx context.Context, job *types.Job) error {
	payload, err := decodeUserPayload(job.Payload)
	if err != nil {
		return types.NewPermanentError(job.EquipmentID, "bad user command payload: "+err.Error())
	}
	if len(payload.Commands) == 0 {
		return types.NewPermanentError(job.EquipmentID, "user command payload has no commands")
	}

	applied := make(map[string]types.FieldValue, len(payload.Commands))
	for _, item := range payload.Commands {
		cmd := types.ControlCommand{
			ID:          uuid.NewString(),
			EquipmentID: job.EquipmentID,
			SiteID:      job.SiteID,
			CommandType: item.CommandType,
			Value:       item.Value,
			Source:      types.SourceUser,
			UserID:      payload.UserID,
			UserName:    payload.UserName,
			IssuedAt:    p.deps.Clock.Now(),
		}
		if err := p.deps.Writer.WriteCommand(ctx, &cmd); err != nil {
			return err
		}
		applied[cmd.CommandType] = cmd.Value
	}

	return p.deps.Writer.UpdateState(ctx, job.EquipmentID, applied, payload.UserID, payload.UserName)
}

// ShutdownPayload is the emergency-shutdown job payload.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}

// emergencyShutdown forces a unit to its safe state, bypassing the control
// function entirely.
func (p *Pool) emergencyShutdown(ctx context.Context, job *types.Job) error {
	var reason string
	if payload, err := decodeShutdownPayload(job.Payload); err == nil {
		reason = payload.Reason
	}
	if reason == "" {
		reason = "emergency shutdown requested"
	}

	now := p.deps.Clock.Now()
	cmds := []types.ControlCommand{
		{
			EquipmentID:    job.EquipmentID,
			SiteID:         job.SiteID,
			CommandType:    types.EmergencyShutdown,
			Value:          types.String(reason),
			Source:         types.SourceAuto,
			IssuedAt:       now,
			Priority:       true,
			SafetyOverride: true,
			Details:        reason,
		},
		{
			EquipmentID:    job.EquipmentID,
			SiteID:         job.SiteID,
			CommandType:    "unitEnable",
			Value:          types.Boolean(false),
			Source:         types.SourceAuto,
			IssuedAt:       now,
			Priority:       true,
			SafetyOverride: true,
			Details:        reason,
		},
	}

	applied := make(map[string]types.FieldValue, len(cmds))
	for i := range cmds {
		if err := p.deps.Writer.WriteCommand(ctx, &cmds[i]); err != nil {
			return err
		}
		applied[cmds[i].CommandType] = cmds[i].Value
	}

	p.deps.Logger.LogEmergencyShutdown(job.SiteID, job.EquipmentID, reason)
	return p.deps.Writer.UpdateState(ctx, job.EquipmentID, applied, "system", "Control System")
}

func decodeUserPayload(raw []byte) (*UserCommandPayload, error) {
	var payload UserCommandPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func decodeShutdownPayload(raw []byte) (*ShutdownPayload, error) {
	var payload ShutdownPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (p *Pool) lookupEquipment(ctx context.Context, siteID, equipmentID string) (*types.Equipment, error) {
	all, err := p.deps.Configs.SiteEquipment(ctx, siteID)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == equipmentID {
			return &all[i], nil
		}
	}
	return nil, types.NewPermanentError(equipmentID, "equipment not found at site "+siteID)
}

// Stats reports pool counters since start.
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Workers   int   `json:"workers"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Workers:   p.opts.Workers + p.opts.CommandWorkers,
	}
}
