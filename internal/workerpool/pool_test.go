package workerpool

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/veridian-controls/bmscore/internal/clock"
	"github.com/veridian-controls/bmscore/internal/command"
	"github.com/veridian-controls/bmscore/internal/configstore"
	"github.com/veridian-controls/bmscore/internal/events"
	"github.com/veridian-controls/bmscore/internal/logic"
	"github.com/veridian-controls/bmscore/internal/pid"
	"github.com/veridian-controls/bmscore/internal/queue"
	"github.com/veridian-controls/bmscore/internal/statecache"
	"github.com/veridian-controls/bmscore/internal/telemetry"
	"github.com/veridian-controls/bmscore/internal/types"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// sinkRecorder captures line-protocol writes.
type sinkRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (s *sinkRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.mu.Lock()
		s.lines = append(s.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *sinkRecorder) find(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

type fixture struct {
	pool  *Pool
	queue *queue.Queue
	sink  *sinkRecorder
	cache *statecache.Cache
	clk   *clock.Fake
}

// newFixture stands up the full pipeline around one comfort boiler at
// site-a: config store, telemetry store, one command sink and miniredis.
func newFixture(t *testing.T, telemetryRow map[string]any) *fixture {
	t.Helper()

	clk := clock.NewFake(t0)

	equipment := []types.Equipment{{
		ID:     "b1",
		SiteID: "site-a",
		Type:   types.BoilerComfort,
	}}
	cfgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(equipment)
	}))
	t.Cleanup(cfgSrv.Close)

	telSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows := []map[string]any{}
		if telemetryRow != nil {
			rows = append(rows, telemetryRow)
		}
		json.NewEncoder(w).Encode(rows)
	}))
	t.Cleanup(telSrv.Close)

	sink := &sinkRecorder{}
	sinkSrv := httptest.NewServer(sink.handler())
	t.Cleanup(sinkSrv.Close)

	mr := miniredis.RunT(t)
	cache := statecache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	q := queue.New(queue.Options{SiteID: "site-a", Clock: clk})

	deps := Deps{
		Queue:    q,
		Registry: logic.NewDefaultRegistry(),
		Reader:   telemetry.NewReader(telSrv.URL, "bms", clk),
		Writer:   command.NewWriter([]string{sinkSrv.URL}, "bms", cache, clk, events.NoopEventLogger()),
		Configs:  configstore.New(cfgSrv.URL, clk),
		Cache:    cache,
		PIDs:     pid.NewStore(),
		Clock:    clk,
	}
	pool := New(deps, Options{SiteID: "site-a", Workers: 2, PollInterval: 10 * time.Millisecond})

	return &fixture{pool: pool, queue: q, sink: sink, cache: cache, clk: clk}
}

// waitTerminal blocks until the job reaches a terminal state.
func waitTerminal(t *testing.T, q *queue.Queue, jobID string) *types.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := q.Get(jobID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if j.State.Terminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not settle in time")
	return nil
}

func TestProcessEquipmentJob(t *testing.T) {
	f := newFixture(t, map[string]any{
		"time":   t0.Format(time.RFC3339),
		"oat":    53.5,
		"supply": 100.0,
	})

	id, _, err := f.queue.Enqueue(types.Job{Kind: types.JobProcessEquipment, EquipmentID: "b1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	f.pool.Start()
	defer f.pool.Stop(time.Second)

	j := waitTerminal(t, f.queue, id)
	if j.State != types.JobCompleted {
		t.Fatalf("state = %s (%s), want completed", j.State, j.FailReason)
	}

	if !f.sink.find("command_type=firingRate") {
		t.Error("no firingRate command reached the sink")
	}
	if !f.sink.find("command_type=unitEnable") {
		t.Error("no unitEnable command reached the sink")
	}

	st, err := f.cache.GetEquipmentState(ctxForTest(), "b1")
	if err != nil {
		t.Fatalf("state cache empty after job: %v", err)
	}
	if _, ok := st.Fields["firingRate"]; !ok {
		t.Errorf("cached state missing firingRate: %+v", st.Fields)
	}
	if st.ModifiedBy != "system" {
		t.Errorf("ModifiedBy = %q, want system", st.ModifiedBy)
	}

	if _, err := f.cache.GetOARSetpoint(ctxForTest(), "b1"); err != nil {
		t.Errorf("OAR setpoint not mirrored: %v", err)
	}

	if s := f.pool.Stats(); s.Processed != 1 {
		t.Errorf("processed = %d, want 1", s.Processed)
	}
}

func TestProcessEquipmentUnknownEquipmentIsPermanent(t *testing.T) {
	f := newFixture(t, nil)

	id, _, _ := f.queue.Enqueue(types.Job{Kind: types.JobProcessEquipment, EquipmentID: "ghost"})
	f.pool.Start()
	defer f.pool.Stop(time.Second)

	j := waitTerminal(t, f.queue, id)
	if j.State != types.JobFailed {
		t.Fatalf("state = %s, want failed", j.State)
	}
	if j.AttemptsMade != 1 {
		t.Errorf("AttemptsMade = %d, want 1 (no retries on permanent)", j.AttemptsMade)
	}
}

func TestControlFunctionPanicIsPermanent(t *testing.T) {
	f := newFixture(t, map[string]any{
		"time":   t0.Format(time.RFC3339),
		"supply": 100.0,
	})
	f.pool.deps.Registry.RegisterSite("site-a", types.BoilerComfort, func(in logic.Inputs) (logic.Outputs, error) {
		panic("boom")
	})

	id, _, _ := f.queue.Enqueue(types.Job{Kind: types.JobProcessEquipment, EquipmentID: "b1"})
	f.pool.Start()
	defer f.pool.Stop(time.Second)

	j := waitTerminal(t, f.queue, id)
	if j.State != types.JobFailed || j.AttemptsMade != 1 {
		t.Fatalf("job = %+v, want failed on first attempt", j)
	}
	if s := f.pool.Stats(); s.Panics != 1 {
		t.Errorf("panics = %d, want 1", s.Panics)
	}

	// The unprimed controller state must survive the panic untouched.
	if st := f.pool.deps.PIDs.Get("b1", logic.HeatingController); st.Initialized {
		t.Error("PID state mutated by a panicking control function")
	}
}

func TestApplyUserCommand(t *testing.T) {
	f := newFixture(t, nil)

	payload, _ := json.Marshal(UserCommandPayload{
		UserID:   "u42",
		UserName: "Dana Facilities",
		Commands: []UserCommandItem{
			{CommandType: "temperatureSetpoint", Value: types.Number(71)},
		},
	})
	id, _, _ := f.queue.Enqueue(types.Job{
		Kind:        types.JobApplyUserCommand,
		EquipmentID: "b1",
		Payload:     payload,
	})

	f.pool.Start()
	defer f.pool.Stop(time.Second)

	j := waitTerminal(t, f.queue, id)
	if j.State != types.JobCompleted {
		t.Fatalf("state = %s (%s), want completed", j.State, j.FailReason)
	}

	// temperatureSetpoint is on the UI mirror allow-list: both measurements.
	if !f.sink.find("ControlCommands,") {
		t.Error("command record missing from sink")
	}
	if !f.sink.find("UICommands,") {
		t.Error("UI mirror record missing from sink")
	}

	st, err := f.cache.GetEquipmentState(ctxForTest(), "b1")
	if err != nil {
		t.Fatalf("state cache empty: %v", err)
	}
	if st.ModifiedBy != "u42" || st.ModifiedByName != "Dana Facilities" {
		t.Errorf("modified by = %q/%q, want user identity", st.ModifiedBy, st.ModifiedByName)
	}
}

func TestApplyUserCommandBadPayload(t *testing.T) {
	f := newFixture(t, nil)

	id, _, _ := f.queue.Enqueue(types.Job{
		Kind:        types.JobApplyUserCommand,
		EquipmentID: "b1",
		Payload:     []byte("{not json"),
	})
	f.pool.Start()
	defer f.pool.Stop(time.Second)

	j := waitTerminal(t, f.queue, id)
	if j.State != types.JobFailed || j.AttemptsMade != 1 {
		t.Fatalf("job = %+v, want immediate permanent failure", j)
	}
}

func TestEmergencyShutdownJob(t *testing.T) {
	f := newFixture(t, nil)

	payload, _ := json.Marshal(ShutdownPayload{Reason: "operator stop"})
	id, _, _ := f.queue.Enqueue(types.Job{
		Kind:        types.JobEmergencyShutdown,
		EquipmentID: "b1",
		Payload:     payload,
	})

	f.pool.Start()
	defer f.pool.Stop(time.Second)

	j := waitTerminal(t, f.queue, id)
	if j.State != types.JobCompleted {
		t.Fatalf("state = %s (%s), want completed", j.State, j.FailReason)
	}
	if j.Priority != types.PriorityEmergency {
		t.Errorf("priority = %d, want %d", j.Priority, types.PriorityEmergency)
	}

	if !f.sink.find("command_type=EMERGENCY_SHUTDOWN") {
		t.Error("shutdown record missing from sink")
	}
	st, err := f.cache.GetEquipmentState(ctxForTest(), "b1")
	if err != nil {
		t.Fatalf("state cache empty: %v", err)
	}
	if v, ok := st.Fields["unitEnable"]; !ok || v.Bool {
		t.Errorf("unitEnable = %+v, want false", v)
	}
}

// groupFixture builds a pool against a config store that serves one lead-lag
// group document, for exercising loadGroup/apply directly.
func groupFixture(t *testing.T, group types.EquipmentGroup, opts Options) (*Pool, *statecache.Cache) {
	t.Helper()

	clk := clock.NewFake(t0)
	cfgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/groups/") {
			json.NewEncoder(w).Encode(group)
			return
		}
		json.NewEncoder(w).Encode([]types.Equipment{})
	}))
	t.Cleanup(cfgSrv.Close)

	mr := miniredis.RunT(t)
	cache := statecache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	opts.SiteID = "site-a"
	pool := New(Deps{
		Queue:   queue.New(queue.Options{SiteID: "site-a", Clock: clk}),
		Configs: configstore.New(cfgSrv.URL, clk),
		Cache:   cache,
		Clock:   clk,
	}, opts)
	return pool, cache
}

func TestLoadGroupRestoresCheckTimestamps(t *testing.T) {
	p, cache := groupFixture(t, types.EquipmentGroup{
		ID:               "g1",
		SiteID:           "site-a",
		Members:          []string{"p1", "p2"},
		CurrentLeadID:    "p1",
		UseLeadLag:       true,
		RotationInterval: 7 * 24 * time.Hour,
	}, Options{})

	healthAt := t0.Add(-10 * time.Second)
	rotationCheckAt := t0.Add(-time.Minute)
	err := cache.PutGroupLeadState(ctxForTest(), "g1", statecache.GroupLeadState{
		CurrentLeadID:       "p2",
		LastFailoverAt:      t0.Add(-time.Hour),
		FailoverCount:       3,
		LastHealthCheckAt:   healthAt,
		LastRotationCheckAt: rotationCheckAt,
	})
	if err != nil {
		t.Fatalf("PutGroupLeadState failed: %v", err)
	}

	group, err := p.loadGroup(ctxForTest(), "g1")
	if err != nil {
		t.Fatalf("loadGroup failed: %v", err)
	}
	if group.CurrentLeadID != "p2" || group.FailoverCount != 3 {
		t.Errorf("lead = %q count = %d, want persisted p2/3", group.CurrentLeadID, group.FailoverCount)
	}
	if !group.LastHealthCheckAt.Equal(healthAt) {
		t.Errorf("LastHealthCheckAt = %s, want %s", group.LastHealthCheckAt, healthAt)
	}
	if !group.LastRotationCheckAt.Equal(rotationCheckAt) {
		t.Errorf("LastRotationCheckAt = %s, want %s", group.LastRotationCheckAt, rotationCheckAt)
	}
}

func TestLoadGroupRestoresTimestampsWhenLeadInvalid(t *testing.T) {
	p, cache := groupFixture(t, types.EquipmentGroup{
		ID:            "g1",
		SiteID:        "site-a",
		Members:       []string{"p1", "p2"},
		CurrentLeadID: "p1",
		UseLeadLag:    true,
	}, Options{})

	healthAt := t0.Add(-5 * time.Second)
	// The snapshot names a unit that was since removed from the group.
	err := cache.PutGroupLeadState(ctxForTest(), "g1", statecache.GroupLeadState{
		CurrentLeadID:     "gone",
		FailoverCount:     9,
		LastHealthCheckAt: healthAt,
	})
	if err != nil {
		t.Fatalf("PutGroupLeadState failed: %v", err)
	}

	group, err := p.loadGroup(ctxForTest(), "g1")
	if err != nil {
		t.Fatalf("loadGroup failed: %v", err)
	}
	if group.CurrentLeadID != "p1" || group.FailoverCount != 0 {
		t.Errorf("lead = %q count = %d, want configured p1/0", group.CurrentLeadID, group.FailoverCount)
	}
	if !group.LastHealthCheckAt.Equal(healthAt) {
		t.Errorf("LastHealthCheckAt = %s, want %s (cooldown survives a stale lead)", group.LastHealthCheckAt, healthAt)
	}
}

func TestLoadGroupAppliesRotationDefault(t *testing.T) {
	p, _ := groupFixture(t, types.EquipmentGroup{
		ID:         "g1",
		SiteID:     "site-a",
		Members:    []string{"p1", "p2"},
		UseLeadLag: true,
	}, Options{RotationDefault: 7 * 24 * time.Hour})

	group, err := p.loadGroup(ctxForTest(), "g1")
	if err != nil {
		t.Fatalf("loadGroup failed: %v", err)
	}
	if group.RotationInterval != 7*24*time.Hour {
		t.Errorf("RotationInterval = %s, want the 168h default", group.RotationInterval)
	}
}

func TestApplyPersistsGroupCheckTimestamps(t *testing.T) {
	group := types.EquipmentGroup{
		ID:            "g1",
		SiteID:        "site-a",
		Members:       []string{"p1", "p2"},
		CurrentLeadID: "p1",
		UseLeadLag:    true,
	}
	p, cache := groupFixture(t, group, Options{})

	group.LastHealthCheckAt = t0
	group.LastRotationCheckAt = t0
	err := p.apply(ctxForTest(), types.Equipment{ID: "p1", SiteID: "site-a"},
		logic.Inputs{Group: &group, Now: t0},
		logic.Outputs{GroupChanged: true})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	snap, err := cache.GetGroupLeadState(ctxForTest(), "g1")
	if err != nil {
		t.Fatalf("no snapshot persisted: %v", err)
	}
	if !snap.LastHealthCheckAt.Equal(t0) || !snap.LastRotationCheckAt.Equal(t0) {
		t.Errorf("snapshot timestamps = %s/%s, want both %s",
			snap.LastHealthCheckAt, snap.LastRotationCheckAt, t0)
	}
}

func TestStopDrainsWorkers(t *testing.T) {
	f := newFixture(t, nil)
	f.pool.Start()

	if ok := f.pool.Stop(2 * time.Second); !ok {
		t.Error("Stop timed out with an idle pool")
	}
	// Stop again is a no-op.
	if ok := f.pool.Stop(time.Second); !ok {
		t.Error("second Stop reported a timeout")
	}
}

func ctxForTest() context.Context {
	return context.Background()
}
