package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/veridian-controls/bmscore/internal/config"
	"github.com/veridian-controls/bmscore/internal/events"
	"github.com/veridian-controls/bmscore/internal/types"
	"github.com/veridian-controls/bmscore/internal/workerpool"
)

func newTestConfig(t *testing.T, sites []types.Site, equipment map[string][]types.Equipment) *config.Config {
	t.Helper()

	cfgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sites":
			json.NewEncoder(w).Encode(sites)
		case strings.HasSuffix(r.URL.Path, "/equipment"):
			parts := strings.Split(r.URL.Path, "/")
			siteID := parts[len(parts)-2]
			json.NewEncoder(w).Encode(equipment[siteID])
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(cfgSrv.Close)

	telSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{
			"time": time.Now().UTC().Format(time.RFC3339),
			"oat":  53.5,
		}})
	}))
	t.Cleanup(telSrv.Close)

	sinkSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(sinkSrv.Close)

	mr := miniredis.RunT(t)

	return &config.Config{
		StateCacheURL:        mr.Addr(),
		TelemetryURL:         telSrv.URL,
		TelemetryDB:          "metrics",
		CommandSinkURLs:      []string{sinkSrv.URL},
		CommandDB:            "control",
		ConfigStoreURL:       cfgSrv.URL,
		WorkerCount:          2,
		CommandWorkerCount:   1,
		TickInterval:         time.Minute,
		DrainTimeout:         5 * time.Second,
		MirroredCommandTypes: config.DefaultMirroredCommandTypes,
	}
}

func oneSite() ([]types.Site, map[string][]types.Equipment) {
	sites := []types.Site{{ID: "site-a", Name: "Plant A"}}
	equipment := map[string][]types.Equipment{
		"site-a": {{ID: "b1", SiteID: "site-a", Type: types.BoilerComfort}},
	}
	return sites, equipment
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartStopLifecycle(t *testing.T) {
	sites, equipment := oneSite()
	cfg := newTestConfig(t, sites, equipment)

	o := New(cfg, events.NoopEventLogger())
	if o.Alive() {
		t.Error("Alive before Start")
	}

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "readiness", o.Ready)

	if !o.Alive() {
		t.Error("not alive while running")
	}

	if err := o.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if o.Ready() || o.Alive() {
		t.Error("still ready/alive after Stop")
	}

	// Stop is idempotent.
	if err := o.Stop(context.Background()); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestStartFailsWithoutSites(t *testing.T) {
	cfg := newTestConfig(t, nil, nil)
	o := New(cfg, events.NoopEventLogger())
	if err := o.Start(context.Background()); err == nil {
		t.Error("Start succeeded with zero sites")
		o.Stop(context.Background())
	}
}

func TestStartFailsWithUnreachableCache(t *testing.T) {
	sites, equipment := oneSite()
	cfg := newTestConfig(t, sites, equipment)
	cfg.StateCacheURL = "127.0.0.1:1"

	o := New(cfg, events.NoopEventLogger())
	if err := o.Start(context.Background()); err == nil {
		t.Error("Start succeeded with unreachable state cache")
		o.Stop(context.Background())
	}
}

func TestHealthEndpoints(t *testing.T) {
	sites, equipment := oneSite()
	cfg := newTestConfig(t, sites, equipment)

	o := New(cfg, events.NoopEventLogger())
	srv := httptest.NewServer(o.Handler())
	t.Cleanup(srv.Close)

	// Before Start nothing is ready or alive.
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s before start = %d, want 503", path, resp.StatusCode)
		}
	}

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer o.Stop(context.Background())
	waitFor(t, "readiness", o.Ready)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	var report StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if len(report.Sites) != 1 || report.Sites[0].SiteID != "site-a" {
		t.Fatalf("status sites = %+v, want one entry for site-a", report.Sites)
	}
	if !report.Sites[0].Ready {
		t.Error("site-a not ready in status report")
	}
	if report.Sites[0].Pool.Workers != 3 {
		t.Errorf("pool workers = %d, want 2 control + 1 command", report.Sites[0].Pool.Workers)
	}
}

func TestOperatorEnqueueAndInspect(t *testing.T) {
	sites, equipment := oneSite()
	cfg := newTestConfig(t, sites, equipment)

	o := New(cfg, events.NoopEventLogger())
	srv := httptest.NewServer(o.Handler())
	t.Cleanup(srv.Close)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer o.Stop(context.Background())
	waitFor(t, "readiness", o.Ready)

	resp, err := http.Post(srv.URL+"/sites/site-a/equipment/b1/enqueue", "application/json", nil)
	if err != nil {
		t.Fatalf("POST enqueue failed: %v", err)
	}
	var enq struct {
		JobID   string `json:"job_id"`
		Created bool   `json:"created"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&enq); err != nil {
		t.Fatalf("decoding enqueue response: %v", err)
	}
	resp.Body.Close()
	if enq.JobID == "" {
		t.Fatal("enqueue returned empty job ID")
	}

	resp, err = http.Get(srv.URL + "/jobs/" + enq.JobID)
	if err != nil {
		t.Fatalf("GET job failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET job = %d, want 200", resp.StatusCode)
	}
	var job types.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decoding job: %v", err)
	}
	if job.EquipmentID != "b1" || job.Kind != types.JobProcessEquipment {
		t.Errorf("job = %+v, want process-equipment for b1", job)
	}

	resp, err = http.Get(srv.URL + "/jobs/no-such-job")
	if err != nil {
		t.Fatalf("GET missing job failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing job = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/sites/nope/equipment/b1/enqueue", "application/json", nil)
	if err != nil {
		t.Fatalf("POST enqueue bad site failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown site = %d, want 404", resp.StatusCode)
	}
}

func TestOperatorUserCommandIngress(t *testing.T) {
	sites, equipment := oneSite()
	cfg := newTestConfig(t, sites, equipment)

	o := New(cfg, events.NoopEventLogger())
	srv := httptest.NewServer(o.Handler())
	t.Cleanup(srv.Close)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer o.Stop(context.Background())
	waitFor(t, "readiness", o.Ready)

	post := func(t *testing.T, payload workerpool.UserCommandPayload) (int, string) {
		t.Helper()
		body, _ := json.Marshal(payload)
		resp, err := http.Post(srv.URL+"/sites/site-a/equipment/b1/commands", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST commands failed: %v", err)
		}
		defer resp.Body.Close()
		var enq struct {
			JobID string `json:"job_id"`
		}
		json.NewDecoder(resp.Body).Decode(&enq)
		return resp.StatusCode, enq.JobID
	}

	// A plain settings change runs at the normal priority and completes.
	code, jobID := post(t, workerpool.UserCommandPayload{
		UserID:   "u42",
		UserName: "Dana Facilities",
		Commands: []workerpool.UserCommandItem{
			{CommandType: "temperatureSetpoint", Value: types.Number(71)},
		},
	})
	if code != http.StatusCreated {
		t.Fatalf("POST commands = %d, want 201", code)
	}
	job, err := o.InspectJob(jobID)
	if err != nil {
		t.Fatalf("InspectJob failed: %v", err)
	}
	if job.Kind != types.JobApplyUserCommand || job.Priority != types.PriorityNormal {
		t.Errorf("job = %s/%d, want apply-user-command at priority %d", job.Kind, job.Priority, types.PriorityNormal)
	}
	waitFor(t, "user command completion", func() bool {
		j, err := o.InspectJob(jobID)
		return err == nil && j.State == types.JobCompleted
	})

	// The high flag jumps to the emergency priority.
	_, highID := post(t, workerpool.UserCommandPayload{
		UserID:   "u42",
		Priority: "high",
		Commands: []workerpool.UserCommandItem{
			{CommandType: "unitEnable", Value: types.Boolean(false)},
		},
	})
	if job, err = o.InspectJob(highID); err != nil {
		t.Fatalf("InspectJob failed: %v", err)
	}
	if job.Priority != types.PriorityEmergency {
		t.Errorf("high-flagged priority = %d, want %d", job.Priority, types.PriorityEmergency)
	}

	// An empty command list is rejected outright.
	if code, _ := post(t, workerpool.UserCommandPayload{UserID: "u42"}); code != http.StatusBadRequest {
		t.Errorf("empty payload = %d, want 400", code)
	}
}

func TestOperatorShutdownIngress(t *testing.T) {
	sites, equipment := oneSite()
	cfg := newTestConfig(t, sites, equipment)

	o := New(cfg, events.NoopEventLogger())
	srv := httptest.NewServer(o.Handler())
	t.Cleanup(srv.Close)

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer o.Stop(context.Background())
	waitFor(t, "readiness", o.Ready)

	body, _ := json.Marshal(workerpool.ShutdownPayload{Reason: "gas leak reported"})
	resp, err := http.Post(srv.URL+"/sites/site-a/equipment/b1/shutdown", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST shutdown failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST shutdown = %d, want 201", resp.StatusCode)
	}
	var enq struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&enq); err != nil {
		t.Fatalf("decoding shutdown response: %v", err)
	}

	job, err := o.InspectJob(enq.JobID)
	if err != nil {
		t.Fatalf("InspectJob failed: %v", err)
	}
	if job.Kind != types.JobEmergencyShutdown || job.Priority != types.PriorityEmergency {
		t.Errorf("job = %s/%d, want emergency-shutdown at priority %d", job.Kind, job.Priority, types.PriorityEmergency)
	}
	waitFor(t, "shutdown completion", func() bool {
		j, err := o.InspectJob(enq.JobID)
		return err == nil && j.State == types.JobCompleted
	})
}

func TestStatusAggregatesQueueWork(t *testing.T) {
	sites, equipment := oneSite()
	cfg := newTestConfig(t, sites, equipment)

	o := New(cfg, events.NoopEventLogger())
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer o.Stop(context.Background())

	// The first tick enqueues b1 and the pool completes it.
	waitFor(t, "first job completion", func() bool {
		report := o.Status()
		return len(report.Sites) == 1 && report.Sites[0].Queue.TotalEnqueued >= 1 && report.Sites[0].Pool.Processed >= 1
	})

	report := o.Status()
	if report.Commands.Written == 0 {
		t.Error("no command writes recorded after a completed control job")
	}
}
