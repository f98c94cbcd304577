// Package orchestrator assembles and supervises the whole control plane:
// one scheduler and worker pool per site, shared stores, and the health
// endpoints.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/veridian-controls/bmscore/internal/clock"
	"github.com/veridian-controls/bmscore/internal/command"
	"github.com/veridian-controls/bmscore/internal/config"
	"github.com/veridian-controls/bmscore/internal/configstore"
	"github.com/veridian-controls/bmscore/internal/events"
	"github.com/veridian-controls/bmscore/internal/logic"
	"github.com/veridian-controls/bmscore/internal/obs"
	"github.com/veridian-controls/bmscore/internal/pid"
	"github.com/veridian-controls/bmscore/internal/queue"
	"github.com/veridian-controls/bmscore/internal/scheduler"
	"github.com/veridian-controls/bmscore/internal/statecache"
	"github.com/veridian-controls/bmscore/internal/telemetry"
	"github.com/veridian-controls/bmscore/internal/types"
	"github.com/veridian-controls/bmscore/internal/workerpool"
)

// site bundles the per-site machinery.
type site struct {
	id      string
	queue   *queue.Queue
	sched   *scheduler.Scheduler
	pool    *workerpool.Pool
	janitor *queue.Janitor
}

// Orchestrator owns the lifecycle of every site's control loop.
type Orchestrator struct {
	cfg      *config.Config
	clk      clock.Clock
	logger   *events.EventLogger
	registry *logic.Registry

	cache     *statecache.Cache
	snapshots *statecache.Cache
	configs   *configstore.Store
	reader    *telemetry.Reader
	writer    *command.Writer
	pids      *pid.Store

	mu      sync.Mutex
	sites   map[string]*site
	running bool

	httpServer *http.Server
	startedAt  time.Time
}

// New assembles an orchestrator from configuration. Nothing starts until
// Start is called.
func New(cfg *config.Config, logger *events.EventLogger) *Orchestrator {
	clk := clock.NewReal()
	cache := statecache.New(cfg.StateCacheURL)
	snapshots := cache
	if cfg.QueueURL != "" && cfg.QueueURL != cfg.StateCacheURL {
		snapshots = statecache.New(cfg.QueueURL)
	}

	writer := command.NewWriter(cfg.CommandSinkURLs, cfg.CommandDB, cache, clk, logger)
	writer.SetRequireBothSinks(cfg.RequireBothSinks)
	if len(cfg.MirroredCommandTypes) > 0 {
		writer.SetMirroredCommandTypes(cfg.MirroredCommandTypes)
	}

	return &Orchestrator{
		cfg:       cfg,
		clk:       clk,
		logger:    logger,
		registry:  logic.NewDefaultRegistry(),
		cache:     cache,
		snapshots: snapshots,
		configs:   configstore.New(cfg.ConfigStoreURL, clk),
		reader:    telemetry.NewReader(cfg.TelemetryURL, cfg.TelemetryDB, clk),
		writer:    writer,
		pids:      pid.NewStore(),
		sites:     make(map[string]*site),
	}
}

// Registry exposes the logic registry for site-specific overrides.
func (o *Orchestrator) Registry() *logic.Registry {
	return o.registry
}

// Start discovers the sites and launches a scheduler, worker pool and
// queue janitor for each, plus the health endpoint listener.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}

	if err := o.cache.Ping(ctx); err != nil {
		return fmt.Errorf("state cache unreachable: %w", err)
	}

	sites, err := o.configs.Sites(ctx)
	if err != nil {
		return fmt.Errorf("site discovery: %w", err)
	}
	if len(sites) == 0 {
		return errors.New("no sites configured")
	}

	for _, s := range sites {
		o.sites[s.ID] = o.buildSite(s.ID)
	}
	for _, s := range o.sites {
		s.sched.Start()
		s.pool.Start()
		s.janitor.Start()
	}

	o.startedAt = o.clk.Now()
	o.running = true
	o.startHTTP()
	return nil
}

func (o *Orchestrator) buildSite(siteID string) *site {
	q := queue.New(queue.Options{
		SiteID:       siteID,
		AttemptsMax:  config.DefaultAttemptsMax,
		BackoffBase:  config.DefaultBackoffBase,
		StallTimeout: config.DefaultStallTimeout,
		Clock:        o.clk,
	})

	sched := scheduler.New(siteID, o.cfg.TickInterval, scheduler.Deps{
		Configs: o.configs,
		Queue:   q,
		Reader:  o.reader,
		Cache:   o.snapshots,
		Clock:   o.clk,
		Logger:  o.logger,
	})

	pool := workerpool.New(workerpool.Deps{
		Queue:    q,
		Registry: o.registry,
		Reader:   o.reader,
		Writer:   o.writer,
		Configs:  o.configs,
		Cache:    o.cache,
		PIDs:     o.pids,
		Clock:    o.clk,
		Logger:   o.logger,
	}, workerpool.Options{
		SiteID:          siteID,
		Workers:         o.cfg.WorkerCount,
		CommandWorkers:  o.cfg.CommandWorkerCount,
		ControlTimeout:  config.DefaultControlTimeout,
		RotationDefault: o.cfg.RotationInterval,
	})

	obs.GetGlobalMetrics().ObserveQueue(func() (string, int64, int64, int64) {
		st := q.Stats()
		return siteID, int64(st.Waiting), int64(st.Delayed), int64(st.Active)
	})

	return &site{
		id:      siteID,
		queue:   q,
		sched:   sched,
		pool:    pool,
		janitor: queue.NewJanitor(q, 0, o.logger),
	}
}

// Stop drains everything: schedulers stop ticking and persist their
// snapshots, pools drain within the configured timeout, the HTTP listener
// closes. Returns an error when a pool failed to drain in time.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	sites := make([]*site, 0, len(o.sites))
	for _, s := range o.sites {
		sites = append(sites, s)
	}
	srv := o.httpServer
	o.mu.Unlock()

	var drainErr error
	var wg sync.WaitGroup
	var errMu sync.Mutex
	for _, s := range sites {
		wg.Add(1)
		go func(s *site) {
			defer wg.Done()
			s.sched.Stop()
			s.janitor.Stop()
			if !s.pool.Stop(o.cfg.DrainTimeout) {
				errMu.Lock()
				drainErr = fmt.Errorf("site %s: worker pool did not drain within %s", s.id, o.cfg.DrainTimeout)
				errMu.Unlock()
			}
			s.queue.Close()
		}(s)
	}
	wg.Wait()

	if srv != nil {
		srv.Shutdown(ctx)
	}
	return drainErr
}

// SiteStatus is one site's entry in the /status report.
type SiteStatus struct {
	SiteID     string            `json:"site_id"`
	Degraded   bool              `json:"degraded"`
	Ready      bool              `json:"ready"`
	LastTick   time.Time         `json:"last_tick"`
	Queue      queue.Stats       `json:"queue"`
	Pool       workerpool.Stats  `json:"pool"`
	GroupLeads map[string]string `json:"group_leads,omitempty"`
}

// HostHealth carries coarse machine vitals in the /status report.
type HostHealth struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	MemUsedMB  uint64  `json:"mem_used_mb"`
}

// StatusReport is the full /status payload.
type StatusReport struct {
	StartedAt time.Time     `json:"started_at"`
	Uptime    string        `json:"uptime"`
	Commands  command.Stats `json:"commands"`
	Host      HostHealth    `json:"host"`
	Sites     []SiteStatus  `json:"sites"`
}

// Status assembles the current report.
func (o *Orchestrator) Status() StatusReport {
	o.mu.Lock()
	sites := make([]*site, 0, len(o.sites))
	for _, s := range o.sites {
		sites = append(sites, s)
	}
	started := o.startedAt
	o.mu.Unlock()

	report := StatusReport{
		StartedAt: started,
		Uptime:    o.clk.Now().Sub(started).Truncate(time.Second).String(),
		Commands:  o.writer.Stats(),
		Host:      hostHealth(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultReadTimeout)
	defer cancel()
	for _, s := range sites {
		report.Sites = append(report.Sites, SiteStatus{
			SiteID:     s.id,
			Degraded:   s.sched.Degraded(),
			Ready:      s.sched.Ready(),
			LastTick:   s.sched.LastTick(),
			Queue:      s.queue.Stats(),
			Pool:       s.pool.Stats(),
			GroupLeads: o.groupLeads(ctx, s.id),
		})
	}
	sort.Slice(report.Sites, func(i, k int) bool {
		return report.Sites[i].SiteID < report.Sites[k].SiteID
	})
	return report
}

// groupLeads resolves the current lead per equipment group at a site, best
// effort: a failed lookup just omits the entry.
func (o *Orchestrator) groupLeads(ctx context.Context, siteID string) map[string]string {
	equipment, err := o.configs.SiteEquipment(ctx, siteID)
	if err != nil {
		return nil
	}

	leads := make(map[string]string)
	for _, eq := range equipment {
		gid := eq.Config.GroupID
		if gid == "" {
			continue
		}
		if _, seen := leads[gid]; seen {
			continue
		}
		if st, err := o.cache.GetGroupLeadState(ctx, gid); err == nil && st != nil {
			leads[gid] = st.CurrentLeadID
			continue
		}
		if group, err := o.configs.Group(ctx, gid); err == nil && group != nil {
			leads[gid] = group.CurrentLeadID
		}
	}
	if len(leads) == 0 {
		return nil
	}
	return leads
}

// Ready reports whether every site has completed at least one clean tick.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running || len(o.sites) == 0 {
		return false
	}
	for _, s := range o.sites {
		if !s.sched.Ready() {
			return false
		}
	}
	return true
}

// Alive reports liveness: every site's loop must have ticked within three
// intervals.
func (o *Orchestrator) Alive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return false
	}
	now := o.clk.Now()
	for _, s := range o.sites {
		last := s.sched.LastTick()
		if last.IsZero() {
			continue // not ticked yet, readiness covers this
		}
		if now.Sub(last) > 3*s.sched.TickInterval() {
			return false
		}
	}
	return true
}

// EnqueueEquipment inserts a one-shot control evaluation for an equipment
// unit, for operator use.
func (o *Orchestrator) EnqueueEquipment(siteID, equipmentID string) (string, bool, error) {
	o.mu.Lock()
	s, ok := o.sites[siteID]
	o.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("unknown site %q", siteID)
	}
	return s.queue.Enqueue(types.Job{
		SiteID:      siteID,
		EquipmentID: equipmentID,
		Kind:        types.JobProcessEquipment,
		Priority:    types.PriorityNormal,
	})
}

// EnqueueUserCommand queues an operator settings change for an equipment
// unit. Payloads flagged priority "high", or carrying an emergency-shutdown
// command, enqueue at the emergency priority and jump the control
// evaluations; everything else runs at the normal priority.
func (o *Orchestrator) EnqueueUserCommand(siteID, equipmentID string, payload workerpool.UserCommandPayload) (string, bool, error) {
	o.mu.Lock()
	s, ok := o.sites[siteID]
	o.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("unknown site %q", siteID)
	}
	if len(payload.Commands) == 0 {
		return "", false, errors.New("user command payload has no commands")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("encode user command: %w", err)
	}
	priority := types.PriorityNormal
	if payload.Priority == "high" {
		priority = types.PriorityEmergency
	}
	for _, item := range payload.Commands {
		if item.CommandType == types.EmergencyShutdown {
			priority = types.PriorityEmergency
		}
	}
	return s.queue.Enqueue(types.Job{
		SiteID:      siteID,
		EquipmentID: equipmentID,
		Kind:        types.JobApplyUserCommand,
		Priority:    priority,
		Payload:     raw,
	})
}

// EnqueueShutdown queues an emergency shutdown for an equipment unit. The
// queue pins shutdown jobs at the emergency priority.
func (o *Orchestrator) EnqueueShutdown(siteID, equipmentID, reason string) (string, bool, error) {
	o.mu.Lock()
	s, ok := o.sites[siteID]
	o.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("unknown site %q", siteID)
	}

	raw, err := json.Marshal(workerpool.ShutdownPayload{Reason: reason})
	if err != nil {
		return "", false, fmt.Errorf("encode shutdown: %w", err)
	}
	return s.queue.Enqueue(types.Job{
		SiteID:      siteID,
		EquipmentID: equipmentID,
		Kind:        types.JobEmergencyShutdown,
		Payload:     raw,
	})
}

// InspectJob looks a job up across every site queue.
func (o *Orchestrator) InspectJob(jobID string) (*types.Job, error) {
	o.mu.Lock()
	sites := make([]*site, 0, len(o.sites))
	for _, s := range o.sites {
		sites = append(sites, s)
	}
	o.mu.Unlock()

	for _, s := range sites {
		if job, err := s.queue.Get(jobID); err == nil {
			return job, nil
		}
	}
	return nil, queue.ErrNotFound
}

// Handler returns the health and operator endpoint mux.
func (o *Orchestrator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !o.Alive() {
			http.Error(w, "stalled", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !o.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ready")
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(o.Status())
	})
	mux.HandleFunc("POST /sites/{site}/equipment/{equipment}/enqueue", func(w http.ResponseWriter, r *http.Request) {
		jobID, created, err := o.EnqueueEquipment(r.PathValue("site"), r.PathValue("equipment"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if created {
			w.WriteHeader(http.StatusCreated)
		}
		json.NewEncoder(w).Encode(map[string]any{"job_id": jobID, "created": created})
	})
	mux.HandleFunc("POST /sites/{site}/equipment/{equipment}/commands", func(w http.ResponseWriter, r *http.Request) {
		var payload workerpool.UserCommandPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "bad payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(payload.Commands) == 0 {
			http.Error(w, "payload has no commands", http.StatusBadRequest)
			return
		}
		jobID, created, err := o.EnqueueUserCommand(r.PathValue("site"), r.PathValue("equipment"), payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if created {
			w.WriteHeader(http.StatusCreated)
		}
		json.NewEncoder(w).Encode(map[string]any{"job_id": jobID, "created": created})
	})
	mux.HandleFunc("POST /sites/{site}/equipment/{equipment}/shutdown", func(w http.ResponseWriter, r *http.Request) {
		var payload workerpool.ShutdownPayload
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, "bad payload: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		jobID, created, err := o.EnqueueShutdown(r.PathValue("site"), r.PathValue("equipment"), payload.Reason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if created {
			w.WriteHeader(http.StatusCreated)
		}
		json.NewEncoder(w).Encode(map[string]any{"job_id": jobID, "created": created})
	})
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := o.InspectJob(r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(job)
	})
	return mux
}

func (o *Orchestrator) startHTTP() {
	if o.cfg.ListenAddr == "" {
		return
	}
	o.httpServer = &http.Server{
		Addr:         o.cfg.ListenAddr,
		Handler:      o.Handler(),
		ReadTimeout:  config.DefaultReadTimeout,
		WriteTimeout: config.DefaultWriteTimeout,
	}
	go o.httpServer.ListenAndServe()
}

// hostHealth samples machine vitals, best effort.
func hostHealth() HostHealth {
	var h HostHealth
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		h.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemPercent = vm.UsedPercent
		h.MemUsedMB = vm.Used / (1024 * 1024)
	}
	return h
}
