package queue

import (
	"context"
	"sync"
	"time"

	"github.com/veridian-controls/bmscore/internal/events"
	"github.com/veridian-controls/bmscore/internal/obs"
)

// DefaultJanitorInterval is how often stall detection and retention run.
const DefaultJanitorInterval = 30 * time.Second

// Janitor periodically sweeps a queue: stalled jobs are requeued and
// terminal jobs past retention are pruned.
type Janitor struct {
	queue    *Queue
	interval time.Duration
	logger   *events.EventLogger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewJanitor wires a janitor to a queue.
func NewJanitor(q *Queue, interval time.Duration, logger *events.EventLogger) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	return &Janitor{queue: q, interval: interval, logger: logger}
}

// Start launches the sweep loop. Calling Start on a running janitor is a
// no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.stoppedCh = make(chan struct{})
	go j.run(j.stopCh, j.stoppedCh)
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	stopCh, stoppedCh := j.stopCh, j.stoppedCh
	j.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (j *Janitor) run(stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one stall-detection and retention pass.
func (j *Janitor) Sweep() {
	for _, id := range j.queue.DetectStalled() {
		if job, err := j.queue.Get(id); err == nil {
			j.logger.LogJobStalled(job.ID, job.EquipmentID, j.queue.stallTimeout)
		}
		obs.GetGlobalMetrics().RecordStall(context.Background())
	}
	j.queue.Prune()
}
