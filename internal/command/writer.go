// Package command appends control-command records to the time-series sinks
// and mirrors current state into the state cache.
package command

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/veridian-controls/bmscore/internal/clock"
	"github.com/veridian-controls/bmscore/internal/config"
	"github.com/veridian-controls/bmscore/internal/events"
	"github.com/veridian-controls/bmscore/internal/lineproto"
	"github.com/veridian-controls/bmscore/internal/obs"
	"github.com/veridian-controls/bmscore/internal/statecache"
	"github.com/veridian-controls/bmscore/internal/types"
)

// Writer appends command records to every configured sink in parallel.
// The write succeeds when at least one sink accepts; a 4xx from any sink is
// a permanent validation failure. Each command is also mirrored into the
// state cache as current state.
type Writer struct {
	sinkURLs   []string
	db         string
	httpClient *http.Client
	cache      *statecache.Cache
	clk        clock.Clock
	logger     *events.EventLogger

	// requireBoth flips the dual-write policy from at-least-one to
	// both-must-succeed.
	requireBoth bool
	mirrored    map[string]struct{}

	written       atomic.Int64
	partialWrites atomic.Int64
	failedWrites  atomic.Int64
}

// NewWriter creates a Writer over the given sinks.
func NewWriter(sinkURLs []string, db string, cache *statecache.Cache, clk clock.Clock, logger *events.EventLogger) *Writer {
	w := &Writer{
		sinkURLs:   append([]string(nil), sinkURLs...),
		db:         db,
		httpClient: &http.Client{Timeout: config.DefaultWriteTimeout},
		cache:      cache,
		clk:        clk,
		logger:     logger,
		mirrored:   make(map[string]struct{}),
	}
	for _, t := range config.DefaultMirroredCommandTypes {
		w.mirrored[t] = struct{}{}
	}
	return w
}

// SetMirroredCommandTypes replaces the UICommands allow-list.
func (w *Writer) SetMirroredCommandTypes(cmdTypes []string) {
	w.mirrored = make(map[string]struct{}, len(cmdTypes))
	for _, t := range cmdTypes {
		w.mirrored[t] = struct{}{}
	}
}

// SetRequireBothSinks switches to the stricter dual-write policy.
func (w *Writer) SetRequireBothSinks(v bool) {
	w.requireBoth = v
}

type sinkResult struct {
	url string
	err error
}

// WriteCommand appends one command record. The returned command has its ID,
// status and details filled in. Errors are classified for the queue:
// transient when every sink failed with a retryable error, permanent on a
// validation rejection.
func (w *Writer) WriteCommand(ctx context.Context, cmd *types.ControlCommand) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = w.clk.Now()
	}
	cmd.Status = types.CommandPending

	line := lineproto.FromCommand(cmd).Encode()
	if _, ok := w.mirrored[cmd.CommandType]; ok {
		ui := lineproto.FromCommand(cmd)
		ui.Measurement = lineproto.UICommandMeasurement
		line += "\n" + ui.Encode()
	}

	results := make(chan sinkResult, len(w.sinkURLs))
	for _, sink := range w.sinkURLs {
		go func(sink string) {
			results <- sinkResult{url: sink, err: w.writeSink(ctx, sink, line)}
		}(sink)
	}

	var failed []sinkResult
	var permanent *types.CoreError
	succeeded := 0
	for range w.sinkURLs {
		res := <-results
		if res.err == nil {
			succeeded++
			continue
		}
		failed = append(failed, res)
		if ce := types.AsCoreError(res.err); ce != nil && ce.Kind == types.ErrKindPermanent {
			permanent = ce
		}
	}

	ok := succeeded == len(w.sinkURLs) || (!w.requireBoth && succeeded > 0)
	switch {
	case ok && len(failed) == 0:
		cmd.Status = types.CommandCompleted
	case ok:
		// Partial: at least one sink accepted. Record the loser for
		// operator triage and carry on.
		cmd.Status = types.CommandCompleted
		cmd.Details = appendDetail(cmd.Details, "partial write: "+describeFailures(failed))
		w.partialWrites.Add(1)
	case permanent != nil:
		cmd.Status = types.CommandFailed
		cmd.Details = appendDetail(cmd.Details, permanent.Message)
		w.failedWrites.Add(1)
		w.logger.LogCommandWrite(cmd.EquipmentID, cmd.CommandType, string(cmd.Source), string(cmd.Status), cmd.Details)
		return types.NewPermanentError(cmd.EquipmentID, "command write rejected: "+permanent.Message)
	default:
		cmd.Status = types.CommandFailed
		cmd.Details = appendDetail(cmd.Details, describeFailures(failed))
		w.failedWrites.Add(1)
		w.logger.LogCommandWrite(cmd.EquipmentID, cmd.CommandType, string(cmd.Source), string(cmd.Status), cmd.Details)
		return types.NewTransientError(cmd.EquipmentID, fmt.Errorf("all sinks failed: %s", describeFailures(failed)))
	}

	w.written.Add(1)
	w.logger.LogCommandWrite(cmd.EquipmentID, cmd.CommandType, string(cmd.Source), string(cmd.Status), cmd.Details)
	obs.GetGlobalMetrics().RecordCommand(ctx, string(cmd.Status))
	return nil
}

// LeadLagMeasurement is the measurement for lead-lag audit records.
const LeadLagMeasurement = "LeadLagEvents"

// WriteEvent appends a lead-lag audit record to the sinks. The full event
// rides in string_value as JSON; group, equipment and event kind are tags.
// At-least-one semantics, same as commands.
func (w *Writer) WriteEvent(ctx context.Context, ev types.LeadLagEvent) error {
	at := ev.At
	if at.IsZero() {
		at = w.clk.Now()
	}
	point, err := lineproto.EncodeObject(LeadLagMeasurement, map[string]string{
		"group_id":     ev.GroupID,
		"equipment_id": ev.EquipmentID,
		"event":        string(ev.Kind),
	}, ev, at)
	if err != nil {
		return types.NewPermanentError(ev.EquipmentID, "event write: "+err.Error())
	}
	line := point.Encode()

	var lastErr error
	succeeded := 0
	for _, sink := range w.sinkURLs {
		if err := w.writeSink(ctx, sink, line); err != nil {
			lastErr = err
			continue
		}
		succeeded++
	}
	if succeeded == 0 {
		w.failedWrites.Add(1)
		return lastErr
	}
	return nil
}

// UpdateState mirrors a completed command set into the state cache with
// last-modified metadata.
func (w *Writer) UpdateState(ctx context.Context, equipmentID string, partial map[string]types.FieldValue, modifiedBy, modifiedByName string) error {
	return w.cache.MergeEquipmentState(ctx, equipmentID, partial, modifiedBy, modifiedByName, w.clk.Now())
}

func (w *Writer) writeSink(ctx context.Context, sink, body string) error {
	u := strings.TrimRight(sink, "/") + "/write_lp?" + url.Values{
		"db":        {w.db},
		"precision": {"nanosecond"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(body))
	if err != nil {
		return types.NewPermanentError("", "command write: build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return types.NewTransientError("", fmt.Errorf("sink %s: %w", sink, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.NewPermanentError("", fmt.Sprintf("sink %s: %s - %s", sink, resp.Status, string(raw)))
	}
	if resp.StatusCode >= 300 {
		return types.NewTransientError("", fmt.Errorf("sink %s: %s", sink, resp.Status))
	}
	return nil
}

func describeFailures(failed []sinkResult) string {
	parts := make([]string, 0, len(failed))
	for _, f := range failed {
		parts = append(parts, fmt.Sprintf("%s: %v", f.url, f.err))
	}
	return strings.Join(parts, "; ")
}

func appendDetail(existing, detail string) string {
	if existing == "" {
		return detail
	}
	return existing + "; " + detail
}

// Stats reports write counters since start.
type Stats struct {
	Written       int64
	PartialWrites int64
	FailedWrites  int64
}

func (w *Writer) Stats() Stats {
	return Stats{
		Written:       w.written.Load(),
		PartialWrites: w.partialWrites.Load(),
		FailedWrites:  w.failedWrites.Load(),
	}
}
