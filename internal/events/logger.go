package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// EventLogger provides structured logging for key events in the control
// pipeline.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger creates a new EventLogger with JSON output to stdout.
// It includes the process name as a base attribute.
func NewEventLogger(process string) *EventLogger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &EventLogger{logger: slog.New(handler).With("process", process)}
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a
// custom writer. Useful for testing or redirecting output.
func NewEventLoggerWithWriter(process string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &EventLogger{logger: slog.New(handler).With("process", process)}
}

// LogTick logs a completed scheduler tick.
// event: "scheduler_tick"
// Attributes: site_id, enqueued, skipped, duration_ms
func (el *EventLogger) LogTick(siteID string, enqueued, skipped int, duration time.Duration) {
	el.logger.Info("scheduler_tick",
		"site_id", siteID,
		"enqueued", enqueued,
		"skipped", skipped,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogTickError logs a failed scheduler tick.
// event: "scheduler_tick_error"
// Attributes: site_id, consecutive_failures, error
func (el *EventLogger) LogTickError(siteID string, consecutive int, err error) {
	el.logger.Error("scheduler_tick_error",
		"site_id", siteID,
		"consecutive_failures", consecutive,
		"error", err.Error(),
	)
}

// LogSiteDegraded logs a site entering or leaving the degraded state.
// event: "site_degraded"
func (el *EventLogger) LogSiteDegraded(siteID string, degraded bool) {
	el.logger.Warn("site_degraded",
		"site_id", siteID,
		"degraded", degraded,
	)
}

// LogJobFailed logs a job failure, terminal or retryable.
// event: "job_failed"
// Attributes: job_id, site_id, equipment_id, kind, attempt, terminal, reason
func (el *EventLogger) LogJobFailed(jobID, siteID, equipmentID, kind string, attempt int, terminal bool, reason string) {
	el.logger.Warn("job_failed",
		"job_id", jobID,
		"site_id", siteID,
		"equipment_id", equipmentID,
		"kind", kind,
		"attempt", attempt,
		"terminal", terminal,
		"reason", reason,
	)
}

// LogJobStalled logs a job requeued by stall detection.
// event: "job_stalled"
func (el *EventLogger) LogJobStalled(jobID, equipmentID string, activeFor time.Duration) {
	el.logger.Warn("job_stalled",
		"job_id", jobID,
		"equipment_id", equipmentID,
		"active_ms", activeFor.Milliseconds(),
	)
}

// LogFailover logs a lead-lag failover.
// event: "leadlag_failover"
// Attributes: group_id, from, to, reason, failover_count
func (el *EventLogger) LogFailover(groupID, from, to, reason string, count int) {
	el.logger.Warn("leadlag_failover",
		"group_id", groupID,
		"from", from,
		"to", to,
		"reason", reason,
		"failover_count", count,
	)
}

// LogRotation logs a scheduled lead rotation.
// event: "leadlag_rotation"
func (el *EventLogger) LogRotation(groupID, from, to string) {
	el.logger.Info("leadlag_rotation",
		"group_id", groupID,
		"from", from,
		"to", to,
	)
}

// LogEmergencyShutdown logs an emergency shutdown command being issued.
// event: "emergency_shutdown"
func (el *EventLogger) LogEmergencyShutdown(siteID, equipmentID, reason string) {
	el.logger.Error("emergency_shutdown",
		"site_id", siteID,
		"equipment_id", equipmentID,
		"reason", reason,
	)
}

// LogCommandWrite logs a command write outcome.
// event: "command_write"
// Attributes: equipment_id, command_type, source, status, details
func (el *EventLogger) LogCommandWrite(equipmentID, commandType, source, status, details string) {
	el.logger.Info("command_write",
		"equipment_id", equipmentID,
		"command_type", commandType,
		"source", source,
		"status", status,
		"details", details,
	)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
func NoopEventLogger() *EventLogger {
	handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &EventLogger{logger: slog.New(handler)}
}
