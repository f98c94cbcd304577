package obs

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false.
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "bmscore",
		ExporterType: ExporterNone,
	}
}

// QueueDepthFunc reports the current waiting/delayed/active depths for a
// site, observed by the queue depth gauges.
type QueueDepthFunc func() (siteID string, waiting, delayed, active int64)

// Metrics wraps OpenTelemetry metrics with control-pipeline instruments.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	depthFuncs []QueueDepthFunc
	depthReg   metric.Registration

	evaluationLatency metric.Float64Histogram
	errorCounter      metric.Int64Counter
	commandCounter    metric.Int64Counter
	failoverCounter   metric.Int64Counter
	stallCounter      metric.Int64Counter
	queueWaiting      metric.Int64ObservableGauge
	queueDelayed      metric.Int64ObservableGauge
	queueActive       metric.Int64ObservableGauge
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.evaluationLatency, err = m.meter.Float64Histogram(
		"bmscore.evaluation.latency",
		metric.WithDescription("Latency of equipment control evaluations"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create evaluation latency histogram: %w", err)
	}

	m.errorCounter, err = m.meter.Int64Counter(
		"bmscore.errors",
		metric.WithDescription("Count of errors by category"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	m.commandCounter, err = m.meter.Int64Counter(
		"bmscore.commands.written",
		metric.WithDescription("Count of control commands written, by status"),
	)
	if err != nil {
		return fmt.Errorf("failed to create command counter: %w", err)
	}

	m.failoverCounter, err = m.meter.Int64Counter(
		"bmscore.leadlag.failovers",
		metric.WithDescription("Count of lead-lag failovers"),
	)
	if err != nil {
		return fmt.Errorf("failed to create failover counter: %w", err)
	}

	m.stallCounter, err = m.meter.Int64Counter(
		"bmscore.jobs.stalled",
		metric.WithDescription("Count of jobs requeued by stall detection"),
	)
	if err != nil {
		return fmt.Errorf("failed to create stall counter: %w", err)
	}

	m.queueWaiting, err = m.meter.Int64ObservableGauge(
		"bmscore.queue.waiting",
		metric.WithDescription("Jobs waiting per site"),
	)
	if err != nil {
		return fmt.Errorf("failed to create waiting gauge: %w", err)
	}
	m.queueDelayed, err = m.meter.Int64ObservableGauge(
		"bmscore.queue.delayed",
		metric.WithDescription("Jobs in backoff per site"),
	)
	if err != nil {
		return fmt.Errorf("failed to create delayed gauge: %w", err)
	}
	m.queueActive, err = m.meter.Int64ObservableGauge(
		"bmscore.queue.active",
		metric.WithDescription("Jobs being processed per site"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active gauge: %w", err)
	}

	m.depthReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			m.mu.RLock()
			funcs := m.depthFuncs
			m.mu.RUnlock()
			for _, fn := range funcs {
				siteID, waiting, delayed, active := fn()
				attrs := metric.WithAttributes(attribute.String("site_id", siteID))
				o.ObserveInt64(m.queueWaiting, waiting, attrs)
				o.ObserveInt64(m.queueDelayed, delayed, attrs)
				o.ObserveInt64(m.queueActive, active, attrs)
			}
			return nil
		},
		m.queueWaiting, m.queueDelayed, m.queueActive,
	)
	if err != nil {
		return fmt.Errorf("failed to register queue depth callback: %w", err)
	}

	return nil
}

// ObserveQueue registers a depth source for the queue gauges.
func (m *Metrics) ObserveQueue(fn QueueDepthFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depthFuncs = append(m.depthFuncs, fn)
}

// RecordEvaluation records one job evaluation, labelled by the job kind.
func (m *Metrics) RecordEvaluation(ctx context.Context, siteID, kind string, latencyMs float64, success bool) {
	if m.evaluationLatency == nil {
		return
	}
	m.evaluationLatency.Record(ctx, latencyMs, metric.WithAttributes(
		attribute.String("site_id", siteID),
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	))
}

// RecordError records an error with the specified category.
func (m *Metrics) RecordError(ctx context.Context, category string) {
	if m.errorCounter == nil {
		return
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// RecordCommand records a command write outcome.
func (m *Metrics) RecordCommand(ctx context.Context, status string) {
	if m.commandCounter == nil {
		return
	}
	m.commandCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordFailover increments the failover counter for a group.
func (m *Metrics) RecordFailover(ctx context.Context, groupID string) {
	if m.failoverCounter == nil {
		return
	}
	m.failoverCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("group_id", groupID),
	))
}

// RecordStall increments the stall counter.
func (m *Metrics) RecordStall(ctx context.Context) {
	if m.stallCounter == nil {
		return
	}
	m.stallCounter.Add(ctx, 1)
}

// Shutdown gracefully shuts down the metrics provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.depthReg != nil {
		if err := m.depthReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister queue depth callback: %w", err)
		}
	}
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance, no-op when unset.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		return NoopMetrics()
	}
	return globalMetrics
}

// NoopMetrics returns a metrics instance that records nothing.
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
