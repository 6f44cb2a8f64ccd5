// Package telemetry provides OpenTelemetry metrics for the media cache.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/media-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	sessionAcquiresTotal metric.Int64Counter
	sessionInitAttempts  metric.Int64Counter
	sessionInitDuration  metric.Float64Histogram
	sessionEvictions     metric.Int64Counter
	sessionsActive       metric.Int64Gauge

	warmTotal             metric.Int64Counter
	upstreamFetchDuration metric.Float64Histogram
	upstreamFetchTotal    metric.Int64Counter
	upstreamFetchBytes    metric.Int64Counter

	storeEvictions metric.Int64Counter
	storeSizeBytes metric.Int64Gauge
	storeEntries   metric.Int64Gauge

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	guardianRunsTotal metric.Int64Counter
	diskFreeRatio     metric.Float64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "media-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"media_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"media_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	sessionAcquiresTotal, err := meter.Int64Counter(
		"media_cache_session_acquires_total",
		metric.WithDescription("Total session acquire calls by outcome"),
		metric.WithUnit("{acquire}"),
	)
	if err != nil {
		return err
	}

	sessionInitAttempts, err := meter.Int64Counter(
		"media_cache_session_init_attempts_total",
		metric.WithDescription("Total decoder initialization attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	sessionInitDuration, err := meter.Float64Histogram(
		"media_cache_session_init_duration_seconds",
		metric.WithDescription("Duration of successful decoder initializations including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40),
	)
	if err != nil {
		return err
	}

	sessionEvictions, err := meter.Int64Counter(
		"media_cache_session_evictions_total",
		metric.WithDescription("Total sessions disposed by eviction or idle reaping"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	sessionsActive, err := meter.Int64Gauge(
		"media_cache_sessions_active",
		metric.WithDescription("Current number of live playback sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	warmTotal, err := meter.Int64Counter(
		"media_cache_warm_total",
		metric.WithDescription("Total warm operations by result"),
		metric.WithUnit("{warm}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"media_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream asset fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"media_cache_upstream_fetch_total",
		metric.WithDescription("Total upstream asset fetches"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytes, err := meter.Int64Counter(
		"media_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	storeEvictions, err := meter.Int64Counter(
		"media_cache_store_evictions_total",
		metric.WithDescription("Total asset store entries removed by reason"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	storeSizeBytes, err := meter.Int64Gauge(
		"media_cache_store_size_bytes",
		metric.WithDescription("Current total size of cached assets"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	storeEntries, err := meter.Int64Gauge(
		"media_cache_store_entries",
		metric.WithDescription("Current number of cached assets"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"media_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"media_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"media_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	reaperDeletedTotal, err := meter.Int64Counter(
		"media_cache_reaper_deleted_total",
		metric.WithDescription("Total entries deleted by reapers"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	reaperDuration, err := meter.Float64Histogram(
		"media_cache_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	guardianRunsTotal, err := meter.Int64Counter(
		"media_cache_guardian_runs_total",
		metric.WithDescription("Total disk guardian checks by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	diskFreeRatio, err := meter.Float64Gauge(
		"media_cache_disk_free_ratio",
		metric.WithDescription("Free space fraction of the cache volume at last check"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:          requestsTotal,
		requestDuration:        requestDuration,
		sessionAcquiresTotal:   sessionAcquiresTotal,
		sessionInitAttempts:    sessionInitAttempts,
		sessionInitDuration:    sessionInitDuration,
		sessionEvictions:       sessionEvictions,
		sessionsActive:         sessionsActive,
		warmTotal:              warmTotal,
		upstreamFetchDuration:  upstreamFetchDuration,
		upstreamFetchTotal:     upstreamFetchTotal,
		upstreamFetchBytes:     upstreamFetchBytes,
		storeEvictions:         storeEvictions,
		storeSizeBytes:         storeSizeBytes,
		storeEntries:           storeEntries,
		backendRequestDuration: backendRequestDuration,
		backendRequestsTotal:   backendRequestsTotal,
		backendBytesTotal:      backendBytesTotal,
		reaperDeletedTotal:     reaperDeletedTotal,
		reaperDuration:         reaperDuration,
		guardianRunsTotal:      guardianRunsTotal,
		diskFreeRatio:          diskFreeRatio,
		meterProvider:          mp,
		promHandler:            promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics for the diagnostics server.
func RecordHTTP(ctx context.Context, endpoint string, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSessionAcquire records an acquire call. cache is "hit" or "miss",
// outcome is "success", "invalid" or "error".
func RecordSessionAcquire(ctx context.Context, cache, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("cache", cache),
		attribute.String("outcome", outcome),
	}
	globalMetrics.sessionAcquiresTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSessionInitAttempt records one decoder initialization attempt.
// outcome is "success", "timeout" or "error".
func RecordSessionInitAttempt(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sessionInitAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSessionInit records the total duration of a successful initialization.
func RecordSessionInit(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sessionInitDuration.Record(ctx, duration.Seconds())
}

// RecordSessionEviction records a disposed session. reason is "capacity",
// "idle", "retired" or "clear".
func RecordSessionEviction(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sessionEvictions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// SetSessionsActive updates the live session gauge.
func SetSessionsActive(ctx context.Context, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sessionsActive.Record(ctx, int64(n))
}

// RecordWarm records a warm operation. result is "hit", "fetched" or "error".
func RecordWarm(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.warmTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordUpstreamFetch records an upstream asset fetch.
func RecordUpstreamFetch(ctx context.Context, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytes.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordStoreEviction records removed asset entries. reason is "expired",
// "disk_pressure", "replaced" or "clear".
func RecordStoreEviction(ctx context.Context, reason string, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeEvictions.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("reason", reason)))
}

// UpdateStoreState updates the store size and entry-count gauges.
func UpdateStoreState(ctx context.Context, totalBytes int64, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeSizeBytes.Record(ctx, totalBytes)
	globalMetrics.storeEntries.Record(ctx, int64(entries))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// reaper is "idle_sessions" or "stale_assets". Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordGuardianRun records one disk guardian check. outcome is "ok",
// "evicted" or "stat_error".
func RecordGuardianRun(ctx context.Context, outcome string, freeRatio float64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.guardianRunsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	if freeRatio >= 0 {
		globalMetrics.diskFreeRatio.Record(ctx, freeRatio)
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
