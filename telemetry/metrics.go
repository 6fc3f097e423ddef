package telemetry

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
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
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/tiered-cache"
)

var (
	latencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = []float64{1, 2, 4, 8, 16, 32, 64, 128}
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

	// Reader is an additional reader, used by tests to collect metrics.
	Reader sdkmetric.Reader
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	storeOpsTotal   metric.Int64Counter
	storeOpDuration metric.Float64Histogram
	storeBytesTotal metric.Int64Counter
	simulatedMisses metric.Int64Counter
	backfillsTotal  metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	remoteRequestDuration metric.Float64Histogram
	remoteRequestsTotal   metric.Int64Counter
	remoteBytesTotal      metric.Int64Counter
	remoteRetriesTotal    metric.Int64Counter
	tokenRefreshesTotal   metric.Int64Counter

	poolWaitDuration metric.Float64Histogram
	poolInUse        metric.Int64Gauge

	batchSize           metric.Float64Histogram
	batchFallbacksTotal metric.Int64Counter

	outstandingOps metric.Int64Gauge

	evictionsTotal     metric.Int64Counter
	evictionBytesTotal metric.Int64Counter
	ghostHitsTotal     metric.Int64Counter
	promotionsTotal    metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics atomic.Pointer[Metrics]
	initMu        sync.Mutex
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Calling InitMetrics again before shutdown returns the existing setup.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initMu.Lock()
	defer initMu.Unlock()

	if globalMetrics.Load() == nil {
		m, err := newMetrics(ctx, cfg)
		if err != nil {
			return nil, err
		}
		globalMetrics.Store(m)
	}
	return shutdownMetrics, nil
}

func newMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tiered-cache"
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
		return nil, err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return nil, err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	if cfg.Reader != nil {
		readers = append(readers, cfg.Reader)
	}

	// keep collecting even when nothing exports
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

	b := builder{meter: mp.Meter(meterName)}
	m := &Metrics{
		meterProvider: mp,
		promHandler:   promHandler,

		requestsTotal:      b.counter("tiered_cache_http_requests_total", "Total number of HTTP requests served", "{request}"),
		responseBytesTotal: b.counter("tiered_cache_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:    b.histogram("tiered_cache_http_request_duration_seconds", "HTTP request duration in seconds", "s", latencyBuckets),

		storeOpsTotal:   b.counter("tiered_cache_store_ops_total", "Total cache tier operations", "{op}"),
		storeOpDuration: b.histogram("tiered_cache_store_op_duration_seconds", "Duration of cache tier operations", "s", latencyBuckets),
		storeBytesTotal: b.counter("tiered_cache_store_bytes_total", "Total value bytes moved by cache tier operations", "By"),
		simulatedMisses: b.counter("tiered_cache_simulated_misses_total", "Total lookups forced to miss by debug options", "{miss}"),
		backfillsTotal:  b.counter("tiered_cache_backfills_total", "Total values copied into faster tiers after a hit", "{put}"),

		backendRequestDuration: b.histogram("tiered_cache_backend_request_duration_seconds", "Duration of backend storage operations", "s", latencyBuckets),
		backendRequestsTotal:   b.counter("tiered_cache_backend_requests_total", "Total number of backend storage operations", "{request}"),
		backendBytesTotal:      b.counter("tiered_cache_backend_bytes_total", "Total bytes transferred in backend operations", "By"),

		remoteRequestDuration: b.histogram("tiered_cache_remote_request_duration_seconds", "Duration of remote cache service requests", "s", latencyBuckets),
		remoteRequestsTotal:   b.counter("tiered_cache_remote_requests_total", "Total remote cache service requests", "{request}"),
		remoteBytesTotal:      b.counter("tiered_cache_remote_bytes_total", "Total bytes read from the remote cache service", "By"),
		remoteRetriesTotal:    b.counter("tiered_cache_remote_retries_total", "Total retried remote requests", "{retry}"),
		tokenRefreshesTotal:   b.counter("tiered_cache_token_refreshes_total", "Total access token refreshes", "{refresh}"),

		poolWaitDuration: b.histogram("tiered_cache_pool_wait_duration_seconds", "Time spent waiting for a pooled connection", "s", latencyBuckets),
		poolInUse:        b.gauge("tiered_cache_pool_in_use", "Pooled connections currently leased", "{conn}"),

		batchSize:           b.histogram("tiered_cache_batch_size", "Operations combined into one remote call", "{op}", sizeBuckets),
		batchFallbacksTotal: b.counter("tiered_cache_batch_fallbacks_total", "Operations executed unbatched", "{op}"),

		outstandingOps: b.gauge("tiered_cache_outstanding_ops", "Background operations not yet completed", "{op}"),

		evictionsTotal:     b.counter("tiered_cache_memory_evictions_total", "Total evictions from the memory tier", "{value}"),
		evictionBytesTotal: b.counter("tiered_cache_memory_eviction_bytes_total", "Total bytes evicted from the memory tier", "By"),
		ghostHitsTotal:     b.counter("tiered_cache_memory_ghost_hits_total", "Total ghost queue hits in the memory tier", "{hit}"),
		promotionsTotal:    b.counter("tiered_cache_memory_promotions_total", "Total small to main queue promotions in the memory tier", "{value}"),

		reaperDeletedTotal: b.counter("tiered_cache_reaper_deleted_total", "Total entries deleted by expiry", "{entry}"),
		reaperDuration:     b.histogram("tiered_cache_reaper_duration_seconds", "Duration of expiry cycles", "s", latencyBuckets),
	}
	if b.err != nil {
		_ = mp.Shutdown(ctx)
		return nil, b.err
	}
	return m, nil
}

// builder creates instruments, keeping the first error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = err
	}
	return c
}

func (b *builder) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil && b.err == nil {
		b.err = err
	}
	return h
}

func (b *builder) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = err
	}
	return g
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	initMu.Lock()
	defer initMu.Unlock()
	m := globalMetrics.Swap(nil)
	if m == nil {
		return nil
	}
	return m.meterProvider.Shutdown(ctx)
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}

	tags := Tags(r)
	operation := "unknown"
	if tags != nil && tags.Operation != "" {
		operation = tags.Operation
	}
	cacheResult := string(tags.Result())

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.responseBytesTotal.Add(ctx, bytesSent, attrs)
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStoreOp records one cache tier operation. outcome is "hit", "miss",
// "stored", "skipped", "error" or similar.
func RecordStoreOp(ctx context.Context, tier, op, outcome string, duration time.Duration, bytes int64) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	m.storeOpsTotal.Add(ctx, 1, attrs)
	m.storeOpDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		m.storeBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordSimulatedMiss records a lookup forced to miss by debug options.
func RecordSimulatedMiss(ctx context.Context, tier string) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	m.simulatedMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordBackfill records a backfill write into tier.
func RecordBackfill(ctx context.Context, tier, status string) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	m.backfillsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("status", status),
	))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	m.backendRequestsTotal.Add(ctx, 1, attrs)
	m.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		m.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordRemoteRequest records one HTTP attempt against the remote service.
func RecordRemoteRequest(ctx context.Context, tier string, duration time.Duration, bytesRead int64, outcome string) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	)
	m.remoteRequestDuration.Record(ctx, duration.Seconds(), attrs)
	m.remoteRequestsTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		m.remoteBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordRemoteRetry records a retried remote request. reason is
// "unauthorized", "throttled" or "transient".
func RecordRemoteRetry(ctx context.Context, tier, reason string) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	m.remoteRetriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("reason", reason),
	))
}

// RecordTokenRefresh records an access token refresh attempt.
func RecordTokenRefresh(ctx context.Context, tier, outcome string) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	m.tokenRefreshesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	))
}

// RecordPoolWait records how long a caller waited for a pooled slot.
func RecordPoolWait(ctx context.Context, pool string, wait time.Duration) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	m.poolWaitDuration.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.String("pool", pool)))
}

// RecordPoolInUse records the number of leased slots.
func RecordPoolInUse(ctx context.Context, pool string, inUse int) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	m.poolInUse.Record(ctx, int64(inUse), metric.WithAttributes(attribute.String("pool", pool)))
}

// RecordBatch records a combined remote call carrying size operations.
func RecordBatch(ctx context.Context, coordinator string, size int) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	m.batchSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("coordinator", coordinator)))
}

// RecordBatchFallback records an operation executed without batching.
// reason is "no_slot", "too_heavy" or "abandoned".
func RecordBatchFallback(ctx context.Context, coordinator, reason string) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	m.batchFallbacksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("coordinator", coordinator),
		attribute.String("reason", reason),
	))
}

// RecordOutstanding records the number of background operations in flight.
func RecordOutstanding(ctx context.Context, n int64) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	m.outstandingOps.Record(ctx, n)
}

// RecordEviction records a value evicted from the memory tier.
// queue is "small" or "main".
func RecordEviction(ctx context.Context, tier, queue string, bytes int64) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("queue", queue),
	)
	m.evictionsTotal.Add(ctx, 1, attrs)
	m.evictionBytesTotal.Add(ctx, bytes, attrs)
}

// RecordGhostHit records a re-admission of a recently evicted key.
func RecordGhostHit(ctx context.Context, tier string) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	m.ghostHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordPromotion records a small to main queue promotion.
func RecordPromotion(ctx context.Context, tier string) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	m.promotionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordReaperCycle records one expiry cycle's deleted count and duration.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	m := globalMetrics.Load()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	m.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	m.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := globalMetrics.Load()
		if m == nil || m.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		m.promHandler.ServeHTTP(w, r)
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
