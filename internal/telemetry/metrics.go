package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/gitbridge/sync"

	// GitMetricsMeterName is the name used for the git protocol metrics meter
	GitMetricsMeterName = "github.com/stacklok/gitbridge/git"
)

// SyncMetrics holds the OpenTelemetry instruments for sync operation metrics
type SyncMetrics struct {
	syncDuration metric.Float64Histogram
	syncsTotal   metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"gitbridge_sync_duration_seconds",
		metric.WithDescription("Duration of project sync operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	syncsTotal, err := meter.Int64Counter(
		"gitbridge_syncs_total",
		metric.WithDescription("Number of project sync operations by outcome"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration: syncDuration,
		syncsTotal:   syncsTotal,
	}, nil
}

// RecordSync records one sync operation. Outcome is "failed" for unsuccessful syncs.
// Project ids are deliberately not used as attributes to bound cardinality.
func (m *SyncMetrics) RecordSync(ctx context.Context, outcome string, duration time.Duration, success bool) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("success", success),
	)

	m.syncDuration.Record(ctx, duration.Seconds(), attrs)
	m.syncsTotal.Add(ctx, 1, attrs)
}

// GitMetrics holds the OpenTelemetry instruments for git protocol requests
type GitMetrics struct {
	requestsTotal metric.Int64Counter
}

// NewGitMetrics creates a new GitMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewGitMetrics(provider metric.MeterProvider) (*GitMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(GitMetricsMeterName)

	requestsTotal, err := meter.Int64Counter(
		"gitbridge_git_requests_total",
		metric.WithDescription("Number of git protocol requests by service and result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &GitMetrics{requestsTotal: requestsTotal}, nil
}

// RecordRequest records the result of one git protocol request
func (m *GitMetrics) RecordRequest(ctx context.Context, service, result string) {
	if m == nil || m.requestsTotal == nil {
		return
	}

	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("result", result),
	))
}
