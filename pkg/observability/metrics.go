package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricAPIRequests       = "releaseminer.api.requests.total"
	metricAPIRetries        = "releaseminer.api.retries.total"
	metricAPIDuration       = "releaseminer.api.request.duration.seconds"
	metricArchiveBytes      = "releaseminer.archive.extracted.bytes"
	metricArchiveRejected   = "releaseminer.archive.rejected.total"
	metricReleasesProcessed = "releaseminer.releases.processed.total"
	metricReleasesSkipped   = "releaseminer.releases.skipped.total"
	metricRowsEmitted       = "releaseminer.rows.emitted.total"

	attrHost    = "host"
	attrStatus  = "status"
	attrReason  = "reason"
	attrProject = "project"
)

// apiBucketBoundaries covers fast cached hits up to slow archive downloads.
var apiBucketBoundaries = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// MiningMetrics holds the instruments recorded by the mining pipeline.
// A nil *MiningMetrics is valid and records nothing.
type MiningMetrics struct {
	apiRequests       metric.Int64Counter
	apiRetries        metric.Int64Counter
	apiDuration       metric.Float64Histogram
	archiveBytes      metric.Int64Counter
	archiveRejected   metric.Int64Counter
	releasesProcessed metric.Int64Counter
	releasesSkipped   metric.Int64Counter
	rowsEmitted       metric.Int64Counter
}

// NewMiningMetrics creates the pipeline instruments from mt.
func NewMiningMetrics(mt metric.Meter) (*MiningMetrics, error) {
	var (
		mm  MiningMetrics
		err error
	)

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
		unit   string
	}{
		{&mm.apiRequests, metricAPIRequests, "HTTP requests sent to remote APIs", "{request}"},
		{&mm.apiRetries, metricAPIRetries, "Retried HTTP requests", "{retry}"},
		{&mm.archiveBytes, metricArchiveBytes, "Bytes written while extracting archives", "By"},
		{&mm.archiveRejected, metricArchiveRejected, "Archives rejected by security checks", "{archive}"},
		{&mm.releasesProcessed, metricReleasesProcessed, "Releases mined successfully", "{release}"},
		{&mm.releasesSkipped, metricReleasesSkipped, "Releases skipped after a failure", "{release}"},
		{&mm.rowsEmitted, metricRowsEmitted, "Dataset rows written", "{row}"},
	}

	for _, c := range counters {
		*c.target, err = mt.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
	}

	mm.apiDuration, err = mt.Float64Histogram(metricAPIDuration,
		metric.WithDescription("Remote API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(apiBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricAPIDuration, err)
	}

	return &mm, nil
}

// RecordRequest records one completed HTTP attempt.
func (mm *MiningMetrics) RecordRequest(ctx context.Context, host string, status int, duration time.Duration) {
	if mm == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrHost, host),
		attribute.Int(attrStatus, status),
	)

	mm.apiRequests.Add(ctx, 1, attrs)
	mm.apiDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRetry records a retry scheduled for host.
func (mm *MiningMetrics) RecordRetry(ctx context.Context, host string) {
	if mm == nil {
		return
	}

	mm.apiRetries.Add(ctx, 1, metric.WithAttributes(attribute.String(attrHost, host)))
}

// RecordArchive records bytes extracted from one archive.
func (mm *MiningMetrics) RecordArchive(ctx context.Context, bytes int64) {
	if mm == nil {
		return
	}

	mm.archiveBytes.Add(ctx, bytes)
}

// RecordArchiveRejected records an archive refused by a security check.
func (mm *MiningMetrics) RecordArchiveRejected(ctx context.Context, reason string) {
	if mm == nil {
		return
	}

	mm.archiveRejected.Add(ctx, 1, metric.WithAttributes(attribute.String(attrReason, reason)))
}

// RecordRelease records the outcome of one release for project.
func (mm *MiningMetrics) RecordRelease(ctx context.Context, project string, rows int, skipped bool) {
	if mm == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrProject, project))

	if skipped {
		mm.releasesSkipped.Add(ctx, 1, attrs)

		return
	}

	mm.releasesProcessed.Add(ctx, 1, attrs)
	mm.rowsEmitted.Add(ctx, int64(rows), attrs)
}
