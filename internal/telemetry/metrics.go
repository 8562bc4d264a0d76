package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AuditMetrics are the counters the pipeline reports. The zero value is not
// usable; build one with NewAuditMetrics.
type AuditMetrics struct {
	emitted          metric.Int64Counter
	skipped          metric.Int64Counter
	suppressed       metric.Int64Counter
	prefetchFailures metric.Int64Counter
	writeFailures    metric.Int64Counter
}

// NewAuditMetrics registers the audit instruments on the global meter
// provider. Registration errors fall back to no-op instruments.
func NewAuditMetrics() *AuditMetrics {
	meter := Meter("prisma-audit/pipeline")
	m := &AuditMetrics{}
	m.emitted, _ = meter.Int64Counter("audit.records.emitted",
		metric.WithDescription("Audit records handed to a write strategy"))
	m.skipped, _ = meter.Int64Counter("audit.records.skipped",
		metric.WithDescription("Entity changes that produced no audit record, by reason"))
	m.suppressed, _ = meter.Int64Counter("audit.records.suppressed",
		metric.WithDescription("Updates dropped because no audited field changed"))
	m.prefetchFailures, _ = meter.Int64Counter("audit.prefetch.failures",
		metric.WithDescription("Before-state reads that failed and were recorded as unknown"))
	m.writeFailures, _ = meter.Int64Counter("audit.write.failures",
		metric.WithDescription("Audit writes that failed, by strategy"))
	return m
}

func (m *AuditMetrics) Emitted(ctx context.Context, entity string, n int) {
	if m == nil || m.emitted == nil || n == 0 {
		return
	}
	m.emitted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("entity", entity)))
}

func (m *AuditMetrics) Skipped(ctx context.Context, entity, reason string) {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("reason", reason),
	))
}

func (m *AuditMetrics) Suppressed(ctx context.Context, entity string) {
	if m == nil || m.suppressed == nil {
		return
	}
	m.suppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", entity)))
}

func (m *AuditMetrics) PrefetchFailed(ctx context.Context, entity, op string) {
	if m == nil || m.prefetchFailures == nil {
		return
	}
	m.prefetchFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("op", op),
	))
}

func (m *AuditMetrics) WriteFailed(ctx context.Context, strategy string, n int) {
	if m == nil || m.writeFailures == nil {
		return
	}
	m.writeFailures.Add(ctx, int64(n), metric.WithAttributes(attribute.String("strategy", strategy)))
}
