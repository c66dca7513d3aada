package observability

import (
	"context"
	"time"

	"rlguard/internal/guard"
	"rlguard/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedGuard wraps a guard.Service with decision and error counters,
// a check latency histogram and spans around every operation.
type InstrumentedGuard struct {
	inner     guard.Service
	tracer    trace.Tracer
	decisions metric.Int64Counter
	errors    metric.Int64Counter
	duration  metric.Float64Histogram
	removed   metric.Int64Counter
	resets    metric.Int64Counter
}

// NewInstrumentedGuard instruments inner using the global providers.
func NewInstrumentedGuard(inner guard.Service) (*InstrumentedGuard, error) {
	meter := otel.Meter(instrumentationName + "/guard")

	decisions, err := meter.Int64Counter(
		"guard.decisions",
		metric.WithDescription("Guard decisions by action and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"guard.errors",
		metric.WithDescription("Failed guard operations by action and error kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"guard.check.duration",
		metric.WithDescription("Duration of guard checks in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	removed, err := meter.Int64Counter(
		"guard.cleanup.removed",
		metric.WithDescription("Expired guard records removed by cleanup"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	resets, err := meter.Int64Counter(
		"guard.resets",
		metric.WithDescription("Administrative guard resets by action"),
		metric.WithUnit("{reset}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedGuard{
		inner:     inner,
		tracer:    otel.Tracer(instrumentationName + "/guard"),
		decisions: decisions,
		errors:    errCounter,
		duration:  duration,
		removed:   removed,
		resets:    resets,
	}, nil
}

func (g *InstrumentedGuard) fail(ctx context.Context, span trace.Span, action string, err error) {
	kind := string(guard.KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	g.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("kind", kind),
	))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (g *InstrumentedGuard) Check(ctx context.Context, identifier, action string, now time.Time) (models.Decision, error) {
	ctx, span := g.tracer.Start(ctx, "guard.Check", trace.WithAttributes(attribute.String("guard.action", action)))
	defer span.End()

	start := time.Now()
	decision, err := g.inner.Check(ctx, identifier, action, now)
	g.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("action", action)))

	if err != nil {
		g.fail(ctx, span, action, err)
		return decision, err
	}

	g.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", decision.Outcome()),
	))
	span.SetAttributes(
		attribute.Bool("guard.allowed", decision.Allowed),
		attribute.Int("guard.remaining", decision.Remaining),
	)
	return decision, nil
}

func (g *InstrumentedGuard) Reset(ctx context.Context, identifier, action string) error {
	ctx, span := g.tracer.Start(ctx, "guard.Reset", trace.WithAttributes(attribute.String("guard.action", action)))
	defer span.End()

	if err := g.inner.Reset(ctx, identifier, action); err != nil {
		g.fail(ctx, span, action, err)
		return err
	}
	g.resets.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	return nil
}

func (g *InstrumentedGuard) CleanupExpired(ctx context.Context, now time.Time, batchLimit int) (int, error) {
	ctx, span := g.tracer.Start(ctx, "guard.CleanupExpired", trace.WithAttributes(attribute.Int("guard.batch_limit", batchLimit)))
	defer span.End()

	removed, err := g.inner.CleanupExpired(ctx, now, batchLimit)
	if removed > 0 {
		g.removed.Add(ctx, int64(removed))
	}
	span.SetAttributes(attribute.Int("guard.removed", removed))
	if err != nil {
		g.fail(ctx, span, "", err)
	}
	return removed, err
}

func (g *InstrumentedGuard) Records(ctx context.Context, identifier string) ([]*models.GuardRecord, error) {
	ctx, span := g.tracer.Start(ctx, "guard.Records")
	defer span.End()

	records, err := g.inner.Records(ctx, identifier)
	if err != nil {
		g.fail(ctx, span, "", err)
	}
	return records, err
}

func (g *InstrumentedGuard) Blocked(ctx context.Context, now time.Time, limit int) ([]*models.GuardRecord, error) {
	ctx, span := g.tracer.Start(ctx, "guard.Blocked")
	defer span.End()

	records, err := g.inner.Blocked(ctx, now, limit)
	if err != nil {
		g.fail(ctx, span, "", err)
	}
	return records, err
}

func (g *InstrumentedGuard) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}

var _ guard.Service = (*InstrumentedGuard)(nil)
