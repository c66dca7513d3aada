package observability

import (
	"context"
	"errors"
	"time"

	"rlguard/internal/models"
	"rlguard/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStore wraps a storage.Store with spans, a latency histogram and
// an error counter. ErrNotFound and ErrConflict are expected outcomes of the
// guard's read-modify-write loop and are recorded as results, not errors.
// Spans never carry identifiers.
type InstrumentedStore struct {
	inner    storage.Store
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedStore instruments inner using the global providers.
func NewInstrumentedStore(inner storage.Store) (*InstrumentedStore, error) {
	meter := otel.Meter(instrumentationName + "/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of failed storage operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		inner:    inner,
		tracer:   otel.Tracer(instrumentationName + "/storage"),
		duration: duration,
		errors:   errCounter,
	}, nil
}

// storageResult classifies an outcome for the "result" attribute.
func storageResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

func (s *InstrumentedStore) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := s.tracer.Start(ctx, "storage."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
	return ctx, span, time.Now()
}

func (s *InstrumentedStore) end(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	result := storageResult(err)

	s.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))

	span.SetAttributes(attribute.String("storage.result", result))
	if result == "error" {
		s.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (s *InstrumentedStore) Get(ctx context.Context, identifier, action string) (*models.GuardRecord, error) {
	ctx, span, start := s.startSpan(ctx, "Get", attribute.String("guard.action", action))
	rec, err := s.inner.Get(ctx, identifier, action)
	s.end(ctx, span, "Get", start, err)
	return rec, err
}

func (s *InstrumentedStore) Create(ctx context.Context, record *models.GuardRecord) error {
	ctx, span, start := s.startSpan(ctx, "Create", attribute.String("guard.action", record.Action))
	err := s.inner.Create(ctx, record)
	s.end(ctx, span, "Create", start, err)
	return err
}

func (s *InstrumentedStore) Update(ctx context.Context, record *models.GuardRecord, expectedVersion int64) error {
	ctx, span, start := s.startSpan(ctx, "Update",
		attribute.String("guard.action", record.Action),
		attribute.Int64("guard.expected_version", expectedVersion),
	)
	err := s.inner.Update(ctx, record, expectedVersion)
	s.end(ctx, span, "Update", start, err)
	return err
}

func (s *InstrumentedStore) Delete(ctx context.Context, identifier, action string) error {
	ctx, span, start := s.startSpan(ctx, "Delete", attribute.String("guard.action", action))
	err := s.inner.Delete(ctx, identifier, action)
	s.end(ctx, span, "Delete", start, err)
	return err
}

func (s *InstrumentedStore) ListByIdentifier(ctx context.Context, identifier string) ([]*models.GuardRecord, error) {
	ctx, span, start := s.startSpan(ctx, "ListByIdentifier")
	records, err := s.inner.ListByIdentifier(ctx, identifier)
	span.SetAttributes(attribute.Int("storage.records", len(records)))
	s.end(ctx, span, "ListByIdentifier", start, err)
	return records, err
}

func (s *InstrumentedStore) ListBlocked(ctx context.Context, since time.Time, limit int) ([]*models.GuardRecord, error) {
	ctx, span, start := s.startSpan(ctx, "ListBlocked", attribute.Int("storage.limit", limit))
	records, err := s.inner.ListBlocked(ctx, since, limit)
	span.SetAttributes(attribute.Int("storage.records", len(records)))
	s.end(ctx, span, "ListBlocked", start, err)
	return records, err
}

func (s *InstrumentedStore) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	ctx, span, start := s.startSpan(ctx, "DeleteExpired", attribute.Int("storage.limit", limit))
	removed, err := s.inner.DeleteExpired(ctx, cutoff, limit)
	span.SetAttributes(attribute.Int("storage.removed", removed))
	s.end(ctx, span, "DeleteExpired", start, err)
	return removed, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span, start := s.startSpan(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.end(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
