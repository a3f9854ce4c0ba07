package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/runstream/internal/domain/events"
	"github.com/ahrav/runstream/internal/domain/session"
	"github.com/ahrav/runstream/pkg/common/logger"
	"github.com/ahrav/runstream/pkg/common/timeutil"
)

// SampleRecorder persists parsed output. The session registry satisfies it.
type SampleRecorder interface {
	// RecordSample appends one metric sample to the session's stream.
	RecordSample(ctx context.Context, sample session.MetricSample) error

	// RecordProgress applies a progress observation to a Running session.
	RecordProgress(ctx context.Context, id uuid.UUID, step, total int64, pct float64) error
}

// Pipeline consumes one session's worker output stream line by line:
// parse, persist, update progress, then publish for fan-out, preserving the
// emission order end to end. One Run call services one session on one
// goroutine; no cross-session state is shared.
type Pipeline struct {
	recorder  SampleRecorder
	publisher events.DomainEventPublisher
	parser    LineParser

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewPipeline creates a metric ingestion pipeline.
func NewPipeline(
	recorder SampleRecorder,
	publisher events.DomainEventPublisher,
	parser LineParser,
	timeProvider timeutil.Provider,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Pipeline {
	logger = logger.With("component", "ingest_pipeline")
	return &Pipeline{
		recorder:     recorder,
		publisher:    publisher,
		parser:       parser,
		timeProvider: timeProvider,
		logger:       logger,
		tracer:       tracer,
	}
}

// Run reads the stream until EOF and returns the final last-value-per-metric
// snapshot. Malformed lines are logged and dropped; persistence failures
// abort the run since continuing would break the ordering contract.
func (p *Pipeline) Run(ctx context.Context, sessionID uuid.UUID, output io.Reader, totalSteps int64) (map[string]float64, error) {
	ctx, span := p.tracer.Start(ctx, "ingest_pipeline.run",
		trace.WithAttributes(attribute.String("session_id", sessionID.String())))
	defer span.End()

	snapshot := make(map[string]float64)
	progress := 0.0
	var parsed, dropped int

	scanner := bufio.NewScanner(output)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run cancelled")
			return snapshot, err
		}

		line := scanner.Text()
		result, ok := p.parser.Parse(line)
		if !ok {
			dropped++
			p.logger.Debug(ctx, "dropping unrecognized worker output line",
				"session_id", sessionID, "line", line)
			continue
		}
		parsed++

		if result.TotalSteps > 0 {
			totalSteps = result.TotalSteps
		}

		now := p.timeProvider.Now()
		for name, value := range result.Metrics {
			sample := session.NewMetricSample(sessionID, name, value, result.Step, now)
			if err := p.recorder.RecordSample(ctx, sample); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to persist sample")
				return snapshot, fmt.Errorf("failed to persist sample: %w", err)
			}
			snapshot[name] = value
		}

		if result.Step != session.NoStep && totalSteps > 0 {
			pct := 100 * float64(result.Step) / float64(totalSteps)
			if pct > 100 {
				pct = 100
			}
			if pct > progress {
				progress = pct
			}
			if err := p.recorder.RecordProgress(ctx, sessionID, result.Step, totalSteps, pct); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to record progress")
				return snapshot, fmt.Errorf("failed to record progress: %w", err)
			}
		}

		evt := session.NewSessionMetricsRecordedEvent(sessionID, copyMetrics(result.Metrics), result.Step, progress)
		if err := p.publisher.PublishDomainEvent(ctx, evt, events.WithKey(sessionID.String())); err != nil {
			p.logger.Error(ctx, "failed to publish metrics event",
				"session_id", sessionID, "error", err)
		}
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream read failed")
		return snapshot, fmt.Errorf("reading worker output: %w", err)
	}

	p.logger.Info(ctx, "worker output stream drained",
		"session_id", sessionID, "parsed_lines", parsed, "dropped_lines", dropped)
	span.SetAttributes(attribute.Int("parsed_lines", parsed), attribute.Int("dropped_lines", dropped))
	span.SetStatus(codes.Ok, "stream drained")
	return snapshot, nil
}

func copyMetrics(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
