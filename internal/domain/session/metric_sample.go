package session

import (
	"time"

	"github.com/google/uuid"
)

// NoStep marks a sample whose line carried no step or epoch ordinal.
const NoStep int64 = -1

// MetricSample represents a single observation emitted by a running job.
// Samples are immutable value objects: append-only, ordered by arrival and
// never mutated after creation.
type MetricSample struct {
	sessionID  uuid.UUID
	name       string
	value      float64
	step       int64
	recordedAt time.Time
}

// NewMetricSample creates a new MetricSample. Pass NoStep when the source
// line carried no ordinal.
func NewMetricSample(sessionID uuid.UUID, name string, value float64, step int64, recordedAt time.Time) MetricSample {
	return MetricSample{
		sessionID:  sessionID,
		name:       name,
		value:      value,
		step:       step,
		recordedAt: recordedAt,
	}
}

// SessionID returns the session this sample belongs to.
func (m MetricSample) SessionID() uuid.UUID { return m.sessionID }

// Name returns the metric name.
func (m MetricSample) Name() string { return m.name }

// Value returns the observed numeric value.
func (m MetricSample) Value() float64 { return m.value }

// Step returns the step or epoch ordinal, NoStep when absent.
func (m MetricSample) Step() int64 { return m.step }

// HasStep reports whether the sample carried a step ordinal.
func (m MetricSample) HasStep() bool { return m.step != NoStep }

// RecordedAt returns when the sample was observed.
func (m MetricSample) RecordedAt() time.Time { return m.recordedAt }
