// Package mapper implements the bidirectional mapping engine between the
// chat-completion wire protocol and registered Go functions: it extracts
// flat handler arguments out of arbitrarily nested request envelopes and
// folds produced values (scalars, mappings, sequences, lazy streams) back
// into protocol-conformant responses and chunk streams.
package mapper

import (
	"time"

	"github.com/google/uuid"

	"goa.design/maas/runtime/telemetry"
)

type (
	// Mapper holds the engine configuration. A single Mapper is shared
	// across requests; it keeps no per-request state.
	Mapper struct {
		log     telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
		newID   func() string
	}

	// Option configures a Mapper.
	Option func(*Mapper)
)

// WithLogger attaches a logger used for mapping diagnostics (unmapped
// parameters, dropped response fields).
func WithLogger(l telemetry.Logger) Option {
	return func(m *Mapper) { m.log = l }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(m *Mapper) { m.metrics = mt }
}

// WithClock overrides the timestamp source. Tests use this to make the
// created field deterministic.
func WithClock(now func() time.Time) Option {
	return func(m *Mapper) { m.now = now }
}

// WithIDGenerator overrides the response identifier source.
func WithIDGenerator(gen func() string) Option {
	return func(m *Mapper) { m.newID = gen }
}

// New constructs a Mapper.
func New(opts ...Option) *Mapper {
	m := &Mapper{
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		now:     time.Now,
		newID:   func() string { return "chatcmpl-" + uuid.NewString() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}
