// Package telemetry defines the logging and metrics seams used by the maas
// runtime. The engine only depends on these small interfaces; production
// wiring plugs in the Clue/OTEL implementations while tests use the no-op
// ones.
package telemetry

import "context"

type (
	// Logger emits structured log events with variadic key-value pairs.
	Logger interface {
		// Debug emits a debug-level log message.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level log message.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level log message.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level log message with the triggering error.
		Error(ctx context.Context, err error, msg string, keyvals ...any)
	}

	// Metrics records counters for mapping diagnostics (unmapped parameters,
	// dropped response fields, handler failures).
	Metrics interface {
		// IncCounter increments the named counter, with optional tag pairs.
		IncCounter(name string, value float64, tags ...string)
	}
)

// Counter names recorded by the runtime.
const (
	MetricUnmappedParams   = "maas.mapper.unmapped_parameters"
	MetricDroppedFields    = "maas.mapper.dropped_response_fields"
	MetricHandlerFailures  = "maas.invoke.handler_failures"
	MetricRequestsMapped   = "maas.mapper.requests_mapped"
	MetricResponsesMapped  = "maas.mapper.responses_mapped"
	MetricChunksMapped     = "maas.mapper.chunks_mapped"
	MetricInvocationsTotal = "maas.invoke.invocations"
)
