package correlation

import (
	"context"

	"github.com/google/uuid"
)

// IDs is the identifier tuple threaded explicitly through orchestration,
// activity execution, logs and cache writes. All fields are optional; the
// zero value is a valid empty context.
type IDs struct {
	CorrelationID      string
	OrchestratedFlowID string
	WorkflowID         string
	StepID             string
	ProcessorID        string
	PublishID          string
	ExecutionID        string
}

// With returns a copy with the given mutations applied. The receiver is
// never modified.
func (ids IDs) With(mutate func(*IDs)) IDs {
	out := ids
	mutate(&out)
	return out
}

// LogFields flattens the non-empty identifiers into slog key/value pairs.
func (ids IDs) LogFields() []any {
	fields := make([]any, 0, 14)
	if ids.CorrelationID != "" {
		fields = append(fields, "correlation_id", ids.CorrelationID)
	}
	if ids.OrchestratedFlowID != "" {
		fields = append(fields, "flow_id", ids.OrchestratedFlowID)
	}
	if ids.WorkflowID != "" {
		fields = append(fields, "workflow_id", ids.WorkflowID)
	}
	if ids.StepID != "" {
		fields = append(fields, "step_id", ids.StepID)
	}
	if ids.ProcessorID != "" {
		fields = append(fields, "processor_id", ids.ProcessorID)
	}
	if ids.PublishID != "" {
		fields = append(fields, "publish_id", ids.PublishID)
	}
	if ids.ExecutionID != "" {
		fields = append(fields, "execution_id", ids.ExecutionID)
	}
	return fields
}

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// HeaderName is the HTTP header used to propagate the correlation id across
// service boundaries.
const HeaderName = "X-Correlation-ID"

// WithCorrelationID stores the correlation id in the context for external
// propagation (HTTP headers, bus envelopes). Everything else in IDs travels
// as explicit parameters.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// FromContext returns the correlation id carried by the context, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok && id != ""
}

// Resolve returns the context's correlation id or mints a fresh one.
func Resolve(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return uuid.New().String()
}
