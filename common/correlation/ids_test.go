package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithAndFromContext(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")

	id, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "corr-1", id)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
}

func TestResolveMintsWhenAbsent(t *testing.T) {
	require.Equal(t, "corr-1", Resolve(WithCorrelationID(context.Background(), "corr-1")))

	minted := Resolve(context.Background())
	require.NotEmpty(t, minted)
	require.NotEqual(t, minted, Resolve(context.Background()))
}

func TestWithDoesNotMutateReceiver(t *testing.T) {
	base := IDs{CorrelationID: "corr-1", StepID: "step-1"}

	derived := base.With(func(ids *IDs) {
		ids.StepID = "step-2"
		ids.ExecutionID = "exec-1"
	})

	require.Equal(t, "step-1", base.StepID)
	require.Empty(t, base.ExecutionID)
	require.Equal(t, "step-2", derived.StepID)
	require.Equal(t, "exec-1", derived.ExecutionID)
}

func TestLogFieldsSkipsEmpty(t *testing.T) {
	fields := IDs{CorrelationID: "c", StepID: "s"}.LogFields()
	require.Equal(t, []any{"correlation_id", "c", "step_id", "s"}, fields)

	require.Empty(t, IDs{}.LogFields())
}
