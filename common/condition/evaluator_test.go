package condition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateEmptyExpressionPasses(t *testing.T) {
	e := NewEvaluator()

	pass, err := e.Evaluate("", nil, nil)
	require.NoError(t, err)
	require.True(t, pass)

	pass, err = e.Evaluate("   ", nil, nil)
	require.NoError(t, err)
	require.True(t, pass)
}

func TestEvaluateOutputFields(t *testing.T) {
	e := NewEvaluator()
	output := map[string]interface{}{"approved": true, "score": 7.0}

	pass, err := e.Evaluate("output.approved && output.score > 5.0", output, nil)
	require.NoError(t, err)
	require.True(t, pass)

	pass, err = e.Evaluate("output.score > 10.0", output, nil)
	require.NoError(t, err)
	require.False(t, pass)
}

func TestEvaluateJSONPathShorthand(t *testing.T) {
	e := NewEvaluator()
	output := map[string]interface{}{"approved": true}

	pass, err := e.Evaluate("$.approved", output, nil)
	require.NoError(t, err)
	require.True(t, pass)
}

func TestEvaluateEventFields(t *testing.T) {
	e := NewEvaluator()

	pass, err := e.Evaluate(`event.status == "completed"`, nil, map[string]interface{}{"status": "completed"})
	require.NoError(t, err)
	require.True(t, pass)
}

func TestEvaluateNonBooleanIsError(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate("output.score", map[string]interface{}{"score": 7.0}, nil)
	require.Error(t, err)
}

func TestEvaluateBadExpressionIsError(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate("output.approved &&", nil, nil)
	require.Error(t, err)
}

func TestProgramCacheReuse(t *testing.T) {
	e := NewEvaluator()
	output := map[string]interface{}{"approved": true}

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate("output.approved", output, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 1, e.CacheSize())
}
