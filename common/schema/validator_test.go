package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

const personSchema = `{
	"type": "object",
	"required": ["name", "age"],
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0},
		"address": {
			"type": "object",
			"required": ["city"],
			"properties": {"city": {"type": "string"}}
		}
	}
}`

func TestValidateValidInstance(t *testing.T) {
	v := NewValidator(nopLogger{})

	result, err := v.Validate(context.Background(), personSchema, `{"name":"ada","age":36}`)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Empty(t, result.Errors)
}

func TestValidateInvalidInstanceReportsPaths(t *testing.T) {
	v := NewValidator(nopLogger{})

	result, err := v.Validate(context.Background(), personSchema, `{"name":"ada","age":-1,"address":{}}`)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	require.NotEmpty(t, result.FirstErrorPath)
	require.NotEmpty(t, result.ErrorSummary())
}

func TestValidateEmptyInstanceIsInvalidNotError(t *testing.T) {
	v := NewValidator(nopLogger{})

	for _, instance := range []string{"", "   ", "\n\t"} {
		result, err := v.Validate(context.Background(), personSchema, instance)
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.Equal(t, "(root)", result.FirstErrorPath)
	}
}

func TestValidateUnparsableInstanceIsInvalidNotError(t *testing.T) {
	v := NewValidator(nopLogger{})

	result, err := v.Validate(context.Background(), personSchema, `{"name": "ada",`)
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, "(root)", result.FirstErrorPath)
}

func TestValidateEmptySchemaIsError(t *testing.T) {
	v := NewValidator(nopLogger{})

	_, err := v.Validate(context.Background(), "  ", `{}`)
	require.Error(t, err)
}

func TestValidateBrokenSchemaIsError(t *testing.T) {
	v := NewValidator(nopLogger{})

	_, err := v.Validate(context.Background(), `{"type": 42}`, `{}`)
	require.Error(t, err)
}

func TestCompileCacheIsReusedByContent(t *testing.T) {
	v := NewValidator(nopLogger{})
	ctx := context.Background()

	_, err := v.Validate(ctx, personSchema, `{"name":"a","age":1}`)
	require.NoError(t, err)
	require.Equal(t, 1, v.CacheSize())

	// Same definition, same cache slot.
	_, err = v.Validate(ctx, personSchema, `{"name":"b","age":2}`)
	require.NoError(t, err)
	require.Equal(t, 1, v.CacheSize())

	_, err = v.Validate(ctx, `{"type":"array"}`, `[]`)
	require.NoError(t, err)
	require.Equal(t, 2, v.CacheSize())
}
