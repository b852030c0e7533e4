package activity

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshflow/orchestrator/common/models"
)

func TestPassthroughNoPayloadReturnsInput(t *testing.T) {
	p := NewPassthrough("transform", "1.0")

	out, err := p.Execute(context.Background(), models.Assignment{EntityID: "e1"}, `{"a":1}`)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, out)
}

func TestPassthroughPayloadOverEmptyInput(t *testing.T) {
	p := NewPassthrough("transform", "1.0")
	entity := models.Assignment{EntityID: "e1", Payload: json.RawMessage(`{"endpoint":"https://a"}`)}

	out, err := p.Execute(context.Background(), entity, "")
	require.NoError(t, err)
	require.JSONEq(t, `{"endpoint":"https://a"}`, out)
}

func TestPassthroughMergesPayloadOverInput(t *testing.T) {
	p := NewPassthrough("transform", "1.0")
	entity := models.Assignment{EntityID: "e1", Payload: json.RawMessage(`{"b":2,"a":9}`)}

	out, err := p.Execute(context.Background(), entity, `{"a":1,"c":3}`)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":9,"b":2,"c":3}`, out)
}

func TestPassthroughPayloadWinsOverNonObjectInput(t *testing.T) {
	p := NewPassthrough("transform", "1.0")
	entity := models.Assignment{EntityID: "e1", Payload: json.RawMessage(`{"a":1}`)}

	out, err := p.Execute(context.Background(), entity, `[1,2,3]`)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, out)
}

func TestPassthroughRejectsNonObjectPayload(t *testing.T) {
	p := NewPassthrough("transform", "1.0")
	entity := models.Assignment{EntityID: "e1", Payload: json.RawMessage(`[1]`)}

	_, err := p.Execute(context.Background(), entity, `{"a":1}`)
	require.Error(t, err)
}

func TestImplementationHashIsStablePerIdentity(t *testing.T) {
	a := NewPassthrough("transform", "1.0")
	b := NewPassthrough("transform", "1.0")
	require.Equal(t, a.ImplementationHash(), b.ImplementationHash())
	require.Len(t, a.ImplementationHash(), 16)

	other := NewPassthrough("transform", "1.1")
	require.NotEqual(t, a.ImplementationHash(), other.ImplementationHash())

	renamed := NewPassthrough("enrich", "1.0")
	require.NotEqual(t, a.ImplementationHash(), renamed.ImplementationHash())
}
