package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshflow/orchestrator/common/correlation"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

func newTestClient(timeout time.Duration, attempts, breakerThreshold int) *ResilientClient {
	return NewResilientClient(ResilientClientOpts{
		Name:             "test",
		Timeout:          timeout,
		RetryAttempts:    attempts,
		RetryBaseDelay:   time.Millisecond,
		BreakerThreshold: breakerThreshold,
		BreakerOpenFor:   time.Minute,
		Logger:           nopLogger{},
	})
}

func TestDoJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	c := newTestClient(time.Second, 5, 100)

	var out struct {
		OK bool `json:"ok"`
	}
	err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, &out)
	require.NoError(t, err)
	require.True(t, out.OK)
	require.EqualValues(t, 3, calls.Load())
}

func TestDoJSONNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(time.Second, 5, 100)

	err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.ErrorIs(t, err, ErrNotFound)
	require.EqualValues(t, 1, calls.Load())
}

func TestDoJSONBadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(time.Second, 5, 100)

	err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.EqualValues(t, 1, calls.Load())
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Threshold 2, no retries: two failing calls trip the breaker.
	c := newTestClient(time.Second, 0, 2)
	ctx := context.Background()

	require.Error(t, c.DoJSON(ctx, http.MethodGet, srv.URL, nil, nil))
	require.Error(t, c.DoJSON(ctx, http.MethodGet, srv.URL, nil, nil))

	before := calls.Load()
	err := c.DoJSON(ctx, http.MethodGet, srv.URL, nil, nil)
	require.ErrorIs(t, err, ErrTemporarilyUnavailable)
	require.Equal(t, before, calls.Load(), "open breaker must not reach upstream")
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(time.Second, 0, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, c.DoJSON(ctx, http.MethodGet, srv.URL, nil, nil), ErrNotFound)
	}
}

func TestCorrelationHeaderIsPropagated(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("X-Correlation-ID"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(time.Second, 0, 100)

	ctx := correlation.WithCorrelationID(context.Background(), "corr-42")
	require.NoError(t, c.DoJSON(ctx, http.MethodGet, srv.URL, nil, nil))
	require.Equal(t, "corr-42", got.Load())
}

func TestValidateSchemaFailsClosedWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mc := NewManagerClient(ManagerClientOpts{
		OrchestratorBaseURL: srv.URL,
		SchemaBaseURL:       srv.URL,
		HTTP:                newTestClient(time.Second, 0, 100),
		Logger:              nopLogger{},
	})

	_, err := mc.ValidateSchema(context.Background(), ValidateSchemaRequest{SchemaID: "s1", Instance: "{}"})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTemporarilyUnavailable)
}

func TestListSchemasValidatesPaging(t *testing.T) {
	mc := NewManagerClient(ManagerClientOpts{Logger: nopLogger{}})

	_, err := mc.ListSchemas(context.Background(), 0, 10)
	require.Error(t, err)

	_, err = mc.ListSchemas(context.Background(), 1, 0)
	require.Error(t, err)

	_, err = mc.ListSchemas(context.Background(), 1, 101)
	require.Error(t, err)
}
