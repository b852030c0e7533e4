package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type payload struct {
	Value string `json:"value"`
}

func TestMemoryBusPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBus()
	received := make(chan payload, 1)

	err := b.Consume(ctx, "subject", "group", 2, func(ctx context.Context, env Envelope) error {
		var p payload
		if err := env.Decode(&p); err != nil {
			return err
		}
		received <- p
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "subject", "corr-1", payload{Value: "hello"}))

	select {
	case p := <-received:
		require.Equal(t, "hello", p.Value)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBusGroupsEachReceiveOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBus()
	var groupA, groupB atomic.Int64

	require.NoError(t, b.Consume(ctx, "subject", "a", 1, func(ctx context.Context, env Envelope) error {
		groupA.Add(1)
		return nil
	}))
	require.NoError(t, b.Consume(ctx, "subject", "b", 3, func(ctx context.Context, env Envelope) error {
		groupB.Add(1)
		return nil
	}))

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, "subject", "corr", payload{Value: "x"}))
	}

	require.Eventually(t, func() bool {
		return groupA.Load() == 10 && groupB.Load() == 10
	}, time.Second, 10*time.Millisecond)
}

// TestMemoryBusRedeliversOnHandlerError validates the at-least-once
// contract: a handler error leaves the message in play and it is
// delivered again until the handler succeeds.
func TestMemoryBusRedeliversOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBus()
	var attempts atomic.Int64
	done := make(chan payload, 1)

	require.NoError(t, b.Consume(ctx, "subject", "group", 1, func(ctx context.Context, env Envelope) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient handler failure")
		}
		var p payload
		require.NoError(t, env.Decode(&p))
		done <- p
		return nil
	}))

	require.NoError(t, b.Publish(ctx, "subject", "corr", payload{Value: "retry-me"}))

	select {
	case p := <-done:
		require.Equal(t, "retry-me", p.Value)
	case <-time.After(time.Second):
		t.Fatal("message was not redelivered after handler failure")
	}
	require.EqualValues(t, 2, attempts.Load())
}

func TestMemoryBusRequestRespond(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBus()

	require.NoError(t, b.Consume(ctx, "query", "responder", 1, func(ctx context.Context, env Envelope) error {
		var p payload
		require.NoError(t, env.Decode(&p))
		return b.Respond(ctx, env, payload{Value: p.Value + "-reply"})
	}))

	reply, err := b.Request(ctx, "query", "corr", payload{Value: "ping"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "corr", reply.CorrelationID)

	var p payload
	require.NoError(t, reply.Decode(&p))
	require.Equal(t, "ping-reply", p.Value)
}

func TestMemoryBusRequestTimeout(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	_, err := b.Request(ctx, "nobody-listening", "corr", payload{}, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestPublishWithRetryRecovers(t *testing.T) {
	ctx := context.Background()
	fb := &flakyBus{failures: 1, inner: NewMemoryBus()}

	require.NoError(t, PublishWithRetry(ctx, fb, "subject", "corr", payload{Value: "x"}))
	require.EqualValues(t, 2, fb.calls.Load())
}

func TestPublishWithRetryGivesUp(t *testing.T) {
	ctx := context.Background()
	fb := &flakyBus{failures: 5, inner: NewMemoryBus()}

	err := PublishWithRetry(ctx, fb, "subject", "corr", payload{Value: "x"})
	require.Error(t, err)
	require.EqualValues(t, 2, fb.calls.Load())
}

// flakyBus fails the first N publishes.
type flakyBus struct {
	inner    *MemoryBus
	failures int64
	calls    atomic.Int64
}

func (f *flakyBus) Publish(ctx context.Context, subject, correlationID string, p interface{}) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("transient publish failure")
	}
	return f.inner.Publish(ctx, subject, correlationID, p)
}

func (f *flakyBus) Request(ctx context.Context, subject, correlationID string, p interface{}, timeout time.Duration) (Envelope, error) {
	return f.inner.Request(ctx, subject, correlationID, p, timeout)
}

func (f *flakyBus) Respond(ctx context.Context, req Envelope, p interface{}) error {
	return f.inner.Respond(ctx, req, p)
}

func (f *flakyBus) Consume(ctx context.Context, subject, group string, workers int, handler Handler) error {
	return f.inner.Consume(ctx, subject, group, workers, handler)
}

func (f *flakyBus) IsHealthy(ctx context.Context) bool { return true }
