package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every message on the bus. The correlation id travels in
// the envelope so consumers can restore logging context without decoding
// the payload.
type Envelope struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// Handler processes one message. Returning an error leaves the message
// unacked so the broker can redeliver it.
type Handler func(ctx context.Context, env Envelope) error

// ErrRequestTimeout is returned when a request/response wait expires.
var ErrRequestTimeout = errors.New("bus request timed out")

// Bus publishes events fire-and-forget, performs request/response with a
// timeout, and consumes subjects with parallel workers. Per-message
// ordering is not guaranteed.
type Bus interface {
	Publish(ctx context.Context, subject, correlationID string, payload interface{}) error
	Request(ctx context.Context, subject, correlationID string, payload interface{}, timeout time.Duration) (Envelope, error)
	Respond(ctx context.Context, req Envelope, payload interface{}) error
	Consume(ctx context.Context, subject, group string, workers int, handler Handler) error
	IsHealthy(ctx context.Context) bool
}

// PublishWithRetry publishes and retries once with jitter on failure.
func PublishWithRetry(ctx context.Context, b Bus, subject, correlationID string, payload interface{}) error {
	err := b.Publish(ctx, subject, correlationID, payload)
	if err == nil {
		return nil
	}

	jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
	}

	if retryErr := b.Publish(ctx, subject, correlationID, payload); retryErr != nil {
		return fmt.Errorf("publish to %s failed after retry: %w", subject, retryErr)
	}
	return nil
}

func newEnvelope(correlationID string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return Envelope{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// MemoryBus is an in-process Bus used in tests. It mirrors the consumer
// group semantics of the Redis bus: each group receives every message once,
// spread across its workers.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string]map[string]chan Envelope // subject -> group -> channel
	replies map[string]chan Envelope
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[string]map[string]chan Envelope),
		replies: make(map[string]chan Envelope),
	}
}

// Publish delivers the payload to every consumer group on the subject.
func (b *MemoryBus) Publish(ctx context.Context, subject, correlationID string, payload interface{}) error {
	env, err := newEnvelope(correlationID, payload)
	if err != nil {
		return err
	}
	return b.deliver(ctx, subject, env)
}

func (b *MemoryBus) deliver(ctx context.Context, subject string, env Envelope) error {
	b.mu.RLock()
	groups := make([]chan Envelope, 0, len(b.subs[subject]))
	for _, ch := range b.subs[subject] {
		groups = append(groups, ch)
	}
	b.mu.RUnlock()

	for _, ch := range groups {
		select {
		case ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Request publishes with a reply channel and waits for the response.
func (b *MemoryBus) Request(ctx context.Context, subject, correlationID string, payload interface{}, timeout time.Duration) (Envelope, error) {
	env, err := newEnvelope(correlationID, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.ReplyTo = "reply." + uuid.New().String()

	replyCh := make(chan Envelope, 1)
	b.mu.Lock()
	b.replies[env.ReplyTo] = replyCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.replies, env.ReplyTo)
		b.mu.Unlock()
	}()

	if err := b.deliver(ctx, subject, env); err != nil {
		return Envelope{}, err
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-time.After(timeout):
		return Envelope{}, ErrRequestTimeout
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Respond answers a request envelope.
func (b *MemoryBus) Respond(ctx context.Context, req Envelope, payload interface{}) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("envelope has no reply_to")
	}

	env, err := newEnvelope(req.CorrelationID, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	ch, ok := b.replies[req.ReplyTo]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no pending request for %s", req.ReplyTo)
	}

	select {
	case ch <- env:
		return nil
	default:
		return fmt.Errorf("reply channel for %s is full", req.ReplyTo)
	}
}

// Consume registers a consumer group with parallel workers.
func (b *MemoryBus) Consume(ctx context.Context, subject, group string, workers int, handler Handler) error {
	if workers < 1 {
		workers = 1
	}

	b.mu.Lock()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[string]chan Envelope)
	}
	ch, exists := b.subs[subject][group]
	if !exists {
		ch = make(chan Envelope, 1000)
		b.subs[subject][group] = ch
	}
	b.mu.Unlock()

	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-ch:
					if err := handler(ctx, env); err != nil {
						b.redeliver(ctx, ch, env)
					}
				}
			}
		}()
	}
	return nil
}

// redeliver requeues a failed message after a short pause, mirroring the
// Redis bus reclaiming an unacked entry.
func (b *MemoryBus) redeliver(ctx context.Context, ch chan Envelope, env Envelope) {
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Millisecond):
			select {
			case ch <- env:
			case <-ctx.Done():
			}
		}
	}()
}

// IsHealthy always reports true for the in-memory bus.
func (b *MemoryBus) IsHealthy(ctx context.Context) bool {
	return true
}
