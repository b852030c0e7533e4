package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Logger interface for bus logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RedisBus is a Redis-streams Bus. Subjects map to streams, consumer
// groups to XGROUPs; request/response rides on a per-request reply list
// drained with BLPOP.
type RedisBus struct {
	redis  *redis.Client
	logger Logger
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(redisClient *redis.Client, logger Logger) *RedisBus {
	return &RedisBus{
		redis:  redisClient,
		logger: logger,
	}
}

const (
	replyTTL = 2 * time.Minute

	// Unacked messages idle longer than reclaimMinIdle are claimed back
	// from the group's pending list and rerun through the handler.
	reclaimMinIdle  = 30 * time.Second
	reclaimInterval = 15 * time.Second
	reclaimBatch    = 16
)

// Publish adds the message to the subject's stream, fire-and-forget.
func (b *RedisBus) Publish(ctx context.Context, subject, correlationID string, payload interface{}) error {
	env, err := newEnvelope(correlationID, payload)
	if err != nil {
		return err
	}
	return b.add(ctx, subject, env)
}

func (b *RedisBus) add(ctx context.Context, subject string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = b.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: subject,
		Values: map[string]interface{}{
			"envelope":       string(raw),
			"correlation_id": env.CorrelationID,
		},
	}).Err()
	if err != nil {
		b.logger.Error("bus XADD failed", "subject", subject, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	b.logger.Debug("bus publish", "subject", subject, "message_id", env.ID, "correlation_id", env.CorrelationID)
	return nil
}

// Request publishes with a reply list and blocks until the response
// arrives or the timeout expires.
func (b *RedisBus) Request(ctx context.Context, subject, correlationID string, payload interface{}, timeout time.Duration) (Envelope, error) {
	env, err := newEnvelope(correlationID, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.ReplyTo = "reply." + uuid.New().String()

	if err := b.add(ctx, subject, env); err != nil {
		return Envelope{}, err
	}

	result, err := b.redis.BLPop(ctx, timeout, env.ReplyTo).Result()
	if err == redis.Nil {
		return Envelope{}, ErrRequestTimeout
	}
	if err != nil {
		b.logger.Error("bus BLPOP failed", "reply_to", env.ReplyTo, "error", err)
		return Envelope{}, fmt.Errorf("failed to await reply on %s: %w", env.ReplyTo, err)
	}
	if len(result) < 2 {
		return Envelope{}, fmt.Errorf("malformed reply on %s", env.ReplyTo)
	}

	var resp Envelope
	if err := json.Unmarshal([]byte(result[1]), &resp); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode reply envelope: %w", err)
	}
	return resp, nil
}

// Respond answers a request envelope by pushing onto its reply list.
func (b *RedisBus) Respond(ctx context.Context, req Envelope, payload interface{}) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("envelope has no reply_to")
	}

	env, err := newEnvelope(req.CorrelationID, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal reply envelope: %w", err)
	}

	pipe := b.redis.Pipeline()
	pipe.RPush(ctx, req.ReplyTo, raw)
	pipe.Expire(ctx, req.ReplyTo, replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Error("bus reply failed", "reply_to", req.ReplyTo, "error", err)
		return fmt.Errorf("failed to reply on %s: %w", req.ReplyTo, err)
	}
	return nil
}

// Consume starts the given number of workers reading the subject's stream
// through a consumer group. Messages are acked after the handler returns
// nil; handler errors leave the message pending for redelivery.
func (b *RedisBus) Consume(ctx context.Context, subject, group string, workers int, handler Handler) error {
	if workers < 1 {
		workers = 1
	}

	err := b.redis.XGroupCreateMkStream(ctx, subject, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, subject, err)
	}

	b.logger.Info("bus consumer starting",
		"subject", subject,
		"group", group,
		"workers", workers)

	for i := 0; i < workers; i++ {
		consumerName := fmt.Sprintf("%s_%s", group, uuid.New().String()[:8])
		go b.consumeLoop(ctx, subject, group, consumerName, handler)
	}
	go b.reclaimLoop(ctx, subject, group, fmt.Sprintf("%s_reclaim", group), handler)
	return nil
}

func (b *RedisBus) consumeLoop(ctx context.Context, subject, group, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bus consumer stopping", "subject", subject, "consumer", consumer)
			return
		default:
			if err := b.processNext(ctx, subject, group, consumer, handler); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("bus consumer error", "subject", subject, "consumer", consumer, "error", err)
				time.Sleep(1 * time.Second) // Back off on error
			}
		}
	}
}

func (b *RedisBus) processNext(ctx context.Context, subject, group, consumer string, handler Handler) error {
	streams, err := b.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{subject, ">"},
		Count:    1,
		Block:    5 * time.Second,
	}).Result()

	if err == redis.Nil {
		// No messages, continue
		return nil
	}
	if err != nil {
		return fmt.Errorf("XREADGROUP error: %w", err)
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			b.handleMessage(ctx, subject, group, message, handler)
		}
	}
	return nil
}

// handleMessage runs one stream entry through the handler, acking on
// success. Handler failures leave the entry pending for the reclaim loop.
func (b *RedisBus) handleMessage(ctx context.Context, subject, group string, message redis.XMessage, handler Handler) {
	env, decodeErr := envelopeFromStream(message)
	if decodeErr != nil {
		b.logger.Error("bus message malformed, dropping", "subject", subject, "message_id", message.ID, "error", decodeErr)
		// Ack malformed messages, redelivery cannot fix them.
		if ackErr := b.redis.XAck(ctx, subject, group, message.ID).Err(); ackErr != nil {
			b.logger.Error("failed to ACK malformed message", "message_id", message.ID, "error", ackErr)
		}
		return
	}

	if handleErr := handler(ctx, env); handleErr != nil {
		b.logger.Error("bus handler failed, message left pending for reclaim",
			"subject", subject,
			"message_id", message.ID,
			"correlation_id", env.CorrelationID,
			"error", handleErr)
		return
	}

	if ackErr := b.redis.XAck(ctx, subject, group, message.ID).Err(); ackErr != nil {
		b.logger.Error("failed to ACK message", "message_id", message.ID, "error", ackErr)
	}
}

// reclaimLoop periodically claims messages the group left pending longer
// than the idle threshold and reruns them, so a failed handler is retried
// instead of stranding the entry in the pending list.
func (b *RedisBus) reclaimLoop(ctx context.Context, subject, group, consumer string, handler Handler) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.reclaimPending(ctx, subject, group, consumer, handler); err != nil && ctx.Err() == nil {
				b.logger.Error("bus reclaim failed", "subject", subject, "group", group, "error", err)
			}
		}
	}
}

func (b *RedisBus) reclaimPending(ctx context.Context, subject, group, consumer string, handler Handler) error {
	start := "0-0"
	for {
		messages, next, err := b.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   subject,
			Group:    group,
			Consumer: consumer,
			MinIdle:  reclaimMinIdle,
			Start:    start,
			Count:    reclaimBatch,
		}).Result()
		if err != nil {
			return fmt.Errorf("XAUTOCLAIM error: %w", err)
		}

		for _, message := range messages {
			b.handleMessage(ctx, subject, group, message, handler)
		}

		if len(messages) == 0 || next == "0-0" {
			return nil
		}
		start = next
	}
}

func envelopeFromStream(message redis.XMessage) (Envelope, error) {
	raw, ok := message.Values["envelope"].(string)
	if !ok {
		return Envelope{}, fmt.Errorf("message missing envelope field")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}

// IsHealthy pings the underlying Redis connection.
func (b *RedisBus) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := b.redis.Ping(ctx).Err(); err != nil {
		b.logger.Warn("bus ping failed", "error", err)
		return false
	}
	return true
}
