package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a Queue backed by Redis lists. Each logical queue uses three keys:
//
//	<name>            ready list, LPUSH producer / BLMOVE consumer
//	<name>:processing in-flight messages awaiting Ack/Nack
//	<name>:delayed    sorted set of nacked messages, scored by redelivery time
//	<name>:dead       messages that exhausted their attempt budget
//
// BLMOVE into the processing list means a consumer crash leaves the message
// visible in <name>:processing for operators instead of silently lost.
type Redis struct {
	client *redis.Client
	cfg    Config
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, cfg Config) (*Redis, error) {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, cfg: cfg}, nil
}

// NewRedisWithClient wraps an existing client; used by tests.
func NewRedisWithClient(client *redis.Client, cfg Config) *Redis {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Redis{client: client, cfg: cfg}
}

func processingKey(queue string) string { return queue + ":processing" }
func delayedKey(queue string) string    { return queue + ":delayed" }
func deadKey(queue string) string       { return queue + ":dead" }

func (r *Redis) Enqueue(ctx context.Context, queue string, body []byte) (string, error) {
	msg := &Message{
		ID:      uuid.New().String(),
		Queue:   queue,
		Body:    body,
		Attempt: 1,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.LPush(ctx, queue, raw).Err(); err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", queue, err)
	}
	return msg.ID, nil
}

// Dequeue promotes any due delayed messages, then blocks on the ready list.
func (r *Redis) Dequeue(ctx context.Context, queue string) (*Message, error) {
	for {
		if err := r.promoteDelayed(ctx, queue); err != nil {
			return nil, err
		}

		raw, err := r.client.BLMove(ctx, queue, processingKey(queue), "RIGHT", "LEFT", 5*time.Second).Result()
		if err == redis.Nil {
			// Poll again so delayed messages get promoted.
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			// Malformed payload: drop it into the dead list rather than
			// looping on it forever.
			r.client.LRem(ctx, processingKey(queue), 1, raw)
			r.client.LPush(ctx, deadKey(queue), raw)
			continue
		}
		return &msg, nil
	}
}

func (r *Redis) Ack(ctx context.Context, msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.LRem(ctx, processingKey(msg.Queue), 1, raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	return nil
}

func (r *Redis) Nack(ctx context.Context, msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.LRem(ctx, processingKey(msg.Queue), 1, raw).Err(); err != nil {
		return fmt.Errorf("nack remove %s: %w", msg.ID, err)
	}

	if msg.Attempt >= r.cfg.MaxAttempts {
		if err := r.client.LPush(ctx, deadKey(msg.Queue), raw).Err(); err != nil {
			return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
		}
		return nil
	}

	next := Message{
		ID:      msg.ID,
		Queue:   msg.Queue,
		Body:    msg.Body,
		Attempt: msg.Attempt + 1,
	}
	nextRaw, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal redelivery: %w", err)
	}
	due := float64(time.Now().Add(r.cfg.Backoff).UnixMilli())
	if err := r.client.ZAdd(ctx, delayedKey(msg.Queue), redis.Z{Score: due, Member: nextRaw}).Err(); err != nil {
		return fmt.Errorf("schedule redelivery %s: %w", msg.ID, err)
	}
	return nil
}

// promoteDelayed moves due messages from the delayed set to the ready list.
func (r *Redis) promoteDelayed(ctx context.Context, queue string) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := r.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read delayed set: %w", err)
	}
	for _, raw := range due {
		// Remove-then-push: if two consumers race, ZRem reports whether this
		// consumer won, so the message is promoted exactly once.
		removed, err := r.client.ZRem(ctx, delayedKey(queue), raw).Result()
		if err != nil {
			return fmt.Errorf("remove delayed message: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := r.client.LPush(ctx, queue, raw).Err(); err != nil {
			return fmt.Errorf("promote delayed message: %w", err)
		}
	}
	return nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
