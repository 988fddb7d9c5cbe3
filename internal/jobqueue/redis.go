package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	consumerGroup = "chessflow-workers"
	// Reply lists outlive unawaited jobs by this much.
	replyTTL = time.Hour
)

// RedisQueue carries jobs over a Redis stream consumed by a worker group.
// Submit adds an entry to the stream; Run in a worker process consumes,
// executes, acks, and pushes the result onto a per-job reply list that
// Await pops.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	consumer string
	log      zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewRedisQueue connects to addr and uses the stream named queue.
func NewRedisQueue(ctx context.Context, addr, queue string, log zerolog.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	q := &RedisQueue{
		client:   client,
		stream:   "jobs:" + queue,
		consumer: "worker-" + uuid.NewString()[:8],
		log:      log,
		handlers: make(map[string]Handler),
	}
	err := client.XGroupCreateMkStream(ctx, q.stream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}
	return q, nil
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Register binds a handler to a job name.
func (q *RedisQueue) Register(job string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[job] = h
}

func replyKey(id string) string {
	return "reply:" + id
}

// redisReply is the envelope pushed onto the reply list.
type redisReply struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Submit validates the payload and adds it to the stream.
func (q *RedisQueue) Submit(ctx context.Context, job string, payload Payload) (*Handle, error) {
	data, err := Encode(payload)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			"id":      id,
			"job":     job,
			"payload": string(data),
		},
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("enqueueing job %s: %w", job, err)
	}
	return &Handle{ID: id, Job: job}, nil
}

// Await pops the job's reply, blocking up to timeout.
func (q *RedisQueue) Await(ctx context.Context, handle *Handle, timeout time.Duration) ([]byte, error) {
	vals, err := q.client.BLPop(ctx, timeout, replyKey(handle.ID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: timed out after %s", handle.Job, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("awaiting job %s: %w", handle.Job, err)
	}
	// BLPop returns [key, value].
	var reply redisReply
	if err := json.Unmarshal([]byte(vals[1]), &reply); err != nil {
		return nil, fmt.Errorf("decoding reply for job %s: %w", handle.Job, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("job %s: %s", handle.Job, reply.Error)
	}
	return reply.Data, nil
}

// Run consumes the stream until ctx is cancelled. Each entry is executed by
// its registered handler, acked, and answered on its reply list. Run blocks;
// call it from a worker process main.
func (q *RedisQueue) Run(ctx context.Context) error {
	q.log.Info().Str("stream", q.stream).Str("consumer", q.consumer).Msg("worker consuming")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error().Err(err).Msg("stream read failed")
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg)
			}
		}
	}
}

func (q *RedisQueue) handleMessage(ctx context.Context, msg redis.XMessage) {
	id, _ := msg.Values["id"].(string)
	job, _ := msg.Values["job"].(string)
	payload, _ := msg.Values["payload"].(string)

	q.mu.Lock()
	h, ok := q.handlers[job]
	q.mu.Unlock()

	var reply redisReply
	if !ok {
		reply.Error = fmt.Sprintf("no handler registered for job %q", job)
	} else {
		started := time.Now()
		out, err := h(ctx, []byte(payload))
		if err != nil {
			q.log.Error().Err(err).Str("job", job).Str("id", id).Msg("job failed")
			reply.Error = err.Error()
		} else {
			q.log.Info().Str("job", job).Str("id", id).
				Dur("elapsed", time.Since(started)).Msg("job done")
			reply.Data = out
		}
	}

	if err := q.client.XAck(ctx, q.stream, consumerGroup, msg.ID).Err(); err != nil {
		q.log.Error().Err(err).Str("id", id).Msg("ack failed")
	}
	encoded, err := json.Marshal(reply)
	if err != nil {
		q.log.Error().Err(err).Str("id", id).Msg("reply encode failed")
		return
	}
	pipe := q.client.Pipeline()
	pipe.RPush(ctx, replyKey(id), encoded)
	pipe.Expire(ctx, replyKey(id), replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error().Err(err).Str("id", id).Msg("reply push failed")
	}
}
