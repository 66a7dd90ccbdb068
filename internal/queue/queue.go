// Package queue wraps the Redis lists that back the job and reply queues.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
)

// InputQueue is the durable FIFO this service consumes from.
const InputQueue = "jarvis.ocr.jobs"

// ErrEmpty is returned by Pop when the blocking wait times out with no job.
var ErrEmpty = errors.New("queue empty")

// Config holds queue client settings.
type Config struct {
	Addr     string
	Password string
	Logger   *slog.Logger
}

// Client is a thin wrapper around the Redis connection shared by the queue,
// the reply emitter, and the state store.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Status reports queue connectivity and depth.
type Status struct {
	Connected   bool   `json:"redis_connected"`
	QueueName   string `json:"queue_name"`
	QueueLength int64  `json:"queue_length"`
}

// NewClient creates a queue client. The connection is lazy; call WaitReady
// to fail fast at startup.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
		// Blocking pops manage their own deadlines.
		ReadTimeout: -1,
	})

	return &Client{rdb: rdb, logger: logger.With("component", "queue")}
}

// Redis exposes the underlying connection for the state store.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// WaitReady pings the backing store until it responds or the budget runs out.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	return retry.Do(
		func() error { return c.rdb.Ping(ctx).Err() },
		retry.Context(ctx),
		retry.Attempts(uint(timeout.Seconds())),
		retry.Delay(1*time.Second),
		retry.DelayType(retry.FixedDelay),
	)
}

// Pop blocks up to timeout for the next job on the input queue.
// Consumption is from the head (BRPOP pairs with LPUSH producers).
func (c *Client) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BRPop(ctx, timeout, InputQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("brpop %s: %w", InputQueue, err)
	}
	// BRPOP returns [queue, value].
	return []byte(res[1]), nil
}

// Push enqueues payload at the head of queueName.
func (c *Client) Push(ctx context.Context, queueName string, payload []byte) error {
	if err := c.rdb.LPush(ctx, queueName, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", queueName, err)
	}
	return nil
}

// PushBack enqueues payload at the tail of queueName. Retries and reply
// envelopes go to the tail so fresh jobs are not starved.
func (c *Client) PushBack(ctx context.Context, queueName string, payload []byte) error {
	if err := c.rdb.RPush(ctx, queueName, payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", queueName, err)
	}
	return nil
}

// GetStatus reports connectivity and input queue depth.
func (c *Client) GetStatus(ctx context.Context) Status {
	st := Status{QueueName: InputQueue}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return st
	}
	st.Connected = true
	if n, err := c.rdb.LLen(ctx, InputQueue).Result(); err == nil {
		st.QueueLength = n
	}
	return st
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
