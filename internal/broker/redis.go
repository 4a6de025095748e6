package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Constants for the Redis broker.
const (
	// DefaultQueueKey is the Redis list holding serialized tasks.
	DefaultQueueKey = "scheduler:tasks"
	// blockTimeout bounds each BLPOP so Dequeue can observe context
	// cancellation between polls.
	blockTimeout = 5 * time.Second
)

// RedisOpts holds configuration options for the Redis broker.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	QueueKey string
}

// RedisOption defines a configuration option for the Redis broker.
type RedisOption func(*RedisOpts)

// WithAddr sets the Redis server address (host:port).
func WithAddr(addr string) RedisOption {
	return func(o *RedisOpts) { o.Addr = addr }
}

// WithPassword sets the Redis password.
func WithPassword(pw string) RedisOption {
	return func(o *RedisOpts) { o.Password = pw }
}

// WithDB sets the Redis database index.
func WithDB(db int) RedisOption {
	return func(o *RedisOpts) { o.DB = db }
}

// WithQueueKey overrides the Redis list key.
func WithQueueKey(key string) RedisOption {
	return func(o *RedisOpts) { o.QueueKey = key }
}

// RedisBroker queues tasks on a Redis list (RPUSH producer, BLPOP consumer)
// so workers can run in separate processes.
type RedisBroker struct {
	client   *redis.Client
	queueKey string
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, opts ...RedisOption) (*RedisBroker, error) {
	cfg := RedisOpts{QueueKey: DefaultQueueKey}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address must be provided")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	slog.Info("RedisBroker connected", "addr", cfg.Addr, "queue", cfg.QueueKey)
	return &RedisBroker{client: client, queueKey: cfg.QueueKey}, nil
}

// Enqueue serializes the task and pushes it onto the queue list.
func (b *RedisBroker) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}
	if err := b.client.RPush(ctx, b.queueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	slog.Debug("RedisBroker task enqueued", "task_id", task.ID, "kind", task.Kind, "schedule_id", task.ScheduleID)
	return nil
}

// Dequeue blocks on BLPOP in short intervals until a task arrives or the
// context is cancelled.
func (b *RedisBroker) Dequeue(ctx context.Context) (Task, error) {
	for {
		res, err := b.client.BLPop(ctx, blockTimeout, b.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Timed out with an empty queue; poll again.
				continue
			}
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("failed to dequeue task: %w", err)
		}
		// BLPOP returns [key, value].
		if len(res) != 2 {
			return Task{}, fmt.Errorf("unexpected BLPOP response length %d", len(res))
		}
		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			slog.Error("RedisBroker dropping undecodable task", "error", err)
			continue
		}
		return task, nil
	}
}

// Close closes the Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
