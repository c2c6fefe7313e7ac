package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenMCP-Pay/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列参数。
type RedisQueueConfig struct {
	Queue       string
	BlockWait   time.Duration
	MaxAttempts int
}

// RedisQueue 使用 Redis list 实现任务队列，可与存储后端共用连接。
type RedisQueue struct {
	client      *redis.Client
	queue       string
	wait        time.Duration
	maxAttempts int
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "openmcp-pay:keeper"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &RedisQueue{client: client, queue: queue, wait: wait, maxAttempts: attempts}, nil
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, job Job) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, body).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取任务。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取任务失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				job, err := decodeJob([]byte(values[1]))
				if err != nil {
					logger.L().Warn("丢弃无法解析的任务", slog.String("queue", q.queue), slog.Any("error", err))
					continue
				}
				if handlerErr := handler(ctx, job); handlerErr != nil {
					q.retry(ctx, job)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) retry(ctx context.Context, job Job) {
	next := job.Retry()
	if next.Attempt >= q.maxAttempts {
		logger.L().Warn("任务重试次数耗尽", slog.String("job_id", job.ID), slog.String("schedule_id", job.ScheduleID))
		return
	}
	body, err := encodeJob(next)
	if err != nil {
		return
	}
	_ = q.client.RPush(ctx, q.queue, body).Err()
}

// Close 不关闭共享的 Redis 连接，连接由创建方释放。
func (q *RedisQueue) Close() error {
	return nil
}
