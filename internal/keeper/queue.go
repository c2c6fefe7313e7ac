package keeper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job 是一次定期付款的执行请求。
type Job struct {
	ID         string `json:"id"`
	ScheduleID string `json:"schedule_id"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// NewJob 为计划生成一个新的投递。
func NewJob(scheduleID string, now time.Time) Job {
	return Job{ID: uuid.NewString(), ScheduleID: scheduleID, EnqueuedAt: now.Unix()}
}

// Retry 返回下一次尝试的投递。
func (j Job) Retry() Job {
	j.Attempt++
	return j
}

func encodeJob(job Job) ([]byte, error) {
	return json.Marshal(job)
}

func decodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("解析任务消息失败: %w", err)
	}
	if job.ScheduleID == "" {
		return Job{}, fmt.Errorf("任务消息缺少 schedule_id")
	}
	return job, nil
}

// Handler 处理一条任务，返回错误表示需要重投。
type Handler func(ctx context.Context, job Job) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, job Job) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
