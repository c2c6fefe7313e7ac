// Package keeper 周期性扫描到期的定期付款计划并通过队列交给工作协程执行。
// 重复触发是安全的：到期检查在计划锁内完成，未到期的投递被直接丢弃。
package keeper

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/internal/observability/metrics"
	"OpenMCP-Pay/internal/payment"
	"OpenMCP-Pay/internal/settlement"
	"OpenMCP-Pay/pkg/logger"
)

// DefaultSpec 每分钟扫描一次，与最短执行间隔一致。
const DefaultSpec = "@every 1m"

// Executor 是 keeper 需要的结算引擎能力。
type Executor interface {
	DueSchedules(ctx context.Context) ([]*settlement.Schedule, error)
	ExecuteRecurringPayment(ctx context.Context, caller common.Address, id string) (*payment.Payment, error)
}

// Keeper 组合 cron 扫描与队列消费。
type Keeper struct {
	executor Executor
	queue    Queue
	cron     *cron.Cron
	spec     string
	workers  int
	caller   common.Address
	now      func() time.Time
	log      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Keeper)

// WithSpec 设置扫描周期（cron 表达式或 @every 描述）。
func WithSpec(spec string) Option {
	return func(k *Keeper) {
		if spec != "" {
			k.spec = spec
		}
	}
}

// WithWorkers 设置消费协程数量。
func WithWorkers(n int) Option {
	return func(k *Keeper) {
		if n > 0 {
			k.workers = n
		}
	}
}

// WithCaller 设置审计日志中记录的触发地址。
func WithCaller(addr common.Address) Option {
	return func(k *Keeper) { k.caller = addr }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) {
		if now != nil {
			k.now = now
		}
	}
}

// New 构造 Keeper。
func New(executor Executor, queue Queue, opts ...Option) *Keeper {
	log := logger.Named("keeper")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(log.Handler(), slog.LevelInfo))
	k := &Keeper{
		executor: executor,
		queue:    queue,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		spec:     DefaultSpec,
		workers:  1,
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k
}

// Scan 把所有到期计划投递到队列，返回投递数量。
func (k *Keeper) Scan(ctx context.Context) (int, error) {
	due, err := k.executor.DueSchedules(ctx)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, s := range due {
		if err := k.queue.Publish(ctx, NewJob(s.ID, k.now())); err != nil {
			k.log.Error("投递定期付款任务失败", slog.String("schedule_id", s.ID), slog.Any("error", err))
			return published, xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递定期付款任务失败")
		}
		published++
	}
	if published > 0 {
		k.log.Info("已投递到期计划", slog.Int("count", published))
	}
	return published, nil
}

// Start 注册扫描任务并阻塞消费队列，直到 ctx 结束。
func (k *Keeper) Start(ctx context.Context) error {
	if k.executor == nil || k.queue == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "keeper 未初始化")
	}
	if _, err := k.cron.AddFunc(k.spec, func() {
		if _, err := k.Scan(ctx); err != nil {
			k.log.Error("扫描到期计划失败", slog.Any("error", err))
		}
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "注册扫描任务失败")
	}
	k.cron.Start()
	k.log.Info("keeper 已启动", slog.String("spec", k.spec), slog.Int("workers", k.workers))
	defer func() {
		<-k.cron.Stop().Done()
	}()
	return k.queue.Consume(ctx, k.workers, k.Handle)
}

// Handle 执行一次投递。未到期或已停用的计划视为成功；只有可重试的错误才要求重投。
func (k *Keeper) Handle(ctx context.Context, job Job) error {
	_, err := k.executor.ExecuteRecurringPayment(ctx, k.caller, job.ScheduleID)
	if err == nil || stdErrors.Is(err, settlement.ErrNotDue) || xerrors.CodeOf(err) == settlement.CodeInvalidStatus {
		if err != nil {
			k.log.Debug("跳过计划", slog.String("schedule_id", job.ScheduleID), slog.String("reason", xerrors.ReasonOf(err)))
		}
		metrics.ObserveKeeperJob(nil)
		return nil
	}

	metrics.ObserveKeeperJob(err)
	k.log.Warn("定期付款执行失败",
		slog.String("job_id", job.ID),
		slog.String("schedule_id", job.ScheduleID),
		slog.Int("attempt", job.Attempt),
		slog.Any("error", err))
	if xerrors.RetryableError(err) {
		return err
	}
	return nil
}
