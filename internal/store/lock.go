package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Pay/internal/errors"
	"OpenMCP-Pay/pkg/logger"
)

// Locker 提供实体级互斥。返回的 unlock 必须被调用且只能调用一次。
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LockKey 拼接实体锁的键。
func LockKey(kind Kind, id string) string {
	return string(kind) + ":" + id
}

// MemoryLocker 是进程内的按键互斥锁，键不再使用时自动回收。
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker 创建 MemoryLocker。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*lockEntry)}
}

// Lock 实现 Locker 接口。等待期间 ctx 取消会返回错误。
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, entry)
		return nil, xerrors.Wrap(xerrors.CodeLockFailure, ctx.Err(), "获取实体锁超时", xerrors.WithMetadata("key", key))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			l.release(key, entry)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

// RedisLockerConfig 描述分布式锁参数。
type RedisLockerConfig struct {
	Prefix     string
	TTL        time.Duration
	RetryDelay time.Duration
}

// releaseScript 仅在持有者匹配时删除锁。
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript 仅在持有者匹配时续期。
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker 使用 SET NX PX 实现跨进程的租约锁。持有期间每 TTL/3 续期一次，
// 因此等待链上确认等长耗时操作不会让租约在临界区内过期。
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    *slog.Logger
}

// NewRedisLocker 创建 RedisLocker。
func NewRedisLocker(client *redis.Client, cfg RedisLockerConfig) *RedisLocker {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "openmcp-pay:lock"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = 20 * time.Millisecond
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: retry, log: logger.Named("lock")}
}

// Lock 实现 Locker 接口。
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := l.prefix + ":" + key
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, xerrors.Wrap(xerrors.CodeLockFailure, err, "获取分布式锁失败", xerrors.WithMetadata("key", key))
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, xerrors.Wrap(xerrors.CodeLockFailure, ctx.Err(), "获取实体锁超时", xerrors.WithMetadata("key", key))
		case <-timer.C:
		}
	}

	renewCtx, stopRenew := context.WithCancel(context.Background())
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		keepAlive(renewCtx, l.ttl/3, func(ctx context.Context) (bool, error) {
			n, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
			return n == 1, err
		}, func(err error) {
			l.log.Error("分布式锁续期失败，租约可能已被其他进程持有",
				slog.String("key", key), slog.Any("error", err))
		})
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			<-renewDone
			// 释放不受调用方 ctx 影响，避免请求取消后锁残留到 TTL。
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}

// errLeaseLost 表示续期时发现锁已不属于当前持有者。
var errLeaseLost = errors.New("lease lost")

// keepAlive 每隔 interval 调用一次 extend，直到 ctx 结束。extend 报告租约已丢失时调用 onFailure 并停止；
// 临时错误只上报，下一轮继续尝试。
func keepAlive(ctx context.Context, interval time.Duration, extend func(context.Context) (bool, error), onFailure func(error)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := extend(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			onFailure(err)
		case !ok:
			onFailure(errLeaseLost)
			return
		}
	}
}

var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
