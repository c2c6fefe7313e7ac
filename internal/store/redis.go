package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Pay/internal/errors"
)

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// NewRedisClient 按配置建立 Redis 连接并验证连通性。
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return client, nil
}

// insertScript 原子地写入记录并追加 owner 索引；记录已存在时返回 0。
var insertScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return 0
end
for i = 2, #KEYS do
  redis.call('RPUSH', KEYS[i], ARGV[2])
end
return 1
`)

// RedisBackend 使用 Redis 字符串保存记录、list 保存 owner 索引。
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend 基于已有客户端创建 Backend。
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "openmcp-pay"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) recordKey(kind Kind, id string) string {
	return fmt.Sprintf("%s:rec:%s:%s", r.prefix, kind, id)
}

func (r *RedisBackend) indexKey(kind Kind, owner string) string {
	return fmt.Sprintf("%s:idx:%s:%s", r.prefix, kind, owner)
}

// Insert 实现 Backend 接口。
func (r *RedisBackend) Insert(ctx context.Context, kind Kind, id string, data []byte, owners ...string) error {
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	keys := make([]string, 0, len(owners)+1)
	keys = append(keys, r.recordKey(kind, id))
	for _, owner := range owners {
		keys = append(keys, r.indexKey(kind, owner))
	}
	created, err := insertScript.Run(ctx, r.client, keys, data, id).Int()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入记录失败")
	}
	if created == 0 {
		return ErrConflict
	}
	return nil
}

// Get 实现 Backend 接口。
func (r *RedisBackend) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.recordKey(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 查询记录失败")
	}
	return data, nil
}

// Update 实现 Backend 接口。
func (r *RedisBackend) Update(ctx context.Context, kind Kind, id string, data []byte) error {
	ok, err := r.client.SetXX(ctx, r.recordKey(kind, id), data, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 更新记录失败")
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ListIDs 实现 Backend 接口。
func (r *RedisBackend) ListIDs(ctx context.Context, kind Kind, owner string) ([]string, error) {
	ids, err := r.client.LRange(ctx, r.indexKey(kind, owner), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 查询索引失败")
	}
	return ids, nil
}

// Close 关闭客户端。
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
