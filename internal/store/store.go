// Package store 为结算核心提供按实体类型划分的记录表、追加式的用户索引以及实体级互斥锁。
package store

import (
	"context"
	"encoding/json"

	xerrors "OpenMCP-Pay/internal/errors"
)

// Kind 标识一类实体，对应一张逻辑表。
type Kind string

const (
	KindPayment    Kind = "payment"
	KindPermission Kind = "permission"
	KindBatch      Kind = "batch"
	KindSchedule   Kind = "schedule"
	KindMultiLeg   Kind = "multileg"
	KindEscrow     Kind = "escrow"
	KindMilestone  Kind = "milestone"
)

// AllOwners 是全局索引使用的 owner，例如 keeper 扫描全部定期计划。
const AllOwners = "*"

var (
	// ErrNotFound 记录不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "record not found")
	// ErrConflict 主键重复。
	ErrConflict = xerrors.New(xerrors.CodeConflict, "record already exists")
)

// Backend 抽象了记录的持久化。记录以序列化后的字节存储，owner 索引只追加、保持插入顺序。
type Backend interface {
	Insert(ctx context.Context, kind Kind, id string, data []byte, owners ...string) error
	Get(ctx context.Context, kind Kind, id string) ([]byte, error)
	Update(ctx context.Context, kind Kind, id string, data []byte) error
	ListIDs(ctx context.Context, kind Kind, owner string) ([]string, error)
	Close() error
}

// Table 是 Backend 之上的强类型视图，记录以 JSON 编码。
type Table[T any] struct {
	backend Backend
	kind    Kind
}

// NewTable 创建指定实体类型的表。
func NewTable[T any](backend Backend, kind Kind) *Table[T] {
	return &Table[T]{backend: backend, kind: kind}
}

// Kind 返回表对应的实体类型。
func (t *Table[T]) Kind() Kind { return t.kind }

// Insert 写入新记录并追加到各 owner 的索引。
func (t *Table[T]) Insert(ctx context.Context, id string, record *T, owners ...string) error {
	data, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码记录失败")
	}
	return t.backend.Insert(ctx, t.kind, id, data, dedupe(owners)...)
}

// Get 读取记录，返回的是独立副本。
func (t *Table[T]) Get(ctx context.Context, id string) (*T, error) {
	data, err := t.backend.Get(ctx, t.kind, id)
	if err != nil {
		return nil, err
	}
	var record T
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记录失败")
	}
	return &record, nil
}

// Update 覆盖已有记录。
func (t *Table[T]) Update(ctx context.Context, id string, record *T) error {
	data, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码记录失败")
	}
	return t.backend.Update(ctx, t.kind, id, data)
}

// IDs 返回 owner 名下的记录 ID，按插入顺序排列。
func (t *Table[T]) IDs(ctx context.Context, owner string) ([]string, error) {
	return t.backend.ListIDs(ctx, t.kind, owner)
}

// ListByOwner 按插入顺序返回 owner 名下的全部记录。
func (t *Table[T]) ListByOwner(ctx context.Context, owner string) ([]*T, error) {
	ids, err := t.IDs(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		record, err := t.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func dedupe(owners []string) []string {
	seen := make(map[string]struct{}, len(owners))
	out := make([]string, 0, len(owners))
	for _, owner := range owners {
		if owner == "" {
			continue
		}
		if _, ok := seen[owner]; ok {
			continue
		}
		seen[owner] = struct{}{}
		out = append(out, owner)
	}
	return out
}
