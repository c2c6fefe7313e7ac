package store

import (
	"context"
	"sync"

	xerrors "OpenMCP-Pay/internal/errors"
)

type recordKey struct {
	kind Kind
	id   string
}

type indexKey struct {
	kind  Kind
	owner string
}

// MemoryBackend 以内存方式保存记录，适用于单机部署与测试。
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[recordKey][]byte
	index   map[indexKey][]string
}

// NewMemoryBackend 创建 MemoryBackend。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[recordKey][]byte),
		index:   make(map[indexKey][]string),
	}
}

// Insert 实现 Backend 接口。
func (m *MemoryBackend) Insert(_ context.Context, kind Kind, id string, data []byte, owners ...string) error {
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{kind: kind, id: id}
	if _, ok := m.records[key]; ok {
		return ErrConflict
	}
	m.records[key] = cloneBytes(data)
	for _, owner := range owners {
		ik := indexKey{kind: kind, owner: owner}
		m.index[ik] = append(m.index[ik], id)
	}
	return nil
}

// Get 实现 Backend 接口。
func (m *MemoryBackend) Get(_ context.Context, kind Kind, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[recordKey{kind: kind, id: id}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(data), nil
}

// Update 实现 Backend 接口。
func (m *MemoryBackend) Update(_ context.Context, kind Kind, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{kind: kind, id: id}
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	m.records[key] = cloneBytes(data)
	return nil
}

// ListIDs 实现 Backend 接口。
func (m *MemoryBackend) ListIDs(_ context.Context, kind Kind, owner string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.index[indexKey{kind: kind, owner: owner}]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

// Close 对内存存储无需操作。
func (m *MemoryBackend) Close() error {
	return nil
}

func cloneBytes(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

var _ Backend = (*MemoryBackend)(nil)
