// Package store 持久化账本、拍卖和物品登记处的完整状态，并归档结算记录。
package store

import (
	"encoding/json"
	"sync"

	"minter/internal/errors"
	"minter/pkg/models"
)

// Store 状态快照存储
type Store interface {
	// SaveSnapshot 原子地替换已保存的状态
	SaveSnapshot(snapshot *models.Snapshot) error
	// LoadSnapshot 读取最近一次保存的状态，从未保存过时 found 为 false
	LoadSnapshot() (snapshot *models.Snapshot, found bool, err error)
	Close() error
}

// MemoryStore 内存快照存储，保存序列化后的副本
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveSnapshot 保存快照
func (m *MemoryStore) SaveSnapshot(snapshot *models.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.ErrSerializationFailed.Wrap(err).WithComponent("store")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	m.saves++
	return nil
}

// LoadSnapshot 读取快照
func (m *MemoryStore) LoadSnapshot() (*models.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, false, nil
	}
	var snapshot models.Snapshot
	if err := json.Unmarshal(m.data, &snapshot); err != nil {
		return nil, false, errors.ErrSerializationFailed.Wrap(err).WithComponent("store")
	}
	return &snapshot, true, nil
}

// Saves 返回保存次数
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Close 无操作
func (m *MemoryStore) Close() error {
	return nil
}
