// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"sync"
)

// ErrKeyNotFound 表示键在存储中不存在。
var ErrKeyNotFound = errors.New("key not found")

// KVStore 是字符串值的键值存储，对应浏览器中的 localStorage。
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type memoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryKV 创建一个进程内的 KVStore，重启后数据丢失，用于本地开发和测试。
func NewMemoryKV() KVStore {
	return &memoryKV{data: make(map[string]string)}
}

func (m *memoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (m *memoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
