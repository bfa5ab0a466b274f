package media

import (
	"context"
	"sync"
	"time"

	"instaup/internal/models"
)

// Memory 把对象保存在进程内存中，用于 dev 和测试。
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	// FailDelete 非空时每次 Delete 都返回它
	FailDelete error
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, data []byte, folder, contentType string) (models.Media, error) {
	if err := ctx.Err(); err != nil {
		return models.Media{}, err
	}
	key := NewKey(folder, contentType, time.Now().UTC())
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return models.Media{URL: "memory://" + key, Key: key}, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDelete != nil {
		return m.FailDelete
	}
	delete(m.objects, key)
	return nil
}

func (m *Memory) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
