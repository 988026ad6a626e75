// Package lock guards notification handling so at most one handler runs per
// (address, offset) key.
package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Locker hands out non-blocking, key-scoped locks. unlock must be called
// exactly once when ok is true.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool)
}

// NotificationKey builds the lock key for one delivery
func NotificationKey(address string, offset uint64) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(strings.TrimSpace(address)), offset)
}

// Memory is an in-process lock set. Each engine owns its own instance.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory creates an empty lock set
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// TryLock claims key unless it is already held
func (m *Memory) TryLock(_ context.Context, key string) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[key]; busy {
		return nil, false
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently locked
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.held[key]
	return busy
}

// Len returns the number of held keys
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}
