package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is a process-local Locker for single-instance deployments without Redis.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryEntry
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, leases: make(map[string]memoryEntry)}
}

func (m *Memory) ProcessWithLock(ctx context.Context, name string, ttl time.Duration, fn Func) error {
	token := newToken()
	m.mu.Lock()
	if entry, ok := m.leases[name]; ok && m.now().Before(entry.expiresAt) {
		m.mu.Unlock()
		return lockedError(name)
	}
	m.leases[name] = memoryEntry{token: token, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if entry, ok := m.leases[name]; ok && entry.token == token {
			delete(m.leases, name)
		}
		m.mu.Unlock()
	}()

	return fn(ctx, &memoryLease{owner: m, name: name, token: token})
}

type memoryLease struct {
	owner *Memory
	name  string
	token string
}

func (l *memoryLease) Name() string {
	return l.name
}

func (l *memoryLease) Extend(_ context.Context, ttl time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	entry, ok := l.owner.leases[l.name]
	if !ok || entry.token != l.token || !l.owner.now().Before(entry.expiresAt) {
		return fmt.Errorf("extend lock %s: %w", l.name, ErrLeaseLost)
	}
	entry.expiresAt = l.owner.now().Add(ttl)
	l.owner.leases[l.name] = entry
	return nil
}
