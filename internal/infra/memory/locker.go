// internal/infra/memory/locker.go
package memory

import (
	"context"
	"sync"

	"threat-api/internal/domain"
)

// Locker is a process-local domain.Locker.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

func (l *Locker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, domain.ErrLockNotAcquired
	}
	l.held[name] = struct{}{}
	return &memoryLock{locker: l, name: name}, nil
}

type memoryLock struct {
	locker *Locker
	name   string
	once   sync.Once
}

func (m *memoryLock) Unlock(ctx context.Context) error {
	m.once.Do(func() {
		m.locker.mu.Lock()
		delete(m.locker.held, m.name)
		m.locker.mu.Unlock()
	})
	return nil
}
