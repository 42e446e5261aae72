package cache

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type memEntry struct {
	value   []byte
	expires time.Time
}

// Memory is a process-local cache on a lock-free map. It is the default tier for a
// single server process.
type Memory struct {
	entries *xsync.Map[string, memEntry]
	now     func() time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		entries: xsync.NewMap[string, memEntry](),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := m.entries.Load(key)
	if !ok {
		return nil, ErrMiss
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		m.entries.Delete(key)
		return nil, ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries.Store(key, e)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.entries.Delete(key)
	return nil
}

func (m *Memory) Flush(_ context.Context) error {
	m.entries.Clear()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	return m.entries.Size()
}

func (m *Memory) Type() string { return "memory" }

func (m *Memory) Close() error { return nil }
