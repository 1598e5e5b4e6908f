package cache

import (
	"context"
	"path"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/modfin/sendq/tools"
)

type entry struct {
	value []byte
	count int64
}

// Memory is a process local backend, used when no redis is configured and in tests.
type Memory struct {
	items *ttlcache.Cache[string, entry]
	locks *tools.KeyedMutex[string]
	now   func() time.Time
}

func NewMemory() *Memory {
	m := &Memory{
		items: ttlcache.New[string, entry](ttlcache.WithDisableTouchOnHit[string, entry]()),
		locks: tools.NewKeyedMutex[string](),
		now:   time.Now,
	}
	go m.items.Start()
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	item := m.items.Get(key)
	if item == nil {
		return nil, ErrMiss
	}
	return item.Value().value, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.items.Set(key, entry{value: value}, ttl)
	return nil
}

func (m *Memory) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	item := m.items.Get(key)
	if item == nil {
		m.items.Set(key, entry{count: 1}, window)
		return 1, window, nil
	}

	// the window is kept from the first increment
	remaining := item.ExpiresAt().Sub(m.now())
	if remaining <= 0 {
		m.items.Set(key, entry{count: 1}, window)
		return 1, window, nil
	}
	e := item.Value()
	e.count++
	m.items.Set(key, e, remaining)
	return e.count, remaining, nil
}

func (m *Memory) Delete(_ context.Context, pattern string) (int, error) {
	var n int
	for _, k := range m.items.Keys() {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return n, err
		}
		if ok {
			m.items.Delete(k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error {
	m.items.Stop()
	return nil
}
