package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// Memory is a process-local Store. Suitable for single-node deployments
// and tests; contents do not survive a restart.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
	bus   *bus
	stop  chan struct{}
	once  sync.Once
}

// NewMemory returns an empty in-process store with a background janitor
// sweeping expired keys.
func NewMemory() *Memory {
	m := &Memory{
		items: make(map[string]memoryItem),
		bus:   newBus(),
		stop:  make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, it := range m.items {
				if it.expired(now) {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || it.expired(time.Now()) {
		delete(m.items, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	it := memoryItem{value: stored}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = it
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || it.expired(time.Now()) {
		delete(m.items, key)
		return ErrNotFound
	}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	} else {
		it.expiresAt = time.Time{}
	}
	m.items[key] = it
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, it := range m.items {
		if it.expired(now) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current []byte
	if it, ok := m.items[key]; ok && !it.expired(time.Now()) {
		current = make([]byte, len(it.value))
		copy(current, it.value)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	it := memoryItem{value: next}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.bus.publish(channel, payload)
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (<-chan string, func(), error) {
	ch, cancel := m.bus.subscribe(channel)
	return ch, cancel, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

// bus is a minimal in-process publish/subscribe fan-out shared by the
// memory and badger backends.
type bus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan string
	next int
}

func newBus() *bus {
	return &bus{subs: make(map[string]map[int]chan string)}
}

func (b *bus) subscribe(channel string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan string, 16)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan string)
	}
	b.subs[channel][id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[channel][id]; ok {
			delete(b.subs[channel], id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *bus) publish(channel, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
			// Slow subscribers drop messages rather than block publishers.
		}
	}
}
