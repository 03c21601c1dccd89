package broker

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value   int64
	expires time.Time
}

type memWindow struct {
	span time.Duration
	hits []time.Time
}

const memSweepInterval = time.Minute

// Memory is a single-process Broker. It is correct only when one gateway
// instance runs; multi-instance deployments use Redis.
type Memory struct {
	mu      sync.Mutex
	values  map[string]memEntry
	windows map[string]*memWindow
	subs    map[string]map[chan []byte]struct{}

	stop      chan struct{}
	closeOnce sync.Once

	// Now is swappable for tests.
	Now func() time.Time
}

// NewMemory 创建进程内 broker，并启动后台清理协程回收过期键与空闲窗口；Close 停止清理。
func NewMemory() *Memory {
	m := &Memory{
		values:  make(map[string]memEntry),
		windows: make(map[string]*memWindow),
		subs:    make(map[string]map[chan []byte]struct{}),
		stop:    make(chan struct{}),
		Now:     time.Now,
	}
	go m.gc(memSweepInterval)
	return m
}

func (m *Memory) gc(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops expired values and windows with no hit inside their span.
func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	for k, e := range m.values {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.values, k)
		}
	}
	for k, w := range m.windows {
		if n := len(w.hits); n == 0 || !w.hits[n-1].After(now.Add(-w.span)) {
			delete(m.windows, k)
		}
	}
}

// load returns the live entry for key; callers hold m.mu.
func (m *Memory) load(key string) (memEntry, bool) {
	e, ok := m.values[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !m.Now().Before(e.expires) {
		delete(m.values, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.load(key)
	e.value++
	m.values[key] = e
	return e.value, nil
}

func (m *Memory) Decr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.load(key)
	e.value--
	if e.value <= 0 {
		delete(m.values, key)
	} else {
		m.values[key] = e
	}
	return e.value, nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.load(key)
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = m.Now().Add(ttl)
	}
	m.values[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.load(key); ok {
		return false, nil
	}
	e := memEntry{value: 1}
	if ttl > 0 {
		e.expires = m.Now().Add(ttl)
	}
	m.values[key] = e
	return true, nil
}

func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	cutoff := now.Add(-window)
	w := m.windows[key]
	if w == nil {
		w = &memWindow{}
	}
	kept := w.hits[:0]
	for _, ts := range w.hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.span = window
	if len(kept) >= limit {
		if len(kept) == 0 {
			delete(m.windows, key)
			return false, nil
		}
		w.hits = kept
		m.windows[key] = w
		return false, nil
	}
	w.hits = append(kept, now)
	m.windows[key] = w
	return true, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	targets := make([]chan []byte, 0, len(m.subs[channel]))
	for ch := range m.subs[channel] {
		targets = append(targets, ch)
	}
	m.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	inbox := make(chan []byte, 1024)
	out := make(chan []byte)
	m.mu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[chan []byte]struct{})
	}
	m.subs[channel][inbox] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.subs[channel], inbox)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-inbox:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}
