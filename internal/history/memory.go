package history

import (
	"context"
	"sync"
)

const memoryCapacity = 10000

// Memory keeps the most recent records in process.
type Memory struct {
	mu     sync.RWMutex
	orders []OrderRecord
	trades []TradeRecord
	stats  Stats
}

// NewMemory constructs an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordOrder(_ context.Context, rec OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = appendBounded(m.orders, rec)
	m.stats.Orders++
	return nil
}

func (m *Memory) RecordTrade(_ context.Context, rec TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = appendBounded(m.trades, rec)
	accumulate(&m.stats, rec)
	return nil
}

func (m *Memory) Orders(_ context.Context, limit int) ([]OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.orders, normalizeLimit(limit)), nil
}

func (m *Memory) Trades(_ context.Context, limit int) ([]TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.trades, normalizeLimit(limit)), nil
}

func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats, nil
}

func (m *Memory) Close() error { return nil }

func appendBounded[T any](items []T, item T) []T {
	if len(items) >= memoryCapacity {
		copy(items, items[1:])
		items = items[:len(items)-1]
	}
	return append(items, item)
}

func newestFirst[T any](items []T, limit int) []T {
	n := len(items)
	if limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, items[i])
	}
	return out
}
