package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"spreadwatcher/internal/market"
)

// MemoryStore is an in-process SpreadStore used when no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]map[int64]market.SpreadRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[string]map[int64]market.SpreadRecord)}
}

// EnsureFamily validates the family name; tables are implicit.
func (m *MemoryStore) EnsureFamily(_ context.Context, family string) error {
	return CheckFamily(family)
}

// UpsertSpread inserts or replaces the record keyed by (pair_id, timestamp).
func (m *MemoryStore) UpsertSpread(ctx context.Context, family string, rec market.SpreadRecord) error {
	if err := m.EnsureFamily(ctx, family); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	m.mu.Lock()
	m.put(family, rec)
	m.mu.Unlock()
	return nil
}

// UpsertSpreads applies every valid record under one lock.
func (m *MemoryStore) UpsertSpreads(ctx context.Context, family string, recs []market.SpreadRecord) (BatchResult, error) {
	if err := m.EnsureFamily(ctx, family); err != nil {
		return BatchResult{}, err
	}
	valid, skipped := partition(recs)

	m.mu.Lock()
	for _, rec := range valid {
		m.put(family, rec)
	}
	m.mu.Unlock()

	return BatchResult{Written: len(valid), Skipped: skipped}, nil
}

func (m *MemoryStore) put(family string, rec market.SpreadRecord) {
	byPair, ok := m.rows[family]
	if !ok {
		byPair = make(map[string]map[int64]market.SpreadRecord)
		m.rows[family] = byPair
	}
	byTS, ok := byPair[rec.PairID]
	if !ok {
		byTS = make(map[int64]market.SpreadRecord)
		byPair[rec.PairID] = byTS
	}
	byTS[rec.Timestamp.UnixNano()] = rec
}

// QuerySpreads returns a pair's history ordered oldest-first.
func (m *MemoryStore) QuerySpreads(ctx context.Context, family, pairID string, w Window) ([]market.SpreadRecord, error) {
	if err := m.EnsureFamily(ctx, family); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]market.SpreadRecord, 0, len(m.rows[family][pairID]))
	for _, rec := range m.rows[family][pairID] {
		if w.Contains(rec.Timestamp) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sortByTime(out)
	if w.Limit > 0 && len(out) > w.Limit {
		out = out[len(out)-w.Limit:]
	}
	return out, nil
}

// LatestSpreads returns the newest record of each pair, ordered by pair ID.
func (m *MemoryStore) LatestSpreads(ctx context.Context, family string) ([]market.SpreadRecord, error) {
	if err := m.EnsureFamily(ctx, family); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]market.SpreadRecord, 0, len(m.rows[family]))
	for _, byTS := range m.rows[family] {
		var latest market.SpreadRecord
		for _, rec := range byTS {
			if rec.Timestamp.After(latest.Timestamp) {
				latest = rec
			}
		}
		out = append(out, latest)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return out, nil
}

func sortByTime(recs []market.SpreadRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
}

// MemoryCooldowns keeps alert cooldown timestamps in process memory.
type MemoryCooldowns struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemoryCooldowns constructs an empty cooldown map.
func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{last: make(map[string]time.Time)}
}

// GetLastAlert returns the stored timestamp of key.
func (c *MemoryCooldowns) GetLastAlert(_ context.Context, key string) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.last[key]
	return ts, ok, nil
}

// SetLastAlert stores the timestamp of key.
func (c *MemoryCooldowns) SetLastAlert(_ context.Context, key string, ts time.Time) error {
	c.mu.Lock()
	c.last[key] = ts
	c.mu.Unlock()
	return nil
}

var (
	_ SpreadStore   = (*MemoryStore)(nil)
	_ CooldownStore = (*MemoryCooldowns)(nil)
)
