// Package query assembles read models over the spread store.
package query

import (
	"context"
	"fmt"

	"spreadwatcher/internal/market"
	"spreadwatcher/internal/pairs"
	"spreadwatcher/internal/spread"
	"spreadwatcher/internal/storage"
)

// Snapshot is the current state and history of one pair.
type Snapshot struct {
	PairID           string                `json:"pair_id"`
	Family           string                `json:"family"`
	DomesticContract string                `json:"domestic_contract"`
	ForeignContract  string                `json:"foreign_contract"`
	Current          *market.SpreadRecord  `json:"current"`
	Stats            *spread.Stats         `json:"stats"`
	History          []market.SpreadRecord `json:"history,omitempty"`
	NoData           bool                  `json:"no_data"`
}

// Service answers snapshot queries.
type Service struct {
	store    storage.SpreadStore
	registry *pairs.Registry
}

// New constructs a query service. registry may be nil.
func New(store storage.SpreadStore, registry *pairs.Registry) *Service {
	return &Service{store: store, registry: registry}
}

// Snapshot returns the newest stored record of a pair together with the
// statistics and history of window. Current ignores the window bounds.
func (s *Service) Snapshot(ctx context.Context, family, pairID string, w storage.Window) (Snapshot, error) {
	snap := s.skeleton(family, pairID)

	history, err := s.store.QuerySpreads(ctx, family, pairID, w)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query %s/%s: %w", family, pairID, err)
	}

	var current *market.SpreadRecord
	if w.From == nil && w.To == nil && len(history) > 0 {
		current = &history[len(history)-1]
	} else {
		latest, err := s.store.QuerySpreads(ctx, family, pairID, storage.Window{Limit: 1})
		if err != nil {
			return Snapshot{}, fmt.Errorf("latest %s/%s: %w", family, pairID, err)
		}
		if len(latest) > 0 {
			current = &latest[0]
		}
	}
	if current == nil {
		snap.NoData = true
		return snap, nil
	}

	cur := *current
	snap.fill(cur)
	snap.Current = &cur
	if len(history) == 0 {
		return snap, nil
	}

	stats, err := spread.Summarize(history)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Stats = &stats
	snap.History = history
	return snap, nil
}

// AllPairs returns the latest record of every pair of a family. Registered pairs
// without data are included with NoData set.
func (s *Service) AllPairs(ctx context.Context, family string) (map[string]Snapshot, error) {
	latest, err := s.store.LatestSpreads(ctx, family)
	if err != nil {
		return nil, fmt.Errorf("latest spreads %s: %w", family, err)
	}

	out := make(map[string]Snapshot, len(latest))
	if s.registry != nil {
		for _, p := range s.registry.Pairs(family) {
			snap := s.skeleton(family, p.ID)
			snap.NoData = true
			out[p.ID] = snap
		}
	}

	for _, rec := range latest {
		snap := s.skeleton(family, rec.PairID)
		snap.fill(rec)
		snap.Current = &rec
		snap.NoData = false
		out[rec.PairID] = snap
	}
	return out, nil
}

func (s *Service) skeleton(family, pairID string) Snapshot {
	snap := Snapshot{PairID: pairID, Family: family}
	if s.registry != nil {
		if p, ok := s.registry.Lookup(family, pairID); ok {
			snap.DomesticContract = p.DomesticCode
			snap.ForeignContract = p.ForeignCode
		}
	}
	return snap
}

func (snap *Snapshot) fill(rec market.SpreadRecord) {
	if snap.DomesticContract == "" {
		snap.DomesticContract = rec.DomesticCode
	}
	if snap.ForeignContract == "" {
		snap.ForeignContract = rec.ForeignCode
	}
}
