package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"spreadwatcher/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrPersistence marks a failed write or read against the store.
	ErrPersistence = errors.New("storage: persistence failure")
	// ErrInvalidRecord marks a record rejected before it reached the store.
	ErrInvalidRecord = errors.New("storage: invalid record")
	// ErrInvalidFamily marks a family name unusable as a table name.
	ErrInvalidFamily = errors.New("storage: invalid family name")
)

var familyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,40}$`)

// PersistenceError wraps a storage failure with the operation that failed.
type PersistenceError struct {
	Op     string
	Family string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.Family != "" {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Family, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets callers match any PersistenceError with errors.Is(err, ErrPersistence).
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Window bounds a history query. From is inclusive, To exclusive; Limit keeps the newest rows.
type Window struct {
	From  *time.Time
	To    *time.Time
	Limit int
}

// Contains reports whether ts falls inside the window bounds.
func (w Window) Contains(ts time.Time) bool {
	if w.From != nil && ts.Before(*w.From) {
		return false
	}
	if w.To != nil && !ts.Before(*w.To) {
		return false
	}
	return true
}

// SkippedRecord is a batch member rejected by validation.
type SkippedRecord struct {
	Record market.SpreadRecord
	Reason error
}

// BatchResult summarises a batch upsert.
type BatchResult struct {
	Written int
	Skipped []SkippedRecord
}

// SpreadStore persists spread records keyed by (pair_id, timestamp).
type SpreadStore interface {
	EnsureFamily(ctx context.Context, family string) error
	UpsertSpread(ctx context.Context, family string, rec market.SpreadRecord) error
	UpsertSpreads(ctx context.Context, family string, recs []market.SpreadRecord) (BatchResult, error)
	QuerySpreads(ctx context.Context, family, pairID string, w Window) ([]market.SpreadRecord, error)
	LatestSpreads(ctx context.Context, family string) ([]market.SpreadRecord, error)
}

// CooldownStore keeps the last alert time per pair key.
type CooldownStore interface {
	GetLastAlert(ctx context.Context, key string) (time.Time, bool, error)
	SetLastAlert(ctx context.Context, key string, ts time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// CheckFamily validates a family name for use in table names.
func CheckFamily(family string) error {
	if !familyPattern.MatchString(family) {
		return fmt.Errorf("%w: %q", ErrInvalidFamily, family)
	}
	return nil
}

// TableName returns the spread table of a family.
func TableName(family string) string {
	return family + "_pairs"
}

// partition splits records into valid ones and skipped ones.
func partition(recs []market.SpreadRecord) ([]market.SpreadRecord, []SkippedRecord) {
	valid := make([]market.SpreadRecord, 0, len(recs))
	var skipped []SkippedRecord
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			skipped = append(skipped, SkippedRecord{Record: rec, Reason: fmt.Errorf("%w: %v", ErrInvalidRecord, err)})
			continue
		}
		valid = append(valid, rec)
	}
	return valid, skipped
}
