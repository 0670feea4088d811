package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"spreadwatcher/internal/market"
)

const (
	upsertSpreadSQL = `INSERT INTO %s (
        pair_id,
        domestic_contract,
        foreign_contract,
        ts,
        domestic_price,
        foreign_price_native,
        foreign_price_converted,
        spread_abs,
        spread_pct
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (pair_id, ts) DO UPDATE
    SET
        domestic_contract       = EXCLUDED.domestic_contract,
        foreign_contract        = EXCLUDED.foreign_contract,
        domestic_price          = EXCLUDED.domestic_price,
        foreign_price_native    = EXCLUDED.foreign_price_native,
        foreign_price_converted = EXCLUDED.foreign_price_converted,
        spread_abs              = EXCLUDED.spread_abs,
        spread_pct              = EXCLUDED.spread_pct,
        updated_at              = now();`

	querySpreadsSQL = `SELECT * FROM (
        SELECT
            pair_id,
            domestic_contract,
            foreign_contract,
            ts,
            domestic_price::text,
            foreign_price_native::text,
            foreign_price_converted::text,
            spread_abs::text,
            spread_pct::text
        FROM %s
        WHERE pair_id = $1
          AND ($2::timestamptz IS NULL OR ts >= $2)
          AND ($3::timestamptz IS NULL OR ts < $3)
        ORDER BY ts DESC
        LIMIT $4
    ) newest
    ORDER BY ts;`

	latestSpreadsSQL = `SELECT DISTINCT ON (pair_id)
        pair_id,
        domestic_contract,
        foreign_contract,
        ts,
        domestic_price::text,
        foreign_price_native::text,
        foreign_price_converted::text,
        spread_abs::text,
        spread_pct::text
    FROM %s
    ORDER BY pair_id, ts DESC;`

	getLastAlertSQL = `SELECT last_alert_at FROM alert_cooldowns WHERE pair_key = $1;`

	setLastAlertSQL = `INSERT INTO alert_cooldowns (pair_key, last_alert_at)
    VALUES ($1, $2)
    ON CONFLICT (pair_key) DO UPDATE
    SET last_alert_at = EXCLUDED.last_alert_at,
        updated_at    = now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store persists spread records and alert cooldowns in PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	families sync.Map
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func (s *Store) table(ctx context.Context, family string) (string, error) {
	if err := s.EnsureFamily(ctx, family); err != nil {
		return "", err
	}
	table, _ := s.families.Load(family)
	return table.(string), nil
}

func upsertArgs(rec market.SpreadRecord) []any {
	return []any{
		rec.PairID,
		rec.DomesticCode,
		rec.ForeignCode,
		rec.Timestamp,
		rec.DomesticPrice.String(),
		rec.ForeignPriceNative.String(),
		rec.ForeignPriceConverted.String(),
		rec.SpreadAbsolute.String(),
		rec.SpreadPercent.String(),
	}
}

// UpsertSpread inserts a record or replaces the existing row with the same key.
func (s *Store) UpsertSpread(ctx context.Context, family string, rec market.SpreadRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	pool, err := s.getPool()
	if err != nil {
		return err
	}
	table, err := s.table(ctx, family)
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, fmt.Sprintf(upsertSpreadSQL, table), upsertArgs(rec)...); execErr != nil {
		return &PersistenceError{Op: "upsert spread", Family: family, Err: execErr}
	}
	return nil
}

// UpsertSpreads writes all valid records in a single transaction and reports
// the records that failed validation.
func (s *Store) UpsertSpreads(ctx context.Context, family string, recs []market.SpreadRecord) (BatchResult, error) {
	valid, skipped := partition(recs)
	result := BatchResult{Skipped: skipped}
	if len(valid) == 0 {
		return result, nil
	}

	pool, err := s.getPool()
	if err != nil {
		return result, err
	}
	table, err := s.table(ctx, family)
	if err != nil {
		return result, err
	}

	query := fmt.Sprintf(upsertSpreadSQL, table)
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range valid {
			batch.Queue(query, upsertArgs(rec)...)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return result, &PersistenceError{Op: "upsert spread batch", Family: family, Err: err}
	}

	result.Written = len(valid)
	return result, nil
}

// QuerySpreads returns a pair's history ordered oldest-first.
func (s *Store) QuerySpreads(ctx context.Context, family, pairID string, w Window) ([]market.SpreadRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	table, err := s.table(ctx, family)
	if err != nil {
		return nil, err
	}

	var from, to, limit any
	if w.From != nil {
		from = *w.From
	}
	if w.To != nil {
		to = *w.To
	}
	if w.Limit > 0 {
		limit = w.Limit
	}

	rows, queryErr := pool.Query(ctx, fmt.Sprintf(querySpreadsSQL, table), pairID, from, to, limit)
	if queryErr != nil {
		return nil, &PersistenceError{Op: "query spreads", Family: family, Err: queryErr}
	}
	return collectSpreads(rows, family)
}

// LatestSpreads returns the newest record of every pair in a family.
func (s *Store) LatestSpreads(ctx context.Context, family string) ([]market.SpreadRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	table, err := s.table(ctx, family)
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fmt.Sprintf(latestSpreadsSQL, table))
	if queryErr != nil {
		return nil, &PersistenceError{Op: "latest spreads", Family: family, Err: queryErr}
	}
	return collectSpreads(rows, family)
}

// GetLastAlert reads the cooldown timestamp of a pair key.
func (s *Store) GetLastAlert(ctx context.Context, key string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var ts time.Time
	if scanErr := pool.QueryRow(ctx, getLastAlertSQL, key).Scan(&ts); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, &PersistenceError{Op: "get last alert", Err: scanErr}
	}
	return ts, true, nil
}

// SetLastAlert records the time an alert was delivered for a pair key.
func (s *Store) SetLastAlert(ctx context.Context, key string, ts time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setLastAlertSQL, key, ts); execErr != nil {
		return &PersistenceError{Op: "set last alert", Err: execErr}
	}
	return nil
}

func collectSpreads(rows pgx.Rows, family string) ([]market.SpreadRecord, error) {
	defer rows.Close()

	records := make([]market.SpreadRecord, 0)
	for rows.Next() {
		rec, scanErr := scanSpread(rows)
		if scanErr != nil {
			return nil, &PersistenceError{Op: "scan spread", Family: family, Err: scanErr}
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, &PersistenceError{Op: "read spreads", Family: family, Err: rows.Err()}
	}
	return records, nil
}

func scanSpread(rows pgx.Rows) (market.SpreadRecord, error) {
	var (
		rec          market.SpreadRecord
		domesticStr  string
		nativeStr    string
		convertedStr string
		absStr       string
		pctStr       string
	)

	if err := rows.Scan(
		&rec.PairID,
		&rec.DomesticCode,
		&rec.ForeignCode,
		&rec.Timestamp,
		&domesticStr,
		&nativeStr,
		&convertedStr,
		&absStr,
		&pctStr,
	); err != nil {
		return market.SpreadRecord{}, err
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"domestic_price", domesticStr, &rec.DomesticPrice},
		{"foreign_price_native", nativeStr, &rec.ForeignPriceNative},
		{"foreign_price_converted", convertedStr, &rec.ForeignPriceConverted},
		{"spread_abs", absStr, &rec.SpreadAbsolute},
		{"spread_pct", pctStr, &rec.SpreadPercent},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return market.SpreadRecord{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return rec, nil
}

var (
	_ SpreadStore    = (*Store)(nil)
	_ CooldownStore  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
