package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
)

//go:embed schema/*.sql
var schemaFS embed.FS

const createFamilyTableSQL = `CREATE TABLE IF NOT EXISTS %s (
    pair_id                 TEXT        NOT NULL,
    domestic_contract       TEXT        NOT NULL,
    foreign_contract        TEXT        NOT NULL,
    ts                      TIMESTAMPTZ NOT NULL,
    domestic_price          NUMERIC     NOT NULL,
    foreign_price_native    NUMERIC     NOT NULL,
    foreign_price_converted NUMERIC     NOT NULL,
    spread_abs              NUMERIC     NOT NULL,
    spread_pct              NUMERIC     NOT NULL,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (pair_id, ts)
);`

// EnsureSchema applies the embedded shared schema files in name order.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	names, err := fs.Glob(schemaFS, "schema/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := schemaFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return &PersistenceError{Op: "apply " + name, Err: err}
		}
	}
	return nil
}

// EnsureFamily creates the spread table of a family if missing.
func (s *Store) EnsureFamily(ctx context.Context, family string) error {
	if err := CheckFamily(family); err != nil {
		return err
	}
	if _, ok := s.families.Load(family); ok {
		return nil
	}

	pool, err := s.getPool()
	if err != nil {
		return err
	}

	table := pgx.Identifier{TableName(family)}.Sanitize()
	if _, err := pool.Exec(ctx, fmt.Sprintf(createFamilyTableSQL, table)); err != nil {
		return &PersistenceError{Op: "create spread table", Family: family, Err: err}
	}
	s.families.Store(family, table)
	return nil
}
