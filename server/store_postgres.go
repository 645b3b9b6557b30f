package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresProviderStore reads provider settings from the table the admin screens write to.
type PostgresProviderStore struct {
	db    rowQuerier
	pool  *pgxpool.Pool
	query string
	name  string
}

// OpenPostgresProviderStore connects a pool and returns the store.
func OpenPostgresProviderStore(ctx context.Context, dsn, table, name string) (*PostgresProviderStore, error) {
	if !validIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect provider store: %w", err)
	}
	store := newPostgresProviderStore(pool, table, name)
	store.pool = pool
	return store, nil
}

func newPostgresProviderStore(db rowQuerier, table, name string) *PostgresProviderStore {
	return &PostgresProviderStore{
		db:   db,
		name: name,
		query: `
SELECT domain, client_id, COALESCE(client_secret, ''), COALESCE(audience, ''), enabled, verify_id_token
FROM ` + table + `
WHERE name = $1
LIMIT 1`,
	}
}

// LoadProvider fetches the row for the configured provider name. No row means disabled.
func (s *PostgresProviderStore) LoadProvider(ctx context.Context) (ProviderConfig, error) {
	var cfg ProviderConfig
	row := s.db.QueryRow(ctx, s.query, s.name)
	if err := row.Scan(&cfg.Domain, &cfg.ClientID, &cfg.ClientSecret, &cfg.Audience, &cfg.Enabled, &cfg.VerifyIDToken); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProviderConfig{}, nil
		}
		return ProviderConfig{}, fmt.Errorf("query provider settings: %w", err)
	}
	return cfg, nil
}

// Close releases the pool.
func (s *PostgresProviderStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
