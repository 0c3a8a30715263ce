package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	log "github.com/sirupsen/logrus"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps auths as jsonb rows.
type PostgresStore struct {
	db    DB
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore connects to dsn and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("store: invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	s := &PostgresStore{db: pool, pool: pool, table: table}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Infof("store: using postgres table %s", table)
	return s, nil
}

// newPostgresStoreWithDB wraps an existing connection.
func newPostgresStoreWithDB(db DB, table string) (*PostgresStore, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("store: invalid table name %q", table)
	}
	return &PostgresStore{db: db, table: table}, nil
}

// EnsureSchema creates the auth table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	content JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("store: create table %s: %w", s.table, err)
	}
	return nil
}

// List returns every stored auth ordered by ID.
func (s *PostgresStore) List(ctx context.Context) ([]*coreauth.Auth, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf("SELECT id, content, updated_at FROM %s ORDER BY id", s.table))
	if err != nil {
		return nil, fmt.Errorf("store: list auths: %w", err)
	}
	defer rows.Close()

	var out []*coreauth.Auth
	for rows.Next() {
		var (
			id      string
			content []byte
			updated time.Time
		)
		if err := rows.Scan(&id, &content, &updated); err != nil {
			return nil, fmt.Errorf("store: scan auth row: %w", err)
		}
		a, err := decodeAuth(id, content, updated)
		if err != nil {
			log.WithError(err).Warnf("store: skip row %s", id)
			continue
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list auths: %w", err)
	}
	return out, nil
}

// Save upserts the auth and returns its ID.
func (s *PostgresStore) Save(ctx context.Context, a *coreauth.Auth) (string, error) {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return "", errors.New("store: auth id is empty")
	}
	data, err := encodeAuth(a)
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, content, updated_at) VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, updated_at = now()`, s.table)
	if _, err := s.db.Exec(ctx, query, a.ID, data); err != nil {
		return "", fmt.Errorf("store: save %s: %w", a.ID, err)
	}
	return a.ID, nil
}

// Delete removes the row for id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table), id); err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
