package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxQuerier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type PgxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBackend implements Backend as a key/value table in PostgreSQL.
type PostgresBackend struct {
	db     PgxQuerier
	table  string
	prefix string
	closer func()
}

// PostgresOption configures a PostgresBackend.
type PostgresOption func(*PostgresBackend)

// WithPostgresTable sets the table name. Only lower-case letters, digits and
// underscores are accepted; anything else keeps the default.
func WithPostgresTable(table string) PostgresOption {
	return func(b *PostgresBackend) {
		if validIdentifier(table) {
			b.table = table
		}
	}
}

// WithPostgresPrefix sets the key prefix.
func WithPostgresPrefix(prefix string) PostgresOption {
	return func(b *PostgresBackend) { b.prefix = prefix }
}

// WithPostgresCloser registers a function run by Close, typically pool.Close.
func WithPostgresCloser(fn func()) PostgresOption {
	return func(b *PostgresBackend) { b.closer = fn }
}

// NewPostgresBackend creates a PostgreSQL-backed store.
func NewPostgresBackend(db PgxQuerier, opts ...PostgresOption) *PostgresBackend {
	b := &PostgresBackend{
		db:     db,
		table:  "newsdesk_kv",
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EnsureSchema creates the key/value table if it does not exist.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            key        TEXT PRIMARY KEY,
            value      TEXT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`, b.table)
	if _, err := b.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Get retrieves a value by key.
func (b *PostgresBackend) Get(ctx context.Context, key string) (string, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, b.table)

	var v string
	if err := b.db.QueryRow(ctx, query, b.prefix+key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("postgres get: %w", err)
	}
	return v, nil
}

// GetMany reads every key in one statement. The rows are aggregated into a
// single JSON object so the read is one snapshot.
func (b *PostgresBackend) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.prefix + k
	}

	query := fmt.Sprintf(`
        SELECT COALESCE(json_object_agg(key, value), '{}')::text
        FROM %s WHERE key = ANY($1)`, b.table)

	var raw string
	if err := b.db.QueryRow(ctx, query, prefixed).Scan(&raw); err != nil {
		return nil, fmt.Errorf("postgres get: %w", err)
	}
	var rows map[string]string
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, fmt.Errorf("postgres get: decoding rows: %w", err)
	}
	for i, k := range keys {
		if v, ok := rows[prefixed[i]]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Put upserts all entries in a single statement.
func (b *PostgresBackend) Put(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = entries[k]
		keys[i] = b.prefix + k
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (key, value)
        SELECT * FROM unnest($1::text[], $2::text[])
        ON CONFLICT (key) DO UPDATE SET
            value = EXCLUDED.value,
            updated_at = now()`, b.table)

	if _, err := b.db.Exec(ctx, query, keys, values); err != nil {
		return fmt.Errorf("postgres put: %w", err)
	}
	return nil
}

// Delete removes keys in a single statement.
func (b *PostgresBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.prefix + k
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ANY($1)`, b.table)
	if _, err := b.db.Exec(ctx, query, prefixed); err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

// Close runs the registered closer.
func (b *PostgresBackend) Close() error {
	if b.closer != nil {
		b.closer()
	}
	return nil
}

// ConnectPostgres opens a connection pool and pings it.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func validIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
