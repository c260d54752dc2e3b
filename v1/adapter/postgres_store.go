package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/lock"
)

const (
	defaultPostgresTable     = "lease_locks"
	defaultPostgresOpTimeout = 5 * time.Second
)

var _ lock.Store = (*PostgresStore)(nil)

// PostgresExecer is the subset of pgx used by PostgresStore. Both
// *pgxpool.Pool and *pgx.Conn satisfy it.
type PostgresExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements lock.Store on a PostgreSQL table. Expiry is
// evaluated against the server clock on every statement; rows past their
// expiry are logically absent and are reclaimed by Create or Purge.
type PostgresStore struct {
	db      PostgresExecer
	table   string
	timeout time.Duration
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresTable sets the table holding the locks.
func WithPostgresTable(name string) PostgresOption {
	return func(s *PostgresStore) {
		if name != "" {
			s.table = name
		}
	}
}

// WithPostgresTimeout sets the per-statement timeout.
func WithPostgresTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewPostgresStore returns a PostgresStore running its statements on db.
func NewPostgresStore(db PostgresExecer, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, table: defaultPostgresTable, timeout: defaultPostgresOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// EnsureSchema creates the lock table if it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`, s.ident()))
	return err
}

// Create implements lock.Store. An expired row for the same key is taken
// over in place.
func (s *PostgresStore) Create(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tag, err := s.exec(ctx, fmt.Sprintf(`INSERT INTO %[1]s AS l (key, value, expires_at)
VALUES ($1, $2, clock_timestamp() + $3::bigint * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
WHERE l.expires_at <= clock_timestamp()`, s.ident()), key, value, clampTTL(ttl).Milliseconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Extend implements lock.Store.
func (s *PostgresStore) Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tag, err := s.exec(ctx, fmt.Sprintf(`UPDATE %s
SET expires_at = clock_timestamp() + $3::bigint * interval '1 millisecond'
WHERE key = $1 AND value = $2 AND expires_at > clock_timestamp()`, s.ident()), key, value, clampTTL(ttl).Milliseconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Delete implements lock.Store.
func (s *PostgresStore) Delete(ctx context.Context, key, value string) (bool, error) {
	tag, err := s.exec(ctx, fmt.Sprintf(`DELETE FROM %s
WHERE key = $1 AND value = $2 AND expires_at > clock_timestamp()`, s.ident()), key, value)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Purge deletes every expired row and returns how many were removed.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= clock_timestamp()`, s.ident()))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := ctx.Err(); err != nil {
		return pgconn.CommandTag{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tag, err := s.db.Exec(cctx, sql, args...)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return tag, leaseerrors.ErrTimeout
		}
		return tag, err
	}
	return tag, nil
}
