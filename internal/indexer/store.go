package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store wraps the indexer's Postgres connection pool: a thin struct
// around *sql.DB (here also exposing *sqlx.DB, whose transactions the
// applicator runs its positional-parameter upserts in) plus a bounded
// connection pool.
type Store struct {
	db  *sql.DB
	sqx *sqlx.DB
}

// NewStore opens the connection pool and pings it.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, sqx: sqlx.NewDb(db, "postgres")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate runs the golang-migrate migrations bundled under
// internal/indexer/migrations against the connected database.
func (s *Store) Migrate(migrationsPath string) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// BeginTx starts a transaction, used by the state applicator to run each
// transition's check-mutate-record sequence atomically.
func (s *Store) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return s.sqx.BeginTxx(ctx, nil)
}

// Cursor persistence: one row per watched event family.

// GetCursor returns the last processed block for an event family, or 0 if
// none has been recorded yet.
func (s *Store) GetCursor(ctx context.Context, eventFamily string) (uint64, error) {
	var block uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_block FROM indexer_sync_cursors WHERE event_family = $1`, eventFamily,
	).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return block, err
}

// SetCursor persists the last processed block for an event family.
func (s *Store) SetCursor(ctx context.Context, eventFamily string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_sync_cursors (event_family, last_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_family) DO UPDATE SET last_block = EXCLUDED.last_block, updated_at = now()
	`, eventFamily, block)
	return err
}
