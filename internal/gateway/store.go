package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store wraps the gateway's Postgres connection pool, mirroring
// internal/indexer.Store: a bounded sql.DB underneath sqlx for the
// api_keys/budget tables. Bundle and quote caches live outside Postgres
// (bundlestore.go/quotecache.go) since they are TTL-bounded hot state,
// not durable records.
type Store struct {
	db  *sql.DB
	sqx *sqlx.DB
}

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

// NewAPIKeyID allocates the id a freshly minted secret is encrypted
// under before the row is ever inserted (the secret's envelope AAD is
// keyed by id, so the id must exist first).
func NewAPIKeyID() string { return uuid.NewString() }

// CreateAPIKey inserts a new key under a caller-supplied id (see
// NewAPIKeyID), returning the full row.
func (s *Store) CreateAPIKey(ctx context.Context, id string, encryptedSecret []byte, description, matchingPool string) (*ApiKey, error) {
	key := &ApiKey{
		ID:              id,
		EncryptedSecret: encryptedSecret,
		Description:     description,
		Active:          true,
		MatchingPool:    matchingPool,
	}
	err := s.sqx.QueryRowxContext(ctx, `
		INSERT INTO api_keys (id, encrypted_secret, description, active, matching_pool)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, key.ID, key.EncryptedSecret, key.Description, key.Active, key.MatchingPool).Scan(&key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	return key, nil
}

// GetAPIKey fetches a key by id, active or not (authorization checks
// Active itself so it can return InactiveKey rather than Unauthorized).
func (s *Store) GetAPIKey(ctx context.Context, id string) (*ApiKey, error) {
	var key ApiKey
	err := s.sqx.GetContext(ctx, &key, `
		SELECT id, encrypted_secret, description, active, matching_pool, created_at
		FROM api_keys WHERE id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListAPIKeys returns every key, active and inactive, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]ApiKey, error) {
	var keys []ApiKey
	err := s.sqx.SelectContext(ctx, &keys, `
		SELECT id, encrypted_secret, description, active, matching_pool, created_at
		FROM api_keys ORDER BY created_at DESC
	`)
	return keys, err
}

// DeactivateAPIKey flips active to false. Keys are never deleted, only
// deactivated or re-whitelisted.
func (s *Store) DeactivateAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// WhitelistAPIKey reassigns a key's matching pool, the mechanism by which
// an admin exempts a heavy quoter from the global-pool routing decision.
func (s *Store) WhitelistAPIKey(ctx context.Context, id, matchingPool string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET matching_pool = $2 WHERE id = $1`, id, matchingPool)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ExecutionCostBudget returns the used amount and limit of key's per-ticker
// execution-cost budget (both 0 when no budget row exists), consulted by
// routing.go's ShouldRouteToGlobal.
func (s *Store) ExecutionCostBudget(ctx context.Context, apiKeyID, ticker string) (used, limit float64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT budget_used, budget_limit FROM key_execution_cost_budgets
		WHERE api_key_id = $1 AND ticker = $2
	`, apiKeyID, ticker).Scan(&used, &limit)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return used, limit, err
}

// ChargeExecutionCostBudget debits amount against the key's per-ticker
// budget, creating the row lazily on first use.
func (s *Store) ChargeExecutionCostBudget(ctx context.Context, apiKeyID, ticker string, limit, amount float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_execution_cost_budgets (api_key_id, ticker, budget_used, budget_limit, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (api_key_id, ticker) DO UPDATE
		SET budget_used = key_execution_cost_budgets.budget_used + $3, updated_at = now()
	`, apiKeyID, ticker, amount, limit)
	return err
}
