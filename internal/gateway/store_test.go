package gateway

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestCreateAPIKeyInsertsRow(t *testing.T) {
	store, mock := newMockGatewayStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO api_keys`).
		WithArgs("key-1", []byte("ciphertext"), "desk-a", true, "global").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	key, err := store.CreateAPIKey(context.Background(), "key-1", []byte("ciphertext"), "desk-a", "global")
	require.NoError(t, err)
	require.Equal(t, "key-1", key.ID)
	require.True(t, key.Active)
	require.Equal(t, now, key.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAPIKeyReturnsRow(t *testing.T) {
	store, mock := newMockGatewayStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT id, encrypted_secret, description, active, matching_pool, created_at`).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_secret", "description", "active", "matching_pool", "created_at"}).
			AddRow("key-1", []byte("ciphertext"), "desk-a", true, "global", now))

	key, err := store.GetAPIKey(context.Background(), "key-1")
	require.NoError(t, err)
	require.Equal(t, "desk-a", key.Description)
	require.Equal(t, "global", key.MatchingPool)
}

func TestListAPIKeysOrdersNewestFirst(t *testing.T) {
	store, mock := newMockGatewayStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT id, encrypted_secret, description, active, matching_pool, created_at`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_secret", "description", "active", "matching_pool", "created_at"}).
			AddRow("key-2", []byte("a"), "newer", true, "global", now).
			AddRow("key-1", []byte("b"), "older", false, "pool-1", now.Add(-time.Hour)))

	keys, err := store.ListAPIKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "key-2", keys[0].ID)
	require.False(t, keys[1].Active)
}

func TestDeactivateAPIKeyErrorsWhenNoRowMatched(t *testing.T) {
	store, mock := newMockGatewayStore(t)

	mock.ExpectExec(`UPDATE api_keys SET active = false`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeactivateAPIKey(context.Background(), "missing")
	require.Error(t, err)
}

func TestDeactivateAPIKeySucceeds(t *testing.T) {
	store, mock := newMockGatewayStore(t)

	mock.ExpectExec(`UPDATE api_keys SET active = false`).
		WithArgs("key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.DeactivateAPIKey(context.Background(), "key-1"))
}

func TestWhitelistAPIKeyReassignsPool(t *testing.T) {
	store, mock := newMockGatewayStore(t)

	mock.ExpectExec(`UPDATE api_keys SET matching_pool`).
		WithArgs("key-1", "pool-vip").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.WhitelistAPIKey(context.Background(), "key-1", "pool-vip"))
}

func TestExecutionCostBudgetReturnsZeroWhenUnset(t *testing.T) {
	store, mock := newMockGatewayStore(t)

	mock.ExpectQuery(`SELECT budget_used, budget_limit FROM key_execution_cost_budgets`).
		WithArgs("key-1", "ETH-USDC").
		WillReturnError(sql.ErrNoRows)

	used, limit, err := store.ExecutionCostBudget(context.Background(), "key-1", "ETH-USDC")
	require.NoError(t, err)
	require.Equal(t, 0.0, used)
	require.Equal(t, 0.0, limit)
}

func TestChargeExecutionCostBudgetUpserts(t *testing.T) {
	store, mock := newMockGatewayStore(t)

	mock.ExpectExec(`INSERT INTO key_execution_cost_budgets`).
		WithArgs("key-1", "ETH-USDC", 5.0, 100.0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.ChargeExecutionCostBudget(context.Background(), "key-1", "ETH-USDC", 100.0, 5.0))
}
