package gateway

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockGatewayStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db, sqx: sqlx.NewDb(db, "postgres")}, mock
}

func TestShouldRouteToGlobalWhenBudgetExhausted(t *testing.T) {
	store, mock := newMockGatewayStore(t)
	r := NewRouter(store, "global")

	mock.ExpectQuery("SELECT budget_used, budget_limit FROM key_execution_cost_budgets").
		WithArgs("key-1", "ETH-USDC").
		WillReturnRows(sqlmock.NewRows([]string{"budget_used", "budget_limit"}).AddRow(100.0, 100.0))

	require.True(t, r.ShouldRouteToGlobal(context.Background(), "key-1", "ETH-USDC"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShouldRouteToGlobalFalseWhenBudgetRemains(t *testing.T) {
	store, mock := newMockGatewayStore(t)
	r := NewRouter(store, "global")

	mock.ExpectQuery("SELECT budget_used, budget_limit FROM key_execution_cost_budgets").
		WithArgs("key-1", "ETH-USDC").
		WillReturnRows(sqlmock.NewRows([]string{"budget_used", "budget_limit"}).AddRow(10.0, 100.0))

	require.False(t, r.ShouldRouteToGlobal(context.Background(), "key-1", "ETH-USDC"))
}

func TestResolvePoolFallsBackToDefaultWhenUnbudgeted(t *testing.T) {
	store, mock := newMockGatewayStore(t)
	r := NewRouter(store, "global")

	mock.ExpectQuery("SELECT budget_used, budget_limit FROM key_execution_cost_budgets").
		WithArgs("key-1", "ETH-USDC").
		WillReturnError(sql.ErrNoRows)

	pool := r.ResolvePool(context.Background(), "key-1", "ETH-USDC", "my-pool")
	require.Equal(t, "my-pool", pool)
}
