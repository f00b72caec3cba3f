package indexer

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestApplyCreateBalanceInsertsExpectedAndAdvancesSeed(t *testing.T) {
	store, mock := newMockStore(t)
	a := NewApplicator(store)

	recoveryID := [32]byte{1}
	recoverySeed := []byte("recovery-seed")
	shareSeed := []byte("share-seed")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT account_id, recovery_stream_seed, share_stream_seed").
		WithArgs(recoveryID[:]).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "recovery_stream_seed", "share_stream_seed"}).
			AddRow("acct-1", recoverySeed, shareSeed))
	mock.ExpectQuery("SELECT EXISTS.*generic_state_objects").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO generic_state_objects").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO balances").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM expected_state_objects").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE master_view_seeds").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO expected_state_objects").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := a.Apply(context.Background(), Transition{
		Kind:           TransitionCreateBalance,
		RecoveryID:     recoveryID,
		NewPublicShare: []byte("deposit-share"),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCreateBalanceNoExpectedObjectIsChainRPCRedeliver(t *testing.T) {
	store, mock := newMockStore(t)
	a := NewApplicator(store)

	recoveryID := [32]byte{2}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT account_id, recovery_stream_seed, share_stream_seed").
		WithArgs(recoveryID[:]).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := a.Apply(context.Background(), Transition{Kind: TransitionCreateBalance, RecoveryID: recoveryID})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCancelOrderIsIdempotentOnAlreadyProcessed(t *testing.T) {
	store, mock := newMockStore(t)
	a := NewApplicator(store)

	nullifier := [32]byte{3}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS.*processed_nullifiers").
		WithArgs(nullifier[:]).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	err := a.Apply(context.Background(), Transition{Kind: TransitionCancelOrder, Nullifier: nullifier})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
