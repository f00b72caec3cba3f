package indexer

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db, sqx: sqlx.NewDb(db, "postgres")}, mock
}

func TestQueueSendNoOpsOnInFlightDedup(t *testing.T) {
	store, mock := newMockStore(t)
	q := NewQueue(store, 0)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("dedup-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := q.Send(context.Background(), ChainEventPayload{Kind: KindNullifierSpend}, "dedup-1", "group-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueSendInsertsWhenNoInFlightDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	q := NewQueue(store, 0)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("dedup-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO indexer_queue_messages").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := q.Send(context.Background(), ChainEventPayload{Kind: KindNullifierSpend}, "dedup-2", "group-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueDeleteIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	q := NewQueue(store, 0)

	mock.ExpectExec("UPDATE indexer_queue_messages SET deleted_at").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, q.Delete(context.Background(), 42))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueReleaseClearsPolledFlag(t *testing.T) {
	store, mock := newMockStore(t)
	q := NewQueue(store, 0)

	mock.ExpectExec("UPDATE indexer_queue_messages SET polled = false").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Release(context.Background(), 7))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupIDDeterministicAndDistinct(t *testing.T) {
	a := DedupID(KindNullifierSpend, "0xabc", "0xtx1")
	b := DedupID(KindNullifierSpend, "0xabc", "0xtx1")
	c := DedupID(KindNullifierSpend, "0xabc", "0xtx2")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
