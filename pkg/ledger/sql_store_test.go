package ledger

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(op string) Entry {
	return Entry{
		ID:          "entry-1",
		UserID:      7,
		Reason:      ReasonImage,
		Actor:       "test",
		OperationID: op,
		Timestamp:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSQLStore_DebitIsOneConditionalUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)
	e := testEntry("op-1")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts SET balance = balance - $1")).
		WithArgs(int64(60), int64(7), e.Timestamp).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(40)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs("entry-1", int64(7), int64(-60), int64(40), "image_generation", "test", "op-1", e.Timestamp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	newBalance, current, ok, err := store.Debit(context.Background(), e, 60)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(40), newBalance)
	assert.Equal(t, int64(40), current)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DebitDeniedWritesNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)
	e := testEntry("op-1")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts SET balance = balance - $1")).
		WithArgs(int64(80), int64(7), e.Timestamp).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance FROM accounts WHERE user_id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(50)))
	mock.ExpectRollback()

	_, current, ok, err := store.Debit(context.Background(), e, 80)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(50), current)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DebitUnknownUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts")).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance FROM accounts")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, _, err = NewSQLStore(db).Debit(context.Background(), testEntry("op"), 1)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSQLStore_DuplicateCreditRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db)
	e := testEntry("refund:op-1")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts SET balance = balance + $1")).
		WithArgs(int64(30), int64(7), e.Timestamp).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(130)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance FROM accounts WHERE user_id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(100)))

	balance, applied, err := store.Credit(context.Background(), e, 30)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(100), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_StoreFailureIsUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	l := New(NewSQLStore(db))
	_, err = l.CheckAndDebit(context.Background(), Mutation{UserID: 7, Amount: 10, OperationID: "op"})
	assert.ErrorIs(t, err, ErrUnavailable)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance, subscribed, subscription_until FROM accounts")).
		WillReturnError(errors.New("timeout"))
	_, err = l.Lookup(context.Background(), 7)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSQLStore_Profile(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	until := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance, subscribed, subscription_until FROM accounts WHERE user_id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "subscribed", "subscription_until"}).AddRow(int64(100), true, until))

	p, err := NewSQLStore(db).Profile(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Balance)
	assert.True(t, p.Subscribed)
	require.NotNil(t, p.SubscriptionUntil)
	assert.Equal(t, until, *p.SubscriptionUntil)
}
