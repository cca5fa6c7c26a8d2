package source

import (
	"context"
	"io"
	"testing"
	"time"

	"backd/internal/errors"
	"backd/internal/retry"
	"backd/internal/state"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventColumns = []string{
	"event", "address", "block_number", "transaction_index", "log_index",
	"transaction_hash", "block_hash", "timestamp", "return_values",
}

var noRetry = &retry.RetryConfig{
	MaxAttempts:     1,
	InitialInterval: time.Millisecond,
	MaxInterval:     time.Millisecond,
	BackoffFactor:   1,
}

func TestPostgresSource_KeysetPaging(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM "compound_events"`).
		WithArgs(int64(-1), int64(-1), int64(-1), int64(2)).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("Mint", "0xA1", int64(10), int64(0), int64(1), "0xaa", nil, int64(1588001845), []byte(`{"minter": "0xbeef", "mintAmount": 100000000000000000000000}`)).
			AddRow("Borrow", "0xa1", int64(10), int64(0), int64(2), "0xaa", nil, nil, []byte(`{"borrowAmount": "5"}`)))
	mock.ExpectQuery(`FROM "compound_events"`).
		WithArgs(int64(10), int64(0), int64(2), int64(2)).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("RepayBorrow", "0xa1", int64(11), int64(3), int64(0), nil, "0xbb", int64(1588001900), nil))

	src, err := NewPostgresSourceWithDB(db, PostgresOptions{Table: "compound_events", PageSize: 2, Retry: noRetry}, quietLogger())
	require.NoError(t, err)

	events, err := ReadAll(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "Mint", events[0].Name)
	assert.Equal(t, "0xa1", events[0].Address)
	assert.Equal(t, int64(1588001845), events[0].Timestamp)
	amount, err := events[0].ReturnValues.BigInt("mintAmount")
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000000000", amount.String())

	assert.Equal(t, int64(0), events[1].Timestamp)
	assert.Equal(t, "RepayBorrow", events[2].Name)
	assert.Equal(t, "0xbb", events[2].BlockHash)
	assert.Empty(t, events[2].ReturnValues)

	// 最后一页不足一页，不再查询
	_, err = src.Next(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, src.Close())
}

func TestPostgresSource_ResumeAfter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM "replay"."events"`).
		WithArgs(int64(500), int64(4), int64(9), int64(100)).
		WillReturnRows(sqlmock.NewRows(eventColumns))

	after := &state.EventTime{BlockNumber: 500, TransactionIndex: 4, LogIndex: 9}
	src, err := NewPostgresSourceWithDB(db, PostgresOptions{Table: "replay.events", PageSize: 100, After: after, Retry: noRetry}, quietLogger())
	require.NoError(t, err)

	_, err = src.Next(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSource_InvalidTable(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"", "events; DROP TABLE x", "a.b.c", "1events"} {
		_, err := NewPostgresSourceWithDB(db, PostgresOptions{Table: table}, quietLogger())
		assert.ErrorIs(t, err, errors.ErrConfigInvalid, table)
	}
}

func TestPostgresSource_Errors(t *testing.T) {
	t.Run("查询失败", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(`FROM "compound_events"`).WillReturnError(assert.AnError)

		src, err := NewPostgresSourceWithDB(db, PostgresOptions{Table: "compound_events", Retry: noRetry}, quietLogger())
		require.NoError(t, err)

		_, err = src.Next(context.Background())
		assert.ErrorIs(t, err, errors.ErrSourceFailed)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("参数不是JSON", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(`FROM "compound_events"`).
			WillReturnRows(sqlmock.NewRows(eventColumns).
				AddRow("Mint", "0xa1", int64(1), int64(0), int64(0), "0xaa", nil, nil, []byte(`not json`)))

		src, err := NewPostgresSourceWithDB(db, PostgresOptions{Table: "compound_events", Retry: noRetry}, quietLogger())
		require.NoError(t, err)

		_, err = src.Next(context.Background())
		assert.ErrorIs(t, err, errors.ErrDecodeFailed)
	})
}
