package pgstore

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/subwise/subwise-go/internal/errs"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func TestStore_Get_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)

	mock.ExpectQuery(`SELECT value FROM kv_entries WHERE key=\$1`).
		WithArgs("tokens.user-a").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte(`["h1"]`)))

	v, err := s.Get(context.Background(), "tokens.user-a")
	require.NoError(t, err)
	require.Equal(t, []byte(`["h1"]`), v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)

	mock.ExpectQuery(`SELECT value FROM kv_entries WHERE key=\$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_Put_Upserts(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)

	mock.ExpectExec(`INSERT INTO kv_entries \(key, value\) VALUES \(\$1,\$2\)`).
		WithArgs("k", []byte("v")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Remove(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)

	mock.ExpectExec(`DELETE FROM kv_entries WHERE key=\$1`).
		WithArgs("k").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.Remove(context.Background(), "k"))
	require.NoError(t, mock.ExpectationsWereMet())
}
