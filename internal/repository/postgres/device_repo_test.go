package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func TestDeviceRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT doc FROM devices WHERE id=\$1`).
		WithArgs("dev-1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).
			AddRow(map[string]any{"locked": true, "offlineUnlockCount": float64(2)}))
	f, err := r.Get(ctx, "dev-1")
	require.NoError(t, err)
	require.True(t, f.Bool(model.FieldLocked))
	require.Equal(t, int64(2), f[model.FieldOfflineUnlockCount])

	mock.ExpectQuery(`SELECT doc FROM devices WHERE id=\$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRepo_Patch_MissingIsNotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)
	f := model.Fields{model.FieldLastSeenTimestamp: int64(1000)}

	mock.ExpectQuery(`UPDATE devices SET doc = device_merge\(doc, \$2::jsonb\), updated_at = now\(\) WHERE id = \$1 RETURNING doc`).
		WithArgs("dev-1", map[string]any(f)).
		WillReturnError(pgx.ErrNoRows)
	_, err := r.Patch(context.Background(), "dev-1", f)
	require.ErrorIs(t, err, errs.ErrNotFound)

	mock.ExpectQuery(`UPDATE devices SET doc = device_merge`).
		WithArgs("dev-1", map[string]any(f)).
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(map[string]any{"lastSeenTimestamp": float64(1000)}))
	got, err := r.Patch(context.Background(), "dev-1", f)
	require.NoError(t, err)
	require.Equal(t, int64(1000), got.Int(model.FieldLastSeenTimestamp))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRepo_Set_Upserts(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)
	f := model.Fields{model.FieldLocked: false}

	mock.ExpectQuery(`INSERT INTO devices \(id, doc\) VALUES \(\$1, device_merge\('\{\}'::jsonb, \$2::jsonb\)\) ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("dev-2", map[string]any(f)).
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(map[string]any{"locked": false}))
	got, err := r.Set(context.Background(), "dev-2", f)
	require.NoError(t, err)
	require.False(t, got.Bool(model.FieldLocked))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRepo_List(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)

	mock.ExpectQuery(`SELECT id, doc FROM devices ORDER BY id`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "doc"}).
			AddRow("a", map[string]any{"locked": true}).
			AddRow("b", map[string]any{"paymentLink": "https://pay"}))
	docs, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "b", docs[1].ID)
	require.Equal(t, "https://pay", docs[1].Doc.String(model.FieldPaymentLink))
}

func TestDeviceRepo_PatchAll_CommitsOnce(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)
	f := model.Fields{model.FieldPaymentLink: "https://pay/new"}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE devices SET doc = device_merge\(doc, \$1::jsonb\), updated_at = now\(\) RETURNING id, doc`).
		WithArgs(map[string]any(f)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "doc"}).
			AddRow("a", map[string]any{"paymentLink": "https://pay/new"}).
			AddRow("b", map[string]any{"paymentLink": "https://pay/new"}))
	mock.ExpectCommit()

	docs, err := r.PatchAll(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRepo_PatchAll_RollsBackOnError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewDeviceRepo(db)
	f := model.Fields{model.FieldLocked: true}

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE devices SET doc = device_merge`).
		WithArgs(map[string]any(f)).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := r.PatchAll(context.Background(), f)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
