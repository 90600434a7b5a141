package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
)

func TestOperatorRepo_Create_OK_and_Duplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewOperatorRepo(db)
	ctx := context.Background()
	op := &model.Operator{
		ID:       uuid.Must(uuid.NewV4()),
		Username: "ops",
		PwdHash:  []byte("h"),
		Salt:     []byte("s"),
	}

	mock.ExpectExec(`INSERT INTO operators \(id, username, pwd_hash, salt\) VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs(op.ID, op.Username, op.PwdHash, op.Salt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, op))

	mock.ExpectExec(`INSERT INTO operators`).
		WithArgs(op.ID, op.Username, op.PwdHash, op.Salt).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Create(ctx, op), errs.ErrAlreadyExists)
}

func TestOperatorRepo_GetByUsername(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewOperatorRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	now := time.Now()

	mock.ExpectQuery(`SELECT id, username, pwd_hash, salt, created_at FROM operators WHERE username=\$1`).
		WithArgs("ops").
		WillReturnRows(pgxmock.NewRows([]string{"id", "username", "pwd_hash", "salt", "created_at"}).
			AddRow(id, "ops", []byte("h"), []byte("s"), now))
	op, err := r.GetByUsername(ctx, "ops")
	require.NoError(t, err)
	require.Equal(t, id, op.ID)

	mock.ExpectQuery(`SELECT id, username, pwd_hash, salt, created_at FROM operators WHERE username=\$1`).
		WithArgs("nobody").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByUsername(ctx, "nobody")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
