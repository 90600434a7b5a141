package postgres

import (
	"context"
	"errors"

	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
)

// OperatorRepo implements OperatorRepository using PostgreSQL.
type OperatorRepo struct{ db *DB }

// NewOperatorRepo constructs an operator repository.
func NewOperatorRepo(db *DB) *OperatorRepo { return &OperatorRepo{db: db} }

// Create inserts a new operator row.
func (r *OperatorRepo) Create(ctx context.Context, op *model.Operator) error {
	const q = `
INSERT INTO operators (id, username, pwd_hash, salt)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, op.ID, op.Username, op.PwdHash, op.Salt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByUsername selects an operator by username.
func (r *OperatorRepo) GetByUsername(ctx context.Context, username string) (*model.Operator, error) {
	const q = `
SELECT id, username, pwd_hash, salt, created_at
FROM operators WHERE username=$1`
	var op model.Operator
	err := r.db.Pool.QueryRow(ctx, q, username).Scan(&op.ID, &op.Username, &op.PwdHash, &op.Salt, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, errs.ErrNotFound
	}
	return &op, nil
}
