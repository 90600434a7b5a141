package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ahkfinance/devicelock/internal/errs"
	"github.com/ahkfinance/devicelock/internal/model"
)

// DeviceRepo implements DeviceRepository using PostgreSQL jsonb documents.
// device_merge is defined by the migrations.
type DeviceRepo struct{ db *DB }

// NewDeviceRepo constructs a device repository.
func NewDeviceRepo(db *DB) *DeviceRepo { return &DeviceRepo{db: db} }

func normalize(raw map[string]any) (model.Fields, error) {
	f, err := model.NormalizeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("stored document: %w", err)
	}
	return f, nil
}

// Get loads a document by id.
func (r *DeviceRepo) Get(ctx context.Context, id string) (model.Fields, error) {
	const q = `SELECT doc FROM devices WHERE id=$1`
	var raw map[string]any
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return normalize(raw)
}

// Patch merges f into an existing document.
func (r *DeviceRepo) Patch(ctx context.Context, id string, f model.Fields) (model.Fields, error) {
	const q = `
UPDATE devices SET doc = device_merge(doc, $2::jsonb), updated_at = now()
WHERE id = $1
RETURNING doc`
	var raw map[string]any
	if err := r.db.Pool.QueryRow(ctx, q, id, map[string]any(f)).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return normalize(raw)
}

// Set merges f into the document, creating it when absent.
func (r *DeviceRepo) Set(ctx context.Context, id string, f model.Fields) (model.Fields, error) {
	const q = `
INSERT INTO devices (id, doc) VALUES ($1, device_merge('{}'::jsonb, $2::jsonb))
ON CONFLICT (id) DO UPDATE SET doc = device_merge(devices.doc, $2::jsonb), updated_at = now()
RETURNING doc`
	var raw map[string]any
	if err := r.db.Pool.QueryRow(ctx, q, id, map[string]any(f)).Scan(&raw); err != nil {
		return nil, err
	}
	return normalize(raw)
}

// List returns every device document.
func (r *DeviceRepo) List(ctx context.Context) ([]model.DeviceDoc, error) {
	const q = `SELECT id, doc FROM devices ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDocs(rows)
}

func collectDocs(rows pgx.Rows) ([]model.DeviceDoc, error) {
	var out []model.DeviceDoc
	for rows.Next() {
		var (
			id  string
			raw map[string]any
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		f, err := normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", id, err)
		}
		out = append(out, model.DeviceDoc{ID: id, Doc: f})
	}
	return out, rows.Err()
}

// PatchAll merges f into every device inside one transaction: either all
// documents change or none do.
func (r *DeviceRepo) PatchAll(ctx context.Context, f model.Fields) (docs []model.DeviceDoc, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			docs, err = nil, e
		}
	}()

	const q = `
UPDATE devices SET doc = device_merge(doc, $1::jsonb), updated_at = now()
RETURNING id, doc`
	rows, err := tx.Query(ctx, q, map[string]any(f))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs, err = collectDocs(rows)
	return docs, err
}
