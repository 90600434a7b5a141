package postgres

import "context"

// LocationRepo implements LocationRepository using PostgreSQL.
type LocationRepo struct{ db *DB }

// NewLocationRepo constructs a location history repository.
func NewLocationRepo(db *DB) *LocationRepo { return &LocationRepo{db: db} }

// PutHistory replaces the (deviceID, date) document; last writer wins.
func (r *LocationRepo) PutHistory(ctx context.Context, deviceID, date string, doc map[string]any) error {
	const q = `
INSERT INTO location_history (device_id, date, doc) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (device_id, date) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`
	_, err := r.db.Pool.Exec(ctx, q, deviceID, date, doc)
	return err
}

// ListHistory returns the device's documents ordered by calendar date.
func (r *LocationRepo) ListHistory(ctx context.Context, deviceID string) ([]map[string]any, error) {
	const q = `
SELECT doc FROM location_history WHERE device_id=$1
ORDER BY to_date(date, 'DD-MM-YYYY')`
	rows, err := r.db.Pool.Query(ctx, q, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var doc map[string]any
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
