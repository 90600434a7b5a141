// Package locationlog is the agent's local position history: an SQLite
// table of captured points with a synced flag and a rolling retention
// window over distinct calendar dates.
package locationlog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ahkfinance/devicelock/internal/model"
)

// FileName is the database file created inside the agent data directory.
const FileName = "location_tracking.db"

// DefaultRetention is the maximum number of distinct dates kept.
const DefaultRetention = 30

const schema = `
CREATE TABLE IF NOT EXISTS locations (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT    NOT NULL,
	latitude  REAL    NOT NULL,
	longitude REAL    NOT NULL,
	accuracy  REAL    NOT NULL,
	timestamp INTEGER NOT NULL,
	date      TEXT    NOT NULL,
	time      TEXT    NOT NULL,
	synced    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_locations_date ON locations(date);
CREATE INDEX IF NOT EXISTS idx_locations_synced ON locations(synced);
`

// Options configures Open.
type Options struct {
	Dir      string
	PoolSize int            // 4 when zero
	Location *time.Location // zone used to derive date/time; time.Local when nil
	Logger   *zap.Logger
}

// Log is safe for concurrent use.
type Log struct {
	pool *sqlitex.Pool
	loc  *time.Location
	log  *zap.Logger
	path string
}

// Open opens (creating if needed) the location database in opts.Dir.
func Open(ctx context.Context, opts Options) (*Log, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	path := filepath.Join(opts.Dir, FileName)
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    opts.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("locationlog: open %s: %w", path, err)
	}
	l := &Log{pool: pool, loc: opts.Location, log: opts.Logger.Named("locationlog"), path: path}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("locationlog: take: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("locationlog: schema: %w", err)
	}
	l.log.Info("location log opened", zap.String("path", path))
	return l, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("locationlog: %s: %w", p, err)
		}
	}
	return nil
}

// Close releases every pooled connection.
func (l *Log) Close() error { return l.pool.Close() }

// Stamp returns the DD-MM-YYYY date and h:mm AM/PM time of t in the log's zone.
func (l *Log) Stamp(t time.Time) (date, clock string) {
	lt := t.In(l.loc)
	return lt.Format(model.LogDateLayout), lt.Format(model.LogTimeLayout)
}

// NewPoint builds an unsynced point whose date and time derive from at.
func (l *Log) NewPoint(deviceID string, lat, lon, accuracy float64, at time.Time) model.PositionPoint {
	date, clock := l.Stamp(at)
	return model.PositionPoint{
		DeviceID:  deviceID,
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  accuracy,
		Timestamp: at.UnixMilli(),
		Date:      date,
		Time:      clock,
	}
}

// Insert appends p with synced=false and returns its row ID.
func (l *Log) Insert(ctx context.Context, p model.PositionPoint) (int64, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("locationlog: insert: %w", err)
	}
	defer l.pool.Put(conn)

	const q = `
INSERT INTO locations (device_id, latitude, longitude, accuracy, timestamp, date, time, synced)
VALUES (?, ?, ?, ?, ?, ?, ?, 0)`
	err = sqlitex.Execute(conn, q, &sqlitex.ExecOptions{
		Args: []any{p.DeviceID, p.Latitude, p.Longitude, p.Accuracy, p.Timestamp, p.Date, p.Time},
	})
	if err != nil {
		return 0, fmt.Errorf("locationlog: insert: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

const selectCols = `id, device_id, latitude, longitude, accuracy, timestamp, date, time, synced`

func scanPoint(stmt *sqlite.Stmt) model.PositionPoint {
	return model.PositionPoint{
		ID:        stmt.ColumnInt64(0),
		DeviceID:  stmt.ColumnText(1),
		Latitude:  stmt.ColumnFloat(2),
		Longitude: stmt.ColumnFloat(3),
		Accuracy:  stmt.ColumnFloat(4),
		Timestamp: stmt.ColumnInt64(5),
		Date:      stmt.ColumnText(6),
		Time:      stmt.ColumnText(7),
		Synced:    stmt.ColumnInt(8) != 0,
	}
}

func (l *Log) query(ctx context.Context, q string, args ...any) ([]model.PositionPoint, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("locationlog: query: %w", err)
	}
	defer l.pool.Put(conn)

	var out []model.PositionPoint
	err = sqlitex.Execute(conn, q, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanPoint(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("locationlog: query: %w", err)
	}
	return out, nil
}

// Unsynced returns every point with synced=false ordered by timestamp.
func (l *Log) Unsynced(ctx context.Context) ([]model.PositionPoint, error) {
	return l.query(ctx, `SELECT `+selectCols+` FROM locations WHERE synced = 0 ORDER BY timestamp, id`)
}

// Points returns every point ordered by timestamp.
func (l *Log) Points(ctx context.Context) ([]model.PositionPoint, error) {
	return l.query(ctx, `SELECT `+selectCols+` FROM locations ORDER BY timestamp, id`)
}

// PointsOn returns every point of one DD-MM-YYYY date ordered by timestamp.
func (l *Log) PointsOn(ctx context.Context, date string) ([]model.PositionPoint, error) {
	return l.query(ctx, `SELECT `+selectCols+` FROM locations WHERE date = ? ORDER BY timestamp, id`, date)
}

// MarkSynced flags ids as synced in a single transaction.
func (l *Log) MarkSynced(ctx context.Context, ids []int64) (err error) {
	if len(ids) == 0 {
		return nil
	}
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("locationlog: mark synced: %w", err)
	}
	defer l.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("locationlog: begin: %w", err)
	}
	defer endTx(&err)

	q := `UPDATE locations SET synced = 1 WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return sqlitex.Execute(conn, q, &sqlitex.ExecOptions{Args: args})
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// DistinctDates returns COUNT(DISTINCT date).
func (l *Log) DistinctDates(ctx context.Context) (int, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("locationlog: count dates: %w", err)
	}
	defer l.pool.Put(conn)
	return countDates(conn)
}

func countDates(conn *sqlite.Conn) (int, error) {
	var n int
	err := sqlitex.Execute(conn, `SELECT COUNT(DISTINCT date) FROM locations`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	return n, err
}

// EnforceWindow deletes whole dates, oldest first, until at most keep
// distinct dates remain. The oldest date is the date of the row with the
// smallest timestamp (DD-MM-YYYY does not sort). Runs in one transaction
// and returns the purged dates.
func (l *Log) EnforceWindow(ctx context.Context, keep int) (purged []string, err error) {
	if keep <= 0 {
		keep = DefaultRetention
	}
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("locationlog: window: %w", err)
	}
	defer l.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("locationlog: begin: %w", err)
	}
	defer endTx(&err)

	for {
		n, err := countDates(conn)
		if err != nil {
			return nil, err
		}
		if n <= keep {
			break
		}
		var oldest string
		err = sqlitex.Execute(conn, `SELECT date FROM locations ORDER BY timestamp ASC, id ASC LIMIT 1`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				oldest = stmt.ColumnText(0)
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		if err := sqlitex.Execute(conn, `DELETE FROM locations WHERE date = ?`, &sqlitex.ExecOptions{Args: []any{oldest}}); err != nil {
			return nil, err
		}
		purged = append(purged, oldest)
	}
	if len(purged) > 0 {
		l.log.Info("rolling window purged dates", zap.Strings("dates", purged))
	}
	return purged, nil
}
