package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore is the default backend: a single embedded database file,
// no external service required. An empty path selects an in-memory
// database, which behaves like MemoryStore with SQL semantics.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and prepares
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes internally; a small pool is enough and
	// WAL lets reads proceed alongside the writer.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA busy_timeout = 30000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT 'unknown',
		status TEXT NOT NULL DEFAULT 'online',
		uptime_seconds INTEGER NOT NULL DEFAULT 0,
		ip_address TEXT NOT NULL DEFAULT '',
		rssi INTEGER NOT NULL DEFAULT 0,
		free_heap INTEGER NOT NULL DEFAULT 0,
		is_boot INTEGER NOT NULL DEFAULT 0,
		client_timestamp INTEGER NOT NULL,
		server_timestamp INTEGER NOT NULL,
		is_offline_marker INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_reports_ts ON reports(server_timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_reports_device_ts ON reports(device_id, server_timestamp DESC);

	CREATE TABLE IF NOT EXISTS device_state (
		device_id TEXT PRIMARY KEY,
		last_seen INTEGER NOT NULL,
		status TEXT NOT NULL,
		total_uptime INTEGER NOT NULL DEFAULT 0
	);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

func (s *SQLiteStore) InsertReport(ctx context.Context, r *Report) error {
	prepareReport(r)
	query := `
		INSERT INTO reports (id, device_id, status, uptime_seconds, ip_address, rssi, free_heap, is_boot, client_timestamp, server_timestamp, is_offline_marker, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.DeviceID, r.Status, r.UptimeSeconds, r.IPAddress, r.RSSI,
		r.FreeHeap, r.IsBoot, r.ClientTimestamp, r.ServerTimestamp, r.IsOfflineMarker, r.Source,
	)
	return err
}

func (s *SQLiteStore) ListReports(ctx context.Context, deviceID string, limit int) ([]Report, error) {
	if limit <= 0 {
		// SQLite reads a negative LIMIT as no limit.
		limit = -1
	}

	query := `
		SELECT id, device_id, status, uptime_seconds, ip_address, rssi, free_heap, is_boot, client_timestamp, server_timestamp, is_offline_marker, source
		FROM reports
	`
	args := []interface{}{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY server_timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(
			&r.ID, &r.DeviceID, &r.Status, &r.UptimeSeconds, &r.IPAddress, &r.RSSI,
			&r.FreeHeap, &r.IsBoot, &r.ClientTimestamp, &r.ServerTimestamp, &r.IsOfflineMarker, &r.Source,
		); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (s *SQLiteStore) GetDeviceState(ctx context.Context, deviceID string) (*DeviceState, error) {
	query := `SELECT device_id, last_seen, status, total_uptime FROM device_state WHERE device_id = ?`
	var st DeviceState
	err := s.db.QueryRowContext(ctx, query, deviceID).Scan(&st.DeviceID, &st.LastSeen, &st.Status, &st.TotalUptime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteStore) ListDeviceStates(ctx context.Context) ([]*DeviceState, error) {
	query := `SELECT device_id, last_seen, status, total_uptime FROM device_state ORDER BY device_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*DeviceState
	for rows.Next() {
		var st DeviceState
		if err := rows.Scan(&st.DeviceID, &st.LastSeen, &st.Status, &st.TotalUptime); err != nil {
			return nil, err
		}
		states = append(states, &st)
	}
	return states, rows.Err()
}

func (s *SQLiteStore) LatestDeviceState(ctx context.Context) (*DeviceState, error) {
	query := `SELECT device_id, last_seen, status, total_uptime FROM device_state ORDER BY last_seen DESC LIMIT 1`
	var st DeviceState
	err := s.db.QueryRowContext(ctx, query).Scan(&st.DeviceID, &st.LastSeen, &st.Status, &st.TotalUptime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteStore) UpsertDeviceState(ctx context.Context, st *DeviceState) error {
	query := `
		INSERT INTO device_state (device_id, last_seen, status, total_uptime)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			last_seen = MAX(device_state.last_seen, excluded.last_seen),
			total_uptime = excluded.total_uptime
	`
	_, err := s.db.ExecContext(ctx, query, st.DeviceID, st.LastSeen, st.Status, st.TotalUptime)
	return err
}

func (s *SQLiteStore) SetDeviceStatus(ctx context.Context, deviceID, from, to string, lastSeen int64) (bool, error) {
	query := `UPDATE device_state SET status = ? WHERE device_id = ? AND status = ? AND last_seen = ?`
	res, err := s.db.ExecContext(ctx, query, to, deviceID, from, lastSeen)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(MIN(server_timestamp), 0),
		       COALESCE(MAX(server_timestamp), 0),
		       COALESCE(SUM(is_boot), 0)
		FROM reports
	`
	var stats Stats
	err := s.db.QueryRowContext(ctx, query).Scan(&stats.TotalUpdates, &stats.FirstSeen, &stats.LastSeen, &stats.BootCount)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
