package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable backend for deployments with a managed
// database. Selected when DATABASE_URL is set.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool
// and prepares the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT 'unknown',
		status TEXT NOT NULL DEFAULT 'online',
		uptime_seconds BIGINT NOT NULL DEFAULT 0,
		ip_address TEXT NOT NULL DEFAULT '',
		rssi INTEGER NOT NULL DEFAULT 0,
		free_heap BIGINT NOT NULL DEFAULT 0,
		is_boot BOOLEAN NOT NULL DEFAULT FALSE,
		client_timestamp BIGINT NOT NULL,
		server_timestamp BIGINT NOT NULL,
		is_offline_marker BOOLEAN NOT NULL DEFAULT FALSE,
		source TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_reports_ts ON reports(server_timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_reports_device_ts ON reports(device_id, server_timestamp DESC);

	CREATE TABLE IF NOT EXISTS device_state (
		device_id TEXT PRIMARY KEY,
		last_seen BIGINT NOT NULL,
		status TEXT NOT NULL,
		total_uptime BIGINT NOT NULL DEFAULT 0
	);`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) InsertReport(ctx context.Context, r *Report) error {
	prepareReport(r)
	query := `
		INSERT INTO reports (id, device_id, status, uptime_seconds, ip_address, rssi, free_heap, is_boot, client_timestamp, server_timestamp, is_offline_marker, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.DeviceID, r.Status, r.UptimeSeconds, r.IPAddress, r.RSSI,
		r.FreeHeap, r.IsBoot, r.ClientTimestamp, r.ServerTimestamp, r.IsOfflineMarker, r.Source,
	)
	return err
}

func (s *PostgresStore) ListReports(ctx context.Context, deviceID string, limit int) ([]Report, error) {
	// LIMIT NULL is Postgres for no limit.
	var lim interface{}
	if limit > 0 {
		lim = limit
	}

	query := `
		SELECT id, device_id, status, uptime_seconds, ip_address, rssi, free_heap, is_boot, client_timestamp, server_timestamp, is_offline_marker, source
		FROM reports
	`
	args := []interface{}{}
	if deviceID != "" {
		query += ` WHERE device_id = $1 ORDER BY server_timestamp DESC, id DESC LIMIT $2`
		args = append(args, deviceID, lim)
	} else {
		query += ` ORDER BY server_timestamp DESC, id DESC LIMIT $1`
		args = append(args, lim)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) GetDeviceState(ctx context.Context, deviceID string) (*DeviceState, error) {
	query := `SELECT device_id, last_seen, status, total_uptime FROM device_state WHERE device_id = $1`
	var st DeviceState
	err := s.pool.QueryRow(ctx, query, deviceID).Scan(&st.DeviceID, &st.LastSeen, &st.Status, &st.TotalUptime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) ListDeviceStates(ctx context.Context) ([]*DeviceState, error) {
	query := `SELECT device_id, last_seen, status, total_uptime FROM device_state ORDER BY device_id`
	rows, err := s.pool.Query(ctx, query)
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

func (s *PostgresStore) LatestDeviceState(ctx context.Context) (*DeviceState, error) {
	query := `SELECT device_id, last_seen, status, total_uptime FROM device_state ORDER BY last_seen DESC LIMIT 1`
	var st DeviceState
	err := s.pool.QueryRow(ctx, query).Scan(&st.DeviceID, &st.LastSeen, &st.Status, &st.TotalUptime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) UpsertDeviceState(ctx context.Context, st *DeviceState) error {
	query := `
		INSERT INTO device_state (device_id, last_seen, status, total_uptime)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET
			last_seen = GREATEST(device_state.last_seen, EXCLUDED.last_seen),
			total_uptime = EXCLUDED.total_uptime
	`
	_, err := s.pool.Exec(ctx, query, st.DeviceID, st.LastSeen, st.Status, st.TotalUptime)
	return err
}

func (s *PostgresStore) SetDeviceStatus(ctx context.Context, deviceID, from, to string, lastSeen int64) (bool, error) {
	query := `UPDATE device_state SET status = $1 WHERE device_id = $2 AND status = $3 AND last_seen = $4`
	tag, err := s.pool.Exec(ctx, query, to, deviceID, from, lastSeen)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(MIN(server_timestamp), 0),
		       COALESCE(MAX(server_timestamp), 0),
		       COUNT(*) FILTER (WHERE is_boot)
		FROM reports
	`
	var stats Stats
	err := s.pool.QueryRow(ctx, query).Scan(&stats.TotalUpdates, &stats.FirstSeen, &stats.LastSeen, &stats.BootCount)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
