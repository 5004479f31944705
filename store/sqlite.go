package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/pkg/retry"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/subscription"
)

const schema = `
CREATE TABLE IF NOT EXISTS groups (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS channels (
	id       INTEGER PRIMARY KEY,
	name     TEXT NOT NULL,
	protocol TEXT NOT NULL,
	config   TEXT NOT NULL DEFAULT '{}',
	enabled  INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS devices (
	id         INTEGER PRIMARY KEY,
	group_id   INTEGER NOT NULL REFERENCES groups(id),
	channel_id INTEGER NOT NULL REFERENCES channels(id),
	name       TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS points (
	id           INTEGER PRIMARY KEY,
	device_id    INTEGER NOT NULL REFERENCES devices(id),
	name         TEXT NOT NULL,
	address      TEXT NOT NULL,
	data_type    TEXT NOT NULL,
	access       TEXT NOT NULL DEFAULT 'r',
	scan_rate_ms INTEGER NOT NULL DEFAULT 1000,
	enabled      INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_points_device ON points(device_id);
CREATE TABLE IF NOT EXISTS history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	point_id   INTEGER NOT NULL,
	value      TEXT NOT NULL,
	quality    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_point ON history(point_id, updated_at);
`

// SQLite backs the Store contract with an embedded database. It also
// implements subscription.Loader for the hierarchy rebuild.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the gateway database at dsn
func Open(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store.Open: open %s: %w", dsn, err)
	}
	// The sqlite driver serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent flush and query traffic
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		// Schema failures are deterministic; retrying Open cannot fix them
		return nil, retry.NonRetryable(fmt.Errorf("store.Open: apply schema: %w", err))
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB exposes the handle for the history sink
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Groups returns every group
func (s *SQLite) Groups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store.Groups: query: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, fmt.Errorf("store.Groups: scan: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Channels returns every channel
func (s *SQLite) Channels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, protocol, config, enabled FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store.Channels: query: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// Channel returns one channel by id
func (s *SQLite) Channel(ctx context.Context, id uint64) (Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, protocol, config, enabled FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (Channel, error) {
	var (
		ch        Channel
		configRaw string
	)
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Protocol, &configRaw, &ch.Enabled); err != nil {
		return Channel{}, fmt.Errorf("store: scan channel: %w", err)
	}
	if err := json.Unmarshal([]byte(configRaw), &ch.Config); err != nil {
		return Channel{}, fmt.Errorf("store: decode channel %d config: %w", ch.ID, err)
	}
	return ch, nil
}

// Devices returns every device
func (s *SQLite) Devices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, channel_id, name, enabled FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store.Devices: query: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.GroupID, &d.ChannelID, &d.Name, &d.Enabled); err != nil {
			return nil, fmt.Errorf("store.Devices: scan: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Device returns one device by id
func (s *SQLite) Device(ctx context.Context, id uint64) (Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, channel_id, name, enabled FROM devices WHERE id = ?`, id).
		Scan(&d.ID, &d.GroupID, &d.ChannelID, &d.Name, &d.Enabled)
	if err != nil {
		return Device{}, fmt.Errorf("store.Device: %d: %w", id, err)
	}
	return d, nil
}

// Points returns every point
func (s *SQLite) Points(ctx context.Context) ([]Point, error) {
	return s.queryPoints(ctx,
		`SELECT id, device_id, name, address, data_type, access, scan_rate_ms, enabled
		 FROM points ORDER BY id`)
}

// PointsOfDevice returns the points owned by one device
func (s *SQLite) PointsOfDevice(ctx context.Context, deviceID uint64) ([]Point, error) {
	return s.queryPoints(ctx,
		`SELECT id, device_id, name, address, data_type, access, scan_rate_ms, enabled
		 FROM points WHERE device_id = ? ORDER BY id`, deviceID)
}

func (s *SQLite) queryPoints(ctx context.Context, query string, args ...any) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var (
			p          Point
			scanRateMS int64
		)
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.Name, &p.Address,
			&p.DataType, &p.Access, &scanRateMS, &p.Enabled); err != nil {
			return nil, fmt.Errorf("store: scan point: %w", err)
		}
		p.ScanRate = time.Duration(scanRateMS) * time.Millisecond
		points = append(points, p)
	}
	return points, rows.Err()
}

// LoadHierarchy returns the full containment relation for an index rebuild
func (s *SQLite) LoadHierarchy(ctx context.Context) (subscription.Hierarchy, error) {
	h := subscription.Hierarchy{
		PointDevice: make(map[uint64]uint64),
		DeviceGroup: make(map[uint64]uint64),
	}

	devices, err := s.Devices(ctx)
	if err != nil {
		return subscription.Hierarchy{}, err
	}
	for _, d := range devices {
		h.DeviceGroup[d.ID] = d.GroupID
	}

	points, err := s.Points(ctx)
	if err != nil {
		return subscription.Hierarchy{}, err
	}
	for _, p := range points {
		h.PointDevice[p.ID] = p.DeviceID
	}
	return h, nil
}
