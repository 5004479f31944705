package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/valuecache"
)

func openFixture(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	seed := []string{
		`INSERT INTO groups (id, name) VALUES (10, 'plant-a')`,
		`INSERT INTO channels (id, name, protocol, config) VALUES
			(1, 'line-1', 'modbus-tcp', '{"host":"10.0.0.5","port":"502"}')`,
		`INSERT INTO devices (id, group_id, channel_id, name) VALUES
			(20, 10, 1, 'plc-1'), (21, 10, 1, 'plc-2')`,
		`INSERT INTO points (id, device_id, name, address, data_type, access, scan_rate_ms) VALUES
			(101, 20, 'temp', 'holding:0', 'float32', 'r', 1000),
			(102, 20, 'pressure', 'holding:2', 'uint16', 'rw', 1000),
			(201, 21, 'speed', 'holding:0', 'uint16', 'r', 500)`,
	}
	for _, stmt := range seed {
		_, err := s.DB().Exec(stmt)
		require.NoError(t, err)
	}
	return s
}

func TestSQLite_Devices(t *testing.T) {
	s := openFixture(t)

	devices, err := s.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, uint64(10), devices[0].GroupID)
	assert.True(t, devices[0].Enabled)

	device, err := s.Device(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, "plc-2", device.Name)

	_, err = s.Device(context.Background(), 99)
	assert.Error(t, err)
}

func TestSQLite_Channels(t *testing.T) {
	s := openFixture(t)

	ch, err := s.Channel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "modbus-tcp", ch.Protocol)
	assert.Equal(t, "10.0.0.5", ch.Config["host"])

	channels, err := s.Channels(context.Background())
	require.NoError(t, err)
	assert.Len(t, channels, 1)
}

func TestSQLite_Points(t *testing.T) {
	s := openFixture(t)

	points, err := s.Points(context.Background())
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, time.Second, points[0].ScanRate)
	assert.Equal(t, 500*time.Millisecond, points[2].ScanRate)

	ofDevice, err := s.PointsOfDevice(context.Background(), 20)
	require.NoError(t, err)
	assert.Len(t, ofDevice, 2)
}

func TestSQLite_LoadHierarchy(t *testing.T) {
	s := openFixture(t)

	h, err := s.LoadHierarchy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), h.PointDevice[101])
	assert.Equal(t, uint64(21), h.PointDevice[201])
	assert.Equal(t, uint64(10), h.DeviceGroup[20])
}

func TestHistory_Flush(t *testing.T) {
	s := openFixture(t)
	sink := NewHistory(s.DB(), nil)

	now := time.Now()
	err := sink.Flush([]valuecache.Snapshot{
		{PointID: 101, Value: "21.5", Quality: valuecache.QualityGood, UpdatedAt: now},
		{PointID: 102, Value: "3", Quality: valuecache.QualityBad, UpdatedAt: now},
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM history`).Scan(&count))
	assert.Equal(t, 2, count)

	var quality string
	require.NoError(t, s.DB().QueryRow(
		`SELECT quality FROM history WHERE point_id = 102`).Scan(&quality))
	assert.Equal(t, "bad", quality)

	// An empty drain is a no-op, not an error
	assert.NoError(t, sink.Flush(nil))
}
