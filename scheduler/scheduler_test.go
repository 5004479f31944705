package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoint(pointID, deviceID, channelID uint64, rate time.Duration) ScheduledPoint {
	return ScheduledPoint{
		PointID:   pointID,
		DeviceID:  deviceID,
		ChannelID: channelID,
		Address:   "holding:100",
		DataType:  "uint16",
		Access:    AccessReadWrite,
		ScanRate:  rate,
	}
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return New(5*time.Millisecond, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestRegister_Idempotent(t *testing.T) {
	s := newTestScheduler(t)

	assert.True(t, s.Register(testPoint(101, 1, 1, time.Second)))
	assert.False(t, s.Register(testPoint(101, 1, 1, time.Second)))
	assert.Equal(t, 1, s.ScheduledPointCount())
	assert.Equal(t, 1, s.GetStatistics().ScanGroups)
}

func TestRegister_RejectsBadInput(t *testing.T) {
	s := newTestScheduler(t)

	p := testPoint(1, 1, 1, 0)
	assert.False(t, s.Register(p), "zero scan rate")

	p = testPoint(2, 1, 1, time.Second)
	p.Access = AccessWrite
	assert.False(t, s.Register(p), "write-only point cannot be polled")
}

func TestUnregister(t *testing.T) {
	s := newTestScheduler(t)

	require.True(t, s.Register(testPoint(101, 1, 1, time.Second)))
	assert.True(t, s.Unregister(101))
	assert.False(t, s.Unregister(101))
	assert.Equal(t, 0, s.ScheduledPointCount())
	// The emptied group must be dropped
	assert.Equal(t, 0, s.GetStatistics().ScanGroups)
}

func TestGrouping_ByRateAndChannel(t *testing.T) {
	s := newTestScheduler(t)

	require.True(t, s.Register(testPoint(101, 1, 1, time.Second)))
	require.True(t, s.Register(testPoint(102, 1, 1, time.Second)))
	require.True(t, s.Register(testPoint(201, 2, 2, time.Second)))

	stats := s.GetStatistics()
	assert.Equal(t, 3, stats.ScheduledPoints)
	assert.Equal(t, 2, stats.ScanGroups, "same rate, different channels must form separate groups")
}

func TestUpdateScanRate_Migration(t *testing.T) {
	s := newTestScheduler(t)

	require.True(t, s.Register(testPoint(101, 1, 1, time.Second)))
	require.True(t, s.Register(testPoint(102, 1, 1, time.Second)))

	assert.True(t, s.UpdateScanRate(101, 2*time.Second))

	stats := s.GetStatistics()
	assert.Equal(t, 2, stats.ScheduledPoints, "migration must not change the point count")
	assert.Equal(t, 2, stats.ScanGroups)

	p, ok := s.Point(101)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, p.ScanRate)

	// Migrating back empties and drops the transient group
	assert.True(t, s.UpdateScanRate(101, time.Second))
	assert.Equal(t, 1, s.GetStatistics().ScanGroups)
}

func TestUpdateScanRate_UnknownPoint(t *testing.T) {
	s := newTestScheduler(t)
	assert.False(t, s.UpdateScanRate(999, time.Second))
}

func TestTick_FiresPerChannelTasks(t *testing.T) {
	s := newTestScheduler(t)

	require.True(t, s.Register(testPoint(101, 1, 1, 50*time.Millisecond)))
	require.True(t, s.Register(testPoint(102, 1, 1, 50*time.Millisecond)))
	require.True(t, s.Register(testPoint(201, 2, 2, 50*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	// Collect the first fire of each group
	byChannel := map[uint64]CollectionTask{}
	deadline := time.After(2 * time.Second)
	for len(byChannel) < 2 {
		select {
		case task := <-s.Tasks():
			if _, seen := byChannel[task.ChannelID]; !seen {
				byChannel[task.ChannelID] = task
			}
		case <-deadline:
			t.Fatal("timed out waiting for collection tasks")
		}
	}

	ch1 := byChannel[1]
	ids := []uint64{}
	for _, p := range ch1.Points {
		ids = append(ids, p.PointID)
	}
	assert.ElementsMatch(t, []uint64{101, 102}, ids)
	assert.Equal(t, TaskPending, ch1.Status)
	assert.Equal(t, uint64(1), ch1.DeviceID, "single-device task carries the device id")

	ch2 := byChannel[2]
	require.Len(t, ch2.Points, 1)
	assert.Equal(t, uint64(201), ch2.Points[0].PointID)
}

func TestTick_MultiDeviceTaskHasZeroDeviceID(t *testing.T) {
	s := newTestScheduler(t)

	require.True(t, s.Register(testPoint(1, 10, 1, 30*time.Millisecond)))
	require.True(t, s.Register(testPoint(2, 20, 1, 30*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	select {
	case task := <-s.Tasks():
		assert.Equal(t, uint64(0), task.DeviceID)
		assert.Len(t, task.Points, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for collection task")
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	s := newTestScheduler(t)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(time.Second))
	require.NoError(t, s.Stop(time.Second))
}

func TestReportResult_Statistics(t *testing.T) {
	s := newTestScheduler(t)
	require.True(t, s.Register(testPoint(101, 1, 1, time.Hour)))

	task := CollectionTask{
		ChannelID: 1,
		Points:    []CollectionPoint{{PointID: 101}},
	}

	s.totalTasks.Add(2)
	s.ReportResult(task, 10*time.Millisecond, nil)
	s.ReportResult(task, 30*time.Millisecond, errors.New("read failed"))

	stats := s.GetStatistics()
	assert.Equal(t, uint64(1), stats.SuccessfulTasks)
	assert.Equal(t, uint64(1), stats.FailedTasks)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	assert.Equal(t, 20*time.Millisecond, stats.AverageExecution)

	p, ok := s.Point(101)
	require.True(t, ok)
	assert.Equal(t, uint64(1), p.ErrorCount)
}

func TestStatistics_ZeroTotal(t *testing.T) {
	s := newTestScheduler(t)
	assert.Zero(t, s.GetStatistics().SuccessRate)
}

func TestConcurrentRateUpdatesWhileTicking(t *testing.T) {
	s := New(time.Millisecond, slog.New(slog.NewTextHandler(testWriter{t}, nil)))

	const points = 8
	for i := uint64(1); i <= points; i++ {
		require.True(t, s.Register(testPoint(i, 1, 1, 5*time.Millisecond)))
	}

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(time.Second) }()

	// Each goroutine owns two points and migrates their rates while the
	// tick loop fires and reads the same state
	rates := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}
	var wg sync.WaitGroup
	for w := uint64(0); w < points/2; w++ {
		wg.Add(1)
		go func(w uint64) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := w*2 + uint64(i%2) + 1
				s.UpdateScanRate(id, rates[i%len(rates)])
				if _, ok := s.Point(id); !ok {
					t.Errorf("point %d vanished during migration", id)
					return
				}
				s.ReportResult(CollectionTask{
					ChannelID: 1,
					Points:    []CollectionPoint{{PointID: id}},
				}, time.Millisecond, errors.New("read failed"))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, points, s.ScheduledPointCount())
	for i := uint64(1); i <= points; i++ {
		p, ok := s.Point(i)
		require.True(t, ok)
		assert.Contains(t, rates, p.ScanRate)
		assert.NotZero(t, p.ErrorCount)
	}
}
