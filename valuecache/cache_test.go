package valuecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingNotifier counts notifications for call-count assertions
type recordingNotifier struct {
	mu           sync.Mutex
	singles      []Snapshot
	batches      [][]Snapshot
	removed      []uint64
	batchRemoved [][]uint64
}

func (n *recordingNotifier) PointUpdated(s Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.singles = append(n.singles, s)
}

func (n *recordingNotifier) PointsUpdated(s []Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, s)
}

func (n *recordingNotifier) PointRemoved(pointID uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, pointID)
}

func (n *recordingNotifier) PointsRemoved(pointIDs []uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batchRemoved = append(n.batchRemoved, pointIDs)
}

func (n *recordingNotifier) singleCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.singles)
}

func newTestCache(n Notifier) *Cache {
	opts := DefaultOptions()
	opts.MaxAge = time.Minute
	if n == nil {
		return New(opts, nil)
	}
	return New(opts, nil, WithNotifier(n))
}

func TestCache_UpdateNoOpLaw(t *testing.T) {
	notifier := &recordingNotifier{}
	cache := newTestCache(notifier)

	changed := cache.Update(Update{PointID: 1, Value: "42", Quality: QualityGood}, false)
	assert.True(t, changed)

	// Same value and quality again: no notification, not dirty again
	changed = cache.Update(Update{PointID: 1, Value: "42", Quality: QualityGood}, false)
	assert.False(t, changed)
	assert.Equal(t, 1, notifier.singleCount())
}

func TestCache_UpdateQualityChangeNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	cache := newTestCache(notifier)

	cache.Update(Update{PointID: 1, Value: "42", Quality: QualityGood}, false)
	changed := cache.Update(Update{PointID: 1, Value: "42", Quality: QualityBad}, false)

	assert.True(t, changed)
	assert.Equal(t, 2, notifier.singleCount())
}

func TestCache_ForceNotifyOverridesNoOp(t *testing.T) {
	notifier := &recordingNotifier{}
	cache := newTestCache(notifier)

	cache.Update(Update{PointID: 1, Value: "42", Quality: QualityGood}, false)
	changed := cache.Update(Update{PointID: 1, Value: "42", Quality: QualityGood}, true)

	assert.False(t, changed)
	assert.Equal(t, 2, notifier.singleCount())
}

func TestCache_BatchUpdateSingleNotification(t *testing.T) {
	notifier := &recordingNotifier{}
	cache := newTestCache(notifier)

	changed := cache.BatchUpdate([]Update{
		{PointID: 1, Value: "1", Quality: QualityGood},
		{PointID: 2, Value: "2", Quality: QualityGood},
		{PointID: 3, Value: "3", Quality: QualityGood},
	}, false)

	assert.Equal(t, 3, changed)
	require.Len(t, notifier.batches, 1)
	assert.Len(t, notifier.batches[0], 3)
}

func TestCache_BatchUpdateUnchangedIsSilent(t *testing.T) {
	notifier := &recordingNotifier{}
	cache := newTestCache(notifier)

	updates := []Update{
		{PointID: 1, Value: "1", Quality: QualityGood},
		{PointID: 2, Value: "2", Quality: QualityGood},
	}
	cache.BatchUpdate(updates, false)
	changed := cache.BatchUpdate(updates, false)

	assert.Equal(t, 0, changed)
	assert.Len(t, notifier.batches, 1)

	// forceNotify re-announces everything even when nothing changed
	cache.BatchUpdate(updates, true)
	require.Len(t, notifier.batches, 2)
	assert.Len(t, notifier.batches[1], 2)
}

func TestCache_BatchUpdateNotifiesOnlyChanged(t *testing.T) {
	notifier := &recordingNotifier{}
	cache := newTestCache(notifier)

	cache.BatchUpdate([]Update{
		{PointID: 1, Value: "1", Quality: QualityGood},
		{PointID: 2, Value: "2", Quality: QualityGood},
	}, false)

	cache.BatchUpdate([]Update{
		{PointID: 1, Value: "1", Quality: QualityGood},
		{PointID: 2, Value: "99", Quality: QualityGood},
	}, false)

	require.Len(t, notifier.batches, 2)
	require.Len(t, notifier.batches[1], 1)
	assert.Equal(t, uint64(2), notifier.batches[1][0].PointID)
}

func TestCache_DrainExactlyOnce(t *testing.T) {
	cache := newTestCache(nil)

	cache.Update(Update{PointID: 1, Value: "1", Quality: QualityGood}, false)
	cache.Update(Update{PointID: 2, Value: "2", Quality: QualityGood}, false)

	first := cache.DrainDirty()
	assert.Len(t, first, 2)

	second := cache.DrainDirty()
	assert.Empty(t, second)
}

func TestCache_DrainPreservesMidDrainWrites(t *testing.T) {
	cache := newTestCache(nil)

	cache.Update(Update{PointID: 1, Value: "1", Quality: QualityGood}, false)
	cache.DrainDirty()

	// A write after draining must dirty the point for the next drain
	cache.Update(Update{PointID: 1, Value: "2", Quality: QualityGood}, false)
	drained := cache.DrainDirty()
	require.Len(t, drained, 1)
	assert.Equal(t, "2", drained[0].Value)
}

func TestCache_GetAndBatchGet(t *testing.T) {
	cache := newTestCache(nil)

	cache.Update(Update{PointID: 1, Value: "1", Quality: QualityGood}, false)
	cache.Update(Update{PointID: 2, Value: "2", Quality: QualityBad}, false)

	snap, ok := cache.Get(1)
	require.True(t, ok)
	assert.Equal(t, "1", snap.Value)
	assert.Equal(t, QualityGood, snap.Quality)

	_, ok = cache.Get(99)
	assert.False(t, ok)

	got := cache.BatchGet([]uint64{1, 2, 99})
	assert.Len(t, got, 2)
	assert.Equal(t, QualityBad, got[2].Quality)
}

func TestCache_RemoveNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	cache := newTestCache(notifier)

	cache.Update(Update{PointID: 1, Value: "1", Quality: QualityGood}, false)
	assert.True(t, cache.Remove(1))
	assert.False(t, cache.Remove(1))
	assert.Equal(t, []uint64{1}, notifier.removed)

	// Removed points are no longer dirty
	assert.Empty(t, cache.DrainDirty())
}

func TestCache_BatchRemove(t *testing.T) {
	notifier := &recordingNotifier{}
	cache := newTestCache(notifier)

	cache.Update(Update{PointID: 1, Value: "1", Quality: QualityGood}, false)
	cache.Update(Update{PointID: 2, Value: "2", Quality: QualityGood}, false)

	removed := cache.BatchRemove([]uint64{1, 2, 99})
	assert.Equal(t, 2, removed)
	require.Len(t, notifier.batchRemoved, 1)
	assert.ElementsMatch(t, []uint64{1, 2}, notifier.batchRemoved[0])
	assert.Equal(t, 0, cache.Size())
}

func TestCache_CleanupExpired(t *testing.T) {
	cache := newTestCache(nil)

	cache.Update(Update{PointID: 1, Value: "1", Quality: QualityGood}, false)
	cache.Update(Update{PointID: 2, Value: "2", Quality: QualityGood}, false)
	cache.DrainDirty()

	// Point 2 stays dirty; dirty entries never expire
	cache.Update(Update{PointID: 2, Value: "3", Quality: QualityGood}, false)

	evicted := cache.CleanupExpired(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, evicted)

	_, ok := cache.Get(1)
	assert.False(t, ok)
	_, ok = cache.Get(2)
	assert.True(t, ok)
}

func TestCache_CleanupKeepsFreshEntries(t *testing.T) {
	cache := newTestCache(nil)

	cache.Update(Update{PointID: 1, Value: "1", Quality: QualityGood}, false)
	cache.DrainDirty()

	assert.Equal(t, 0, cache.CleanupExpired(time.Now()))
	assert.Equal(t, 1, cache.Size())
}

func TestCache_SnapshotAllSorted(t *testing.T) {
	cache := newTestCache(nil)

	cache.Update(Update{PointID: 3, Value: "c", Quality: QualityGood}, false)
	cache.Update(Update{PointID: 1, Value: "a", Quality: QualityGood}, false)
	cache.Update(Update{PointID: 2, Value: "b", Quality: QualityGood}, false)

	all := cache.SnapshotAll()
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].PointID)
	assert.Equal(t, uint64(3), all[2].PointID)
}

// blockingNotifier parks batch notifications until released
type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (n *blockingNotifier) PointUpdated(Snapshot) {}

func (n *blockingNotifier) PointsUpdated([]Snapshot) {
	n.once.Do(func() { close(n.entered) })
	<-n.release
}

func (n *blockingNotifier) PointRemoved(uint64)    {}
func (n *blockingNotifier) PointsRemoved([]uint64) {}

type countingSink struct {
	mu     sync.Mutex
	points int
}

func (s *countingSink) Flush(snaps []Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points += len(snaps)
	return nil
}

func (s *countingSink) flushed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.points
}

func TestCache_BlockedPushDoesNotStallFlush(t *testing.T) {
	notifier := &blockingNotifier{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	sink := &countingSink{}

	opts := Options{
		FlushInterval:   20 * time.Millisecond,
		PushInterval:    20 * time.Millisecond,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
	cache := New(opts, nil, WithNotifier(notifier), WithFlushSink(sink))
	require.NoError(t, cache.Start(context.Background()))
	defer func() {
		close(notifier.release)
		_ = cache.Stop(time.Second)
	}()

	cache.Update(Update{PointID: 1, Value: "1", Quality: QualityGood}, false)

	// Wait until the push tick is parked inside the notifier
	select {
	case <-notifier.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("push never fired")
	}

	// With the push blocked, subsequent flush ticks must still drain
	cache.Update(Update{PointID: 2, Value: "2", Quality: QualityGood}, false)
	assert.Eventually(t, func() bool {
		return sink.flushed() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
