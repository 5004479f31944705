package subscription

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLoader struct {
	hierarchy Hierarchy
	err       error
}

func (l *staticLoader) LoadHierarchy(_ context.Context) (Hierarchy, error) {
	return l.hierarchy, l.err
}

// buildIndex wires group 10 -> device 20 -> points 1,2 and device 21 -> point 3
func buildIndex(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex(nil)
	idx.UpdateDeviceHierarchy(20, 10)
	idx.UpdateDeviceHierarchy(21, 10)
	idx.UpdatePointHierarchy(1, 20)
	idx.UpdatePointHierarchy(2, 20)
	idx.UpdatePointHierarchy(3, 21)
	return idx
}

func TestIndex_DirectPointSubscription(t *testing.T) {
	idx := NewIndex(nil)
	idx.SubscribePoint("c1", 1)

	assert.Equal(t, []string{"c1"}, idx.ConnectionsForPointUpdate(1))
	assert.Empty(t, idx.ConnectionsForPointUpdate(2))
}

func TestIndex_HierarchyFanOut(t *testing.T) {
	idx := buildIndex(t)

	idx.SubscribeGroup("cg", 10)
	idx.SubscribeDevice("cd", 20)
	idx.SubscribePoint("cp", 1)

	// Point 1 sits under device 20 under group 10: all three levels match
	assert.Equal(t, []string{"cd", "cg", "cp"}, idx.ConnectionsForPointUpdate(1))

	// Point 3 sits under device 21: only the group subscriber matches
	assert.Equal(t, []string{"cg"}, idx.ConnectionsForPointUpdate(3))
}

func TestIndex_HierarchyUpdateChangesRouting(t *testing.T) {
	idx := buildIndex(t)
	idx.SubscribeGroup("cg", 10)

	require.Equal(t, []string{"cg"}, idx.ConnectionsForPointUpdate(1))

	// Moving device 20 out of group 10 must drop the group subscriber
	idx.UpdateDeviceHierarchy(20, 99)
	assert.Empty(t, idx.ConnectionsForPointUpdate(1))

	// And back again restores it
	idx.UpdateDeviceHierarchy(20, 10)
	assert.Equal(t, []string{"cg"}, idx.ConnectionsForPointUpdate(1))
}

func TestIndex_BatchResolutionDeduplicates(t *testing.T) {
	idx := buildIndex(t)

	idx.SubscribeDevice("c1", 20)
	idx.SubscribePoint("c1", 3)
	idx.SubscribePoint("c2", 2)

	conns := idx.ConnectionsForPointUpdates([]uint64{1, 2, 3})
	assert.Equal(t, []string{"c1", "c2"}, conns)
}

func TestIndex_UnsubscribeIsIdempotent(t *testing.T) {
	idx := NewIndex(nil)
	idx.SubscribePoint("c1", 1)
	idx.SubscribePoint("c1", 1)

	idx.UnsubscribePoint("c1", 1)
	assert.Empty(t, idx.ConnectionsForPointUpdate(1))
	idx.UnsubscribePoint("c1", 1)
}

func TestIndex_RemoveConnection(t *testing.T) {
	idx := buildIndex(t)

	idx.SubscribeGroup("c1", 10)
	idx.SubscribeDevice("c1", 20)
	idx.SubscribePoint("c1", 1)
	idx.SubscribePoint("c2", 1)

	idx.RemoveConnection("c1")

	assert.Equal(t, []string{"c2"}, idx.ConnectionsForPointUpdate(1))
	_, ok := idx.ConnectionStatus("c1")
	assert.False(t, ok)
}

func TestIndex_RemovePointHierarchy(t *testing.T) {
	idx := buildIndex(t)
	idx.SubscribeDevice("c1", 20)

	require.Equal(t, []string{"c1"}, idx.ConnectionsForPointUpdate(1))

	// An orphaned point routes like a point with no subscribers
	idx.RemovePointHierarchy(1)
	assert.Empty(t, idx.ConnectionsForPointUpdate(1))
}

func TestIndex_Refresh(t *testing.T) {
	idx := NewIndex(nil)
	assert.False(t, idx.Rebuilt())

	loader := &staticLoader{hierarchy: Hierarchy{
		PointDevice: map[uint64]uint64{1: 20, 2: 20},
		DeviceGroup: map[uint64]uint64{20: 10},
	}}
	require.NoError(t, idx.Refresh(context.Background(), loader))
	assert.True(t, idx.Rebuilt())

	idx.SubscribeGroup("c1", 10)
	assert.Equal(t, []string{"c1"}, idx.ConnectionsForPointUpdate(2))
}

func TestIndex_RefreshReplacesStaleEdges(t *testing.T) {
	idx := buildIndex(t)
	idx.SubscribeGroup("c1", 10)

	// The store now says device 20 belongs to group 11
	loader := &staticLoader{hierarchy: Hierarchy{
		PointDevice: map[uint64]uint64{1: 20},
		DeviceGroup: map[uint64]uint64{20: 11},
	}}
	require.NoError(t, idx.Refresh(context.Background(), loader))

	assert.Empty(t, idx.ConnectionsForPointUpdate(1))
}

func TestIndex_RefreshError(t *testing.T) {
	idx := NewIndex(nil)
	loader := &staticLoader{err: fmt.Errorf("store unavailable")}

	assert.Error(t, idx.Refresh(context.Background(), loader))
	assert.False(t, idx.Rebuilt())
}

func TestIndex_ConnectionStatus(t *testing.T) {
	idx := buildIndex(t)

	idx.SubscribeGroup("c1", 10)
	idx.SubscribePoint("c1", 3)
	idx.SubscribePoint("c2", 1)

	status, ok := idx.ConnectionStatus("c1")
	require.True(t, ok)
	assert.Equal(t, []uint64{10}, status.Groups)
	assert.Equal(t, []uint64{3}, status.Points)
	assert.False(t, status.LastActivity.IsZero())

	all := idx.AllConnections()
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].ConnectionID)
	assert.Equal(t, "c2", all[1].ConnectionID)
}
