package subscription

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Hierarchy is the authoritative group/device/point containment relation a
// full rebuild loads from the store
type Hierarchy struct {
	// PointDevice maps point id to its owning device id
	PointDevice map[uint64]uint64
	// DeviceGroup maps device id to its owning group id
	DeviceGroup map[uint64]uint64
}

// Loader provides the authoritative hierarchy for a full rebuild
type Loader interface {
	LoadHierarchy(ctx context.Context) (Hierarchy, error)
}

// Index answers "which connections care about point P". The hierarchy is an
// explicit id-to-id cache, patched incrementally by lifecycle notifications
// and rebuildable from the store; subscriptions are indexed both per
// connection and per subscribed id so resolution never scans subscribers.
type Index struct {
	logger *slog.Logger

	// Hierarchy cache; the mutex covers all four maps
	hierMu       sync.RWMutex
	pointDevice  map[uint64]uint64
	deviceGroup  map[uint64]uint64
	groupDevices map[uint64]map[uint64]struct{}
	devicePoints map[uint64]map[uint64]struct{}
	rebuilt      bool

	// Per-connection subscription sets
	connections *xsync.MapOf[string, *Set]

	// Reverse indexes, one bucket per subscribed id
	groupSubs  *xsync.MapOf[uint64, *connSet]
	deviceSubs *xsync.MapOf[uint64, *connSet]
	pointSubs  *xsync.MapOf[uint64, *connSet]
}

// NewIndex creates an empty subscription index
func NewIndex(logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		logger:       logger.With("component", "subscription"),
		pointDevice:  make(map[uint64]uint64),
		deviceGroup:  make(map[uint64]uint64),
		groupDevices: make(map[uint64]map[uint64]struct{}),
		devicePoints: make(map[uint64]map[uint64]struct{}),
		connections:  xsync.NewMapOf[string, *Set](),
		groupSubs:    xsync.NewMapOf[uint64, *connSet](),
		deviceSubs:   xsync.NewMapOf[uint64, *connSet](),
		pointSubs:    xsync.NewMapOf[uint64, *connSet](),
	}
}

func (i *Index) subsFor(l level) *xsync.MapOf[uint64, *connSet] {
	switch l {
	case levelGroup:
		return i.groupSubs
	case levelDevice:
		return i.deviceSubs
	default:
		return i.pointSubs
	}
}

func (i *Index) subscribe(connectionID string, l level, id uint64) {
	set, _ := i.connections.LoadOrCompute(connectionID, newSet)
	set.add(l, id)

	bucket, _ := i.subsFor(l).LoadOrCompute(id, newConnSet)
	bucket.add(connectionID)
}

func (i *Index) unsubscribe(connectionID string, l level, id uint64) {
	if set, ok := i.connections.Load(connectionID); ok {
		set.remove(l, id)
	}
	if bucket, ok := i.subsFor(l).Load(id); ok {
		bucket.remove(connectionID)
	}
}

// SubscribeGroup subscribes a connection to every point under a group
func (i *Index) SubscribeGroup(connectionID string, groupID uint64) {
	i.subscribe(connectionID, levelGroup, groupID)
}

// SubscribeDevice subscribes a connection to every point under a device
func (i *Index) SubscribeDevice(connectionID string, deviceID uint64) {
	i.subscribe(connectionID, levelDevice, deviceID)
}

// SubscribePoint subscribes a connection to one point
func (i *Index) SubscribePoint(connectionID string, pointID uint64) {
	i.subscribe(connectionID, levelPoint, pointID)
}

// UnsubscribeGroup removes a group subscription; idempotent
func (i *Index) UnsubscribeGroup(connectionID string, groupID uint64) {
	i.unsubscribe(connectionID, levelGroup, groupID)
}

// UnsubscribeDevice removes a device subscription; idempotent
func (i *Index) UnsubscribeDevice(connectionID string, deviceID uint64) {
	i.unsubscribe(connectionID, levelDevice, deviceID)
}

// UnsubscribePoint removes a point subscription; idempotent
func (i *Index) UnsubscribePoint(connectionID string, pointID uint64) {
	i.unsubscribe(connectionID, levelPoint, pointID)
}

// RemoveConnection drops every subscription the connection holds. Called
// when the transport closes the connection.
func (i *Index) RemoveConnection(connectionID string) {
	set, ok := i.connections.LoadAndDelete(connectionID)
	if !ok {
		return
	}
	groups, devices, points := set.snapshot()
	for _, id := range groups {
		if bucket, ok := i.groupSubs.Load(id); ok {
			bucket.remove(connectionID)
		}
	}
	for _, id := range devices {
		if bucket, ok := i.deviceSubs.Load(id); ok {
			bucket.remove(connectionID)
		}
	}
	for _, id := range points {
		if bucket, ok := i.pointSubs.Load(id); ok {
			bucket.remove(connectionID)
		}
	}
	i.logger.Debug("connection subscriptions removed", "connection_id", connectionID)
}

// ConnectionsForPointUpdate returns the connections subscribed to the point
// directly, to its owning device, or to that device's owning group. A point
// with no hierarchy edges resolves through direct subscriptions only.
func (i *Index) ConnectionsForPointUpdate(pointID uint64) []string {
	out := make(map[string]struct{})
	i.collectForPoint(pointID, out)
	return sortedConns(out)
}

// ConnectionsForPointUpdates resolves many points at once, de-duplicated
func (i *Index) ConnectionsForPointUpdates(pointIDs []uint64) []string {
	out := make(map[string]struct{})
	for _, id := range pointIDs {
		i.collectForPoint(id, out)
	}
	return sortedConns(out)
}

func (i *Index) collectForPoint(pointID uint64, out map[string]struct{}) {
	if bucket, ok := i.pointSubs.Load(pointID); ok {
		bucket.collect(out)
	}

	i.hierMu.RLock()
	deviceID, hasDevice := i.pointDevice[pointID]
	var groupID uint64
	hasGroup := false
	if hasDevice {
		groupID, hasGroup = i.deviceGroup[deviceID]
	}
	i.hierMu.RUnlock()

	if hasDevice {
		if bucket, ok := i.deviceSubs.Load(deviceID); ok {
			bucket.collect(out)
		}
	}
	if hasGroup {
		if bucket, ok := i.groupSubs.Load(groupID); ok {
			bucket.collect(out)
		}
	}
}

// UpdateDeviceHierarchy moves a device under a group, replacing any previous
// edge so the device has exactly one group owner
func (i *Index) UpdateDeviceHierarchy(deviceID, groupID uint64) {
	i.hierMu.Lock()
	defer i.hierMu.Unlock()

	if old, ok := i.deviceGroup[deviceID]; ok {
		delete(i.groupDevices[old], deviceID)
		if len(i.groupDevices[old]) == 0 {
			delete(i.groupDevices, old)
		}
	}
	i.deviceGroup[deviceID] = groupID
	if i.groupDevices[groupID] == nil {
		i.groupDevices[groupID] = make(map[uint64]struct{})
	}
	i.groupDevices[groupID][deviceID] = struct{}{}
}

// UpdatePointHierarchy moves a point under a device, replacing any previous
// edge so the point has exactly one device owner
func (i *Index) UpdatePointHierarchy(pointID, deviceID uint64) {
	i.hierMu.Lock()
	defer i.hierMu.Unlock()

	if old, ok := i.pointDevice[pointID]; ok {
		delete(i.devicePoints[old], pointID)
		if len(i.devicePoints[old]) == 0 {
			delete(i.devicePoints, old)
		}
	}
	i.pointDevice[pointID] = deviceID
	if i.devicePoints[deviceID] == nil {
		i.devicePoints[deviceID] = make(map[uint64]struct{})
	}
	i.devicePoints[deviceID][pointID] = struct{}{}
}

// RemovePointHierarchy drops a point's edges; used on point deletion
func (i *Index) RemovePointHierarchy(pointID uint64) {
	i.hierMu.Lock()
	defer i.hierMu.Unlock()

	if deviceID, ok := i.pointDevice[pointID]; ok {
		delete(i.devicePoints[deviceID], pointID)
		if len(i.devicePoints[deviceID]) == 0 {
			delete(i.devicePoints, deviceID)
		}
	}
	delete(i.pointDevice, pointID)
}

// RemoveDeviceHierarchy drops a device's group edge; point edges under the
// device are left for per-point removal
func (i *Index) RemoveDeviceHierarchy(deviceID uint64) {
	i.hierMu.Lock()
	defer i.hierMu.Unlock()

	if groupID, ok := i.deviceGroup[deviceID]; ok {
		delete(i.groupDevices[groupID], deviceID)
		if len(i.groupDevices[groupID]) == 0 {
			delete(i.groupDevices, groupID)
		}
	}
	delete(i.deviceGroup, deviceID)
}

// Refresh rebuilds the hierarchy cache from the authoritative store. Until
// it has completed once, hierarchy-based routing may under-deliver; direct
// point subscriptions are unaffected.
func (i *Index) Refresh(ctx context.Context, loader Loader) error {
	h, err := loader.LoadHierarchy(ctx)
	if err != nil {
		return err
	}

	pointDevice := make(map[uint64]uint64, len(h.PointDevice))
	deviceGroup := make(map[uint64]uint64, len(h.DeviceGroup))
	groupDevices := make(map[uint64]map[uint64]struct{})
	devicePoints := make(map[uint64]map[uint64]struct{})
	for point, device := range h.PointDevice {
		pointDevice[point] = device
		if devicePoints[device] == nil {
			devicePoints[device] = make(map[uint64]struct{})
		}
		devicePoints[device][point] = struct{}{}
	}
	for device, group := range h.DeviceGroup {
		deviceGroup[device] = group
		if groupDevices[group] == nil {
			groupDevices[group] = make(map[uint64]struct{})
		}
		groupDevices[group][device] = struct{}{}
	}

	i.hierMu.Lock()
	i.pointDevice = pointDevice
	i.deviceGroup = deviceGroup
	i.groupDevices = groupDevices
	i.devicePoints = devicePoints
	i.rebuilt = true
	i.hierMu.Unlock()

	i.logger.Info("hierarchy cache rebuilt",
		"points", len(pointDevice), "devices", len(deviceGroup))
	return nil
}

// Rebuilt reports whether a full rebuild has completed at least once
func (i *Index) Rebuilt() bool {
	i.hierMu.RLock()
	defer i.hierMu.RUnlock()
	return i.rebuilt
}

// ConnectionStatus returns one connection's subscription snapshot
func (i *Index) ConnectionStatus(connectionID string) (Status, bool) {
	set, ok := i.connections.Load(connectionID)
	if !ok {
		return Status{}, false
	}
	return set.status(connectionID), true
}

// AllConnections returns the snapshot of every tracked connection, sorted
// by connection id
func (i *Index) AllConnections() []Status {
	out := make([]Status, 0, i.connections.Size())
	i.connections.Range(func(id string, set *Set) bool {
		out = append(out, set.status(id))
		return true
	})
	sort.Slice(out, func(a, b int) bool { return out[a].ConnectionID < out[b].ConnectionID })
	return out
}

func sortedConns(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	sort.Strings(out)
	return out
}
