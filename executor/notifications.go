package executor

import (
	"context"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/protocol"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/scheduler"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/store"
)

// The handlers below are the inbound lifecycle notification surface: the
// CRUD layer that owns devices and points calls them so the scheduler, the
// cache and the hierarchy index track configuration changes without a
// restart.

// RegisterFromStore sweeps the store and registers every enabled, readable
// point of every enabled device; run once at startup. Returns the number of
// points registered.
func (e *Executor) RegisterFromStore(ctx context.Context) (int, error) {
	devices, err := e.storage.Devices(ctx)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, device := range devices {
		e.index.UpdateDeviceHierarchy(device.ID, device.GroupID)
		if !device.Enabled {
			continue
		}

		points, err := e.storage.PointsOfDevice(ctx, device.ID)
		if err != nil {
			return registered, err
		}
		for _, p := range points {
			e.index.UpdatePointHierarchy(p.ID, p.DeviceID)
			if e.registerPoint(p, device) {
				registered++
			}
		}
	}

	e.logger.Info("registration sweep complete",
		"devices", len(devices), "points", registered)
	return registered, nil
}

// OnPointCreated registers a freshly created point when its device allows it
func (e *Executor) OnPointCreated(ctx context.Context, p store.Point) {
	e.index.UpdatePointHierarchy(p.ID, p.DeviceID)

	device, err := e.storage.Device(ctx, p.DeviceID)
	if err != nil {
		e.logger.Warn("device lookup for new point failed",
			"point_id", p.ID, "device_id", p.DeviceID, "error", err)
		return
	}
	if device.Enabled {
		e.registerPoint(p, device)
	}
}

// OnPointUpdated re-registers a point whose address, type, device or scan
// rate changed. A pure scan-rate change migrates the group in place.
func (e *Executor) OnPointUpdated(ctx context.Context, p store.Point) {
	e.index.UpdatePointHierarchy(p.ID, p.DeviceID)

	current, scheduled := e.sched.Point(p.ID)
	if scheduled &&
		current.Address == p.Address &&
		current.DeviceID == p.DeviceID &&
		string(current.DataType) == p.DataType &&
		string(current.Access) == p.Access {
		if current.ScanRate != p.ScanRate {
			e.sched.UpdateScanRate(p.ID, p.ScanRate)
		}
		return
	}

	e.sched.Unregister(p.ID)
	if !p.Enabled {
		return
	}
	device, err := e.storage.Device(ctx, p.DeviceID)
	if err != nil {
		e.logger.Warn("device lookup for updated point failed",
			"point_id", p.ID, "device_id", p.DeviceID, "error", err)
		return
	}
	if device.Enabled {
		e.registerPoint(p, device)
	}
}

// OnPointDeleted unregisters the point and evicts its cache entry
func (e *Executor) OnPointDeleted(_ context.Context, pointID uint64) {
	e.sched.Unregister(pointID)
	e.cache.Remove(pointID)
	e.index.RemovePointHierarchy(pointID)
}

// OnPointEnabledChanged follows an enable/disable toggle. Disabling stops
// polling but keeps the cached value until expiry.
func (e *Executor) OnPointEnabledChanged(ctx context.Context, p store.Point, enabled bool) {
	if !enabled {
		e.sched.Unregister(p.ID)
		return
	}
	e.OnPointCreated(ctx, p)
}

// OnPointsBatchImported registers a bulk import in one pass
func (e *Executor) OnPointsBatchImported(ctx context.Context, points []store.Point) {
	for _, p := range points {
		e.OnPointCreated(ctx, p)
	}
	e.logger.Info("batch import registered", "points", len(points))
}

// OnDeviceEnabledChanged registers or unregisters every point of a device
func (e *Executor) OnDeviceEnabledChanged(ctx context.Context, deviceID uint64, enabled bool) {
	points, err := e.storage.PointsOfDevice(ctx, deviceID)
	if err != nil {
		e.logger.Warn("points lookup for device toggle failed",
			"device_id", deviceID, "error", err)
		return
	}

	if !enabled {
		for _, p := range points {
			e.sched.Unregister(p.ID)
		}
		e.logger.Info("device disabled, points unregistered",
			"device_id", deviceID, "points", len(points))
		return
	}

	device, err := e.storage.Device(ctx, deviceID)
	if err != nil {
		e.logger.Warn("device lookup for enable failed", "device_id", deviceID, "error", err)
		return
	}
	registered := 0
	for _, p := range points {
		if e.registerPoint(p, device) {
			registered++
		}
	}
	e.logger.Info("device enabled, points registered",
		"device_id", deviceID, "points", registered)
}

// OnDeviceHierarchyChanged patches the device's group edge
func (e *Executor) OnDeviceHierarchyChanged(deviceID, groupID uint64) {
	e.index.UpdateDeviceHierarchy(deviceID, groupID)
}

// registerPoint puts one enabled, readable point on the schedule
func (e *Executor) registerPoint(p store.Point, device store.Device) bool {
	if !p.Enabled {
		return false
	}
	access := scheduler.AccessMode(p.Access)
	if !access.Readable() {
		return false
	}
	rate := p.ScanRate
	if rate <= 0 {
		rate = e.defaultScanRate
	}
	return e.sched.Register(scheduler.ScheduledPoint{
		PointID:   p.ID,
		DeviceID:  p.DeviceID,
		ChannelID: device.ChannelID,
		Address:   p.Address,
		DataType:  protocol.DataType(p.DataType),
		Access:    access,
		ScanRate:  rate,
	})
}
