// Package store provides the authoritative device/point configuration
// store the gateway registers points from, and the history sink the cache
// flush tick persists into.
package store

import (
	"context"
	"time"
)

// Group is a folder of devices in the containment hierarchy
type Group struct {
	ID   uint64
	Name string
}

// Channel is a configured communication path to one or more devices
type Channel struct {
	ID       uint64
	Name     string
	Protocol string
	Config   map[string]string
	Enabled  bool
}

// Device is one field device reachable over a channel
type Device struct {
	ID        uint64
	GroupID   uint64
	ChannelID uint64
	Name      string
	Enabled   bool
}

// Point is one addressable value on a device
type Point struct {
	ID       uint64
	DeviceID uint64
	Name     string
	Address  string
	DataType string
	Access   string
	ScanRate time.Duration
	Enabled  bool
}

// Store is the read-side contract the pipeline consumes; the CRUD surface
// that writes it lives outside the gateway
type Store interface {
	Groups(ctx context.Context) ([]Group, error)
	Channels(ctx context.Context) ([]Channel, error)
	Channel(ctx context.Context, id uint64) (Channel, error)
	Devices(ctx context.Context) ([]Device, error)
	Device(ctx context.Context, id uint64) (Device, error)
	Points(ctx context.Context) ([]Point, error)
	PointsOfDevice(ctx context.Context, deviceID uint64) ([]Point, error)
}
