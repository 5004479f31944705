// Package valuecache holds the last-known value of every collected point,
// detects changes, and feeds the flush and resync ticks that drive
// persistence and distribution.
package valuecache

import (
	"time"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/protocol"
)

// Quality grades how much a cached value can be trusted
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
	QualityUnknown   Quality = "unknown"
)

// Snapshot is an immutable copy of one cache entry
type Snapshot struct {
	PointID   uint64            `json:"point_id"`
	Value     string            `json:"value"`
	Type      protocol.DataType `json:"type,omitempty"`
	Quality   Quality           `json:"quality"`
	UpdatedAt time.Time         `json:"updated_at"`
	FlushedAt time.Time         `json:"flushed_at,omitempty"`
}

// Update is one incoming write to the cache
type Update struct {
	PointID uint64
	Value   string
	Type    protocol.DataType
	Quality Quality
}

// Notifier receives change notifications from the cache. The dispatcher
// implements this; calls happen on the writer's goroutine and must hand
// slow work off rather than block.
type Notifier interface {
	PointUpdated(s Snapshot)
	PointsUpdated(s []Snapshot)
	PointRemoved(pointID uint64)
	PointsRemoved(pointIDs []uint64)
}

// FlushSink receives each drained dirty set from the flush tick, typically
// for durable history storage.
type FlushSink interface {
	Flush(points []Snapshot) error
}

// entry is the mutable cache record; guarded by the per-point entry lock
type entry struct {
	snapshot Snapshot
	dirty    bool
}
