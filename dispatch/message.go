// Package dispatch routes point updates to the connections that subscribed
// to them and fans the resulting messages out across the transport sinks.
package dispatch

import (
	"encoding/json"
	"time"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/valuecache"
)

// Message type tags carried in the envelope
const (
	TypePointUpdate  = "point.update"
	TypePointsUpdate = "points.update"
	TypePointStatus  = "point.status"
	TypePointRemove  = "point.remove"
	TypePointsRemove = "points.remove"
)

// Envelope is the wire shape every sink delivers
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// PointUpdate is the payload for a single value change
type PointUpdate struct {
	PointID   uint64 `json:"point_id"`
	Value     string `json:"value"`
	Quality   string `json:"quality"`
	Timestamp int64  `json:"timestamp"`
}

// PointStatus is the payload for a quality-only change
type PointStatus struct {
	PointID   uint64 `json:"point_id"`
	Quality   string `json:"quality"`
	Timestamp int64  `json:"timestamp"`
}

// PointRemove is the payload for a single point removal
type PointRemove struct {
	PointID uint64 `json:"point_id"`
}

// PointsRemove is the payload for a batch removal
type PointsRemove struct {
	PointIDs []uint64 `json:"point_ids"`
}

func updatePayload(s valuecache.Snapshot) PointUpdate {
	return PointUpdate{
		PointID:   s.PointID,
		Value:     s.Value,
		Quality:   string(s.Quality),
		Timestamp: s.UpdatedAt.UnixMilli(),
	}
}

// encode marshals an envelope with the current timestamp. A batch holding
// exactly one update collapses to the single-update shape.
func encode(msgType string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
}
