package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/metric"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/subscription"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/valuecache"
)

// Sink is one transport the dispatcher delivers through. Implementations
// must not block Send on slow clients.
type Sink interface {
	Name() string
	Send(connectionID string, message []byte) error
	ConnectionCount() int
}

// Stats is a snapshot of the dispatcher's counters
type Stats struct {
	MessagesDistributed uint64         `json:"messages_distributed"`
	LastDistribution    time.Time      `json:"last_distribution,omitempty"`
	SinkConnections     map[string]int `json:"sink_connections"`
}

// Dispatcher resolves subscribers through the subscription index and
// delivers folded per-connection messages to every sink. It implements
// valuecache.Notifier so cache change notifications flow straight in.
type Dispatcher struct {
	index   *subscription.Index
	sinks   []Sink
	logger  *slog.Logger
	metrics *metric.Metrics

	mu          sync.Mutex
	distributed uint64
	lastAt      time.Time
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithSink adds a transport sink; call once per sink
func WithSink(s Sink) Option {
	return func(d *Dispatcher) { d.sinks = append(d.sinks, s) }
}

// WithMetrics attaches the gateway core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher over the given subscription index
func New(index *subscription.Index, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		index:  index,
		logger: logger.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PointUpdated distributes one value change. A point nobody subscribed to
// returns before any serialization or transport call.
func (d *Dispatcher) PointUpdated(s valuecache.Snapshot) {
	conns := d.index.ConnectionsForPointUpdate(s.PointID)
	if len(conns) == 0 {
		return
	}

	data, err := encode(TypePointUpdate, updatePayload(s))
	if err != nil {
		d.logger.Error("encode point update", "point_id", s.PointID, "error", err)
		return
	}

	d.deliver(TypePointUpdate, func(g *errgroup.Group) {
		for _, conn := range conns {
			conn := conn
			g.Go(func() error {
				d.sendAll(conn, data)
				return nil
			})
		}
	})
}

// PointsUpdated distributes a batch of changes. Updates are folded per
// connection: a connection subscribed to three of the points receives one
// message holding exactly those three.
func (d *Dispatcher) PointsUpdated(snapshots []valuecache.Snapshot) {
	perConn := make(map[string][]PointUpdate)
	for _, s := range snapshots {
		for _, conn := range d.index.ConnectionsForPointUpdate(s.PointID) {
			perConn[conn] = append(perConn[conn], updatePayload(s))
		}
	}
	if len(perConn) == 0 {
		return
	}

	d.deliver(TypePointsUpdate, func(g *errgroup.Group) {
		for conn, updates := range perConn {
			conn, updates := conn, updates
			g.Go(func() error {
				var (
					data []byte
					err  error
				)
				if len(updates) == 1 {
					data, err = encode(TypePointUpdate, updates[0])
				} else {
					data, err = encode(TypePointsUpdate, updates)
				}
				if err != nil {
					d.logger.Error("encode batch update", "connection_id", conn, "error", err)
					return nil
				}
				d.sendAll(conn, data)
				return nil
			})
		}
	})
}

// PointStatusChanged distributes a quality-only change
func (d *Dispatcher) PointStatusChanged(pointID uint64, quality valuecache.Quality, at time.Time) {
	conns := d.index.ConnectionsForPointUpdate(pointID)
	if len(conns) == 0 {
		return
	}

	data, err := encode(TypePointStatus, PointStatus{
		PointID:   pointID,
		Quality:   string(quality),
		Timestamp: at.UnixMilli(),
	})
	if err != nil {
		d.logger.Error("encode status change", "point_id", pointID, "error", err)
		return
	}

	d.deliver(TypePointStatus, func(g *errgroup.Group) {
		for _, conn := range conns {
			conn := conn
			g.Go(func() error {
				d.sendAll(conn, data)
				return nil
			})
		}
	})
}

// PointRemoved announces a point deletion to its subscribers
func (d *Dispatcher) PointRemoved(pointID uint64) {
	conns := d.index.ConnectionsForPointUpdate(pointID)
	if len(conns) == 0 {
		return
	}

	data, err := encode(TypePointRemove, PointRemove{PointID: pointID})
	if err != nil {
		d.logger.Error("encode point removal", "point_id", pointID, "error", err)
		return
	}

	d.deliver(TypePointRemove, func(g *errgroup.Group) {
		for _, conn := range conns {
			conn := conn
			g.Go(func() error {
				d.sendAll(conn, data)
				return nil
			})
		}
	})
}

// PointsRemoved announces a batch deletion, folded per connection
func (d *Dispatcher) PointsRemoved(pointIDs []uint64) {
	perConn := make(map[string][]uint64)
	for _, id := range pointIDs {
		for _, conn := range d.index.ConnectionsForPointUpdate(id) {
			perConn[conn] = append(perConn[conn], id)
		}
	}
	if len(perConn) == 0 {
		return
	}

	d.deliver(TypePointsRemove, func(g *errgroup.Group) {
		for conn, ids := range perConn {
			conn, ids := conn, ids
			g.Go(func() error {
				var (
					data []byte
					err  error
				)
				if len(ids) == 1 {
					data, err = encode(TypePointRemove, PointRemove{PointID: ids[0]})
				} else {
					data, err = encode(TypePointsRemove, PointsRemove{PointIDs: ids})
				}
				if err != nil {
					d.logger.Error("encode batch removal", "connection_id", conn, "error", err)
					return nil
				}
				d.sendAll(conn, data)
				return nil
			})
		}
	})
}

// deliver runs the per-connection sends concurrently and updates counters
// once they all settle
func (d *Dispatcher) deliver(msgType string, spawn func(*errgroup.Group)) {
	var g errgroup.Group
	spawn(&g)
	_ = g.Wait()

	d.mu.Lock()
	d.distributed++
	d.lastAt = time.Now()
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.MessagesDistributed.WithLabelValues(msgType).Inc()
		for _, sink := range d.sinks {
			d.metrics.SinkConnections.WithLabelValues(sink.Name()).Set(float64(sink.ConnectionCount()))
		}
	}
}

// sendAll delivers one message to every sink. A sink failure is logged and
// counted; it never stops the other sinks or reaches the caller.
func (d *Dispatcher) sendAll(connectionID string, data []byte) {
	for _, sink := range d.sinks {
		if err := sink.Send(connectionID, data); err != nil {
			d.logger.Warn("sink delivery failed",
				"sink", sink.Name(), "connection_id", connectionID, "error", err)
			if d.metrics != nil {
				d.metrics.SinkErrors.WithLabelValues(sink.Name()).Inc()
			}
		}
	}
}

// Stats returns the distribution counters and per-sink connection counts
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	distributed, lastAt := d.distributed, d.lastAt
	d.mu.Unlock()

	sinkConns := make(map[string]int, len(d.sinks))
	for _, sink := range d.sinks {
		sinkConns[sink.Name()] = sink.ConnectionCount()
	}
	return Stats{
		MessagesDistributed: distributed,
		LastDistribution:    lastAt,
		SinkConnections:     sinkConns,
	}
}
