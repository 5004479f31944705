package connpool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/errors"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/metric"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/protocol"
)

// Manager is the registry of one Pool per channel plus the periodic health
// sweeper that runs across all of them.
type Manager struct {
	opts          Options
	sweepInterval time.Duration
	registry      *protocol.Registry
	logger        *slog.Logger
	metrics       *metric.Metrics

	pools *xsync.MapOf[uint64, *Pool]

	// Lifecycle; the mutex guards only the running flag and sweeper control
	lifecycleMu sync.Mutex
	running     bool
	stop        chan struct{}
	done        chan struct{}
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithMetrics attaches the gateway core metrics
func WithMetrics(m *metric.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithSweepInterval overrides the health sweep cadence
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(mgr *Manager) {
		if d > 0 {
			mgr.sweepInterval = d
		}
	}
}

// WithRegistry uses a specific protocol registry instead of the default one
func WithRegistry(r *protocol.Registry) ManagerOption {
	return func(mgr *Manager) { mgr.registry = r }
}

// NewManager creates a manager; pools are created lazily per channel
func NewManager(opts Options, logger *slog.Logger, managerOpts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		opts:          opts,
		sweepInterval: 60 * time.Second,
		registry:      protocol.Default(),
		logger:        logger.With("component", "connpool"),
		pools:         xsync.NewMapOf[uint64, *Pool](),
	}
	for _, opt := range managerOpts {
		opt(m)
	}
	return m
}

// GetConnection acquires a connection from the channel's pool, creating the
// pool on first use
func (m *Manager) GetConnection(ctx context.Context, channel Channel) (*Connection, error) {
	pool, _ := m.pools.LoadOrCompute(channel.ID, func() *Pool {
		m.logger.Debug("creating pool", "channel_id", channel.ID, "protocol", channel.Protocol)
		return NewPool(channel, m.opts, m.registry, m.logger, m.metrics)
	})
	return pool.Get(ctx)
}

// ReleaseConnection returns a connection to its channel's pool
func (m *Manager) ReleaseConnection(channelID uint64, conn *Connection) error {
	pool, ok := m.pools.Load(channelID)
	if !ok {
		return errors.WrapInvalid(errors.ErrChannelNotFound,
			"Manager", "ReleaseConnection", "look up channel pool")
	}
	pool.Release(conn)
	return nil
}

// ReportError records a transport failure on a connection's channel pool
func (m *Manager) ReportError(channelID uint64, conn *Connection, err error) {
	if pool, ok := m.pools.Load(channelID); ok {
		pool.ReportError(conn, err)
	}
}

// ChannelStats returns the statistics for one channel's pool
func (m *Manager) ChannelStats(channelID uint64) (Stats, bool) {
	pool, ok := m.pools.Load(channelID)
	if !ok {
		return Stats{}, false
	}
	return pool.Stats(), true
}

// AllStats returns per-channel statistics, sorted by channel id
func (m *Manager) AllStats() []Stats {
	stats := make([]Stats, 0, m.pools.Size())
	m.pools.Range(func(_ uint64, pool *Pool) bool {
		stats = append(stats, pool.Stats())
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].ChannelID < stats[j].ChannelID })
	return stats
}

// ClearChannelPool tears down one channel's pool and all its connections
func (m *Manager) ClearChannelPool(channelID uint64) {
	if pool, ok := m.pools.LoadAndDelete(channelID); ok {
		pool.Close()
		m.logger.Info("channel pool cleared", "channel_id", channelID)
	}
}

// ClearAllPools tears down every pool
func (m *Manager) ClearAllPools() {
	m.pools.Range(func(channelID uint64, pool *Pool) bool {
		m.pools.Delete(channelID)
		pool.Close()
		return true
	})
	m.logger.Info("all channel pools cleared")
}

// Start launches the periodic health sweeper; idempotent
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.running {
		return nil
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true

	go m.sweepLoop(ctx, m.stop, m.done)

	if m.metrics != nil {
		m.metrics.RecordComponentStatus("connpool", true)
	}
	m.logger.Info("connection pool manager started", "sweep_interval", m.sweepInterval)
	return nil
}

// Stop halts the sweeper and force-disconnects all pools, bounded by timeout;
// idempotent
func (m *Manager) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.running {
		return nil
	}
	close(m.stop)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.done:
	case <-timer.C:
	}

	m.ClearAllPools()
	m.running = false
	if m.metrics != nil {
		m.metrics.RecordComponentStatus("connpool", false)
	}
	m.logger.Info("connection pool manager stopped")
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep runs one health pass over every pool; a failing pool never stops
// the sweep for the rest
func (m *Manager) sweep(now time.Time) {
	m.pools.Range(func(channelID uint64, pool *Pool) bool {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("health sweep panic", "channel_id", channelID, "panic", r)
			}
		}()
		pool.Sweep(now)
		return true
	})
}
