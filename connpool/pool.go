package connpool

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/errors"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/metric"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/pkg/retry"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/protocol"
)

// Options holds the tunables shared by every pool a manager creates
type Options struct {
	MaxSize             int
	AcquireTimeout      time.Duration
	AcquirePollInterval time.Duration
	HealthCheckInterval time.Duration
	IdleExpiry          time.Duration
	ActiveExpiry        time.Duration
}

// DefaultOptions returns production defaults for pool behavior
func DefaultOptions() Options {
	return Options{
		MaxSize:             4,
		AcquireTimeout:      30 * time.Second,
		AcquirePollInterval: 100 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
		IdleExpiry:          10 * time.Minute,
		ActiveExpiry:        30 * time.Minute,
	}
}

// Stats is a snapshot of one pool's counters
type Stats struct {
	ChannelID   uint64 `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	Active      int    `json:"active"`
	Idle        int    `json:"idle"`
	Created     uint64 `json:"created"`
	Destroyed   uint64 `json:"destroyed"`
	Errors      uint64 `json:"errors"`
	WaitTimeouts uint64 `json:"wait_timeouts"`
}

// Pool owns the live connections for one channel. The pool mutex guards the
// idle queue and active set only; protocol I/O happens outside it.
type Pool struct {
	channel  Channel
	opts     Options
	registry *protocol.Registry
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu        sync.Mutex
	idle      []*Connection
	active    map[*Connection]struct{}
	closed    bool
	created   uint64
	destroyed uint64
	errCount  uint64
	waitFails uint64
}

// NewPool creates a pool for one channel. Connections are created lazily on
// first Get.
func NewPool(channel Channel, opts Options, registry *protocol.Registry, logger *slog.Logger, metrics *metric.Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		channel:  channel,
		opts:     opts,
		registry: registry,
		logger:   logger.With("component", "connpool", "channel_id", channel.ID),
		metrics:  metrics,
		active:   make(map[*Connection]struct{}),
	}
}

// Get hands out a healthy connection, creating one when allowed. When the
// pool is at capacity it waits, polling, up to the acquire timeout and then
// fails with a capacity error the caller must treat as skip-this-cycle.
func (p *Pool) Get(ctx context.Context) (*Connection, error) {
	deadline := time.Now().Add(p.opts.AcquireTimeout)

	for {
		conn, create, err := p.tryAcquire()
		if err != nil {
			return nil, err
		}
		if conn != nil {
			conn.markInUse()
			return conn, nil
		}
		if create {
			conn, err := p.createConnection(ctx)
			if err != nil {
				if errors.IsCapacity(err) {
					// Lost the race for the last slot; fall through to
					// the bounded wait
					continue
				}
				return nil, err
			}
			return conn, nil
		}

		// Saturated: wait for a slot, bounded
		if time.Now().After(deadline) {
			p.mu.Lock()
			p.waitFails++
			p.mu.Unlock()
			if p.metrics != nil {
				p.metrics.PoolWaits.WithLabelValues(p.channelLabel(), "timeout").Inc()
			}
			return nil, errors.WrapCapacity(errors.ErrAcquireTimeout,
				"Pool", "Get", "wait for pool slot")
		}
		if p.metrics != nil {
			p.metrics.PoolWaits.WithLabelValues(p.channelLabel(), "wait").Inc()
		}
		timer := time.NewTimer(p.opts.AcquirePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire pops a healthy idle connection, or reports whether a new one
// may be created. Unhealthy idle connections are destroyed on the way.
func (p *Pool) tryAcquire() (*Connection, bool, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false, errors.WrapInvalid(errors.ErrPoolClosed, "Pool", "Get", "check pool state")
		}
		if len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.mu.Unlock()

			if conn.checkLiveness() {
				return conn, false, nil
			}
			p.destroy(conn)
			continue
		}
		canCreate := len(p.active) < p.opts.MaxSize
		if canCreate {
			// Reserve the slot before connecting so concurrent Gets
			// cannot overshoot the bound
			p.mu.Unlock()
			return nil, true, nil
		}
		p.mu.Unlock()
		return nil, false, nil
	}
}

// createConnection builds and connects a driver for the channel. The slot is
// reserved with a placeholder before the (slow) connect so the max-size
// bound holds under concurrency.
func (p *Pool) createConnection(ctx context.Context) (*Connection, error) {
	driver, err := p.registry.New(p.channel.Protocol, p.channel.Config)
	if err != nil {
		p.recordPoolError()
		return nil, err
	}

	conn := newConnection(driver)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrPoolClosed, "Pool", "Get", "check pool state")
	}
	if len(p.active)+len(p.idle) >= p.opts.MaxSize {
		// Lost the race for the last slot; retry through the wait path
		p.mu.Unlock()
		return nil, errors.WrapCapacity(errors.ErrPoolExhausted, "Pool", "Get", "reserve pool slot")
	}
	p.active[conn] = struct{}{}
	p.created++
	p.mu.Unlock()
	p.updateGauges()

	// A couple of quick retries absorb transient refusals without holding
	// the reserved slot for long
	err = retry.Do(ctx, retry.Connect(), func() error {
		return driver.Connect(ctx)
	})
	if err != nil {
		conn.recordError(err)
		p.removeActive(conn)
		p.recordPoolError()
		p.logger.Warn("connection create failed", "error", err)
		return nil, err
	}

	conn.setStatus(StatusConnected)
	conn.markInUse()
	conn.checkLiveness()
	p.logger.Debug("connection created")
	return conn, nil
}

// Release returns a connection to the idle queue after re-checking health;
// an unhealthy or disconnected connection is destroyed asynchronously.
func (p *Pool) Release(conn *Connection) {
	if conn == nil {
		return
	}
	if !conn.checkLiveness() {
		conn.setStatus(StatusDisconnected)
		go p.destroy(conn)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(conn)
		return
	}
	if _, ok := p.active[conn]; ok {
		delete(p.active, conn)
		conn.markIdle()
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()
	p.updateGauges()
}

// ReportError records a transport failure the executor saw while using the
// connection; the health sweep will evict it if the failures persist.
func (p *Pool) ReportError(conn *Connection, err error) {
	if conn == nil {
		return
	}
	conn.recordError(err)
	p.recordPoolError()
}

// removeActive drops a connection from the active set without destroying it
func (p *Pool) removeActive(conn *Connection) {
	p.mu.Lock()
	delete(p.active, conn)
	p.mu.Unlock()
	p.updateGauges()
}

// destroy removes the connection from the pool's books and closes transport
func (p *Pool) destroy(conn *Connection) {
	p.mu.Lock()
	delete(p.active, conn)
	for i, idle := range p.idle {
		if idle == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.destroyed++
	p.mu.Unlock()
	p.destroyDriver(conn)
	p.updateGauges()
}

func (p *Pool) destroyDriver(conn *Connection) {
	if err := conn.driver.Disconnect(); err != nil {
		p.logger.Debug("disconnect during destroy", "error", err)
	}
	conn.setStatus(StatusDisconnected)
}

// Sweep runs one health pass: idle connections are expired or
// liveness-checked, stuck active connections are flagged and removed.
// Called by the manager on its sweep cadence.
func (p *Pool) Sweep(now time.Time) {
	p.mu.Lock()
	idle := make([]*Connection, len(p.idle))
	copy(idle, p.idle)
	active := make([]*Connection, 0, len(p.active))
	for conn := range p.active {
		active = append(active, conn)
	}
	p.mu.Unlock()

	for _, conn := range idle {
		switch {
		case conn.idleFor(now) > p.opts.IdleExpiry:
			p.logger.Debug("destroying expired idle connection")
			p.destroy(conn)
		case conn.staleFor(now) > p.opts.HealthCheckInterval:
			if !conn.checkLiveness() {
				p.logger.Debug("destroying idle connection that failed liveness check")
				p.recordPoolError()
				p.destroy(conn)
			}
		}
	}

	for _, conn := range active {
		if conn.idleFor(now) > p.opts.ActiveExpiry || !conn.driver.Connected() {
			conn.recordError(errors.ErrConnectionLost)
			p.logger.Warn("removing stuck or disconnected active connection",
				"idle_for", conn.idleFor(now).String())
			p.recordPoolError()
			p.destroy(conn)
		}
	}
}

// Close force-disconnects every connection; the pool rejects further Gets
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*Connection, 0, len(p.idle)+len(p.active))
	conns = append(conns, p.idle...)
	for conn := range p.active {
		conns = append(conns, conn)
	}
	p.idle = nil
	p.active = make(map[*Connection]struct{})
	p.destroyed += uint64(len(conns))
	p.mu.Unlock()

	for _, conn := range conns {
		p.destroyDriver(conn)
	}
	p.updateGauges()
}

// Stats returns a snapshot of the pool's counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ChannelID:    p.channel.ID,
		ChannelName:  p.channel.Name,
		Active:       len(p.active),
		Idle:         len(p.idle),
		Created:      p.created,
		Destroyed:    p.destroyed,
		Errors:       p.errCount,
		WaitTimeouts: p.waitFails,
	}
}

// Connections returns diagnostic snapshots of every pooled connection
func (p *Pool) Connections() []Info {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.idle)+len(p.active))
	conns = append(conns, p.idle...)
	for conn := range p.active {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	infos := make([]Info, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Snapshot())
	}
	return infos
}

func (p *Pool) recordPoolError() {
	p.mu.Lock()
	p.errCount++
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.PoolErrors.WithLabelValues(p.channelLabel()).Inc()
	}
}

func (p *Pool) channelLabel() string {
	return strconv.FormatUint(p.channel.ID, 10)
}

func (p *Pool) updateGauges() {
	if p.metrics == nil {
		return
	}
	p.mu.Lock()
	active, idle := len(p.active), len(p.idle)
	p.mu.Unlock()
	p.metrics.PoolActive.WithLabelValues(p.channelLabel()).Set(float64(active))
	p.metrics.PoolIdle.WithLabelValues(p.channelLabel()).Set(float64(idle))
}
