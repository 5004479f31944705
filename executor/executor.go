// Package executor closes the collection loop: it consumes the scheduler's
// tasks through a worker pool, performs the batched protocol reads over
// pooled connections, and writes the results into the value cache.
package executor

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/connpool"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/errors"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/metric"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/pkg/worker"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/protocol"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/scheduler"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/store"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/subscription"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/valuecache"
)

// Options holds the executor's worker pool sizing
type Options struct {
	Workers         int
	QueueSize       int
	DefaultScanRate time.Duration // applied to points registered without one
}

// DefaultOptions returns production defaults for the executor
func DefaultOptions() Options {
	return Options{Workers: 16, QueueSize: 1024, DefaultScanRate: time.Second}
}

// Executor glues the scheduler, the connection pools and the value cache
// together, and hosts the lifecycle notification handlers that keep the
// scheduler and hierarchy index consistent with CRUD happening elsewhere.
type Executor struct {
	sched   *scheduler.Scheduler
	pools   *connpool.Manager
	cache   *valuecache.Cache
	index   *subscription.Index
	storage store.Store
	logger  *slog.Logger
	metrics *metric.Metrics

	defaultScanRate time.Duration

	workerRegistry *metric.Registry

	tasks *worker.Pool[scheduler.CollectionTask]

	// channels caches resolved channel configs; invalidated on channel edits
	channels *xsync.MapOf[uint64, connpool.Channel]

	lifecycleMu sync.Mutex
	running     bool
	stop        chan struct{}
	done        chan struct{}
}

// Option configures an Executor
type Option func(*Executor)

// WithMetrics attaches the gateway core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithWorkerMetrics registers the task pool's own metrics
func WithWorkerMetrics(registry *metric.Registry) Option {
	return func(e *Executor) { e.workerRegistry = registry }
}

// New creates an executor over the assembled pipeline components
func New(opts Options, sched *scheduler.Scheduler, pools *connpool.Manager,
	cache *valuecache.Cache, index *subscription.Index, storage store.Store,
	logger *slog.Logger, execOpts ...Option) *Executor {

	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultScanRate <= 0 {
		opts.DefaultScanRate = DefaultOptions().DefaultScanRate
	}
	e := &Executor{
		sched:           sched,
		pools:           pools,
		cache:           cache,
		index:           index,
		storage:         storage,
		logger:          logger.With("component", "executor"),
		channels:        xsync.NewMapOf[uint64, connpool.Channel](),
		defaultScanRate: opts.DefaultScanRate,
	}
	for _, opt := range execOpts {
		opt(e)
	}

	var poolOpts []worker.Option[scheduler.CollectionTask]
	if e.workerRegistry != nil {
		poolOpts = append(poolOpts,
			worker.WithMetrics[scheduler.CollectionTask](e.workerRegistry, "executor"))
	}
	e.tasks = worker.NewPool(opts.Workers, opts.QueueSize, e.process, poolOpts...)
	return e
}

// Start launches the task pool and the scheduler consumption loop;
// idempotent
func (e *Executor) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.running {
		return nil
	}
	if err := e.tasks.Start(ctx); err != nil {
		return errors.Wrap(err, "Executor", "Start", "start worker pool")
	}

	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.running = true

	go e.consume(e.stop, e.done)

	if e.metrics != nil {
		e.metrics.RecordComponentStatus("executor", true)
	}
	e.logger.Info("executor started")
	return nil
}

// Stop halts consumption and drains the worker pool, bounded by timeout;
// in-flight tasks complete or fail independently. Idempotent.
func (e *Executor) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.running {
		return nil
	}
	close(e.stop)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
	case <-timer.C:
	}

	if err := e.tasks.Stop(timeout); err != nil {
		e.logger.Warn("worker pool stop", "error", err)
	}

	e.running = false
	if e.metrics != nil {
		e.metrics.RecordComponentStatus("executor", false)
	}
	e.logger.Info("executor stopped")
	return nil
}

// consume forwards fired tasks into the worker pool; a full queue drops the
// task so the scheduler's emission path never backs up
func (e *Executor) consume(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case task, ok := <-e.sched.Tasks():
			if !ok {
				return
			}
			if err := e.tasks.Submit(task); err != nil {
				e.logger.Warn("task dropped", "channel_id", task.ChannelID, "error", err)
				if e.metrics != nil {
					e.metrics.RecordError("executor", "capacity")
				}
			}
		}
	}
}

// process runs one collection task end to end
func (e *Executor) process(ctx context.Context, task scheduler.CollectionTask) error {
	start := time.Now()

	channel, err := e.channelFor(ctx, task.ChannelID)
	if err != nil {
		e.logger.Error("channel lookup failed", "channel_id", task.ChannelID, "error", err)
		e.markBad(task)
		e.report(task, start, "error", err)
		return err
	}

	conn, err := e.pools.GetConnection(ctx, channel)
	if err != nil {
		if errors.IsCapacity(err) {
			// Pool saturated beyond the wait bound: skip this cycle, the
			// next fire retries with current data left intact
			e.logger.Debug("cycle skipped, pool saturated", "channel_id", task.ChannelID)
			if e.metrics != nil {
				e.metrics.RecordError("executor", "capacity")
			}
			e.report(task, start, "skipped", err)
			return nil
		}
		e.markBad(task)
		e.report(task, start, "error", err)
		return err
	}

	addresses := make([]string, 0, len(task.Points))
	byAddress := make(map[string]scheduler.CollectionPoint, len(task.Points))
	for _, p := range task.Points {
		if !p.Enabled || !p.Access.Readable() {
			continue
		}
		addresses = append(addresses, p.Address)
		byAddress[p.Address] = p
	}

	values, err := conn.Driver().BatchRead(ctx, addresses)
	if err != nil {
		e.pools.ReportError(task.ChannelID, conn, err)
		e.releaseQuietly(task.ChannelID, conn)
		e.markBad(task)
		e.report(task, start, "error", err)
		return err
	}
	e.releaseQuietly(task.ChannelID, conn)

	updates := make([]valuecache.Update, 0, len(values))
	for address, value := range values {
		point, ok := byAddress[address]
		if !ok {
			continue
		}
		updates = append(updates, valuecache.Update{
			PointID: point.PointID,
			Value:   value.Raw,
			Type:    point.DataType,
			Quality: valuecache.QualityGood,
		})
	}
	e.cache.BatchUpdate(updates, false)

	e.report(task, start, "success", nil)
	return nil
}

// markBad degrades every point in the task to Bad quality while keeping the
// last known value, so subscribers see the failure rather than silence
func (e *Executor) markBad(task scheduler.CollectionTask) {
	updates := make([]valuecache.Update, 0, len(task.Points))
	for _, p := range task.Points {
		if !p.Enabled || !p.Access.Readable() {
			continue
		}
		prior, _ := e.cache.Get(p.PointID)
		updates = append(updates, valuecache.Update{
			PointID: p.PointID,
			Value:   prior.Value,
			Type:    p.DataType,
			Quality: valuecache.QualityBad,
		})
	}
	e.cache.BatchUpdate(updates, false)
}

func (e *Executor) releaseQuietly(channelID uint64, conn *connpool.Connection) {
	if err := e.pools.ReleaseConnection(channelID, conn); err != nil {
		e.logger.Warn("release failed", "channel_id", channelID, "error", err)
	}
}

func (e *Executor) report(task scheduler.CollectionTask, start time.Time, status string, err error) {
	duration := time.Since(start)
	e.sched.ReportResult(task, duration, err)
	if e.metrics != nil {
		e.metrics.RecordTaskDuration(strconv.FormatUint(task.ChannelID, 10), status, duration)
	}
}

// Write performs an on-demand value write to a device over the channel's
// pool; used by the external command surface
func (e *Executor) Write(ctx context.Context, channelID uint64, dataType protocol.DataType, address, value string) error {
	channel, err := e.channelFor(ctx, channelID)
	if err != nil {
		return err
	}

	conn, err := e.pools.GetConnection(ctx, channel)
	if err != nil {
		return err
	}
	defer e.releaseQuietly(channelID, conn)

	if err := conn.Driver().Write(ctx, dataType, address, value); err != nil {
		e.pools.ReportError(channelID, conn, err)
		return errors.WrapTransport(err, "Executor", "Write", "write value")
	}
	return nil
}

// channelFor resolves a channel's pool configuration, caching it until the
// channel is invalidated
func (e *Executor) channelFor(ctx context.Context, channelID uint64) (connpool.Channel, error) {
	if ch, ok := e.channels.Load(channelID); ok {
		return ch, nil
	}

	stored, err := e.storage.Channel(ctx, channelID)
	if err != nil {
		return connpool.Channel{}, errors.WrapConfiguration(err,
			"Executor", "channelFor", "load channel")
	}

	ch := connpool.Channel{
		ID:       stored.ID,
		Name:     stored.Name,
		Protocol: protocol.Type(stored.Protocol),
		Config:   protocol.Config(stored.Config),
	}
	e.channels.Store(channelID, ch)
	return ch, nil
}

// InvalidateChannel drops the cached channel config and its pool; the next
// task rebuilds both from the store
func (e *Executor) InvalidateChannel(channelID uint64) {
	e.channels.Delete(channelID)
	e.pools.ClearChannelPool(channelID)
}

// TaskStats exposes the worker pool counters for diagnostics
func (e *Executor) TaskStats() worker.PoolStats {
	return e.tasks.Stats()
}
