package valuecache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/metric"
)

// Options holds the cache's periodic-task tunables
type Options struct {
	FlushInterval   time.Duration
	PushInterval    time.Duration
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// DefaultOptions returns production defaults for the cache ticks
func DefaultOptions() Options {
	return Options{
		FlushInterval:   time.Second,
		PushInterval:    30 * time.Second,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          time.Hour,
	}
}

// Cache is the write-back value cache. Entries live in a concurrent map with
// a per-point writer lock; the dirty set is a swap-on-drain map so a drain
// never loses an update that races with it.
type Cache struct {
	opts     Options
	logger   *slog.Logger
	metrics  *metric.Metrics
	notifier Notifier
	sink     FlushSink

	entries *xsync.MapOf[uint64, *entry]
	entryMu *xsync.MapOf[uint64, *sync.Mutex]

	dirtyMu sync.Mutex
	dirty   map[uint64]struct{}

	lifecycleMu sync.Mutex
	running     bool
	stop        chan struct{}
	done        chan struct{}
}

// Option configures a Cache
type Option func(*Cache)

// WithNotifier attaches the change-notification receiver
func WithNotifier(n Notifier) Option {
	return func(c *Cache) { c.notifier = n }
}

// WithFlushSink attaches the persistence hook the flush tick feeds
func WithFlushSink(s FlushSink) Option {
	return func(c *Cache) { c.sink = s }
}

// WithMetrics attaches the gateway core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a value cache; Start launches its periodic ticks
func New(opts Options, logger *slog.Logger, cacheOpts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = def.PushInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = def.CleanupInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = def.MaxAge
	}
	c := &Cache{
		opts:    opts,
		logger:  logger.With("component", "valuecache"),
		entries: xsync.NewMapOf[uint64, *entry](),
		entryMu: xsync.NewMapOf[uint64, *sync.Mutex](),
		dirty:   make(map[uint64]struct{}),
	}
	for _, opt := range cacheOpts {
		opt(c)
	}
	return c
}

// SetNotifier installs the notifier after construction; used by the gateway
// assembly to break the cache/dispatcher construction cycle
func (c *Cache) SetNotifier(n Notifier) {
	c.notifier = n
}

func (c *Cache) lockEntry(pointID uint64) *sync.Mutex {
	mu, _ := c.entryMu.LoadOrCompute(pointID, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu
}

// Update writes one value and returns whether it differed from the cached
// one. A notification is raised when the value or quality changed, or when
// forceNotify is set; an unchanged non-forced update is a silent no-op.
func (c *Cache) Update(u Update, forceNotify bool) bool {
	snap, changed := c.apply(u, time.Now())

	c.recordUpdate(changed, forceNotify)
	if (changed || forceNotify) && c.notifier != nil {
		c.notifier.PointUpdated(snap)
	}
	return changed
}

// BatchUpdate writes many values and raises at most one batch notification,
// covering the changed entries (or all entries when forceNotify is set)
func (c *Cache) BatchUpdate(updates []Update, forceNotify bool) int {
	now := time.Now()
	notify := make([]Snapshot, 0, len(updates))
	changedCount := 0

	for _, u := range updates {
		snap, changed := c.apply(u, now)
		c.recordUpdate(changed, forceNotify)
		if changed {
			changedCount++
		}
		if changed || forceNotify {
			notify = append(notify, snap)
		}
	}

	if len(notify) > 0 && c.notifier != nil {
		c.notifier.PointsUpdated(notify)
	}
	return changedCount
}

// apply performs the compare-and-write for one point under its entry lock
func (c *Cache) apply(u Update, now time.Time) (Snapshot, bool) {
	mu := c.lockEntry(u.PointID)
	defer mu.Unlock()

	e, ok := c.entries.Load(u.PointID)
	if !ok {
		e = &entry{snapshot: Snapshot{PointID: u.PointID, Quality: QualityUnknown}}
		c.entries.Store(u.PointID, e)
	}

	changed := !ok || e.snapshot.Value != u.Value || e.snapshot.Quality != u.Quality
	e.snapshot.Value = u.Value
	e.snapshot.Quality = u.Quality
	if u.Type != "" {
		e.snapshot.Type = u.Type
	}
	e.snapshot.UpdatedAt = now

	if changed {
		e.dirty = true
		c.markDirty(u.PointID)
	}
	c.updateGauges()
	return e.snapshot, changed
}

// Get returns a snapshot of one point
func (c *Cache) Get(pointID uint64) (Snapshot, bool) {
	mu := c.lockEntry(pointID)
	defer mu.Unlock()
	e, ok := c.entries.Load(pointID)
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot, true
}

// BatchGet returns snapshots for the points that are cached; missing ids
// are simply absent from the result
func (c *Cache) BatchGet(pointIDs []uint64) map[uint64]Snapshot {
	out := make(map[uint64]Snapshot, len(pointIDs))
	for _, id := range pointIDs {
		if snap, ok := c.Get(id); ok {
			out[id] = snap
		}
	}
	return out
}

// DrainDirty atomically takes the current dirty set and clears the flag for
// exactly those points. A write landing during the drain stays dirty for
// the next one.
func (c *Cache) DrainDirty() []Snapshot {
	c.dirtyMu.Lock()
	drained := c.dirty
	c.dirty = make(map[uint64]struct{})
	c.dirtyMu.Unlock()

	now := time.Now()
	out := make([]Snapshot, 0, len(drained))
	for id := range drained {
		mu := c.lockEntry(id)
		if e, ok := c.entries.Load(id); ok {
			e.dirty = false
			e.snapshot.FlushedAt = now
			out = append(out, e.snapshot)
		}
		mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PointID < out[j].PointID })
	c.updateGauges()
	return out
}

// Remove evicts one point immediately
func (c *Cache) Remove(pointID uint64) bool {
	removed := c.evict(pointID)
	if removed && c.notifier != nil {
		c.notifier.PointRemoved(pointID)
	}
	return removed
}

// BatchRemove evicts many points and raises one batch removal notification
// for those that existed
func (c *Cache) BatchRemove(pointIDs []uint64) int {
	removed := make([]uint64, 0, len(pointIDs))
	for _, id := range pointIDs {
		if c.evict(id) {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 && c.notifier != nil {
		c.notifier.PointsRemoved(removed)
	}
	return len(removed)
}

func (c *Cache) evict(pointID uint64) bool {
	mu := c.lockEntry(pointID)
	defer mu.Unlock()

	_, existed := c.entries.LoadAndDelete(pointID)
	if existed {
		c.dirtyMu.Lock()
		delete(c.dirty, pointID)
		c.dirtyMu.Unlock()
		c.updateGauges()
	}
	return existed
}

// CleanupExpired evicts entries that are clean and have gone unwritten and
// unflushed beyond the max-age window; bounds memory for points that
// stopped updating. Returns the number evicted.
func (c *Cache) CleanupExpired(now time.Time) int {
	expired := make([]uint64, 0)
	c.entries.Range(func(id uint64, e *entry) bool {
		mu := c.lockEntry(id)
		idle := now.Sub(e.snapshot.UpdatedAt) > c.opts.MaxAge
		unflushed := e.snapshot.FlushedAt.IsZero() || now.Sub(e.snapshot.FlushedAt) > c.opts.MaxAge
		if !e.dirty && idle && unflushed {
			expired = append(expired, id)
		}
		mu.Unlock()
		return true
	})

	for _, id := range expired {
		c.evict(id)
	}
	if len(expired) > 0 {
		c.logger.Debug("expired idle cache entries", "count", len(expired))
	}
	return len(expired)
}

// SnapshotAll returns every cached point, sorted by id
func (c *Cache) SnapshotAll() []Snapshot {
	out := make([]Snapshot, 0, c.entries.Size())
	c.entries.Range(func(id uint64, _ *entry) bool {
		mu := c.lockEntry(id)
		if e, ok := c.entries.Load(id); ok {
			out = append(out, e.snapshot)
		}
		mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PointID < out[j].PointID })
	return out
}

// Size returns the number of cached points
func (c *Cache) Size() int {
	return c.entries.Size()
}

// Start launches the flush, push and cleanup ticks; idempotent
func (c *Cache) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running {
		return nil
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.running = true

	go c.tickLoop(ctx, c.stop, c.done)

	if c.metrics != nil {
		c.metrics.RecordComponentStatus("valuecache", true)
	}
	c.logger.Info("value cache started",
		"flush_interval", c.opts.FlushInterval, "push_interval", c.opts.PushInterval)
	return nil
}

// Stop halts the periodic ticks after one final flush; idempotent
func (c *Cache) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running {
		return nil
	}
	close(c.stop)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
	}

	c.flush()
	c.running = false
	if c.metrics != nil {
		c.metrics.RecordComponentStatus("valuecache", false)
	}
	c.logger.Info("value cache stopped")
	return nil
}

// tickLoop runs the periodic tasks, each on its own goroutine: the flush
// holds a database transaction and the push blocks on sink delivery, so
// neither may delay the other past its interval
func (c *Cache) tickLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	run := func(interval time.Duration, task func(time.Time)) {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case now := <-ticker.C:
				task(now)
			}
		}
	}

	wg.Add(3)
	go run(c.opts.FlushInterval, func(time.Time) { c.flush() })
	go run(c.opts.PushInterval, func(time.Time) { c.push() })
	go run(c.opts.CleanupInterval, func(now time.Time) { c.CleanupExpired(now) })
	wg.Wait()
}

// flush drains the dirty set into the persistence sink
func (c *Cache) flush() {
	drained := c.DrainDirty()
	if len(drained) == 0 {
		return
	}
	if c.metrics != nil {
		c.metrics.CacheFlushes.Inc()
	}
	if c.sink == nil {
		return
	}
	if err := c.sink.Flush(drained); err != nil {
		c.logger.Warn("flush sink failed", "points", len(drained), "error", err)
		if c.metrics != nil {
			c.metrics.RecordError("valuecache", "distribution")
		}
	}
}

// push re-announces the entire cache unconditionally so reconnected
// subscribers and dropped notifications heal within one push interval
func (c *Cache) push() {
	all := c.SnapshotAll()
	if len(all) == 0 || c.notifier == nil {
		return
	}
	c.notifier.PointsUpdated(all)
	if c.metrics != nil {
		c.metrics.CachePushes.Inc()
	}
	c.logger.Debug("full snapshot pushed", "points", len(all))
}

func (c *Cache) markDirty(pointID uint64) {
	c.dirtyMu.Lock()
	c.dirty[pointID] = struct{}{}
	c.dirtyMu.Unlock()
}

func (c *Cache) recordUpdate(changed, forced bool) {
	if c.metrics == nil {
		return
	}
	switch {
	case changed:
		c.metrics.CacheUpdates.WithLabelValues("changed").Inc()
	case forced:
		c.metrics.CacheUpdates.WithLabelValues("forced").Inc()
	default:
		c.metrics.CacheUpdates.WithLabelValues("unchanged").Inc()
	}
}

func (c *Cache) updateGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.CacheSize.Set(float64(c.entries.Size()))
	c.dirtyMu.Lock()
	dirty := len(c.dirty)
	c.dirtyMu.Unlock()
	c.metrics.CacheDirty.Set(float64(dirty))
}
