// Package scheduler implements the multi-rate polling scheduler. Points are
// grouped by (scan rate, channel); each group carries an explicit next
// execution time recomputed after every fire, so a group fires once per
// elapsed scan interval with jitter bounded by one tick.
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/metric"
)

// pointState wraps a registered point with the lock guarding its mutable
// fields (scan rate and execution bookkeeping). The identity fields are
// immutable after registration. Lock order is group before point; nothing
// takes a group lock while holding a point lock.
type pointState struct {
	mu sync.Mutex
	p  ScheduledPoint
}

// snapshot returns a copy of the point under its lock
func (st *pointState) snapshot() ScheduledPoint {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.p
}

// scanGroup holds the points sharing one (scan rate, channel) pair. The
// group mutex guards membership and the next-execution time; it is held
// only long enough to snapshot the member list on a fire.
type scanGroup struct {
	mu            sync.Mutex
	key           GroupKey
	points        map[uint64]*pointState
	nextExecution time.Time
}

// snapshot builds the CollectionTask for a fire and advances the group's
// next execution time. Returns a zero-point task when the group emptied
// between the check and the lock.
func (g *scanGroup) snapshot(now time.Time) CollectionTask {
	g.mu.Lock()
	defer g.mu.Unlock()

	task := CollectionTask{
		ChannelID:   g.key.ChannelID,
		ScheduledAt: now,
		Status:      TaskPending,
		Points:      make([]CollectionPoint, 0, len(g.points)),
	}

	deviceID := uint64(0)
	uniform := true
	for _, st := range g.points {
		st.mu.Lock()
		st.p.LastExecution = now
		st.p.NextExecution = now.Add(g.key.ScanRate)
		st.p.ExecutionCount++
		cp := CollectionPoint{
			PointID:  st.p.PointID,
			DeviceID: st.p.DeviceID,
			Address:  st.p.Address,
			DataType: st.p.DataType,
			Access:   st.p.Access,
			Enabled:  true,
		}
		st.mu.Unlock()

		if len(task.Points) == 0 {
			deviceID = cp.DeviceID
		} else if cp.DeviceID != deviceID {
			uniform = false
		}
		task.Points = append(task.Points, cp)
	}
	if uniform {
		task.DeviceID = deviceID
	}

	g.nextExecution = now.Add(g.key.ScanRate)
	return task
}

// Scheduler owns every ScheduledPoint and decides when a group fires.
// Emission is fire-and-forget through a buffered task channel; a full
// channel drops the task and counts it rather than stalling the tick loop.
type Scheduler struct {
	tickInterval time.Duration
	logger       *slog.Logger
	metrics      *metric.Metrics

	points *xsync.MapOf[uint64, *pointState]
	groups *xsync.MapOf[GroupKey, *scanGroup]

	tasks chan CollectionTask

	// Lifecycle; the mutex guards only the running flag and ticker control
	lifecycleMu sync.Mutex
	running     bool
	stop        chan struct{}
	done        chan struct{}

	// Statistics (atomic)
	totalTasks      atomic.Uint64
	successfulTasks atomic.Uint64
	failedTasks     atomic.Uint64
	droppedTasks    atomic.Uint64
	executionNanos  atomic.Int64
	executionCount  atomic.Uint64
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithMetrics attaches the gateway core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTaskBuffer overrides the emission channel depth
func WithTaskBuffer(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.tasks = make(chan CollectionTask, n)
		}
	}
}

// New creates a stopped scheduler with the given tick granularity
func New(tickInterval time.Duration, logger *slog.Logger, opts ...Option) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 10 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		tickInterval: tickInterval,
		logger:       logger.With("component", "scheduler"),
		points:       xsync.NewMapOf[uint64, *pointState](),
		groups:       xsync.NewMapOf[GroupKey, *scanGroup](),
		tasks:        make(chan CollectionTask, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tasks returns the channel CollectionTasks are emitted on. The executor
// consumes it; the scheduler never blocks on it.
func (s *Scheduler) Tasks() <-chan CollectionTask {
	return s.tasks
}

// Register adds a point to its (scan rate, channel) group. Idempotent: a
// point id that is already scheduled is left untouched and false returned.
func (s *Scheduler) Register(point ScheduledPoint) bool {
	if point.ScanRate <= 0 || !point.Access.Readable() {
		return false
	}

	now := time.Now()
	point.NextExecution = now.Add(point.ScanRate)

	st := &pointState{p: point}
	if _, loaded := s.points.LoadOrStore(point.PointID, st); loaded {
		return false
	}

	s.addToGroup(st, GroupKey{ScanRate: point.ScanRate, ChannelID: point.ChannelID}, now)
	s.updatePointGauge()
	s.logger.Debug("point registered",
		"point_id", point.PointID, "channel_id", point.ChannelID, "scan_rate", point.ScanRate)
	return true
}

// Unregister removes a point from its group; an emptied group is dropped
func (s *Scheduler) Unregister(pointID uint64) bool {
	st, loaded := s.points.LoadAndDelete(pointID)
	if !loaded {
		return false
	}

	p := st.snapshot()
	s.removeFromGroup(pointID, GroupKey{ScanRate: p.ScanRate, ChannelID: p.ChannelID})
	s.updatePointGauge()
	s.logger.Debug("point unregistered", "point_id", pointID)
	return true
}

// UpdateScanRate moves a point to the group for its new rate. The move
// holds each group's lock in turn, so a concurrent tick observes the point
// in exactly one group; at most one tick of jitter is possible across the
// transition.
func (s *Scheduler) UpdateScanRate(pointID uint64, newRate time.Duration) bool {
	if newRate <= 0 {
		return false
	}
	st, ok := s.points.Load(pointID)
	if !ok {
		return false
	}
	current := st.snapshot()
	if current.ScanRate == newRate {
		return true
	}

	s.removeFromGroup(pointID, GroupKey{ScanRate: current.ScanRate, ChannelID: current.ChannelID})

	now := time.Now()
	st.mu.Lock()
	st.p.ScanRate = newRate
	st.p.NextExecution = now.Add(newRate)
	st.mu.Unlock()

	s.addToGroup(st, GroupKey{ScanRate: newRate, ChannelID: current.ChannelID}, now)

	s.logger.Debug("scan rate updated", "point_id", pointID, "scan_rate", newRate)
	return true
}

// ScheduledPointCount returns the number of registered points
func (s *Scheduler) ScheduledPointCount() int {
	return s.points.Size()
}

// Point returns a copy of a registered point
func (s *Scheduler) Point(pointID uint64) (ScheduledPoint, bool) {
	st, ok := s.points.Load(pointID)
	if !ok {
		return ScheduledPoint{}, false
	}
	return st.snapshot(), true
}

func (s *Scheduler) addToGroup(st *pointState, key GroupKey, now time.Time) {
	group, _ := s.groups.LoadOrCompute(key, func() *scanGroup {
		return &scanGroup{
			key:           key,
			points:        make(map[uint64]*pointState),
			nextExecution: now.Add(key.ScanRate),
		}
	})
	group.mu.Lock()
	group.points[st.p.PointID] = st
	group.mu.Unlock()
}

func (s *Scheduler) removeFromGroup(pointID uint64, key GroupKey) {
	group, ok := s.groups.Load(key)
	if !ok {
		return
	}
	group.mu.Lock()
	delete(group.points, pointID)
	empty := len(group.points) == 0
	group.mu.Unlock()
	if empty {
		s.groups.Delete(key)
	}
}

// Start launches the tick loop; idempotent
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	go s.tickLoop(ctx, s.stop, s.done)

	if s.metrics != nil {
		s.metrics.RecordComponentStatus("scheduler", true)
	}
	s.logger.Info("scheduler started", "tick_interval", s.tickInterval)
	return nil
}

// Stop halts the tick loop; idempotent. Tasks already emitted remain on the
// channel for the executor to finish independently.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	close(s.stop)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
	}

	s.running = false
	if s.metrics != nil {
		s.metrics.RecordComponentStatus("scheduler", false)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick fires every group whose scan-rate boundary has been crossed
func (s *Scheduler) tick(now time.Time) {
	s.groups.Range(func(_ GroupKey, group *scanGroup) bool {
		group.mu.Lock()
		due := !now.Before(group.nextExecution)
		group.mu.Unlock()
		if !due {
			return true
		}

		task := group.snapshot(now)
		if len(task.Points) == 0 {
			return true
		}
		s.emit(task)
		return true
	})
}

// emit hands the task off without ever blocking the tick loop
func (s *Scheduler) emit(task CollectionTask) {
	select {
	case s.tasks <- task:
		s.totalTasks.Add(1)
		if s.metrics != nil {
			s.metrics.RecordTaskFired(strconv.FormatUint(task.ChannelID, 10))
		}
	default:
		s.droppedTasks.Add(1)
		s.logger.Warn("task channel full, dropping collection task",
			"channel_id", task.ChannelID, "points", len(task.Points))
	}
}

// ReportResult feeds an executed task's outcome back into the statistics.
// The executor calls this once per consumed task.
func (s *Scheduler) ReportResult(task CollectionTask, duration time.Duration, err error) {
	s.executionNanos.Add(int64(duration))
	s.executionCount.Add(1)
	if err != nil {
		s.failedTasks.Add(1)
		for _, p := range task.Points {
			if st, ok := s.points.Load(p.PointID); ok {
				st.mu.Lock()
				st.p.ErrorCount++
				st.mu.Unlock()
			}
		}
		return
	}
	s.successfulTasks.Add(1)
}

// GetStatistics returns a snapshot of the scheduler's counters
func (s *Scheduler) GetStatistics() Statistics {
	stats := Statistics{
		ScheduledPoints: s.points.Size(),
		ScanGroups:      s.groups.Size(),
		TotalTasks:      s.totalTasks.Load(),
		SuccessfulTasks: s.successfulTasks.Load(),
		FailedTasks:     s.failedTasks.Load(),
		DroppedTasks:    s.droppedTasks.Load(),
	}
	if n := s.executionCount.Load(); n > 0 {
		stats.AverageExecution = time.Duration(uint64(s.executionNanos.Load()) / n)
	}
	if stats.TotalTasks > 0 {
		stats.SuccessRate = float64(stats.SuccessfulTasks) / float64(stats.TotalTasks)
	}
	return stats
}

func (s *Scheduler) updatePointGauge() {
	if s.metrics != nil {
		s.metrics.ScheduledPoints.Set(float64(s.points.Size()))
	}
}
