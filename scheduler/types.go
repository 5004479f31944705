package scheduler

import (
	"time"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/protocol"
)

// AccessMode describes a point's read/write capability
type AccessMode string

const (
	// AccessRead marks a read-only point
	AccessRead AccessMode = "r"
	// AccessWrite marks a write-only point
	AccessWrite AccessMode = "w"
	// AccessReadWrite marks a readable and writable point
	AccessReadWrite AccessMode = "rw"
)

// Readable reports whether the mode permits polling
func (m AccessMode) Readable() bool {
	return m == AccessRead || m == AccessReadWrite
}

// ScheduledPoint is one registered point. Owned exclusively by the
// Scheduler; callers pass copies in and receive copies out.
type ScheduledPoint struct {
	PointID   uint64
	DeviceID  uint64
	ChannelID uint64
	Address   string
	DataType  protocol.DataType
	Access    AccessMode
	ScanRate  time.Duration

	LastExecution  time.Time
	NextExecution  time.Time
	ExecutionCount uint64
	ErrorCount     uint64
}

// GroupKey identifies a scan group. All points sharing both a period and a
// channel are batched into one CollectionTask so exactly one connection
// acquisition serves them, and channels never block each other.
type GroupKey struct {
	ScanRate  time.Duration
	ChannelID uint64
}

// TaskStatus tags a CollectionTask's lifecycle
type TaskStatus string

const (
	// TaskPending marks a task emitted but not yet executed
	TaskPending TaskStatus = "pending"
	// TaskDone marks a successfully executed task
	TaskDone TaskStatus = "done"
	// TaskError marks a task whose protocol read failed
	TaskError TaskStatus = "error"
)

// CollectionPoint is one point inside a CollectionTask
type CollectionPoint struct {
	PointID  uint64
	DeviceID uint64
	Address  string
	DataType protocol.DataType
	Access   AccessMode
	Enabled  bool
}

// CollectionTask is an ephemeral batch emitted on a group fire and consumed
// once by the executor, never persisted. DeviceID is zero when the task
// spans multiple devices on the channel.
type CollectionTask struct {
	ChannelID   uint64
	DeviceID    uint64
	Points      []CollectionPoint
	ScheduledAt time.Time
	Status      TaskStatus
}

// Statistics is a snapshot of scheduler throughput counters
type Statistics struct {
	ScheduledPoints  int           `json:"scheduled_points"`
	ScanGroups       int           `json:"scan_groups"`
	TotalTasks       uint64        `json:"total_tasks"`
	SuccessfulTasks  uint64        `json:"successful_tasks"`
	FailedTasks      uint64        `json:"failed_tasks"`
	DroppedTasks     uint64        `json:"dropped_tasks"`
	AverageExecution time.Duration `json:"average_execution"`
	SuccessRate      float64       `json:"success_rate"`
}
