// Package store implements the persistent relational store shared by the
// Guardian, Dispatcher, Scheduler, and transient CLI invocations. It is the
// single consolidated data-access layer: every operation that any process
// performs against the database goes through a method here, and every
// cross-process coordination point is an atomic conditional UPDATE that
// reports the number of affected rows rather than a full load/mutate/save
// cycle.
package store

import "time"

// Direction distinguishes inbound (external → assistant) from outbound
// (assistant → external) conversation entries.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// ConversationStatus is the lifecycle state of a Conversation row.
type ConversationStatus string

const (
	ConversationPending   ConversationStatus = "pending"
	ConversationRunning   ConversationStatus = "running"
	ConversationDelivered ConversationStatus = "delivered"
	ConversationFailed    ConversationStatus = "failed"
)

// Priority levels. Lower numeric value means higher priority.
const (
	PrioritySystemIdleRequired = 1
	PriorityUrgentUser         = 2
	PriorityNormalUser         = 3
)

// Conversation is a single inbound or outbound message routed through the
// Message Bus.
type Conversation struct {
	ID          int64
	Timestamp   time.Time
	Direction   Direction
	Channel     string
	EndpointID  string // opaque per-channel addressee; empty means none
	Content     string
	Status      ConversationStatus
	Priority    int
	RequireIdle bool
	RetryCount  int
}

// ControlStatus is the lifecycle state of a Control row.
type ControlStatus string

const (
	ControlPending ControlStatus = "pending"
	ControlRunning ControlStatus = "running"
	ControlDone    ControlStatus = "done"
	ControlTimeout ControlStatus = "timeout"
	ControlFailed  ControlStatus = "failed"
)

// ControlPlaceholder is the literal marker substituted with a control
// entry's own id immediately after insert, so content can instruct the
// assistant to "ack <its own id>" without the caller pre-computing it.
const ControlPlaceholder = "__CONTROL_ID__"

// Control is a supervision-only sibling of Conversation, used for probes,
// recovery checks, and self-maintenance instructions.
type Control struct {
	ID             int64
	Timestamp      time.Time
	Channel        string
	EndpointID     string
	Content        string
	Status         ControlStatus
	Priority       int
	RequireIdle    bool
	RetryCount     int
	AckDeadlineAt  time.Time
	AvailableAt    time.Time
	BypassState    bool
	LastError      string
	HeartbeatPhase string // "", "primary", "stuck", "recovery", "down-check", "rate-limit-check"
}

// Checkpoint marks a contiguous conversation range as summarized/synced.
type Checkpoint struct {
	ID                  int64
	StartConversationID int64
	EndConversationID   int64
	Summary             string
	CreatedAt           time.Time
}

// TaskType distinguishes the three scheduling modes a Task can use.
type TaskType string

const (
	TaskOneTime   TaskType = "one-time"
	TaskRecurring TaskType = "recurring"
	TaskInterval  TaskType = "interval"
)

// TaskStatus is the lifecycle state of a Task row.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskPaused    TaskStatus = "paused"
)

// Task is a scheduled unit of work dispatched onto the Message Bus by the
// Scheduler.
type Task struct {
	ID               string
	Name             string
	Prompt           string
	Type             TaskType
	CronExpression   string
	IntervalSeconds  int
	Timezone         string
	NextRunAt        time.Time
	Priority         int
	RequireIdle      bool
	MissThreshold    int
	ReplyChannel     string
	ReplyEndpoint    string
	Status           TaskStatus
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TaskHistoryStatus is the terminal or in-flight outcome of one dispatch
// attempt, recorded in the append-only task_history table.
type TaskHistoryStatus string

const (
	HistoryStarted   TaskHistoryStatus = "started"
	HistoryCompleted TaskHistoryStatus = "completed"
	HistoryFailed    TaskHistoryStatus = "failed"
)

// TaskHistory records one dispatch attempt of a Task and its outcome.
type TaskHistory struct {
	ID         int64
	TaskID     string
	Status     TaskHistoryStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Detail     string
}
