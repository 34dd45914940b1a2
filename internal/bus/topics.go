package bus

// Task lifecycle topics. All share the "task." prefix so a single
// subscription can follow every registry transition.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskCompleted = "task.completed"
	TopicTaskRejected  = "task.rejected"
	TopicTaskOverdue   = "task.overdue"
)

// TaskCreatedEvent is published after a task has been stored.
type TaskCreatedEvent struct {
	TaskID   uint64 `json:"task_id"`
	Creator  string `json:"creator"`
	Title    string `json:"title"`
	Deadline int64  `json:"deadline"`
}

// TaskCompletedEvent is published after a successful completion call.
// AlreadyCompleted is set when the owner repeated the call on a task that
// was already done.
type TaskCompletedEvent struct {
	TaskID           uint64 `json:"task_id"`
	Creator          string `json:"creator"`
	AlreadyCompleted bool   `json:"already_completed"`
}

// rejectedNotFound is the registry's not-found code. The bus sits below the
// registry, so it cannot import the constant.
const rejectedNotFound = 404

// TaskRejectedEvent is published when a registry operation is refused.
// TaskID is zero for capacity rejections on create.
type TaskRejectedEvent struct {
	Op     string `json:"op"`
	TaskID uint64 `json:"task_id"`
	Caller string `json:"caller"`
	Reason string `json:"reason"`
	Code   int    `json:"code"`
}

// TaskOverdueEvent is published once per incomplete task whose deadline has passed.
type TaskOverdueEvent struct {
	TaskID   uint64 `json:"task_id"`
	Creator  string `json:"creator"`
	Title    string `json:"title"`
	Deadline int64  `json:"deadline"`
}

// TaskIDOf extracts the task id from any task event payload. Refusals that
// name no existing task (capacity, unknown id) report false: the id of a
// missing task may be assigned later to someone else.
func TaskIDOf(payload interface{}) (uint64, bool) {
	switch p := payload.(type) {
	case TaskCreatedEvent:
		return p.TaskID, true
	case TaskCompletedEvent:
		return p.TaskID, true
	case TaskRejectedEvent:
		return p.TaskID, p.Op != "create" && p.Code != rejectedNotFound
	case TaskOverdueEvent:
		return p.TaskID, true
	default:
		return 0, false
	}
}
