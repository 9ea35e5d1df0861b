package coordinator

import (
	"time"

	"github.com/marcus/foreman/internal/breaker"
	"github.com/marcus/foreman/internal/task"
)

// EventType classifies coordinator lifecycle events.
type EventType int

const (
	EventTaskCreated        EventType = iota // task entered the backlog
	EventTaskClaimed                         // agent took ownership
	EventTaskReleased                        // ownership cleared
	EventStateChanged                        // lifecycle transition
	EventTaskFailed                          // classified failure recorded
	EventTaskSucceeded                       // success recorded, counters cleared
	EventTaskQuarantined                     // breaker parked the task
	EventTaskRequeued                        // human sent it back to the backlog
	EventStaleClaimReleased                  // maintenance reclaimed a silent owner's task
	EventBreakerReset                        // breaker moved to half-open
	EventAgentRegistered                     // roster gained an agent
	EventArtifactRecorded                    // ledger entry appended
)

func (t EventType) String() string {
	switch t {
	case EventTaskCreated:
		return "task_created"
	case EventTaskClaimed:
		return "task_claimed"
	case EventTaskReleased:
		return "task_released"
	case EventStateChanged:
		return "state_changed"
	case EventTaskFailed:
		return "task_failed"
	case EventTaskSucceeded:
		return "task_succeeded"
	case EventTaskQuarantined:
		return "task_quarantined"
	case EventTaskRequeued:
		return "task_requeued"
	case EventStaleClaimReleased:
		return "stale_claim_released"
	case EventBreakerReset:
		return "breaker_reset"
	case EventAgentRegistered:
		return "agent_registered"
	case EventArtifactRecorded:
		return "artifact_recorded"
	default:
		return "unknown"
	}
}

// Event carries data about one coordinator lifecycle event.
type Event struct {
	Type        EventType
	Time        time.Time
	TaskID      int64
	TaskCode    string
	Agent       string
	From        task.State
	To          task.State
	FailureType breaker.FailureType
	Action      breaker.Action
	Message     string
}

// EventHandler is a callback that receives coordinator events.
type EventHandler func(Event)

// emit sends an event to the registered handler, if any.
func (c *Coordinator) emit(e Event) {
	if c.eventHandler != nil {
		e.Time = c.now()
		c.eventHandler(e)
	}
}
