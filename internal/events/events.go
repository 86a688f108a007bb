// Package events carries typed hook notifications from the core components to
// asynchronous subscribers. Publishing never blocks the caller.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind.
type Type string

const (
	TaskAssigned       Type = "task.assigned"
	TaskCompleted      Type = "task.completed"
	TaskFailed         Type = "task.failed"
	ConsensusApproved  Type = "consensus.approved"
	ConsensusRejected  Type = "consensus.rejected"
	ConsensusTimedOut  Type = "consensus.timed_out"
	ConsensusExtended  Type = "consensus.extended"
	ConflictDetected   Type = "conflict.detected"
	ConflictResolved   Type = "conflict.resolved"
	WorkflowAdvanced   Type = "workflow.advanced"
	WorkflowBlocked    Type = "workflow.blocked"
	AgentRegistered    Type = "agent.registered"
	AgentUnreachable   Type = "agent.unreachable"
	AgentEvicted       Type = "agent.evicted"
	SyncCycleCompleted Type = "sync.completed"
)

// Event is a single notification raised by a core component.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	Time       time.Time         `json:"time"`
	TaskID     string            `json:"task_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	EntityKey  string            `json:"entity_key,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New stamps an event with a fresh id and the supplied time.
func New(kind Type, now time.Time) Event {
	if now.IsZero() {
		now = time.Now()
	}
	return Event{ID: uuid.NewString(), Type: kind, Time: now.UTC()}
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Logger records bus diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

func isCriticalEvent(kind Type) bool {
	switch kind {
	case TaskFailed, ConsensusRejected, ConsensusTimedOut, ConflictDetected, WorkflowBlocked, AgentUnreachable:
		return true
	}
	return false
}

func isPreferredDrop(kind Type) bool {
	switch kind {
	case TaskAssigned, SyncCycleCompleted, ConsensusExtended:
		return true
	}
	return false
}

func normalizeTopic(kind Type) Type {
	return Type(strings.ToLower(strings.TrimSpace(string(kind))))
}
