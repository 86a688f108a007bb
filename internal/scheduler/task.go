package scheduler

import (
	"fmt"
	"sort"
	"time"
)

// Strategy selects how many agents work a task.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusAssigned          Status = "assigned"
	StatusAwaitingConsensus Status = "awaiting_consensus"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

// Failure reasons recorded on failed tasks.
const (
	ReasonNoEligibleAgents   = "NoEligibleAgents"
	ReasonInsufficientAgents = "InsufficientAgents"
	ReasonCancelled          = "Cancelled"
	ReasonResultTimeout      = "ResultTimeout"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusAssigned: {},
		StatusFailed:   {},
	},
	StatusAssigned: {
		StatusAssigned:          {},
		StatusAwaitingConsensus: {},
		StatusFailed:            {},
	},
	StatusAwaitingConsensus: {
		StatusAssigned:  {},
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// ValidateTransition reports whether a task may move from one status to another.
func ValidateTransition(from, to Status) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Result is one assignee's submitted payload.
type Result struct {
	Payload     []byte    `json:"payload"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Task is a unit of assignable work.
type Task struct {
	ID                   string            `json:"id"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	Strategy             Strategy          `json:"strategy"`
	Status               Status            `json:"status"`
	PayloadSpec          string            `json:"payload_spec,omitempty"`
	Labels               map[string]string `json:"labels,omitempty"`
	Assignees            []string          `json:"assignees"`
	Results              map[string]Result `json:"results,omitempty"`
	Expected             int               `json:"expected"`
	Quorum               int               `json:"quorum"`
	Delivered            []string          `json:"delivered,omitempty"`
	Tried                []string          `json:"tried,omitempty"`
	Reassignments        int               `json:"reassignments"`
	FailureReason        string            `json:"failure_reason,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	AssignedAt           time.Time         `json:"assigned_at,omitempty"`
	ClosedAt             time.Time         `json:"closed_at,omitempty"`
}

func (t Task) RecordKey() string    { return t.ID }
func (t Task) RecordStatus() string { return string(t.Status) }

// Closed reports whether the task reached a terminal status.
func (t Task) Closed() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Outstanding lists assignees that have not reported yet, in assignment order.
func (t Task) Outstanding() []string {
	var out []string
	for _, id := range t.Assignees {
		if _, done := t.Results[id]; !done {
			out = append(out, id)
		}
	}
	return out
}

func (t Task) isOutstanding(agentID string) bool {
	for _, id := range t.Outstanding() {
		if id == agentID {
			return true
		}
	}
	return false
}

func (t Task) hasTried(agentID string) bool {
	for _, id := range t.Tried {
		if id == agentID {
			return true
		}
	}
	return false
}

func (t *Task) setStatus(to Status, now time.Time) error {
	if err := ValidateTransition(t.Status, to); err != nil {
		return err
	}
	t.Status = to
	t.UpdatedAt = now
	if to == StatusCompleted || to == StatusFailed {
		t.ClosedAt = now
	}
	return nil
}

func (t *Task) fail(reason string, now time.Time) error {
	if err := t.setStatus(StatusFailed, now); err != nil {
		return err
	}
	t.FailureReason = reason
	return nil
}

func (t *Task) removeAssignee(agentID string) {
	kept := t.Assignees[:0]
	for _, id := range t.Assignees {
		if id != agentID {
			kept = append(kept, id)
		}
	}
	t.Assignees = kept
}

// undelivered returns results not yet handed to consensus, oldest first.
func (t *Task) undelivered() []Submission {
	delivered := make(map[string]struct{}, len(t.Delivered))
	for _, id := range t.Delivered {
		delivered[id] = struct{}{}
	}
	var out []Submission
	for agentID, result := range t.Results {
		if _, ok := delivered[agentID]; ok {
			continue
		}
		out = append(out, Submission{AgentID: agentID, Payload: result.Payload, SubmittedAt: result.SubmittedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	for _, sub := range out {
		t.Delivered = append(t.Delivered, sub.AgentID)
	}
	return out
}
