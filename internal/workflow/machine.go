// Package workflow sequences the ordered phases of a unit of work. Each phase
// is a scheduler task whose consensus round must be approved before the
// workflow moves on.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/events"
	"github.com/kingrea/concord/internal/scheduler"
	"github.com/kingrea/concord/internal/store"
)

var (
	ErrUnknownWorkflow  = errors.New("workflow: unknown workflow")
	ErrNotApproved      = errors.New("workflow: current phase not approved")
	ErrAlreadyCompleted = errors.New("workflow: already completed")
	ErrNotBlocked       = errors.New("workflow: not blocked")
	ErrAlreadyStarted   = errors.New("workflow: already started")
	ErrInvalidPhase     = errors.New("workflow: invalid phase index")
)

// State is the workflow-level lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateBlocked   State = "blocked"
	StateCompleted State = "completed"
)

// PhaseStatus is the per-phase lifecycle.
type PhaseStatus string

const (
	PhasePending  PhaseStatus = "pending"
	PhaseActive   PhaseStatus = "active"
	PhaseApproved PhaseStatus = "approved"
	PhaseBlocked  PhaseStatus = "blocked"
)

// Workflow is the persisted record for one running definition.
type Workflow struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	DefinitionID      string            `json:"definition_id,omitempty"`
	Phases            []PhaseDefinition `json:"phases"`
	CurrentPhaseIndex int               `json:"current_phase_index"`
	PhaseStatus       []PhaseStatus     `json:"phase_status"`
	PhaseTasks        []string          `json:"phase_tasks"`
	Attempts          []int             `json:"attempts"`
	State             State             `json:"state"`
	BlockedReason     string            `json:"blocked_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       time.Time         `json:"completed_at,omitempty"`
}

func (w Workflow) RecordKey() string    { return w.ID }
func (w Workflow) RecordStatus() string { return string(w.State) }

// CurrentPhase returns the phase the workflow is working on. ok is false once
// the workflow completed.
func (w Workflow) CurrentPhase() (PhaseDefinition, bool) {
	if w.CurrentPhaseIndex < 0 || w.CurrentPhaseIndex >= len(w.Phases) {
		return PhaseDefinition{}, false
	}
	return w.Phases[w.CurrentPhaseIndex], true
}

// CurrentTask returns the task backing the current phase, if submitted.
func (w Workflow) CurrentTask() string {
	if w.CurrentPhaseIndex < 0 || w.CurrentPhaseIndex >= len(w.PhaseTasks) {
		return ""
	}
	return w.PhaseTasks[w.CurrentPhaseIndex]
}

// TaskSubmitter submits, reads and cancels phase tasks.
type TaskSubmitter interface {
	Submit(ctx context.Context, spec scheduler.TaskSpec) (string, error)
	Get(ctx context.Context, taskID string) (scheduler.Task, error)
	Cancel(ctx context.Context, taskID string) (scheduler.Task, error)
}

// RoundReader reads the consensus round for a phase task.
type RoundReader interface {
	Get(ctx context.Context, taskID string) (consensus.Round, error)
}

// Logger records machine diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes the machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithPublisher routes workflow events to a bus.
func WithPublisher(pub events.Publisher) Option {
	return func(m *Machine) {
		if pub != nil {
			m.events = pub
		}
	}
}

// Machine drives workflows through their phases.
type Machine struct {
	tasks     TaskSubmitter
	rounds    RoundReader
	workflows store.Table[Workflow]
	locks     sync.Map // workflow id -> *sync.Mutex
	clock     func() time.Time
	logger    Logger
	events    events.Publisher
}

// New builds a machine over the workflow table.
func New(tasks TaskSubmitter, rounds RoundReader, workflows store.Table[Workflow], opts ...Option) (*Machine, error) {
	if tasks == nil || rounds == nil {
		return nil, fmt.Errorf("workflow: task submitter and round reader are required")
	}
	if workflows == nil {
		return nil, fmt.Errorf("workflow: workflow table is required")
	}
	m := &Machine{
		tasks:     tasks,
		rounds:    rounds,
		workflows: workflows,
		clock:     time.Now,
		events:    events.Discard,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// lock serializes every operation on one workflow. Phase submission calls out
// to the scheduler, so the row cannot be held inside a table transaction.
func (m *Machine) lock(id string) func() {
	value, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Create stores a pending workflow for def. Nothing is submitted until Start.
func (m *Machine) Create(ctx context.Context, def Definition) (Workflow, error) {
	normalized, err := def.Normalized()
	if err != nil {
		return Workflow{}, err
	}
	now := m.clock()
	n := len(normalized.Phases)
	wf := Workflow{
		ID:           uuid.NewString(),
		Name:         normalized.Name,
		DefinitionID: normalized.ID,
		Phases:       normalized.Phases,
		PhaseStatus:  make([]PhaseStatus, n),
		PhaseTasks:   make([]string, n),
		Attempts:     make([]int, n),
		State:        StatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i := range wf.PhaseStatus {
		wf.PhaseStatus[i] = PhasePending
	}
	if err := m.workflows.Insert(ctx, wf); err != nil {
		return Workflow{}, err
	}
	m.logf("workflow: created %s (%s) with %d phases", wf.ID, wf.Name, n)
	return wf, nil
}

// Start submits the first phase. A capacity failure leaves the workflow
// blocked on phase 0 and is returned to the caller.
func (m *Machine) Start(ctx context.Context, id string) (Workflow, error) {
	unlock := m.lock(id)
	defer unlock()
	wf, err := m.get(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	if wf.State != StatePending {
		return wf, fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, id, wf.State)
	}
	submitErr := m.submitPhase(ctx, &wf, 0)
	if err := m.save(ctx, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, submitErr
}

// Advance moves past the current phase once its round is approved and
// returns the new phase index. Completing the last phase returns the phase
// count and marks the workflow completed.
func (m *Machine) Advance(ctx context.Context, id string) (int, error) {
	unlock := m.lock(id)
	defer unlock()
	wf, err := m.get(ctx, id)
	if err != nil {
		return 0, err
	}
	switch wf.State {
	case StateCompleted:
		return wf.CurrentPhaseIndex, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	case StatePending:
		return wf.CurrentPhaseIndex, fmt.Errorf("%w: %s has not started", ErrNotApproved, id)
	case StateBlocked:
		return wf.CurrentPhaseIndex, fmt.Errorf("%w: %s is blocked: %s", ErrNotApproved, id, wf.BlockedReason)
	}

	idx := wf.CurrentPhaseIndex
	approved, reason, err := m.phaseOutcome(ctx, wf.CurrentTask())
	if err != nil {
		return idx, err
	}
	if reason != "" {
		m.block(&wf, idx, reason)
		if err := m.save(ctx, &wf); err != nil {
			return idx, err
		}
		return idx, fmt.Errorf("%w: phase %d blocked: %s", ErrNotApproved, idx, reason)
	}
	if !approved {
		return idx, fmt.Errorf("%w: phase %d (%s) round unresolved", ErrNotApproved, idx, wf.Phases[idx].Name)
	}

	now := m.clock()
	wf.PhaseStatus[idx] = PhaseApproved
	wf.CurrentPhaseIndex = idx + 1
	var submitErr error
	if wf.CurrentPhaseIndex >= len(wf.Phases) {
		wf.State = StateCompleted
		wf.CompletedAt = now
	} else {
		submitErr = m.submitPhase(ctx, &wf, wf.CurrentPhaseIndex)
	}
	if err := m.save(ctx, &wf); err != nil {
		return idx, err
	}
	m.logf("workflow: %s advanced to phase %d", id, wf.CurrentPhaseIndex)
	m.publish(events.WorkflowAdvanced, wf, fmt.Sprintf("phase %d approved", idx))
	return wf.CurrentPhaseIndex, submitErr
}

// Retry re-submits the blocked phase with the same definition.
func (m *Machine) Retry(ctx context.Context, id string) (Workflow, error) {
	unlock := m.lock(id)
	defer unlock()
	wf, err := m.get(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	if wf.State != StateBlocked {
		return wf, fmt.Errorf("%w: %s is %s", ErrNotBlocked, id, wf.State)
	}
	submitErr := m.submitPhase(ctx, &wf, wf.CurrentPhaseIndex)
	if err := m.save(ctx, &wf); err != nil {
		return Workflow{}, err
	}
	m.logf("workflow: %s retried phase %d (attempt %d)", id, wf.CurrentPhaseIndex, wf.Attempts[wf.CurrentPhaseIndex])
	return wf, submitErr
}

// Reset rolls a workflow back to phase and re-submits it. Approved phases
// before phase are kept; later ones return to pending and their open tasks
// are cancelled.
func (m *Machine) Reset(ctx context.Context, id string, phase int) (Workflow, error) {
	unlock := m.lock(id)
	defer unlock()
	wf, err := m.get(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	if wf.State == StateCompleted {
		return wf, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}
	if phase < 0 || phase >= len(wf.Phases) || phase > wf.CurrentPhaseIndex {
		return wf, fmt.Errorf("%w: %d", ErrInvalidPhase, phase)
	}
	for i := phase; i < len(wf.Phases); i++ {
		if taskID := wf.PhaseTasks[i]; taskID != "" {
			if _, err := m.tasks.Cancel(ctx, taskID); err != nil && !errors.Is(err, scheduler.ErrTaskClosed) {
				m.logf("workflow: cancel %s on reset: %v", taskID, err)
			}
		}
		wf.PhaseStatus[i] = PhasePending
		wf.PhaseTasks[i] = ""
	}
	submitErr := m.submitPhase(ctx, &wf, phase)
	if err := m.save(ctx, &wf); err != nil {
		return Workflow{}, err
	}
	m.logf("workflow: %s reset to phase %d", id, phase)
	return wf, submitErr
}

// Refresh blocks a running workflow whose current round was rejected or
// timed out, or whose task failed. It never advances.
func (m *Machine) Refresh(ctx context.Context, id string) (Workflow, error) {
	unlock := m.lock(id)
	defer unlock()
	wf, err := m.get(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	if wf.State != StateRunning {
		return wf, nil
	}
	idx := wf.CurrentPhaseIndex
	_, reason, err := m.phaseOutcome(ctx, wf.CurrentTask())
	if err != nil || reason == "" {
		return wf, err
	}
	m.block(&wf, idx, reason)
	if err := m.save(ctx, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// Sweep refreshes every running workflow.
func (m *Machine) Sweep(ctx context.Context) error {
	running, err := m.workflows.ListByStatus(ctx, string(StateRunning))
	if err != nil {
		return err
	}
	var errs []error
	for _, wf := range running {
		if _, err := m.Refresh(ctx, wf.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns a workflow by id.
func (m *Machine) Get(ctx context.Context, id string) (Workflow, error) {
	return m.get(ctx, id)
}

// List returns workflows in the given states, or every workflow.
func (m *Machine) List(ctx context.Context, states ...State) ([]Workflow, error) {
	keys := make([]string, len(states))
	for i, state := range states {
		keys[i] = string(state)
	}
	return m.workflows.ListByStatus(ctx, keys...)
}

func (m *Machine) get(ctx context.Context, id string) (Workflow, error) {
	wf, err := m.workflows.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Workflow{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	return wf, err
}

func (m *Machine) save(ctx context.Context, wf *Workflow) error {
	wf.UpdatedAt = m.clock()
	return m.workflows.Put(ctx, *wf)
}

// submitPhase submits the task for phase idx and records the result on wf.
func (m *Machine) submitPhase(ctx context.Context, wf *Workflow, idx int) error {
	wf.CurrentPhaseIndex = idx
	wf.Attempts[idx]++
	taskID, err := m.tasks.Submit(ctx, wf.Phases[idx].TaskSpec(wf.ID, idx))
	wf.PhaseTasks[idx] = taskID
	if err != nil {
		m.block(wf, idx, err.Error())
		return fmt.Errorf("workflow: submit phase %d of %s: %w", idx, wf.ID, err)
	}
	wf.PhaseStatus[idx] = PhaseActive
	wf.State = StateRunning
	wf.BlockedReason = ""
	return nil
}

func (m *Machine) block(wf *Workflow, idx int, reason string) {
	wf.PhaseStatus[idx] = PhaseBlocked
	wf.State = StateBlocked
	wf.BlockedReason = reason
	m.logf("workflow: %s blocked on phase %d: %s", wf.ID, idx, reason)
	m.publish(events.WorkflowBlocked, *wf, reason)
}

// phaseOutcome reports whether the phase task's round was approved, or why the
// phase is blocked. Both are zero while the round is unresolved.
func (m *Machine) phaseOutcome(ctx context.Context, taskID string) (bool, string, error) {
	if taskID == "" {
		return false, "", nil
	}
	round, err := m.rounds.Get(ctx, taskID)
	switch {
	case err == nil:
		switch round.Outcome {
		case consensus.OutcomeApproved:
			return true, "", nil
		case consensus.OutcomeRejected, consensus.OutcomeTimedOut:
			return false, round.Err().Error(), nil
		}
		return false, "", nil
	case !errors.Is(err, consensus.ErrUnknownRound):
		return false, "", err
	}
	task, err := m.tasks.Get(ctx, taskID)
	if err != nil {
		return false, "", err
	}
	if task.Status == scheduler.StatusFailed {
		return false, "task failed: " + task.FailureReason, nil
	}
	return false, "", nil
}

func (m *Machine) publish(kind events.Type, wf Workflow, detail string) {
	event := events.New(kind, m.clock())
	event.WorkflowID = wf.ID
	event.TaskID = wf.CurrentTask()
	event.Detail = detail
	event.Attributes = map[string]string{
		"phase_index": fmt.Sprint(wf.CurrentPhaseIndex),
		"state":       string(wf.State),
	}
	m.events.Publish(event)
}

func (m *Machine) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
