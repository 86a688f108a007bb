// Package scheduler assigns tasks to eligible agents, collects their results,
// and hands completed result sets to the consensus engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/events"
	"github.com/kingrea/concord/internal/registry"
	"github.com/kingrea/concord/internal/store"
)

var (
	ErrEmptyCapabilities  = errors.New("scheduler: required capabilities must not be empty")
	ErrNoEligibleAgents   = errors.New("scheduler: no eligible agents")
	ErrInsufficientAgents = errors.New("scheduler: insufficient agents")
	ErrUnknownTask        = errors.New("scheduler: unknown task")
	ErrTaskNotAssigned    = errors.New("scheduler: task is not accepting results")
	ErrAgentNotAssignee   = errors.New("scheduler: agent is not an assignee")
	ErrDuplicateResult    = errors.New("scheduler: agent already reported")
	ErrTaskClosed         = errors.New("scheduler: task already closed")
	ErrInvalidTransition  = errors.New("scheduler: invalid task transition")
	ErrInvalidStrategy    = errors.New("scheduler: invalid strategy")

	errNoop = errors.New("scheduler: nothing to do")
)

// Registry is the slice of the agent registry the scheduler needs.
type Registry interface {
	registry.CapabilityProvider
	Get(id string) (registry.Agent, error)
	TryAcquire(id, taskID string) error
	Release(id, taskID string) error
}

// Submission is one agent's result handed to consensus.
type Submission struct {
	AgentID     string
	Payload     []byte
	SubmittedAt time.Time
}

// Handoff carries newly available results for a task. Quorum is the fewest
// proposals that may approve it and never shrinks with Expected.
type Handoff struct {
	TaskID    string
	Expected  int
	Quorum    int
	Proposals []Submission
}

// Sink receives result sets once a task awaits consensus.
type Sink interface {
	Deliver(ctx context.Context, handoff Handoff) error
}

// TaskSpec describes a task to submit.
type TaskSpec struct {
	RequiredCapabilities []string
	Strategy             Strategy
	PayloadSpec          string
	Labels               map[string]string
}

// Logger records scheduler diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes the scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithPublisher routes task events to a bus.
func WithPublisher(pub events.Publisher) Option {
	return func(s *Scheduler) {
		if pub != nil {
			s.events = pub
		}
	}
}

// WithSink sets the consensus sink at construction time.
func WithSink(sink Sink) Option {
	return func(s *Scheduler) {
		s.sink = sink
	}
}

// Scheduler owns tasks from submission until completion.
type Scheduler struct {
	cfg    *config.OrchestratorConfig
	tasks  store.Table[Task]
	agents Registry
	sink   Sink
	clock  func() time.Time
	logger Logger
	events events.Publisher
}

// New wires a scheduler to its task table and agent registry.
func New(cfg *config.OrchestratorConfig, tasks store.Table[Task], agents Registry, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("scheduler: config is required")
	}
	if tasks == nil {
		return nil, fmt.Errorf("scheduler: task table is required")
	}
	if agents == nil {
		return nil, fmt.Errorf("scheduler: agent registry is required")
	}
	s := &Scheduler{
		cfg:    cfg,
		tasks:  tasks,
		agents: agents,
		clock:  time.Now,
		events: events.Discard,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SetSink attaches the consensus engine after construction; the engine in
// turn depends on the scheduler.
func (s *Scheduler) SetSink(sink Sink) {
	s.sink = sink
}

// Submit validates and stores a task, then assigns it. When no agent can
// serve the capabilities the task is stored as failed and its id is returned
// together with ErrNoEligibleAgents so the failure stays inspectable.
func (s *Scheduler) Submit(ctx context.Context, spec TaskSpec) (string, error) {
	caps := normalizeCapabilities(spec.RequiredCapabilities)
	if len(caps) == 0 {
		return "", ErrEmptyCapabilities
	}
	strategy := spec.Strategy
	if strategy == "" {
		strategy = StrategySequential
	}
	if strategy != StrategySequential && strategy != StrategyParallel {
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
	now := s.clock()
	task := Task{
		ID:                   uuid.NewString(),
		RequiredCapabilities: caps,
		Strategy:             strategy,
		Status:               StatusPending,
		PayloadSpec:          spec.PayloadSpec,
		Labels:               cloneLabels(spec.Labels),
		Results:              map[string]Result{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	candidates := s.agents.Candidates(caps)
	if len(candidates) == 0 {
		if err := task.fail(ReasonNoEligibleAgents, now); err != nil {
			return "", err
		}
		if err := s.tasks.Insert(ctx, task); err != nil {
			return "", fmt.Errorf("scheduler: store task: %w", err)
		}
		s.logf("scheduler: %s has no eligible agents for %s", task.ID, strings.Join(caps, ","))
		s.publishTask(events.TaskFailed, task, "", ReasonNoEligibleAgents)
		return task.ID, fmt.Errorf("%w: %s", ErrNoEligibleAgents, strings.Join(caps, ","))
	}
	task.Expected = 1
	task.Quorum = 1
	if strategy == StrategyParallel {
		// quorum follows the configured count so a short-staffed round
		// waits for an extra agent instead of approving on one proposal
		task.Expected = min(s.cfg.ParallelAgentCount, len(candidates))
		task.Quorum = min(2, s.cfg.ParallelAgentCount)
	}
	if err := s.tasks.Insert(ctx, task); err != nil {
		return "", fmt.Errorf("scheduler: store task: %w", err)
	}
	if err := s.fill(ctx, task.ID); err != nil {
		return task.ID, err
	}
	return task.ID, nil
}

// Get returns a task snapshot.
func (s *Scheduler) Get(ctx context.Context, taskID string) (Task, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return task, err
}

// List returns tasks in the given statuses, or every task.
func (s *Scheduler) List(ctx context.Context, statuses ...Status) ([]Task, error) {
	keys := make([]string, len(statuses))
	for i, status := range statuses {
		keys[i] = string(status)
	}
	return s.tasks.ListByStatus(ctx, keys...)
}

// AssignmentsFor lists tasks still waiting on a result from agentID.
func (s *Scheduler) AssignmentsFor(ctx context.Context, agentID string) ([]Task, error) {
	tasks, err := s.tasks.ListByStatus(ctx, string(StatusAssigned))
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, task := range tasks {
		if task.isOutstanding(agentID) {
			out = append(out, task)
		}
	}
	return out, nil
}

// ReportResult records an assignee's payload. Once every expected result is
// in, the task moves to awaiting consensus and the results are handed off.
func (s *Scheduler) ReportResult(ctx context.Context, taskID, agentID string, payload []byte) error {
	now := s.clock()
	var handoff *Handoff
	_, err := s.tasks.Update(ctx, taskID, func(task *Task) error {
		handoff = nil
		if task.Status != StatusAssigned {
			return fmt.Errorf("%w: %s is %s", ErrTaskNotAssigned, task.ID, task.Status)
		}
		if !task.isOutstanding(agentID) {
			if _, done := task.Results[agentID]; done {
				return fmt.Errorf("%w: %s on %s", ErrDuplicateResult, agentID, task.ID)
			}
			return fmt.Errorf("%w: %s on %s", ErrAgentNotAssignee, agentID, task.ID)
		}
		if task.Results == nil {
			task.Results = map[string]Result{}
		}
		task.Results[agentID] = Result{Payload: append([]byte(nil), payload...), SubmittedAt: now}
		task.UpdatedAt = now
		var err error
		handoff, err = handOff(task, now)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if err != nil {
		return err
	}
	if err := s.agents.Release(agentID, taskID); err != nil {
		s.logf("scheduler: release %s: %v", agentID, err)
	}
	s.logf("scheduler: %s reported on %s", agentID, taskID)
	return s.deliver(ctx, handoff)
}

// RequestAdditional reopens a task awaiting consensus for one more proposal
// from an agent that has not worked it yet.
func (s *Scheduler) RequestAdditional(ctx context.Context, taskID string, exclude []string) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	excluded := map[string]struct{}{}
	for _, id := range append(append([]string(nil), task.Tried...), exclude...) {
		excluded[id] = struct{}{}
	}
	fresh := 0
	for _, agent := range s.agents.Candidates(task.RequiredCapabilities) {
		if _, skip := excluded[agent.ID]; !skip {
			fresh++
		}
	}
	if fresh == 0 {
		return fmt.Errorf("%w: no fresh agent for %s", ErrNoEligibleAgents, taskID)
	}
	now := s.clock()
	_, err = s.tasks.Update(ctx, taskID, func(task *Task) error {
		if err := task.setStatus(StatusAssigned, now); err != nil {
			return err
		}
		task.Expected++
		for _, id := range exclude {
			if !task.hasTried(id) {
				task.Tried = append(task.Tried, id)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logf("scheduler: %s requested an additional proposal", taskID)
	return s.fill(ctx, taskID)
}

// FinalizeTask closes a task once its consensus round has an outcome.
func (s *Scheduler) FinalizeTask(ctx context.Context, taskID string, success bool, reason string) error {
	now := s.clock()
	target := StatusFailed
	if success {
		target = StatusCompleted
	}
	var outstanding []string
	task, err := s.tasks.Update(ctx, taskID, func(task *Task) error {
		if task.Closed() {
			if task.Status == target {
				return errNoop
			}
			return fmt.Errorf("%w: %s is %s", ErrTaskClosed, task.ID, task.Status)
		}
		outstanding = task.Outstanding()
		if !success {
			return task.fail(reason, now)
		}
		if task.Status == StatusAssigned {
			// an extra proposal was still outstanding when the round closed
			if err := task.setStatus(StatusAwaitingConsensus, now); err != nil {
				return err
			}
		}
		return task.setStatus(StatusCompleted, now)
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if err != nil {
		return err
	}
	s.releaseAll(taskID, outstanding)
	if success {
		s.publishTask(events.TaskCompleted, task, "", "")
	} else {
		s.publishTask(events.TaskFailed, task, "", reason)
	}
	return nil
}

// Cancel fails an open task and frees its agents. Closed tasks are immutable.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (Task, error) {
	now := s.clock()
	var outstanding []string
	task, err := s.tasks.Update(ctx, taskID, func(task *Task) error {
		if task.Closed() {
			return fmt.Errorf("%w: %s is %s", ErrTaskClosed, task.ID, task.Status)
		}
		outstanding = task.Outstanding()
		return task.fail(ReasonCancelled, now)
	})
	if errors.Is(err, store.ErrNotFound) {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if err != nil {
		return Task{}, err
	}
	s.releaseAll(taskID, outstanding)
	s.logf("scheduler: %s cancelled", taskID)
	s.publishTask(events.TaskFailed, task, "", ReasonCancelled)
	return task, nil
}

// Recover re-delivers results for tasks that were awaiting consensus when the
// process stopped.
func (s *Scheduler) Recover(ctx context.Context) error {
	tasks, err := s.tasks.ListByStatus(ctx, string(StatusAwaitingConsensus))
	if err != nil {
		return err
	}
	var errs []error
	for _, task := range tasks {
		var proposals []Submission
		for agentID, result := range task.Results {
			proposals = append(proposals, Submission{AgentID: agentID, Payload: result.Payload, SubmittedAt: result.SubmittedAt})
		}
		sort.Slice(proposals, func(i, j int) bool { return proposals[i].AgentID < proposals[j].AgentID })
		if err := s.deliver(ctx, &Handoff{TaskID: task.ID, Expected: task.Expected, Quorum: task.Quorum, Proposals: proposals}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fill assigns idle, untried candidates to the task's open slots.
func (s *Scheduler) fill(ctx context.Context, taskID string) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusPending && task.Status != StatusAssigned {
		return nil
	}
	open := task.Expected - len(task.Assignees)
	if open <= 0 {
		return nil
	}
	untried := 0
	for _, agent := range s.agents.Candidates(task.RequiredCapabilities) {
		if task.hasTried(agent.ID) {
			continue
		}
		untried++
		if open == 0 || agent.Status != registry.StatusIdle {
			continue
		}
		if err := s.agents.TryAcquire(agent.ID, taskID); err != nil {
			continue
		}
		now := s.clock()
		updated, err := s.tasks.Update(ctx, taskID, func(t *Task) error {
			if t.Status != StatusPending && t.Status != StatusAssigned {
				return errNoop
			}
			if len(t.Assignees) >= t.Expected || t.hasTried(agent.ID) {
				return errNoop
			}
			if err := t.setStatus(StatusAssigned, now); err != nil {
				return err
			}
			t.Assignees = append(t.Assignees, agent.ID)
			t.Tried = append(t.Tried, agent.ID)
			t.AssignedAt = now
			return nil
		})
		if err != nil {
			_ = s.agents.Release(agent.ID, taskID)
			if errors.Is(err, errNoop) {
				return nil
			}
			return err
		}
		task = updated
		open--
		s.logf("scheduler: assigned %s to %s", taskID, agent.ID)
		s.publishTask(events.TaskAssigned, task, agent.ID, "")
	}
	if open > 0 && untried == 0 {
		return s.shrink(ctx, taskID)
	}
	return nil
}

// shrink gives up on slots no agent can fill. A task left with no assignee
// fails with InsufficientAgents; otherwise consensus proceeds with fewer results.
func (s *Scheduler) shrink(ctx context.Context, taskID string) error {
	now := s.clock()
	var handoff *Handoff
	task, err := s.tasks.Update(ctx, taskID, func(task *Task) error {
		handoff = nil
		if task.Status != StatusPending && task.Status != StatusAssigned {
			return errNoop
		}
		if len(task.Assignees) == 0 {
			return task.fail(ReasonInsufficientAgents, now)
		}
		task.Expected = len(task.Assignees)
		var err error
		handoff, err = handOff(task, now)
		return err
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status == StatusFailed {
		s.logf("scheduler: %s failed: %s", taskID, ReasonInsufficientAgents)
		s.publishTask(events.TaskFailed, task, "", ReasonInsufficientAgents)
		return nil
	}
	return s.deliver(ctx, handoff)
}

// handOff moves a task whose results are complete to awaiting consensus.
func handOff(task *Task, now time.Time) (*Handoff, error) {
	if len(task.Results) < task.Expected || len(task.Results) == 0 {
		return nil, nil
	}
	if err := task.setStatus(StatusAwaitingConsensus, now); err != nil {
		return nil, err
	}
	return &Handoff{TaskID: task.ID, Expected: task.Expected, Quorum: task.Quorum, Proposals: task.undelivered()}, nil
}

func (s *Scheduler) deliver(ctx context.Context, handoff *Handoff) error {
	if handoff == nil || s.sink == nil {
		return nil
	}
	if err := s.sink.Deliver(ctx, *handoff); err != nil {
		return fmt.Errorf("scheduler: deliver %s: %w", handoff.TaskID, err)
	}
	return nil
}

func (s *Scheduler) releaseAll(taskID string, agents []string) {
	for _, agentID := range agents {
		if err := s.agents.Release(agentID, taskID); err != nil {
			s.logf("scheduler: release %s: %v", agentID, err)
		}
	}
}

func (s *Scheduler) publishTask(kind events.Type, task Task, agentID, detail string) {
	event := events.New(kind, s.clock())
	event.TaskID = task.ID
	event.AgentID = agentID
	event.Detail = detail
	if len(task.Labels) > 0 || task.PayloadSpec != "" {
		event.Attributes = cloneLabels(task.Labels)
		if event.Attributes == nil {
			event.Attributes = map[string]string{}
		}
		if task.PayloadSpec != "" {
			event.Attributes["payload_spec"] = task.PayloadSpec
		}
	}
	s.events.Publish(event)
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func normalizeCapabilities(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.ToLower(strings.TrimSpace(value))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

func cloneLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
