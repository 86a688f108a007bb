package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/registry"
	"github.com/kingrea/concord/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu       sync.Mutex
	handoffs []Handoff
}

func (r *recordingSink) Deliver(_ context.Context, handoff Handoff) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handoffs = append(r.handoffs, handoff)
	return nil
}

type harness struct {
	cfg   *config.OrchestratorConfig
	clock *testClock
	reg   *registry.Registry
	sched *Scheduler
	sink  *recordingSink
}

func newHarness(t *testing.T, agents ...registry.Agent) *harness {
	t.Helper()
	cfg := config.DefaultOrchestratorConfig()
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := registry.New(&cfg, registry.WithClock(clock.Now))
	for _, agent := range agents {
		if _, err := reg.Register(agent); err != nil {
			t.Fatalf("register %s: %v", agent.ID, err)
		}
	}
	sink := &recordingSink{}
	sched, err := New(&cfg, store.NewMemoryTable[Task](), reg, WithClock(clock.Now), WithSink(sink))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return &harness{cfg: &cfg, clock: clock, reg: reg, sched: sched, sink: sink}
}

func agent(id string, trust float64, caps ...string) registry.Agent {
	return registry.Agent{ID: id, TrustScore: trust, Capabilities: caps}
}

func TestSubmitValidatesCapabilities(t *testing.T) {
	h := newHarness(t, agent("a1", 0.5, "design"))
	ctx := context.Background()
	if _, err := h.sched.Submit(ctx, TaskSpec{}); !errors.Is(err, ErrEmptyCapabilities) {
		t.Fatalf("expected ErrEmptyCapabilities, got %v", err)
	}
	id, err := h.sched.Submit(ctx, TaskSpec{RequiredCapabilities: []string{"deploy"}})
	if !errors.Is(err, ErrNoEligibleAgents) {
		t.Fatalf("expected ErrNoEligibleAgents, got %v", err)
	}
	task, err := h.sched.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed task should stay inspectable: %v", err)
	}
	if task.Status != StatusFailed || task.FailureReason != ReasonNoEligibleAgents {
		t.Fatalf("unexpected task %+v", task)
	}
	if _, err := h.sched.Get(ctx, "missing"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestSequentialAssignsHighestRanked(t *testing.T) {
	h := newHarness(t, agent("low", 0.2, "design"), agent("high", 0.9, "design"))
	ctx := context.Background()
	id, err := h.sched.Submit(ctx, TaskSpec{RequiredCapabilities: []string{"design"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, _ := h.sched.Get(ctx, id)
	if task.Status != StatusAssigned || len(task.Assignees) != 1 || task.Assignees[0] != "high" {
		t.Fatalf("expected high-trust agent assigned, got %+v", task)
	}
	if got, _ := h.reg.Get("high"); got.Status != registry.StatusBusy {
		t.Fatalf("assignee should be busy")
	}
	if err := h.sched.ReportResult(ctx, id, "low", []byte("X")); !errors.Is(err, ErrAgentNotAssignee) {
		t.Fatalf("expected ErrAgentNotAssignee, got %v", err)
	}
	if err := h.sched.ReportResult(ctx, id, "high", []byte("X")); err != nil {
		t.Fatalf("report: %v", err)
	}
	task, _ = h.sched.Get(ctx, id)
	if task.Status != StatusAwaitingConsensus {
		t.Fatalf("expected awaiting consensus, got %s", task.Status)
	}
	if len(h.sink.handoffs) != 1 || len(h.sink.handoffs[0].Proposals) != 1 || h.sink.handoffs[0].Expected != 1 {
		t.Fatalf("unexpected handoff %+v", h.sink.handoffs)
	}
	if err := h.sched.ReportResult(ctx, id, "high", []byte("X")); !errors.Is(err, ErrTaskNotAssigned) {
		t.Fatalf("expected ErrTaskNotAssigned after handoff, got %v", err)
	}
	if got, _ := h.reg.Get("high"); got.Status != registry.StatusIdle {
		t.Fatalf("reporting agent should be released")
	}
}

func TestParallelSkipsBusyAgentsAndFillsLater(t *testing.T) {
	h := newHarness(t, agent("a1", 0.9, "design"), agent("a2", 0.8, "design"), agent("a3", 0.7, "design"))
	ctx := context.Background()
	if err := h.reg.TryAcquire("a1", "elsewhere"); err != nil {
		t.Fatal(err)
	}
	id, err := h.sched.Submit(ctx, TaskSpec{RequiredCapabilities: []string{"design"}, Strategy: StrategyParallel})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, _ := h.sched.Get(ctx, id)
	if task.Expected != 2 || len(task.Assignees) != 2 || task.Assignees[0] != "a2" || task.Assignees[1] != "a3" {
		t.Fatalf("expected busy a1 skipped, got %+v", task)
	}

	h.cfg.ParallelAgentCount = 3
	second, err := h.sched.Submit(ctx, TaskSpec{RequiredCapabilities: []string{"design"}, Strategy: StrategyParallel})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	pending, _ := h.sched.Get(ctx, second)
	if pending.Status != StatusPending {
		t.Fatalf("all agents busy: expected pending, got %s", pending.Status)
	}
	if err := h.reg.Release("a1", "elsewhere"); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	pending, _ = h.sched.Get(ctx, second)
	if pending.Status != StatusAssigned || len(pending.Assignees) != 1 || pending.Assignees[0] != "a1" {
		t.Fatalf("expected a1 picked up on tick, got %+v", pending)
	}
}

func TestParallelHandsOffOnceAllReport(t *testing.T) {
	h := newHarness(t, agent("a1", 0.9, "design"), agent("a2", 0.8, "design"))
	ctx := context.Background()
	id, err := h.sched.Submit(ctx, TaskSpec{RequiredCapabilities: []string{"design"}, Strategy: StrategyParallel})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.sched.ReportResult(ctx, id, "a1", []byte("X")); err != nil {
		t.Fatal(err)
	}
	if len(h.sink.handoffs) != 0 {
		t.Fatalf("handoff before all results arrived")
	}
	if err := h.sched.ReportResult(ctx, id, "a1", []byte("X")); !errors.Is(err, ErrDuplicateResult) {
		t.Fatalf("expected ErrDuplicateResult, got %v", err)
	}
	if err := h.sched.ReportResult(ctx, id, "a2", []byte("X")); err != nil {
		t.Fatal(err)
	}
	if len(h.sink.handoffs) != 1 || len(h.sink.handoffs[0].Proposals) != 2 {
		t.Fatalf("expected one handoff with two proposals, got %+v", h.sink.handoffs)
	}
	if err := h.sched.FinalizeTask(ctx, id, true, ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := h.sched.FinalizeTask(ctx, id, true, ""); err != nil {
		t.Fatalf("repeated finalize should be a no-op: %v", err)
	}
	if _, err := h.sched.Cancel(ctx, id); !errors.Is(err, ErrTaskClosed) {
		t.Fatalf("completed task must be immutable, got %v", err)
	}
}

func TestResultTimeoutHandsOffPartialResults(t *testing.T) {
	h := newHarness(t, agent("a1", 0.9, "design"), agent("a2", 0.8, "design"))
	ctx := context.Background()
	id, _ := h.sched.Submit(ctx, TaskSpec{RequiredCapabilities: []string{"design"}, Strategy: StrategyParallel})
	if err := h.sched.ReportResult(ctx, id, "a1", []byte("X")); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(h.cfg.TaskResultTimeout())
	if err := h.sched.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	task, _ := h.sched.Get(ctx, id)
	if task.Status != StatusAwaitingConsensus || task.Expected != 1 {
		t.Fatalf("expected partial handoff, got %+v", task)
	}
	if got, _ := h.reg.Get("a2"); got.Status != registry.StatusIdle {
		t.Fatalf("slow agent should be released")
	}
}

func TestUnreachableAssigneeIsReassignedThenFails(t *testing.T) {
	h := newHarness(t,
		agent("a1", 0.9, "design"),
		agent("a2", 0.8, "design"),
		agent("a3", 0.7, "design"),
		agent("a4", 0.6, "design"),
	)
	ctx := context.Background()
	id, err := h.sched.Submit(ctx, TaskSpec{RequiredCapabilities: []string{"design"}})
	if err != nil {
		t.Fatal(err)
	}
	expected := []string{"a1", "a2", "a3", "a4"}
	for round, current := range expected {
		task, _ := h.sched.Get(ctx, id)
		if task.Status != StatusAssigned || task.Assignees[0] != current {
			t.Fatalf("round %d: expected %s assigned, got %+v", round, current, task)
		}
		// everyone except the current assignee keeps heartbeating
		h.clock.Advance(31 * time.Second)
		for _, other := range expected {
			if other != current {
				_ = h.reg.Heartbeat(other)
			}
		}
		h.reg.Sweep(h.clock.Now())
		if err := h.sched.Tick(ctx, h.clock.Now()); err != nil {
			t.Fatalf("tick: %v", err)
		}
		task, _ = h.sched.Get(ctx, id)
		if task.Status != StatusAssigned || task.Assignees[0] != current {
			t.Fatalf("round %d: reassigned before the grace period: %+v", round, task)
		}
		h.clock.Advance(h.cfg.ReassignGrace())
		for _, other := range expected {
			if other != current {
				_ = h.reg.Heartbeat(other)
			}
		}
		if err := h.sched.Tick(ctx, h.clock.Now()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	task, _ := h.sched.Get(ctx, id)
	if task.Status != StatusFailed || task.FailureReason != ReasonInsufficientAgents {
		t.Fatalf("expected InsufficientAgents failure, got %+v", task)
	}
	if task.Reassignments != 3 {
		t.Fatalf("expected 3 reassignments, got %d", task.Reassignments)
	}
}

func TestRequestAdditionalAssignsFreshAgent(t *testing.T) {
	h := newHarness(t, agent("a1", 0.9, "design"), agent("a2", 0.8, "design"), agent("a3", 0.7, "design"))
	ctx := context.Background()
	id, _ := h.sched.Submit(ctx, TaskSpec{RequiredCapabilities: []string{"design"}, Strategy: StrategyParallel})
	_ = h.sched.ReportResult(ctx, id, "a1", []byte("X"))
	_ = h.sched.ReportResult(ctx, id, "a2", []byte("Y"))
	if err := h.sched.RequestAdditional(ctx, id, []string{"a1", "a2"}); err != nil {
		t.Fatalf("request additional: %v", err)
	}
	task, _ := h.sched.Get(ctx, id)
	if task.Status != StatusAssigned || task.Expected != 3 || task.Outstanding()[0] != "a3" {
		t.Fatalf("expected a3 assigned for the extra proposal, got %+v", task)
	}
	if err := h.sched.ReportResult(ctx, id, "a3", []byte("X")); err != nil {
		t.Fatal(err)
	}
	last := h.sink.handoffs[len(h.sink.handoffs)-1]
	if len(last.Proposals) != 1 || last.Proposals[0].AgentID != "a3" || last.Expected != 3 {
		t.Fatalf("expected only the new proposal to be delivered, got %+v", last)
	}
	if err := h.sched.RequestAdditional(ctx, id, nil); !errors.Is(err, ErrNoEligibleAgents) {
		t.Fatalf("expected ErrNoEligibleAgents once every agent tried, got %v", err)
	}
}

func TestCancelReleasesAssignees(t *testing.T) {
	h := newHarness(t, agent("a1", 0.9, "design"))
	ctx := context.Background()
	id, _ := h.sched.Submit(ctx, TaskSpec{RequiredCapabilities: []string{"design"}})
	task, err := h.sched.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task.Status != StatusFailed || task.FailureReason != ReasonCancelled {
		t.Fatalf("unexpected cancelled task %+v", task)
	}
	if got, _ := h.reg.Get("a1"); got.Status != registry.StatusIdle {
		t.Fatalf("cancel should release the assignee")
	}
}

func TestValidateTransition(t *testing.T) {
	if err := ValidateTransition(StatusCompleted, StatusAssigned); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed tasks must be immutable")
	}
	if err := ValidateTransition(StatusAwaitingConsensus, StatusAssigned); err != nil {
		t.Fatalf("extension path should be allowed: %v", err)
	}
}
