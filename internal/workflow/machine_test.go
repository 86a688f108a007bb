package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/events"
	"github.com/kingrea/concord/internal/registry"
	"github.com/kingrea/concord/internal/scheduler"
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

type harness struct {
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	engine  *consensus.Engine
	machine *Machine
	bus     *events.Bus
}

func newHarness(t *testing.T, agents map[string][]string) *harness {
	t.Helper()
	cfg := config.DefaultOrchestratorConfig()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	bus := events.NewBus()
	reg := registry.New(&cfg, registry.WithClock(clock.Now))
	for id, caps := range agents {
		if _, err := reg.Register(registry.Agent{ID: id, Capabilities: caps}); err != nil {
			t.Fatal(err)
		}
	}
	sched, err := scheduler.New(&cfg, store.NewMemoryTable[scheduler.Task](), reg, scheduler.WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	engine, err := consensus.New(&cfg, store.NewMemoryTable[consensus.Round](),
		consensus.WithClock(clock.Now),
		consensus.WithTrustLedger(reg),
		consensus.WithRequester(sched),
		consensus.WithFinalizer(sched),
	)
	if err != nil {
		t.Fatal(err)
	}
	sched.SetSink(engine)
	machine, err := New(sched, engine, store.NewMemoryTable[Workflow](),
		WithClock(clock.Now),
		WithPublisher(bus),
	)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{reg: reg, sched: sched, engine: engine, machine: machine, bus: bus}
}

func threePhases() Definition {
	return Definition{
		ID: "feature",
		Phases: []PhaseDefinition{
			{Name: "requirements", RequiredCapabilities: []string{"design"}},
			{Name: "design", RequiredCapabilities: []string{"design"}},
			{Name: "tasks", RequiredCapabilities: []string{"design"}},
		},
	}
}

func (h *harness) start(t *testing.T, def Definition) Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := h.machine.Create(ctx, def)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wf, err = h.machine.Start(ctx, wf.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return wf
}

// reportCurrent has every assignee of the current phase task report its
// payload, "ok" by default.
func (h *harness) reportCurrent(t *testing.T, id string, payloads map[string]string) {
	t.Helper()
	ctx := context.Background()
	wf, err := h.machine.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	task, err := h.sched.Get(ctx, wf.CurrentTask())
	if err != nil {
		t.Fatal(err)
	}
	for _, agentID := range task.Assignees {
		payload, ok := payloads[agentID]
		if !ok {
			payload = "ok"
		}
		if err := h.sched.ReportResult(ctx, task.ID, agentID, []byte(payload)); err != nil {
			t.Fatalf("report %s: %v", agentID, err)
		}
	}
}

func TestAdvanceRequiresApprovedRound(t *testing.T) {
	h := newHarness(t, map[string][]string{"a1": {"design"}})
	ctx := context.Background()
	wf := h.start(t, threePhases())
	if wf.State != StateRunning || wf.PhaseStatus[0] != PhaseActive {
		t.Fatalf("expected running with phase 0 active, got %+v", wf)
	}

	if _, err := h.machine.Advance(ctx, wf.ID); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved before any result, got %v", err)
	}

	h.reportCurrent(t, wf.ID, nil)
	idx, err := h.machine.Advance(ctx, wf.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if idx != 1 {
		t.Fatalf("expected phase index 1, got %d", idx)
	}

	if _, err := h.machine.Advance(ctx, wf.ID); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved while phase 1 is unresolved, got %v", err)
	}
	got, err := h.machine.Get(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPhaseIndex != 1 || got.PhaseStatus[0] != PhaseApproved || got.PhaseStatus[1] != PhaseActive {
		t.Fatalf("unexpected phase state %+v", got)
	}
}

func TestWorkflowCompletesAndIsImmutable(t *testing.T) {
	h := newHarness(t, map[string][]string{"a1": {"design"}})
	ctx := context.Background()
	wf := h.start(t, threePhases())
	sub := h.bus.Subscribe(events.WorkflowAdvanced)
	defer sub.Close()

	for want := 1; want <= 3; want++ {
		h.reportCurrent(t, wf.ID, nil)
		idx, err := h.machine.Advance(ctx, wf.ID)
		if err != nil {
			t.Fatalf("advance to %d: %v", want, err)
		}
		if idx != want {
			t.Fatalf("expected index %d, got %d", want, idx)
		}
	}
	done, err := h.machine.Get(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.State != StateCompleted || done.CompletedAt.IsZero() {
		t.Fatalf("expected completed workflow, got %+v", done)
	}
	if _, err := h.machine.Advance(ctx, wf.ID); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if _, err := h.machine.Reset(ctx, wf.ID, 0); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("reset of completed workflow should fail, got %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case event := <-sub.Events:
			if event.WorkflowID != wf.ID {
				t.Fatalf("unexpected event %+v", event)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing advanced event %d", i)
		}
	}
}

func TestRejectedRoundBlocksAndRetryReopens(t *testing.T) {
	h := newHarness(t, map[string][]string{"a1": {"review"}, "a2": {"review"}})
	ctx := context.Background()
	def := Definition{
		ID: "review",
		Phases: []PhaseDefinition{
			{Name: "review", RequiredCapabilities: []string{"review"}, Strategy: scheduler.StrategyParallel},
		},
	}
	wf := h.start(t, def)
	firstTask := wf.CurrentTask()
	h.reportCurrent(t, wf.ID, map[string]string{"a1": "X", "a2": "Y"})

	if err := h.machine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	blocked, err := h.machine.Get(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if blocked.State != StateBlocked || blocked.PhaseStatus[0] != PhaseBlocked || blocked.BlockedReason == "" {
		t.Fatalf("expected blocked workflow, got %+v", blocked)
	}
	if _, err := h.machine.Advance(ctx, wf.ID); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("advance on blocked workflow should fail, got %v", err)
	}

	retried, err := h.machine.Retry(ctx, wf.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.State != StateRunning || retried.CurrentTask() == firstTask || retried.Attempts[0] != 2 {
		t.Fatalf("retry should submit a fresh task, got %+v", retried)
	}
	if _, err := h.machine.Retry(ctx, wf.ID); !errors.Is(err, ErrNotBlocked) {
		t.Fatalf("expected ErrNotBlocked, got %v", err)
	}

	h.reportCurrent(t, wf.ID, map[string]string{"a1": "X", "a2": "X"})
	idx, err := h.machine.Advance(ctx, wf.ID)
	if err != nil || idx != 1 {
		t.Fatalf("expected completion at index 1, got %d %v", idx, err)
	}
}

func TestStartWithoutAgentsBlocksUntilRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	wf, err := h.machine.Create(ctx, threePhases())
	if err != nil {
		t.Fatal(err)
	}
	started, err := h.machine.Start(ctx, wf.ID)
	if !errors.Is(err, scheduler.ErrNoEligibleAgents) {
		t.Fatalf("expected ErrNoEligibleAgents, got %v", err)
	}
	if started.State != StateBlocked {
		t.Fatalf("expected blocked workflow, got %s", started.State)
	}
	if _, err := h.machine.Start(ctx, wf.ID); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	if _, err := h.reg.Register(registry.Agent{ID: "late", Capabilities: []string{"design"}}); err != nil {
		t.Fatal(err)
	}
	retried, err := h.machine.Retry(ctx, wf.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.State != StateRunning || retried.PhaseStatus[0] != PhaseActive {
		t.Fatalf("expected running after retry, got %+v", retried)
	}
}

func TestResetRollsBackLaterPhases(t *testing.T) {
	h := newHarness(t, map[string][]string{"a1": {"design"}})
	ctx := context.Background()
	wf := h.start(t, threePhases())
	h.reportCurrent(t, wf.ID, nil)
	if _, err := h.machine.Advance(ctx, wf.ID); err != nil {
		t.Fatal(err)
	}
	phaseOne, _ := h.machine.Get(ctx, wf.ID)
	if _, err := h.machine.Reset(ctx, wf.ID, 2); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("reset ahead of the current phase should fail, got %v", err)
	}
	reset, err := h.machine.Reset(ctx, wf.ID, 0)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.CurrentPhaseIndex != 0 || reset.PhaseStatus[0] != PhaseActive || reset.PhaseStatus[1] != PhasePending {
		t.Fatalf("unexpected state after reset %+v", reset)
	}
	cancelled, err := h.sched.Get(ctx, phaseOne.PhaseTasks[1])
	if err != nil || cancelled.Status != scheduler.StatusFailed {
		t.Fatalf("phase 1 task should be cancelled, got %+v %v", cancelled, err)
	}
	if reset.PhaseTasks[1] != "" {
		t.Fatalf("later phase task should be cleared, got %s", reset.PhaseTasks[1])
	}
	task, err := h.sched.Get(ctx, reset.CurrentTask())
	if err != nil {
		t.Fatal(err)
	}
	if len(task.Assignees) != 1 || task.Assignees[0] != "a1" {
		t.Fatalf("cancelled phase should release a1 for the reset phase, got %+v", task.Assignees)
	}
}

func TestUnknownWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.machine.Advance(context.Background(), "missing"); !errors.Is(err, ErrUnknownWorkflow) {
		t.Fatalf("expected ErrUnknownWorkflow, got %v", err)
	}
}
