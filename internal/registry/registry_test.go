package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/events"
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

func newTestRegistry(t *testing.T) (*Registry, *testClock) {
	t.Helper()
	cfg := config.DefaultOrchestratorConfig()
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(&cfg, WithClock(clock.Now)), clock
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Register(Agent{ID: "a1", Capabilities: []string{"Design"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register(Agent{ID: "a1"}); !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}
	agent, err := reg.Get("a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.Status != StatusIdle || agent.TrustScore != 0.5 {
		t.Fatalf("unexpected initial state %+v", agent)
	}
	if len(agent.Capabilities) != 1 || agent.Capabilities[0] != "design" {
		t.Fatalf("capabilities not normalised: %v", agent.Capabilities)
	}
	if err := reg.Heartbeat("ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestFindByCapabilityRanksByTrustThenLeastRecentlyAssigned(t *testing.T) {
	reg, clock := newTestRegistry(t)
	for _, agent := range []Agent{
		{ID: "low", Capabilities: []string{"design"}, TrustScore: 0.3},
		{ID: "high-b", Capabilities: []string{"design"}, TrustScore: 0.9},
		{ID: "high-a", Capabilities: []string{"design"}, TrustScore: 0.9},
		{ID: "other", Capabilities: []string{"review"}, TrustScore: 1},
	} {
		if _, err := reg.Register(agent); err != nil {
			t.Fatal(err)
		}
	}
	got := reg.FindByCapability([]string{"design"})
	want := []string{"high-a", "high-b", "low"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	clock.Advance(time.Second)
	if err := reg.TryAcquire("high-a", "t1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := reg.Release("high-a", "t1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got = reg.FindByCapability([]string{"design"})
	if got[0] != "high-b" || got[1] != "high-a" {
		t.Fatalf("recently assigned agent should rank later, got %v", got)
	}
}

func TestTryAcquireIsExclusive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Register(Agent{ID: "a1", Capabilities: []string{"x"}}); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.TryAcquire("a1", "task"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one acquisition, got %d", winners)
	}
	if err := reg.Release("a1", "other-task"); err != nil {
		t.Fatal(err)
	}
	if agent, _ := reg.Get("a1"); agent.Status != StatusBusy {
		t.Fatalf("release for another task must not free the agent")
	}
}

func TestCompareAndUpdateDetectsLostUpdates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Register(Agent{ID: "a1"}); err != nil {
		t.Fatal(err)
	}
	agent, _ := reg.Get("a1")
	if _, err := reg.AdjustTrust("a1", 0.2); err != nil {
		t.Fatal(err)
	}
	_, err := reg.CompareAndUpdate("a1", agent.Version, func(a *Agent) error {
		a.TrustScore = 0
		return nil
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	current, _ := reg.Get("a1")
	updated, err := reg.CompareAndUpdate("a1", current.Version, func(a *Agent) error {
		a.TrustScore = 0.1
		return nil
	})
	if err != nil || updated.TrustScore != 0.1 {
		t.Fatalf("expected update at current version, got %+v %v", updated, err)
	}
}

func TestAdjustTrustClamps(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Register(Agent{ID: "a1", TrustScore: 0.99}); err != nil {
		t.Fatal(err)
	}
	score, _ := reg.AdjustTrust("a1", 0.02)
	if score != 1 {
		t.Fatalf("expected clamp to 1, got %v", score)
	}
	score, _ = reg.AdjustTrust("a1", -5)
	if score != 0 {
		t.Fatalf("expected clamp to 0, got %v", score)
	}
}

func TestSweepMarksUnreachableRevivesAndEvicts(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.AgentUnreachable, events.AgentEvicted)
	defer sub.Close()
	cfg := config.DefaultOrchestratorConfig()
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := New(&cfg, WithClock(clock.Now), WithPublisher(bus))
	for _, id := range []string{"a1", "a2"} {
		if _, err := reg.Register(Agent{ID: id, Capabilities: []string{"x"}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.TryAcquire("a1", "t1"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(31 * time.Second)
	result := reg.Sweep(clock.Now())
	if len(result.Unreachable) != 2 {
		t.Fatalf("expected both agents unreachable, got %+v", result)
	}
	if got := reg.FindByCapability([]string{"x"}); len(got) != 0 {
		t.Fatalf("unreachable agents must not be candidates: %v", got)
	}
	if (<-sub.Events).Type != events.AgentUnreachable {
		t.Fatalf("expected unreachable event")
	}

	if err := reg.Heartbeat("a1"); err != nil {
		t.Fatal(err)
	}
	if agent, _ := reg.Get("a1"); agent.Status != StatusBusy || !agent.UnreachableAt.IsZero() {
		t.Fatalf("agent holding a task should revive busy, got %+v", agent)
	}

	clock.Advance(11 * time.Minute)
	result = reg.Sweep(clock.Now())
	if len(result.Evicted) != 1 || result.Evicted[0] != "a2" {
		t.Fatalf("expected a2 evicted, got %+v", result)
	}
	if _, err := reg.Get("a2"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("evicted agent should be gone")
	}
}
