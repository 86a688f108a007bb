package events

import (
	"testing"
	"time"
)

func TestBusFiltersByTopic(t *testing.T) {
	bus := NewBus()
	approvals := bus.Subscribe(ConsensusApproved)
	defer approvals.Close()
	all := bus.Subscribe()
	defer all.Close()

	bus.Publish(Event{ID: "evt-1", Type: TaskAssigned})
	bus.Publish(Event{ID: "evt-2", Type: ConsensusApproved})

	if got := <-approvals.Events; got.ID != "evt-2" {
		t.Fatalf("expected approval event, got %s", got.ID)
	}
	select {
	case extra := <-approvals.Events:
		t.Fatalf("unexpected event on filtered subscription: %s", extra.Type)
	default:
	}
	if first := <-all.Events; first.ID != "evt-1" {
		t.Fatalf("expected evt-1 first, got %s", first.ID)
	}
	if second := <-all.Events; second.ID != "evt-2" {
		t.Fatalf("expected evt-2 second, got %s", second.ID)
	}
}

func TestBusDedupeByEventID(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()
	event := Event{ID: "evt-1", Type: TaskCompleted}
	bus.Publish(event)
	bus.Publish(event)
	<-sub.Events
	select {
	case <-sub.Events:
		t.Fatalf("duplicate event delivered")
	default:
	}
}

func TestBusDropsOldestPreferredEventOnOverflow(t *testing.T) {
	bus := NewBus(WithSubscriberCapacity(1))
	sub := bus.Subscribe()
	defer sub.Close()
	bus.Publish(Event{ID: "evt-1", Type: TaskAssigned})
	bus.Publish(Event{ID: "evt-2", Type: ConsensusRejected})
	if got := <-sub.Events; got.ID != "evt-2" {
		t.Fatalf("expected critical event to replace oldest, got %s", got.ID)
	}
}

func TestBusDropsIncomingWhenOldestCritical(t *testing.T) {
	bus := NewBus(WithSubscriberCapacity(1))
	sub := bus.Subscribe()
	defer sub.Close()
	bus.Publish(Event{ID: "evt-1", Type: ConflictDetected})
	bus.Publish(Event{ID: "evt-2", Type: SyncCycleCompleted})
	if got := <-sub.Events; got.ID != "evt-1" {
		t.Fatalf("expected oldest critical event to remain, got %s", got.ID)
	}
	select {
	case <-sub.Events:
		t.Fatalf("unexpected extra event")
	default:
	}
}

func TestBusRecentAndClose(t *testing.T) {
	bus := NewBus(WithHistoryLimit(2))
	sub := bus.Subscribe()
	for i, kind := range []Type{TaskAssigned, TaskCompleted, ConsensusApproved} {
		event := New(kind, time.Unix(int64(i), 0))
		bus.Publish(event)
	}
	recent := bus.Recent(10)
	if len(recent) != 2 || recent[0].Type != TaskCompleted || recent[1].Type != ConsensusApproved {
		t.Fatalf("unexpected history %+v", recent)
	}
	sub.Close()
	sub.Close()
	for range sub.Events {
	}
	// publishing after close must not panic
	bus.Publish(New(TaskFailed, time.Time{}))

	var nilBus *Bus
	nilBus.Publish(Event{Type: TaskFailed})
}
