package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/kingrea/concord/internal/events"
	"github.com/kingrea/concord/internal/registry"
)

// Tick reclaims assignments from agents that stayed unreachable past the
// grace period, closes result collection for tasks past the result timeout,
// and fills open slots on pending and assigned tasks.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	tasks, err := s.List(ctx, StatusPending, StatusAssigned)
	if err != nil {
		return err
	}
	var errs []error
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if task.Status == StatusAssigned {
			if err := s.reclaim(ctx, task, now); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := s.expire(ctx, task.ID, now); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := s.fill(ctx, task.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reclaim drops outstanding assignees that are gone or unreachable past the
// grace period. Each drop costs one reassignment; the drop after the last
// allowed reassignment fails the task.
func (s *Scheduler) reclaim(ctx context.Context, task Task, now time.Time) error {
	grace := s.cfg.ReassignGrace()
	var lost []string
	for _, agentID := range task.Outstanding() {
		agent, err := s.agents.Get(agentID)
		if errors.Is(err, registry.ErrUnknownAgent) {
			lost = append(lost, agentID)
			continue
		}
		if err != nil {
			return err
		}
		if agent.Status == registry.StatusUnreachable && now.Sub(agent.UnreachableAt) >= grace {
			lost = append(lost, agentID)
		}
	}
	if len(lost) == 0 {
		return nil
	}
	var (
		dropped     []string
		outstanding []string
	)
	updated, err := s.tasks.Update(ctx, task.ID, func(t *Task) error {
		dropped, outstanding = nil, nil
		if t.Status != StatusAssigned {
			return errNoop
		}
		for _, agentID := range lost {
			if !t.isOutstanding(agentID) {
				continue
			}
			t.removeAssignee(agentID)
			dropped = append(dropped, agentID)
			if t.Reassignments >= s.cfg.MaxReassignments {
				outstanding = t.Outstanding()
				return t.fail(ReasonInsufficientAgents, now)
			}
			t.Reassignments++
		}
		t.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}
	s.releaseAll(task.ID, dropped)
	for _, agentID := range dropped {
		s.logf("scheduler: reclaimed %s from unreachable %s (reassignment %d)", task.ID, agentID, updated.Reassignments)
	}
	if updated.Status == StatusFailed {
		s.releaseAll(task.ID, outstanding)
		s.logf("scheduler: %s failed after %d reassignments", task.ID, updated.Reassignments)
		s.publishTask(events.TaskFailed, updated, "", ReasonInsufficientAgents)
	}
	return nil
}

// expire closes result collection once the result timeout passes. Results
// already in go to consensus; a task with none fails.
func (s *Scheduler) expire(ctx context.Context, taskID string, now time.Time) error {
	timeout := s.cfg.TaskResultTimeout()
	var (
		handoff     *Handoff
		outstanding []string
	)
	updated, err := s.tasks.Update(ctx, taskID, func(t *Task) error {
		handoff, outstanding = nil, nil
		if t.Status != StatusAssigned || t.AssignedAt.IsZero() || now.Sub(t.AssignedAt) < timeout {
			return errNoop
		}
		outstanding = t.Outstanding()
		if len(t.Results) == 0 {
			return t.fail(ReasonResultTimeout, now)
		}
		for _, agentID := range outstanding {
			t.removeAssignee(agentID)
		}
		t.Expected = len(t.Results)
		var err error
		handoff, err = handOff(t, now)
		return err
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}
	s.releaseAll(taskID, outstanding)
	if updated.Status == StatusFailed {
		s.logf("scheduler: %s failed: no results before timeout", taskID)
		s.publishTask(events.TaskFailed, updated, "", ReasonResultTimeout)
		return nil
	}
	s.logf("scheduler: %s result window closed with %d results", taskID, len(updated.Results))
	return s.deliver(ctx, handoff)
}
