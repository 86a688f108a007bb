package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/conflict"
	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/detect"
	"github.com/kingrea/concord/internal/events"
	"github.com/kingrea/concord/internal/scheduler"
	"github.com/kingrea/concord/internal/tree"
)

// Labels set on validation tasks.
const (
	LabelKind      = "kind"
	LabelEntity    = "entity_key"
	LabelSource    = "source"
	LabelVersion   = "version"
	kindValidation = "validation"
	strategyGated  = "validated"
	strategyFollow = "propagate"
)

// SyncReport aggregates one sync cycle. Pending counts entities waiting on a
// validation round.
type SyncReport struct {
	Applied    int           `json:"applied"`
	Conflicted int           `json:"conflicted"`
	Failed     int           `json:"failed"`
	Pending    int           `json:"pending"`
	Events     int           `json:"events"`
	Errors     []string      `json:"errors,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeApplied
	outcomeConflicted
	outcomeFailed
	outcomePending
)

type tally struct {
	mu     sync.Mutex
	report SyncReport
}

func (t *tally) add(key string, result outcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch result {
	case outcomeApplied:
		t.report.Applied++
	case outcomeConflicted:
		t.report.Conflicted++
	case outcomeFailed:
		t.report.Failed++
	case outcomePending:
		t.report.Pending++
	}
	if err != nil {
		t.report.Errors = append(t.report.Errors, fmt.Sprintf("%s: %v", key, err))
	}
}

// RunSyncCycle settles finished validations, drains the change detector and
// routes every changed entity: one-sided changes propagate to the other tree
// (through a validation round when high impact) and two-sided changes go to
// the conflict resolver. Entity failures are counted, not returned; the error
// is reserved for failures that stop the whole cycle.
func (o *Orchestrator) RunSyncCycle(ctx context.Context) (SyncReport, error) {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	started := o.clock()
	t := &tally{}
	t.report.StartedAt = started

	if err := o.settleValidations(ctx, t); err != nil {
		return SyncReport{}, err
	}

	keys := map[string]struct{}{}
	for change, err := range o.detector.Poll(ctx) {
		if err != nil {
			if change.EntityKey == "" {
				return SyncReport{}, err
			}
			t.add(change.EntityKey, outcomeFailed, err)
			continue
		}
		t.report.Events++
		keys[change.EntityKey] = struct{}{}
	}
	stale, err := o.detector.List(ctx, detect.HealthStale)
	if err != nil {
		return SyncReport{}, err
	}
	for _, state := range stale {
		if state.PendingTask == "" {
			keys[state.EntityKey] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(keys))
	for key := range keys {
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)

	limit := int64(o.cfg.SyncConcurrency)
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range ordered {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			result, err := o.syncEntity(gctx, key)
			t.add(key, result, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SyncReport{}, err
	}
	if err := ctx.Err(); err != nil {
		return SyncReport{}, err
	}

	report := t.report
	sort.Strings(report.Errors)
	report.Duration = o.clock().Sub(started)
	o.reportMu.Lock()
	o.lastReport = report
	o.reportMu.Unlock()

	o.logf("orchestrator: sync cycle applied=%d conflicted=%d failed=%d pending=%d", report.Applied, report.Conflicted, report.Failed, report.Pending)
	event := events.New(events.SyncCycleCompleted, o.clock())
	event.Attributes = map[string]string{
		"applied":    strconv.Itoa(report.Applied),
		"conflicted": strconv.Itoa(report.Conflicted),
		"failed":     strconv.Itoa(report.Failed),
		"pending":    strconv.Itoa(report.Pending),
	}
	o.bus.Publish(event)
	return report, nil
}

// syncEntity routes one entity according to which sides moved.
func (o *Orchestrator) syncEntity(ctx context.Context, key string) (outcome, error) {
	state, err := o.detector.Get(ctx, key)
	if err != nil {
		return outcomeFailed, err
	}
	switch {
	case state.InSync():
		return outcomeNone, nil
	case state.PendingTask != "":
		return outcomePending, nil
	case state.SpecChanged() && state.CodeChanged():
		return o.syncBoth(ctx, state)
	}
	source := tree.KindSpec
	if state.CodeChanged() {
		source = tree.KindCode
	}
	return o.propagate(ctx, state, source, strategyFollow)
}

func (o *Orchestrator) syncBoth(ctx context.Context, state detect.SyncState) (outcome, error) {
	key := state.EntityKey
	strategy := o.cfg.ConflictResolutionStrategy
	if strategy == config.StrategySpecWins || strategy == config.StrategyCodeWins {
		source := tree.KindSpec
		if strategy == config.StrategyCodeWins {
			source = tree.KindCode
		}
		open, err := o.resolver.OpenConflict(ctx, key)
		if err != nil {
			return outcomeFailed, err
		}
		if open == nil && state.SpecVersion != state.CodeVersion {
			if gated, err := o.needsValidation(ctx, key, source); err != nil {
				return outcomeFailed, err
			} else if gated {
				return o.propagate(ctx, state, source, strategy)
			}
		}
	}
	res, err := o.resolver.Resolve(ctx, key)
	switch {
	case errors.Is(err, conflict.ErrUnresolvedManualConflict):
		return outcomeConflicted, nil
	case err != nil:
		return outcomeFailed, err
	case res.Outcome == conflict.OutcomeEscalated:
		return outcomeConflicted, nil
	}
	return outcomeApplied, nil
}

// propagate makes the other tree follow source, gating high-impact changes
// behind a validation round.
func (o *Orchestrator) propagate(ctx context.Context, state detect.SyncState, source tree.Kind, strategy string) (outcome, error) {
	key := state.EntityKey
	version := state.Version(source)
	if state.RejectedVersion != "" && state.RejectedVersion == version {
		return outcomeNone, nil
	}
	gated, err := o.needsValidation(ctx, key, source)
	if err != nil {
		return outcomeFailed, err
	}
	if gated {
		return o.submitValidation(ctx, state, source)
	}
	_, err = o.resolver.Apply(ctx, key, source, nil, strategy)
	switch {
	case errors.Is(err, conflict.ErrUnresolvedManualConflict):
		return outcomeConflicted, nil
	case err != nil:
		return outcomeFailed, err
	}
	return outcomeApplied, nil
}

// needsValidation applies the high-impact predicate to the source side.
// Removals are judged by key alone.
func (o *Orchestrator) needsValidation(ctx context.Context, key string, source tree.Kind) (bool, error) {
	fields := map[string]string{}
	entity, err := o.detector.Tree(source).Read(ctx, key)
	switch {
	case err == nil:
		fields = tree.ParseDocument(entity.Content).Map()
	case !errors.Is(err, tree.ErrNotFound):
		return false, err
	}
	return o.highImpact(key, fields), nil
}

func (o *Orchestrator) submitValidation(ctx context.Context, state detect.SyncState, source tree.Kind) (outcome, error) {
	key := state.EntityKey
	var content []byte
	if entity, err := o.detector.Tree(source).Read(ctx, key); err == nil {
		content = entity.Content
	} else if !errors.Is(err, tree.ErrNotFound) {
		return outcomeFailed, err
	}
	taskID, err := o.scheduler.Submit(ctx, scheduler.TaskSpec{
		RequiredCapabilities: o.cfg.ValidationCapabilities,
		Strategy:             scheduler.StrategyParallel,
		PayloadSpec:          string(content),
		Labels: map[string]string{
			LabelKind:    kindValidation,
			LabelEntity:  key,
			LabelSource:  string(source),
			LabelVersion: state.Version(source),
		},
	})
	if err != nil {
		return outcomeFailed, fmt.Errorf("validation for %s: %w", key, err)
	}
	if _, err := o.detector.Update(ctx, key, func(s *detect.SyncState) error {
		s.PendingTask = taskID
		s.PendingSource = source
		s.Health = detect.HealthStale
		s.UpdatedAt = o.clock()
		return nil
	}); err != nil {
		return outcomeFailed, err
	}
	o.logf("orchestrator: %s change to %s awaits validation task %s", source, key, taskID)
	return outcomePending, nil
}

// settleValidations applies approved validation decisions and clears failed
// ones. A decision for a source that moved on since the task was submitted is
// discarded and the entity goes through the gate again.
func (o *Orchestrator) settleValidations(ctx context.Context, t *tally) error {
	states, err := o.detector.List(ctx, detect.HealthStale)
	if err != nil {
		return err
	}
	for _, state := range states {
		if state.PendingTask == "" {
			continue
		}
		result, err := o.settle(ctx, state)
		if result != outcomeNone || err != nil {
			t.add(state.EntityKey, result, err)
		}
	}
	return nil
}

func (o *Orchestrator) settle(ctx context.Context, state detect.SyncState) (outcome, error) {
	key, taskID, source := state.EntityKey, state.PendingTask, state.PendingSource
	task, err := o.scheduler.Get(ctx, taskID)
	if err != nil {
		return outcomeFailed, err
	}
	round, err := o.engine.Get(ctx, taskID)
	switch {
	case errors.Is(err, consensus.ErrUnknownRound):
		if task.Status != scheduler.StatusFailed {
			return outcomePending, nil
		}
		round = consensus.Round{Outcome: consensus.OutcomeRejected, Reason: task.FailureReason}
	case err != nil:
		return outcomeFailed, err
	case round.Outcome == consensus.OutcomePending:
		return outcomePending, nil
	}

	if task.Labels[LabelVersion] != state.Version(source) {
		o.logf("orchestrator: %s moved since validation %s, resubmitting", key, taskID)
		return outcomeNone, o.clearPending(ctx, key, "")
	}
	if round.Outcome != consensus.OutcomeApproved {
		o.logf("orchestrator: validation %s for %s closed %s: %s", taskID, key, round.Outcome, round.Reason)
		if err := o.clearPending(ctx, key, state.Version(source)); err != nil {
			return outcomeFailed, err
		}
		return outcomeFailed, fmt.Errorf("validation %s %s", taskID, round.Outcome)
	}

	var decision []byte
	if state.Version(source) != "" {
		decision = round.Decision
		if decision == nil {
			decision = []byte{}
		}
	}
	strategy := strategyGated
	if state.SpecChanged() && state.CodeChanged() {
		strategy = o.cfg.ConflictResolutionStrategy
	}
	if err := o.clearPending(ctx, key, ""); err != nil {
		return outcomeFailed, err
	}
	_, err = o.resolver.Apply(ctx, key, source, decision, strategy)
	switch {
	case errors.Is(err, conflict.ErrUnresolvedManualConflict):
		return outcomeConflicted, nil
	case err != nil:
		return outcomeFailed, err
	}
	return outcomeApplied, nil
}

func (o *Orchestrator) clearPending(ctx context.Context, key, rejected string) error {
	_, err := o.detector.Update(ctx, key, func(s *detect.SyncState) error {
		s.PendingTask = ""
		s.PendingSource = ""
		s.RejectedVersion = rejected
		s.UpdatedAt = o.clock()
		return nil
	})
	return err
}
