package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/detect"
	"github.com/kingrea/concord/internal/events"
	"github.com/kingrea/concord/internal/store"
	"github.com/kingrea/concord/internal/textgen"
	"github.com/kingrea/concord/internal/tree"
)

// Outcome describes what a resolution did.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeMerged     Outcome = "merged"
	OutcomeConvergent Outcome = "convergent"
	OutcomeRemoved    Outcome = "removed"
	OutcomeEscalated  Outcome = "escalated"
)

// Resolution is the result of resolving or applying one entity.
type Resolution struct {
	EntityKey   string    `json:"entity_key"`
	Strategy    string    `json:"strategy"`
	Outcome     Outcome   `json:"outcome"`
	SpecVersion string    `json:"spec_version,omitempty"`
	CodeVersion string    `json:"code_version,omitempty"`
	Conflict    *Conflict `json:"conflict,omitempty"`
}

// StateStore is the detector surface the resolver needs.
type StateStore interface {
	Get(ctx context.Context, key string) (detect.SyncState, error)
	Update(ctx context.Context, key string, fn func(*detect.SyncState) error) (detect.SyncState, error)
	Save(ctx context.Context, state detect.SyncState) error
	Forget(ctx context.Context, key string) error
	Tree(kind tree.Kind) *tree.Tree
}

// Logger records resolver diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes the resolver.
type Option func(*Resolver)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithPublisher routes conflict events to a bus.
func WithPublisher(pub events.Publisher) Option {
	return func(r *Resolver) {
		if pub != nil {
			r.events = pub
		}
	}
}

// WithHighImpact adds a predicate to the severity rubric.
func WithHighImpact(fn ImpactFunc) Option {
	return func(r *Resolver) {
		r.highImpact = fn
	}
}

// Resolver applies conflict strategies and owns the conflict archive.
type Resolver struct {
	cfg        *config.OrchestratorConfig
	states     StateStore
	conflicts  store.Table[Conflict]
	gen        textgen.Generator
	highImpact ImpactFunc
	locks      sync.Map // entity key -> *sync.Mutex
	clock      func() time.Time
	logger     Logger
	events     events.Publisher
}

// New builds a resolver.
func New(cfg *config.OrchestratorConfig, states StateStore, conflicts store.Table[Conflict], gen textgen.Generator, opts ...Option) (*Resolver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("conflict: config is required")
	}
	if states == nil || conflicts == nil {
		return nil, fmt.Errorf("conflict: state store and conflict table are required")
	}
	if gen == nil {
		gen = textgen.Passthrough{}
	}
	r := &Resolver{
		cfg:       cfg,
		states:    states,
		conflicts: conflicts,
		gen:       gen,
		clock:     time.Now,
		events:    events.Discard,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Lock serializes work on one entity across the resolver and its callers.
func (r *Resolver) Lock(key string) func() {
	value, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Resolve settles an entity that changed on both sides using the configured
// strategy.
func (r *Resolver) Resolve(ctx context.Context, key string) (Resolution, error) {
	return r.ResolveWith(ctx, key, r.cfg.ConflictResolutionStrategy)
}

// ResolveWith settles an entity with an explicit strategy. An entity with an
// open conflict returns ErrUnresolvedManualConflict after the conflict's
// recorded changes are refreshed.
func (r *Resolver) ResolveWith(ctx context.Context, key, strategy string) (Resolution, error) {
	strategy = strings.ToLower(strings.TrimSpace(strategy))
	switch strategy {
	case config.StrategySpecWins, config.StrategyCodeWins, config.StrategyMerge, config.StrategyManual:
	default:
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	unlock := r.Lock(key)
	defer unlock()

	state, err := r.states.Get(ctx, key)
	if err != nil {
		return Resolution{}, err
	}
	spec, code, err := r.sides(ctx, state)
	if err != nil {
		return Resolution{}, err
	}
	if open, err := r.openConflict(ctx, key); err != nil {
		return Resolution{}, err
	} else if open != nil {
		if _, err := r.conflicts.Update(ctx, open.ID, func(c *Conflict) error {
			c.SpecChange, c.CodeChange = spec, code
			c.Severity, c.Reasons = Assess(key, spec, code, r.highImpact)
			return nil
		}); err != nil {
			return Resolution{}, err
		}
		return Resolution{EntityKey: key, Strategy: config.StrategyManual, Outcome: OutcomeEscalated, Conflict: open},
			fmt.Errorf("%w: %s", ErrUnresolvedManualConflict, key)
	}
	if !state.SpecChanged() || !state.CodeChanged() {
		return Resolution{}, fmt.Errorf("%w: %s", ErrNotConflicting, key)
	}

	if spec.Version == code.Version || (spec.Removed && code.Removed) {
		return r.converge(ctx, key, spec)
	}

	switch strategy {
	case config.StrategySpecWins:
		return r.apply(ctx, key, tree.KindSpec, nil, strategy)
	case config.StrategyCodeWins:
		return r.apply(ctx, key, tree.KindCode, nil, strategy)
	case config.StrategyMerge:
		if spec.Removed || code.Removed {
			return r.escalate(ctx, state, spec, code, []string{"entity"})
		}
		merged, overlapping, err := Merge(state.Base, spec.Content, code.Content)
		if err != nil {
			return Resolution{}, err
		}
		if len(overlapping) > 0 {
			return r.escalate(ctx, state, spec, code, overlapping)
		}
		res, err := r.apply(ctx, key, tree.KindSpec, merged, strategy)
		if err == nil {
			res.Outcome = OutcomeMerged
		}
		return res, err
	default:
		return r.escalate(ctx, state, spec, code, nil)
	}
}

// Apply makes the other tree follow source and marks the entity healthy.
// content overrides what source holds and is written there first; nil uses
// the source tree as it stands, and a missing source entity is removed from
// both trees.
func (r *Resolver) Apply(ctx context.Context, key string, source tree.Kind, content []byte, strategy string) (Resolution, error) {
	unlock := r.Lock(key)
	defer unlock()
	if open, err := r.openConflict(ctx, key); err != nil {
		return Resolution{}, err
	} else if open != nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnresolvedManualConflict, key)
	}
	return r.apply(ctx, key, source, content, strategy)
}

// ResolveManually applies an externally chosen payload to an entity with an
// open conflict and archives the conflict.
func (r *Resolver) ResolveManually(ctx context.Context, key string, chosen []byte) (Resolution, error) {
	unlock := r.Lock(key)
	defer unlock()
	open, err := r.openConflict(ctx, key)
	if err != nil {
		return Resolution{}, err
	}
	if open == nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownConflict, key)
	}
	res, err := r.apply(ctx, key, tree.KindSpec, chosen, config.StrategyManual)
	if err != nil {
		return Resolution{}, err
	}
	now := r.clock()
	resolved, err := r.conflicts.Update(ctx, open.ID, func(c *Conflict) error {
		c.Status = StatusResolved
		c.ResolutionStrategy = config.StrategyManual
		c.ResolvedAt = now
		return nil
	})
	if err != nil {
		return Resolution{}, err
	}
	res.Conflict = &resolved
	r.logf("conflict: %s resolved manually", key)
	r.publish(events.ConflictResolved, resolved)
	return res, nil
}

// Conflicts lists conflicts by status filter: open, resolved, or all.
func (r *Resolver) Conflicts(ctx context.Context, filter string) ([]Conflict, error) {
	switch strings.ToLower(strings.TrimSpace(filter)) {
	case FilterOpen:
		return r.conflicts.ListByStatus(ctx, string(StatusOpen))
	case FilterResolved:
		return r.conflicts.ListByStatus(ctx, string(StatusResolved))
	case FilterAll, "":
		return r.conflicts.List(ctx)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, filter)
}

// OpenConflict returns the open conflict for key, if any.
func (r *Resolver) OpenConflict(ctx context.Context, key string) (*Conflict, error) {
	return r.openConflict(ctx, key)
}

func (r *Resolver) openConflict(ctx context.Context, key string) (*Conflict, error) {
	open, err := r.conflicts.ListByStatus(ctx, string(StatusOpen))
	if err != nil {
		return nil, err
	}
	for _, c := range open {
		if c.EntityKey == key {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

// sides reads both trees' current content for the state's entity.
func (r *Resolver) sides(ctx context.Context, state detect.SyncState) (Change, Change, error) {
	read := func(kind tree.Kind, revision int) (Change, error) {
		change := Change{Tree: kind, Revision: revision}
		entity, err := r.states.Tree(kind).Read(ctx, state.EntityKey)
		if errors.Is(err, tree.ErrNotFound) {
			change.Removed = true
			return change, nil
		}
		if err != nil {
			return change, err
		}
		change.Version = entity.Hash
		change.Content = entity.Content
		return change, nil
	}
	spec, err := read(tree.KindSpec, state.SpecRevision)
	if err != nil {
		return Change{}, Change{}, err
	}
	code, err := read(tree.KindCode, state.CodeRevision)
	if err != nil {
		return Change{}, Change{}, err
	}
	return spec, code, nil
}

func (r *Resolver) converge(ctx context.Context, key string, spec Change) (Resolution, error) {
	if spec.Removed {
		if err := r.states.Forget(ctx, key); err != nil {
			return Resolution{}, err
		}
		r.logf("conflict: %s removed from both trees", key)
		return Resolution{EntityKey: key, Strategy: "convergent", Outcome: OutcomeRemoved}, nil
	}
	if err := r.markSynced(ctx, key, spec.Version, spec.Version, spec.Content); err != nil {
		return Resolution{}, err
	}
	r.logf("conflict: %s converged without a conflict", key)
	return Resolution{
		EntityKey:   key,
		Strategy:    "convergent",
		Outcome:     OutcomeConvergent,
		SpecVersion: spec.Version,
		CodeVersion: spec.Version,
	}, nil
}

func (r *Resolver) apply(ctx context.Context, key string, source tree.Kind, content []byte, strategy string) (Resolution, error) {
	target := tree.KindCode
	if source == tree.KindCode {
		target = tree.KindSpec
	}
	srcTree, dstTree := r.states.Tree(source), r.states.Tree(target)

	if content == nil {
		entity, err := srcTree.Read(ctx, key)
		if errors.Is(err, tree.ErrNotFound) {
			if err := dstTree.Remove(ctx, key); err != nil {
				return Resolution{}, err
			}
			if err := r.states.Forget(ctx, key); err != nil {
				return Resolution{}, err
			}
			r.logf("conflict: %s removed from %s tree following %s", key, target, source)
			return Resolution{EntityKey: key, Strategy: strategy, Outcome: OutcomeRemoved}, nil
		}
		if err != nil {
			return Resolution{}, err
		}
		content = entity.Content
	} else if current, err := srcTree.Read(ctx, key); err != nil || current.Hash != tree.Hash(content) {
		if _, err := srcTree.Write(ctx, key, content); err != nil {
			return Resolution{}, err
		}
	}

	generated, err := r.gen.Generate(ctx, textgen.Request{Key: key, From: source, To: target, Content: content})
	if err != nil {
		return Resolution{}, fmt.Errorf("conflict: generate %s for %s: %w", target, key, err)
	}
	if current, err := dstTree.Read(ctx, key); err != nil || current.Hash != tree.Hash(generated) {
		if _, err := dstTree.Write(ctx, key, generated); err != nil {
			return Resolution{}, err
		}
	}

	specContent, codeContent := content, generated
	if source == tree.KindCode {
		specContent, codeContent = generated, content
	}
	specVersion, codeVersion := tree.Hash(specContent), tree.Hash(codeContent)
	if err := r.markSynced(ctx, key, specVersion, codeVersion, specContent); err != nil {
		return Resolution{}, err
	}
	r.logf("conflict: %s synced from %s via %s", key, source, strategy)
	return Resolution{
		EntityKey:   key,
		Strategy:    strategy,
		Outcome:     OutcomeApplied,
		SpecVersion: specVersion,
		CodeVersion: codeVersion,
	}, nil
}

func (r *Resolver) markSynced(ctx context.Context, key, specVersion, codeVersion string, base []byte) error {
	now := r.clock()
	_, err := r.states.Update(ctx, key, func(s *detect.SyncState) error {
		s.MarkSynced(specVersion, codeVersion, base, now)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		state := detect.SyncState{EntityKey: key}
		state.MarkSynced(specVersion, codeVersion, base, now)
		return r.states.Save(ctx, state)
	}
	return err
}

// escalate opens a conflict and halts automatic sync for the entity.
func (r *Resolver) escalate(ctx context.Context, state detect.SyncState, spec, code Change, overlapping []string) (Resolution, error) {
	now := r.clock()
	severity, reasons := Assess(state.EntityKey, spec, code, r.highImpact)
	c := Conflict{
		ID:          conflictID(state.EntityKey, state.SpecRevision, state.CodeRevision),
		EntityKey:   state.EntityKey,
		SpecChange:  spec,
		CodeChange:  code,
		DetectedAt:  now,
		Severity:    severity,
		Reasons:     reasons,
		Overlapping: overlapping,
		Status:      StatusOpen,
	}
	if err := r.conflicts.Put(ctx, c); err != nil {
		return Resolution{}, err
	}
	if _, err := r.states.Update(ctx, state.EntityKey, func(s *detect.SyncState) error {
		s.Health = detect.HealthConflicted
		s.UpdatedAt = now
		return nil
	}); err != nil {
		return Resolution{}, err
	}
	r.logf("conflict: %s escalated (%s): %s", state.EntityKey, severity, strings.Join(reasons, "; "))
	r.publish(events.ConflictDetected, c)
	return Resolution{EntityKey: state.EntityKey, Strategy: config.StrategyManual, Outcome: OutcomeEscalated, Conflict: &c}, nil
}

func (r *Resolver) publish(kind events.Type, c Conflict) {
	event := events.New(kind, r.clock())
	event.EntityKey = c.EntityKey
	event.Detail = string(c.Severity)
	event.Attributes = map[string]string{"conflict_id": c.ID, "status": string(c.Status)}
	if c.ResolutionStrategy != "" {
		event.Attributes["strategy"] = c.ResolutionStrategy
	}
	r.events.Publish(event)
}

func (r *Resolver) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
