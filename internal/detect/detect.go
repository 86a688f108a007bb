// Package detect observes the specification and code trees and reports
// entities whose content hash moved away from the hash recorded in their
// SyncState.
package detect

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/kingrea/concord/internal/store"
	"github.com/kingrea/concord/internal/tree"
)

// Health summarizes an entity's alignment between the trees.
type Health string

const (
	HealthHealthy    Health = "healthy"
	HealthConflicted Health = "conflicted"
	HealthStale      Health = "stale"
)

// SyncState is the per-entity record of what each tree holds and what both
// last agreed on. PendingTask names a validation task gating propagation from
// PendingSource; RejectedVersion is a source version whose validation failed
// and is not retried until that side changes again.
type SyncState struct {
	EntityKey         string    `json:"entity_key"`
	SpecVersion       string    `json:"spec_version"`
	CodeVersion       string    `json:"code_version"`
	SyncedSpecVersion string    `json:"synced_spec_version"`
	SyncedCodeVersion string    `json:"synced_code_version"`
	SpecRevision      int       `json:"spec_revision"`
	CodeRevision      int       `json:"code_revision"`
	LastSyncedAt      time.Time `json:"last_synced_at,omitempty"`
	Health            Health    `json:"health"`
	Base              []byte    `json:"base,omitempty"`
	PendingTask       string    `json:"pending_task,omitempty"`
	PendingSource     tree.Kind `json:"pending_source,omitempty"`
	RejectedVersion   string    `json:"rejected_version,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (s SyncState) RecordKey() string    { return s.EntityKey }
func (s SyncState) RecordStatus() string { return string(s.Health) }

// SpecChanged reports whether the spec side moved since the last sync.
func (s SyncState) SpecChanged() bool { return s.SpecVersion != s.SyncedSpecVersion }

// CodeChanged reports whether the code side moved since the last sync.
func (s SyncState) CodeChanged() bool { return s.CodeVersion != s.SyncedCodeVersion }

// InSync reports whether both trees hold what they last agreed on.
func (s SyncState) InSync() bool { return !s.SpecChanged() && !s.CodeChanged() }

// Version returns the recorded version for one tree.
func (s SyncState) Version(kind tree.Kind) string {
	if kind == tree.KindCode {
		return s.CodeVersion
	}
	return s.SpecVersion
}

// MarkSynced records the versions both trees agreed on. base is the agreed
// content, kept for field-level merges.
func (s *SyncState) MarkSynced(specVersion, codeVersion string, base []byte, now time.Time) {
	s.SpecVersion = specVersion
	s.CodeVersion = codeVersion
	s.SyncedSpecVersion = specVersion
	s.SyncedCodeVersion = codeVersion
	s.Base = append([]byte(nil), base...)
	s.Health = HealthHealthy
	s.LastSyncedAt = now
	s.PendingTask = ""
	s.PendingSource = ""
	s.RejectedVersion = ""
	s.UpdatedAt = now
}

// ChangeEvent reports one observed mutation. An empty NewVersion means the
// entity disappeared from the tree.
type ChangeEvent struct {
	Tree            tree.Kind `json:"tree"`
	EntityKey       string    `json:"entity_key"`
	NewVersion      string    `json:"new_version"`
	PreviousVersion string    `json:"previous_version,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Removed reports whether the entity was deleted from the tree.
func (e ChangeEvent) Removed() bool { return e.NewVersion == "" }

// Option customizes the detector.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// Detector compares tree snapshots against recorded sync states.
type Detector struct {
	spec   *tree.Tree
	code   *tree.Tree
	states store.Table[SyncState]
	clock  func() time.Time
}

// New builds a detector over both trees.
func New(spec, code *tree.Tree, states store.Table[SyncState], opts ...Option) (*Detector, error) {
	if spec == nil || code == nil {
		return nil, fmt.Errorf("detect: both trees are required")
	}
	if states == nil {
		return nil, fmt.Errorf("detect: sync state table is required")
	}
	d := &Detector{spec: spec, code: code, states: states, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Tree returns the tree of the given kind.
func (d *Detector) Tree(kind tree.Kind) *tree.Tree {
	if kind == tree.KindCode {
		return d.code
	}
	return d.spec
}

// Poll snapshots both trees and yields a change event for every entity whose
// hash differs from its sync state, recording the new version as it goes.
// The sequence is finite; calling Poll again starts a fresh pass. Stopping
// early leaves the remaining entities for the next poll.
func (d *Detector) Poll(ctx context.Context) iter.Seq2[ChangeEvent, error] {
	return func(yield func(ChangeEvent, error) bool) {
		specSnap, err := d.spec.Snapshot(ctx)
		if err != nil {
			yield(ChangeEvent{}, err)
			return
		}
		codeSnap, err := d.code.Snapshot(ctx)
		if err != nil {
			yield(ChangeEvent{}, err)
			return
		}
		known, err := d.states.List(ctx)
		if err != nil {
			yield(ChangeEvent{}, err)
			return
		}
		keys := unionKeys(specSnap, codeSnap, known)
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				yield(ChangeEvent{}, err)
				return
			}
			current := map[tree.Kind]string{
				tree.KindSpec: specSnap[key].Hash,
				tree.KindCode: codeSnap[key].Hash,
			}
			changes, err := d.observe(ctx, key, current)
			if err != nil {
				if !yield(ChangeEvent{EntityKey: key}, err) {
					return
				}
				continue
			}
			for _, change := range changes {
				if !yield(change, nil) {
					return
				}
			}
		}
	}
}

// observe records the current hashes for key and returns one event per tree
// whose hash moved.
func (d *Detector) observe(ctx context.Context, key string, current map[tree.Kind]string) ([]ChangeEvent, error) {
	now := d.clock()
	var changes []ChangeEvent
	apply := func(state *SyncState) {
		changes = changes[:0]
		for _, kind := range []tree.Kind{tree.KindSpec, tree.KindCode} {
			previous := state.Version(kind)
			if current[kind] == previous {
				continue
			}
			if kind == tree.KindSpec {
				state.SpecVersion = current[kind]
				state.SpecRevision++
			} else {
				state.CodeVersion = current[kind]
				state.CodeRevision++
			}
			changes = append(changes, ChangeEvent{
				Tree:            kind,
				EntityKey:       key,
				NewVersion:      current[kind],
				PreviousVersion: previous,
				Timestamp:       now,
			})
		}
		if len(changes) == 0 {
			return
		}
		state.UpdatedAt = now
		switch {
		case state.Health == HealthConflicted:
		case state.InSync():
			state.Health = HealthHealthy
		default:
			state.Health = HealthStale
		}
	}

	_, err := d.states.Update(ctx, key, func(state *SyncState) error {
		apply(state)
		if len(changes) == 0 {
			return errUnchanged
		}
		return nil
	})
	switch {
	case err == nil:
		return changes, nil
	case errors.Is(err, errUnchanged):
		return nil, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	state := SyncState{EntityKey: key, Health: HealthStale}
	apply(&state)
	if len(changes) == 0 {
		return nil, nil
	}
	if err := d.states.Insert(ctx, state); err != nil {
		if errors.Is(err, store.ErrExists) {
			// raced with another poller; the next poll sees the stored row
			return nil, nil
		}
		return nil, err
	}
	return changes, nil
}

var errUnchanged = errors.New("detect: unchanged")

// Get returns the sync state of one entity.
func (d *Detector) Get(ctx context.Context, key string) (SyncState, error) {
	return d.states.Get(ctx, key)
}

// List returns sync states with the given health, or every state.
func (d *Detector) List(ctx context.Context, health ...Health) ([]SyncState, error) {
	keys := make([]string, len(health))
	for i, h := range health {
		keys[i] = string(h)
	}
	return d.states.ListByStatus(ctx, keys...)
}

// Update applies fn to one entity's state under its row lock.
func (d *Detector) Update(ctx context.Context, key string, fn func(*SyncState) error) (SyncState, error) {
	return d.states.Update(ctx, key, fn)
}

// Save stores a state, replacing any existing row.
func (d *Detector) Save(ctx context.Context, state SyncState) error {
	return d.states.Put(ctx, state)
}

// Forget drops the state of an entity that no longer exists in either tree.
func (d *Detector) Forget(ctx context.Context, key string) error {
	err := d.states.Delete(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func unionKeys(spec, code map[string]tree.Entity, known []SyncState) []string {
	seen := make(map[string]struct{}, len(spec)+len(code)+len(known))
	for key := range spec {
		seen[key] = struct{}{}
	}
	for key := range code {
		seen[key] = struct{}{}
	}
	for _, state := range known {
		seen[state.EntityKey] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
