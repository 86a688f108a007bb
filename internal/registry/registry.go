// Package registry tracks worker agents, their capabilities, liveness and
// trust. It is the one structure shared between the scheduler and the
// consensus engine, so every mutation is a per-agent compare-and-update.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/events"
)

var (
	ErrDuplicateAgent   = errors.New("registry: duplicate agent id")
	ErrUnknownAgent     = errors.New("registry: unknown agent")
	ErrVersionConflict  = errors.New("registry: agent changed concurrently")
	ErrAgentBusy        = errors.New("registry: agent is busy")
	ErrAgentUnreachable = errors.New("registry: agent is unreachable")
)

// Status captures agent liveness.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusUnreachable Status = "unreachable"
)

// Agent is a snapshot of one worker identity.
type Agent struct {
	ID            string    `json:"id"`
	Capabilities  []string  `json:"capabilities"`
	Status        Status    `json:"status"`
	TrustScore    float64   `json:"trust_score"`
	CurrentTask   string    `json:"current_task,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastAssigned  time.Time `json:"last_assigned,omitempty"`
	UnreachableAt time.Time `json:"unreachable_at,omitempty"`
	Version       uint64    `json:"version"`
}

// HasCapabilities reports whether the agent declares every requested tag.
func (a Agent) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CapabilityProvider returns agents able to serve the requested capabilities,
// best candidate first.
type CapabilityProvider interface {
	Candidates(capabilities []string) []Agent
}

// Logger records registry diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes the registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithPublisher routes lifecycle events to a bus.
func WithPublisher(pub events.Publisher) Option {
	return func(r *Registry) {
		if pub != nil {
			r.events = pub
		}
	}
}

type entry struct {
	mu    sync.Mutex
	agent Agent
}

// Registry is the in-process agent table.
type Registry struct {
	cfg    *config.OrchestratorConfig
	mu     sync.RWMutex
	agents map[string]*entry
	clock  func() time.Time
	logger Logger
	events events.Publisher
}

// New builds an empty registry.
func New(cfg *config.OrchestratorConfig, opts ...Option) *Registry {
	if cfg == nil {
		defaults := config.DefaultOrchestratorConfig()
		cfg = &defaults
	}
	r := &Registry{
		cfg:    cfg,
		agents: map[string]*entry{},
		clock:  time.Now,
		events: events.Discard,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register adds a new idle agent and returns its id.
func (r *Registry) Register(agent Agent) (string, error) {
	id := strings.TrimSpace(agent.ID)
	if id == "" {
		return "", fmt.Errorf("registry: agent id is required")
	}
	now := r.clock()
	agent.ID = id
	agent.Capabilities = normalizeCapabilities(agent.Capabilities)
	agent.Status = StatusIdle
	agent.CurrentTask = ""
	if agent.TrustScore <= 0 {
		agent.TrustScore = r.cfg.InitialTrust
	}
	agent.TrustScore = clamp(agent.TrustScore)
	agent.RegisteredAt = now
	agent.LastHeartbeat = now
	agent.UnreachableAt = time.Time{}
	agent.Version = 1

	r.mu.Lock()
	if _, exists := r.agents[id]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}
	r.agents[id] = &entry{agent: agent}
	r.mu.Unlock()

	r.logf("registry: registered %s (%s)", id, strings.Join(agent.Capabilities, ","))
	event := events.New(events.AgentRegistered, now)
	event.AgentID = id
	r.events.Publish(event)
	return id, nil
}

// Deregister removes an agent. Proposals it already submitted stay valid.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(r.agents, id)
	r.logf("registry: deregistered %s", id)
	return nil
}

// Heartbeat refreshes liveness. An unreachable agent comes back busy if it
// still holds a task, otherwise idle.
func (r *Registry) Heartbeat(id string) error {
	_, err := r.mutate(id, 0, func(agent *Agent) error {
		agent.LastHeartbeat = r.clock()
		if agent.Status == StatusUnreachable {
			agent.UnreachableAt = time.Time{}
			if agent.CurrentTask != "" {
				agent.Status = StatusBusy
			} else {
				agent.Status = StatusIdle
			}
			r.logf("registry: %s reachable again", agent.ID)
		}
		return nil
	})
	return err
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (Agent, error) {
	e := r.lookup(id)
	if e == nil {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAgent(e.agent), nil
}

// List returns every agent ordered by id.
func (r *Registry) List() []Agent {
	entries := r.snapshotEntries()
	out := make([]Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, cloneAgent(e.agent))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByCapability ranks reachable agents holding every capability by trust
// descending, then least recently assigned.
func (r *Registry) FindByCapability(capabilities []string) []string {
	candidates := r.Candidates(capabilities)
	ids := make([]string, len(candidates))
	for i, agent := range candidates {
		ids[i] = agent.ID
	}
	return ids
}

// Candidates implements CapabilityProvider.
func (r *Registry) Candidates(capabilities []string) []Agent {
	required := normalizeCapabilities(capabilities)
	var out []Agent
	for _, agent := range r.List() {
		if agent.Status == StatusUnreachable {
			continue
		}
		if !agent.HasCapabilities(required) {
			continue
		}
		out = append(out, agent)
	}
	Rank(out)
	return out
}

// Rank orders agents by trust descending, least recently assigned, then id.
func Rank(agents []Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		a, b := agents[i], agents[j]
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		if !a.LastAssigned.Equal(b.LastAssigned) {
			return a.LastAssigned.Before(b.LastAssigned)
		}
		return a.ID < b.ID
	})
}

// CompareAndUpdate applies fn only when the agent is still at version.
func (r *Registry) CompareAndUpdate(id string, version uint64, fn func(*Agent) error) (Agent, error) {
	if version == 0 {
		return Agent{}, fmt.Errorf("%w: version is required", ErrVersionConflict)
	}
	return r.mutate(id, version, fn)
}

// TryAcquire moves an idle agent to busy for the given task.
func (r *Registry) TryAcquire(id, taskID string) error {
	_, err := r.mutate(id, 0, func(agent *Agent) error {
		switch agent.Status {
		case StatusBusy:
			return fmt.Errorf("%w: %s", ErrAgentBusy, agent.ID)
		case StatusUnreachable:
			return fmt.Errorf("%w: %s", ErrAgentUnreachable, agent.ID)
		}
		agent.Status = StatusBusy
		agent.CurrentTask = taskID
		agent.LastAssigned = r.clock()
		return nil
	})
	return err
}

// Release frees an agent held by taskID. Releasing a deregistered agent or a
// task the agent no longer holds is a no-op.
func (r *Registry) Release(id, taskID string) error {
	_, err := r.mutate(id, 0, func(agent *Agent) error {
		if agent.CurrentTask != taskID {
			return nil
		}
		agent.CurrentTask = ""
		if agent.Status == StatusBusy {
			agent.Status = StatusIdle
		}
		return nil
	})
	if errors.Is(err, ErrUnknownAgent) {
		return nil
	}
	return err
}

// AdjustTrust nudges the trust score by delta, clamped to [0, 1].
func (r *Registry) AdjustTrust(id string, delta float64) (float64, error) {
	agent, err := r.mutate(id, 0, func(agent *Agent) error {
		agent.TrustScore = clamp(agent.TrustScore + delta)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return agent.TrustScore, nil
}

// SweepResult lists the transitions performed by Sweep.
type SweepResult struct {
	Unreachable []string
	Evicted     []string
}

// Sweep marks agents silent past the heartbeat timeout unreachable and evicts
// agents unreachable past the eviction window.
func (r *Registry) Sweep(now time.Time) SweepResult {
	var result SweepResult
	timeout := r.cfg.HeartbeatTimeout()
	eviction := r.cfg.AgentEviction()
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		agent := &e.agent
		switch {
		case agent.Status != StatusUnreachable && now.Sub(agent.LastHeartbeat) > timeout:
			agent.Status = StatusUnreachable
			agent.UnreachableAt = now
			agent.Version++
			result.Unreachable = append(result.Unreachable, agent.ID)
		case agent.Status == StatusUnreachable && now.Sub(agent.UnreachableAt) > eviction:
			result.Evicted = append(result.Evicted, agent.ID)
		}
		e.mu.Unlock()
	}
	if len(result.Evicted) > 0 {
		r.mu.Lock()
		for _, id := range result.Evicted {
			delete(r.agents, id)
		}
		r.mu.Unlock()
	}
	sort.Strings(result.Unreachable)
	sort.Strings(result.Evicted)
	for _, id := range result.Unreachable {
		r.logf("registry: %s missed heartbeats, marking unreachable", id)
		event := events.New(events.AgentUnreachable, now)
		event.AgentID = id
		r.events.Publish(event)
	}
	for _, id := range result.Evicted {
		r.logf("registry: evicting %s", id)
		event := events.New(events.AgentEvicted, now)
		event.AgentID = id
		r.events.Publish(event)
	}
	return result
}

func (r *Registry) mutate(id string, version uint64, fn func(*Agent) error) (Agent, error) {
	e := r.lookup(id)
	if e == nil {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if version != 0 && e.agent.Version != version {
		return Agent{}, fmt.Errorf("%w: %s at v%d, expected v%d", ErrVersionConflict, id, e.agent.Version, version)
	}
	working := cloneAgent(e.agent)
	if err := fn(&working); err != nil {
		return Agent{}, err
	}
	working.ID = e.agent.ID
	working.Capabilities = normalizeCapabilities(working.Capabilities)
	working.TrustScore = clamp(working.TrustScore)
	working.Version = e.agent.Version + 1
	e.agent = working
	return cloneAgent(working), nil
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e)
	}
	return out
}

func (r *Registry) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

func cloneAgent(agent Agent) Agent {
	agent.Capabilities = append([]string(nil), agent.Capabilities...)
	return agent
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

func clamp(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
