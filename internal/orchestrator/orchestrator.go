// Package orchestrator wires the registry, scheduler, consensus engine,
// workflow machine, change detector and conflict resolver into one service
// and exposes the operations external callers use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/conflict"
	"github.com/kingrea/concord/internal/consensus"
	"github.com/kingrea/concord/internal/detect"
	"github.com/kingrea/concord/internal/events"
	"github.com/kingrea/concord/internal/plugins"
	"github.com/kingrea/concord/internal/registry"
	"github.com/kingrea/concord/internal/scheduler"
	"github.com/kingrea/concord/internal/store"
	"github.com/kingrea/concord/internal/textgen"
	"github.com/kingrea/concord/internal/tree"
	"github.com/kingrea/concord/internal/workflow"
)

// Logger is the narrow logging surface shared with every component.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source of every component.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithBus shares an event bus instead of creating one.
func WithBus(bus *events.Bus) Option {
	return func(o *Orchestrator) {
		if bus != nil {
			o.bus = bus
		}
	}
}

// WithGenerator sets the text generator used when one tree is regenerated
// from the other.
func WithGenerator(gen textgen.Generator) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.gen = gen
		}
	}
}

// WithHooks installs scripted equivalence and high-impact predicates.
func WithHooks(hooks *plugins.Hooks) Option {
	return func(o *Orchestrator) {
		o.hooks = hooks
	}
}

// Orchestrator owns the core components and their shared configuration.
type Orchestrator struct {
	cfg     *config.OrchestratorConfig
	backend *store.Backend
	bus     *events.Bus
	gen     textgen.Generator
	hooks   *plugins.Hooks
	clock   func() time.Time
	logger  Logger

	agents    *registry.Registry
	scheduler *scheduler.Scheduler
	engine    *consensus.Engine
	workflows *workflow.Machine
	detector  *detect.Detector
	resolver  *conflict.Resolver

	highImpact conflict.ImpactFunc

	syncMu     sync.Mutex
	reportMu   sync.RWMutex
	lastReport SyncReport
}

// New builds an orchestrator over the two trees, keeping its tables in
// backend. A nil backend keeps everything in memory.
func New(cfg *config.OrchestratorConfig, spec, code *tree.Tree, backend *store.Backend, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if backend == nil {
		backend = store.Memory()
	}
	o := &Orchestrator{
		cfg:     cfg,
		backend: backend,
		gen:     textgen.Passthrough{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.bus == nil {
		o.bus = events.NewBus(events.WithLogger(o.logger))
	}

	tasks, err := store.OpenTable[scheduler.Task](backend, store.TableTasks)
	if err != nil {
		return nil, err
	}
	rounds, err := store.OpenTable[consensus.Round](backend, store.TableRounds)
	if err != nil {
		return nil, err
	}
	flows, err := store.OpenTable[workflow.Workflow](backend, store.TableWorkflows)
	if err != nil {
		return nil, err
	}
	states, err := store.OpenTable[detect.SyncState](backend, store.TableSyncStates)
	if err != nil {
		return nil, err
	}
	conflicts, err := store.OpenTable[conflict.Conflict](backend, store.TableConflicts)
	if err != nil {
		return nil, err
	}

	o.highImpact = conflict.AnyImpact(conflict.PrefixImpact(cfg.HighImpactPrefixes), o.hooks.Impact())

	o.agents = registry.New(cfg,
		registry.WithClock(o.clock),
		registry.WithLogger(o.logger),
		registry.WithPublisher(o.bus),
	)
	o.scheduler, err = scheduler.New(cfg, tasks, o.agents,
		scheduler.WithClock(o.clock),
		scheduler.WithLogger(o.logger),
		scheduler.WithPublisher(o.bus),
	)
	if err != nil {
		return nil, err
	}
	o.engine, err = consensus.New(cfg, rounds,
		consensus.WithClock(o.clock),
		consensus.WithLogger(o.logger),
		consensus.WithPublisher(o.bus),
		consensus.WithEquivalence(o.hooks.Equivalence()),
		consensus.WithTrustLedger(o.agents),
		consensus.WithRequester(o.scheduler),
		consensus.WithFinalizer(o.scheduler),
	)
	if err != nil {
		return nil, err
	}
	o.scheduler.SetSink(o.engine)
	o.workflows, err = workflow.New(o.scheduler, o.engine, flows,
		workflow.WithClock(o.clock),
		workflow.WithLogger(o.logger),
		workflow.WithPublisher(o.bus),
	)
	if err != nil {
		return nil, err
	}
	o.detector, err = detect.New(spec, code, states, detect.WithClock(o.clock))
	if err != nil {
		return nil, err
	}
	o.resolver, err = conflict.New(cfg, o.detector, conflicts, o.gen,
		conflict.WithClock(o.clock),
		conflict.WithLogger(o.logger),
		conflict.WithPublisher(o.bus),
		conflict.WithHighImpact(o.highImpact),
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Open builds an orchestrator from the project configuration: storage driver,
// tree locations, generator and plugin directory.
func Open(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}
	optsOnly := &Orchestrator{}
	for _, opt := range opts {
		if opt != nil {
			opt(optsOnly)
		}
	}

	backend := store.Memory()
	if cfg.Project.Storage.Driver == config.StorageSQLite {
		var err error
		if backend, err = store.OpenSQLite(cfg.StoragePath()); err != nil {
			return nil, err
		}
	}
	gen, err := textgen.NewRegistry().Resolve(cfg.Project.Generator)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	hooks, err := plugins.LoadDir(cfg.PluginsDir(), optsOnly.logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	spec := tree.New(tree.KindSpec, cfg.SpecTreeDir(), tree.SpecExtension)
	code := tree.New(tree.KindCode, cfg.CodeTreeDir(), cfg.Project.Trees.CodeExtension)
	all := append([]Option{WithGenerator(gen), WithHooks(hooks)}, opts...)
	o, err := New(cfg.Orchestrator(), spec, code, backend, all...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	if len(hooks.Sources) > 0 {
		o.logf("orchestrator: loaded plugins %v", hooks.Sources)
	}
	return o, nil
}

// Close releases the storage backend.
func (o *Orchestrator) Close() error {
	return o.backend.Close()
}

// Config returns the shared component configuration.
func (o *Orchestrator) Config() *config.OrchestratorConfig { return o.cfg }

// Bus returns the event bus every component publishes to.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Persistent reports whether state survives a restart.
func (o *Orchestrator) Persistent() bool { return o.backend.Persistent() }

// RegisterAgent adds a worker. Duplicate ids fail with registry.ErrDuplicateAgent.
func (o *Orchestrator) RegisterAgent(agent registry.Agent) (string, error) {
	return o.agents.Register(agent)
}

// DeregisterAgent removes a worker.
func (o *Orchestrator) DeregisterAgent(id string) error {
	return o.agents.Deregister(id)
}

// Heartbeat refreshes a worker's liveness.
func (o *Orchestrator) Heartbeat(id string) error {
	return o.agents.Heartbeat(id)
}

// UpdateAgentCapabilities replaces a worker's capability tags if it is still
// at version; otherwise it fails with registry.ErrVersionConflict.
func (o *Orchestrator) UpdateAgentCapabilities(id string, version uint64, capabilities []string) (registry.Agent, error) {
	return o.agents.CompareAndUpdate(id, version, func(agent *registry.Agent) error {
		agent.Capabilities = capabilities
		return nil
	})
}

// Agent returns one worker.
func (o *Orchestrator) Agent(id string) (registry.Agent, error) {
	return o.agents.Get(id)
}

// Agents lists every worker.
func (o *Orchestrator) Agents() []registry.Agent {
	return o.agents.List()
}

// SubmitTask stores and assigns a task. On a capacity error the failed task's
// id is still returned.
func (o *Orchestrator) SubmitTask(ctx context.Context, spec scheduler.TaskSpec) (string, error) {
	return o.scheduler.Submit(ctx, spec)
}

// TaskStatus is a task together with its consensus round, when one opened.
type TaskStatus struct {
	Task  scheduler.Task   `json:"task"`
	Round *consensus.Round `json:"round,omitempty"`
}

// GetTaskStatus returns a task and its round.
func (o *Orchestrator) GetTaskStatus(ctx context.Context, id string) (TaskStatus, error) {
	task, err := o.scheduler.Get(ctx, id)
	if err != nil {
		return TaskStatus{}, err
	}
	status := TaskStatus{Task: task}
	round, err := o.engine.Get(ctx, id)
	switch {
	case err == nil:
		status.Round = &round
	case !errors.Is(err, consensus.ErrUnknownRound):
		return TaskStatus{}, err
	}
	return status, nil
}

// ListTasks returns tasks in the given statuses, or every task.
func (o *Orchestrator) ListTasks(ctx context.Context, statuses ...scheduler.Status) ([]scheduler.Task, error) {
	return o.scheduler.List(ctx, statuses...)
}

// AssignmentsFor lists the open tasks an agent still owes a result on.
func (o *Orchestrator) AssignmentsFor(ctx context.Context, agentID string) ([]scheduler.Task, error) {
	return o.scheduler.AssignmentsFor(ctx, agentID)
}

// ReportResult records an agent's payload for a task.
func (o *Orchestrator) ReportResult(ctx context.Context, taskID, agentID string, payload []byte) error {
	return o.scheduler.ReportResult(ctx, taskID, agentID, payload)
}

// CancelTask fails a task, releases its agents and rejects its pending round.
// An approved round is never undone.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) (scheduler.Task, error) {
	task, err := o.scheduler.Cancel(ctx, id)
	if err != nil {
		return scheduler.Task{}, err
	}
	if _, err := o.engine.Cancel(ctx, id); err != nil &&
		!errors.Is(err, consensus.ErrUnknownRound) && !errors.Is(err, consensus.ErrRoundClosed) {
		return task, err
	}
	return task, nil
}

// CreateWorkflow stores a workflow and submits its first phase. When the
// first phase cannot be assigned the workflow is kept blocked and its id is
// returned with the capacity error.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, def workflow.Definition) (string, error) {
	wf, err := o.workflows.Create(ctx, def)
	if err != nil {
		return "", err
	}
	if _, err := o.workflows.Start(ctx, wf.ID); err != nil {
		return wf.ID, err
	}
	return wf.ID, nil
}

// GetWorkflow returns a workflow.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	return o.workflows.Get(ctx, id)
}

// ListWorkflows returns workflows in the given states, or every workflow.
func (o *Orchestrator) ListWorkflows(ctx context.Context, states ...workflow.State) ([]workflow.Workflow, error) {
	return o.workflows.List(ctx, states...)
}

// AdvanceWorkflow moves a workflow past its approved current phase.
func (o *Orchestrator) AdvanceWorkflow(ctx context.Context, id string) (int, error) {
	return o.workflows.Advance(ctx, id)
}

// RetryWorkflow reopens consensus for a blocked phase.
func (o *Orchestrator) RetryWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	return o.workflows.Retry(ctx, id)
}

// ResetWorkflow rolls a workflow back to an earlier phase.
func (o *Orchestrator) ResetWorkflow(ctx context.Context, id string, phase int) (workflow.Workflow, error) {
	return o.workflows.Reset(ctx, id, phase)
}

// GetConflicts lists conflicts by status filter: open, resolved or all.
func (o *Orchestrator) GetConflicts(ctx context.Context, filter string) ([]conflict.Conflict, error) {
	return o.resolver.Conflicts(ctx, filter)
}

// ResolveConflictManually applies an external decision to an entity with an
// open conflict.
func (o *Orchestrator) ResolveConflictManually(ctx context.Context, key string, chosen []byte) (conflict.Resolution, error) {
	return o.resolver.ResolveManually(ctx, key, chosen)
}

// SyncStates lists entity sync states with the given health, or all of them.
func (o *Orchestrator) SyncStates(ctx context.Context, health ...detect.Health) ([]detect.SyncState, error) {
	return o.detector.List(ctx, health...)
}

// LastReport returns the report of the most recent sync cycle.
func (o *Orchestrator) LastReport() SyncReport {
	o.reportMu.RLock()
	defer o.reportMu.RUnlock()
	return o.lastReport
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}
