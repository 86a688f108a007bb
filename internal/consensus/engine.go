package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/events"
	"github.com/kingrea/concord/internal/scheduler"
	"github.com/kingrea/concord/internal/store"
)

// Failure reasons handed to the task finalizer.
const (
	ReasonRejected = "ConsensusRejected"
	ReasonTimedOut = "ConsensusTimedOut"
)

// TrustLedger adjusts agent trust after a round closes.
type TrustLedger interface {
	AdjustTrust(id string, delta float64) (float64, error)
}

// ProposalRequester asks a fresh agent for one more proposal.
type ProposalRequester interface {
	RequestAdditional(ctx context.Context, taskID string, exclude []string) error
}

// TaskFinalizer closes the task behind a round.
type TaskFinalizer interface {
	FinalizeTask(ctx context.Context, taskID string, success bool, reason string) error
}

// Logger records engine diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes the engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithPublisher routes consensus events to a bus.
func WithPublisher(pub events.Publisher) Option {
	return func(e *Engine) {
		if pub != nil {
			e.events = pub
		}
	}
}

// WithEquivalence overrides the configured payload equivalence.
func WithEquivalence(fn Equivalence) Option {
	return func(e *Engine) {
		if fn != nil {
			e.equivalent = fn
		}
	}
}

// WithTrustLedger wires trust adjustments.
func WithTrustLedger(ledger TrustLedger) Option {
	return func(e *Engine) {
		e.trust = ledger
	}
}

// WithRequester wires additional-proposal requests.
func WithRequester(requester ProposalRequester) Option {
	return func(e *Engine) {
		e.requester = requester
	}
}

// WithFinalizer wires task finalization.
func WithFinalizer(finalizer TaskFinalizer) Option {
	return func(e *Engine) {
		e.finalizer = finalizer
	}
}

// Engine owns consensus rounds keyed by task id.
type Engine struct {
	cfg        *config.OrchestratorConfig
	rounds     store.Table[Round]
	equivalent Equivalence
	trust      TrustLedger
	requester  ProposalRequester
	finalizer  TaskFinalizer
	clock      func() time.Time
	logger     Logger
	events     events.Publisher
}

// New builds an engine over the round table.
func New(cfg *config.OrchestratorConfig, rounds store.Table[Round], opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("consensus: config is required")
	}
	if rounds == nil {
		return nil, fmt.Errorf("consensus: round table is required")
	}
	equivalent, err := EquivalenceFor(cfg.Equivalence)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		rounds:     rounds,
		equivalent: equivalent,
		clock:      time.Now,
		events:     events.Discard,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func (e *Engine) params() Params {
	return Params{
		Timeout:       e.cfg.ConsensusTimeout(),
		MaxExtensions: e.cfg.MaxConsensusExtensions,
		Equivalent:    e.equivalent,
	}
}

// Evaluate computes the verdict for a round snapshot without changing it.
func (e *Engine) Evaluate(round Round) Verdict {
	return Evaluate(round, e.clock(), e.params())
}

// Deliver adds proposals from the scheduler to the task's round, opening it
// on first delivery, and acts on the resulting verdict.
func (e *Engine) Deliver(ctx context.Context, handoff scheduler.Handoff) error {
	now := e.clock()
	proposals := make([]Proposal, 0, len(handoff.Proposals))
	for _, sub := range handoff.Proposals {
		submitted := sub.SubmittedAt
		if submitted.IsZero() {
			submitted = now
		}
		proposals = append(proposals, Proposal{
			TaskID:      handoff.TaskID,
			AgentID:     sub.AgentID,
			PayloadHash: HashPayload(sub.Payload),
			Payload:     append([]byte(nil), sub.Payload...),
			SubmittedAt: submitted,
		})
	}
	if err := e.open(ctx, handoff, now); err != nil {
		return err
	}
	var verdict Verdict
	replay := false
	round, err := e.rounds.Update(ctx, handoff.TaskID, func(r *Round) error {
		verdict, replay = Verdict{}, false
		if r.Closed() {
			if containsAll(r.Proposals, proposals) {
				replay = true
				return errReplay
			}
			return fmt.Errorf("%w: %s is %s", ErrRoundClosed, r.TaskID, r.Outcome)
		}
		for _, proposal := range proposals {
			if err := addProposal(r, proposal); err != nil {
				return err
			}
		}
		if handoff.Expected > r.Expected {
			r.Expected = handoff.Expected
		}
		verdict = e.decide(r, now)
		return nil
	})
	if replay {
		closed, err := e.Get(ctx, handoff.TaskID)
		if err != nil {
			return err
		}
		e.finalize(ctx, closed)
		return nil
	}
	if err != nil {
		return err
	}
	return e.act(ctx, round, verdict)
}

var errReplay = errors.New("consensus: replayed delivery")

func (e *Engine) open(ctx context.Context, handoff scheduler.Handoff, now time.Time) error {
	if _, err := e.rounds.Get(ctx, handoff.TaskID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	round := Round{
		TaskID:         handoff.TaskID,
		Threshold:      e.cfg.ConsensusThreshold,
		FaultTolerance: e.cfg.FaultTolerance,
		Expected:       handoff.Expected,
		Quorum:         handoff.Quorum,
		Outcome:        OutcomePending,
		OpenedAt:       now,
	}
	if err := e.rounds.Insert(ctx, round); err != nil && !errors.Is(err, store.ErrExists) {
		return err
	}
	e.logf("consensus: opened round for %s (expecting %d)", handoff.TaskID, handoff.Expected)
	return nil
}

// decide evaluates r at now and records the verdict on it.
func (e *Engine) decide(r *Round, now time.Time) Verdict {
	verdict := Evaluate(*r, now, e.params())
	switch verdict.Outcome {
	case OutcomeApproved:
		r.Outcome = OutcomeApproved
		r.Decision = append([]byte(nil), verdict.Decision...)
		r.DecisionHash = verdict.Hash
		r.Winners = verdict.Winners
		r.ClosedAt = now
	case OutcomeRejected, OutcomeTimedOut:
		r.Outcome = verdict.Outcome
		r.Reason = verdict.Reason
		if verdict.Penalize {
			r.Penalized = verdict.Minority
		}
		r.ClosedAt = now
	case OutcomePending:
		if verdict.RequestMore {
			r.Extensions++
			r.Expected++
		}
	}
	return verdict
}

// act performs side effects for a committed verdict exactly once: only the
// caller that moved the round out of pending reaches here with a closed outcome.
func (e *Engine) act(ctx context.Context, round Round, verdict Verdict) error {
	switch verdict.Outcome {
	case OutcomeApproved:
		for _, agentID := range round.Winners {
			e.adjustTrust(agentID, e.cfg.TrustReward)
		}
		e.logf("consensus: %s approved (%d/%d)", round.TaskID, verdict.Largest, verdict.Total)
		e.publish(events.ConsensusApproved, round)
		e.finalize(ctx, round)
	case OutcomeRejected:
		for _, agentID := range round.Penalized {
			e.adjustTrust(agentID, -e.cfg.TrustPenalty)
		}
		e.logf("consensus: %s rejected: %s", round.TaskID, round.Reason)
		e.publish(events.ConsensusRejected, round)
		e.finalize(ctx, round)
	case OutcomeTimedOut:
		e.logf("consensus: %s timed out with %d proposals", round.TaskID, len(round.Proposals))
		e.publish(events.ConsensusTimedOut, round)
		e.finalize(ctx, round)
	case OutcomePending:
		if !verdict.RequestMore {
			return nil
		}
		belowQuorum := len(round.Proposals) < round.Quorum
		if e.requester == nil {
			if belowQuorum {
				return e.hold(ctx, round.TaskID)
			}
			return e.close(ctx, round.TaskID, OutcomeRejected, "additional proposal unavailable")
		}
		exclude := make([]string, len(round.Proposals))
		for i, proposal := range round.Proposals {
			exclude[i] = proposal.AgentID
		}
		if err := e.requester.RequestAdditional(ctx, round.TaskID, exclude); err != nil {
			e.logf("consensus: %s extension failed: %v", round.TaskID, err)
			if belowQuorum {
				return e.hold(ctx, round.TaskID)
			}
			return e.close(ctx, round.TaskID, OutcomeRejected, "no fresh agent for an additional proposal")
		}
		e.publish(events.ConsensusExtended, round)
		e.logf("consensus: %s requested proposal %d", round.TaskID, round.Expected)
	}
	return nil
}

// hold undoes an extension that found no agent. A round below quorum stays
// pending, so a later sweep asks again or the timeout closes it.
func (e *Engine) hold(ctx context.Context, taskID string) error {
	_, err := e.rounds.Update(ctx, taskID, func(r *Round) error {
		if r.Closed() {
			return errReplay
		}
		if r.Extensions > 0 {
			r.Extensions--
			r.Expected--
		}
		return nil
	})
	if errors.Is(err, errReplay) {
		return nil
	}
	return err
}

// close forces a pending round to a failed outcome without trust changes.
func (e *Engine) close(ctx context.Context, taskID string, outcome Outcome, reason string) error {
	now := e.clock()
	round, err := e.rounds.Update(ctx, taskID, func(r *Round) error {
		if r.Closed() {
			return fmt.Errorf("%w: %s is %s", ErrRoundClosed, r.TaskID, r.Outcome)
		}
		r.Outcome = outcome
		r.Reason = reason
		r.ClosedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	return e.act(ctx, round, Verdict{Outcome: outcome})
}

// Sweep re-evaluates pending rounds so timeouts take effect without new
// proposals.
func (e *Engine) Sweep(ctx context.Context, now time.Time) error {
	pending, err := e.rounds.ListByStatus(ctx, string(OutcomePending))
	if err != nil {
		return err
	}
	var errs []error
	for _, candidate := range pending {
		var verdict Verdict
		round, err := e.rounds.Update(ctx, candidate.TaskID, func(r *Round) error {
			verdict = Verdict{}
			if r.Closed() {
				return errReplay
			}
			verdict = e.decide(r, now)
			return nil
		})
		if errors.Is(err, errReplay) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.act(ctx, round, verdict); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recover finishes work interrupted by a restart: pending rounds are swept
// and closed rounds re-finalize their tasks.
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.Sweep(ctx, e.clock()); err != nil {
		return err
	}
	closed, err := e.rounds.ListByStatus(ctx, string(OutcomeApproved), string(OutcomeRejected), string(OutcomeTimedOut))
	if err != nil {
		return err
	}
	for _, round := range closed {
		e.finalize(ctx, round)
	}
	return nil
}

// Cancel rejects a pending round. Closed rounds, approved ones included, are
// left untouched and reported with ErrRoundClosed.
func (e *Engine) Cancel(ctx context.Context, taskID string) (Round, error) {
	now := e.clock()
	round, err := e.rounds.Update(ctx, taskID, func(r *Round) error {
		if r.Closed() {
			return fmt.Errorf("%w: %s is %s", ErrRoundClosed, r.TaskID, r.Outcome)
		}
		r.Outcome = OutcomeRejected
		r.Reason = "cancelled"
		r.ClosedAt = now
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return Round{}, fmt.Errorf("%w: %s", ErrUnknownRound, taskID)
	}
	if err != nil {
		return Round{}, err
	}
	e.logf("consensus: %s cancelled", taskID)
	e.publish(events.ConsensusRejected, round)
	return round, nil
}

// Get returns the round for a task.
func (e *Engine) Get(ctx context.Context, taskID string) (Round, error) {
	round, err := e.rounds.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return Round{}, fmt.Errorf("%w: %s", ErrUnknownRound, taskID)
	}
	return round, err
}

// List returns rounds with the given outcomes, or every round.
func (e *Engine) List(ctx context.Context, outcomes ...Outcome) ([]Round, error) {
	keys := make([]string, len(outcomes))
	for i, outcome := range outcomes {
		keys[i] = string(outcome)
	}
	return e.rounds.ListByStatus(ctx, keys...)
}

func (e *Engine) finalize(ctx context.Context, round Round) {
	if e.finalizer == nil {
		return
	}
	var err error
	switch round.Outcome {
	case OutcomeApproved:
		err = e.finalizer.FinalizeTask(ctx, round.TaskID, true, "")
	case OutcomeRejected:
		err = e.finalizer.FinalizeTask(ctx, round.TaskID, false, ReasonRejected)
	case OutcomeTimedOut:
		err = e.finalizer.FinalizeTask(ctx, round.TaskID, false, ReasonTimedOut)
	}
	if err != nil {
		e.logf("consensus: finalize %s: %v", round.TaskID, err)
	}
}

func (e *Engine) adjustTrust(agentID string, delta float64) {
	if e.trust == nil || delta == 0 {
		return
	}
	if _, err := e.trust.AdjustTrust(agentID, delta); err != nil {
		// the agent may have been deregistered; its proposal still counted
		e.logf("consensus: adjust trust for %s: %v", agentID, err)
	}
}

func (e *Engine) publish(kind events.Type, round Round) {
	event := events.New(kind, e.clock())
	event.TaskID = round.TaskID
	event.Detail = round.Reason
	event.Attributes = map[string]string{
		"proposals": fmt.Sprint(len(round.Proposals)),
		"expected":  fmt.Sprint(round.Expected),
	}
	if round.DecisionHash != "" {
		event.Attributes["decision_hash"] = round.DecisionHash
	}
	e.events.Publish(event)
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

func addProposal(r *Round, proposal Proposal) error {
	for _, existing := range r.Proposals {
		if existing.AgentID != proposal.AgentID {
			continue
		}
		if existing.PayloadHash == proposal.PayloadHash {
			return nil
		}
		return fmt.Errorf("%w: %s on %s", ErrDuplicateProposal, proposal.AgentID, r.TaskID)
	}
	r.Proposals = append(r.Proposals, proposal)
	return nil
}

func containsAll(existing, incoming []Proposal) bool {
	seen := make(map[string]string, len(existing))
	for _, proposal := range existing {
		seen[proposal.AgentID] = proposal.PayloadHash
	}
	for _, proposal := range incoming {
		if seen[proposal.AgentID] != proposal.PayloadHash {
			return false
		}
	}
	return true
}
