package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived service supervised by Run, such as the gateway.
type Runner func(ctx context.Context) error

// Tick drives every time-based transition once: heartbeat expiry and
// eviction, reassignment and result timeouts, consensus timeouts, and
// workflow blocking on closed rounds.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) error {
	swept := o.agents.Sweep(now)
	if len(swept.Unreachable)+len(swept.Evicted) > 0 {
		o.logf("orchestrator: unreachable=%v evicted=%v", swept.Unreachable, swept.Evicted)
	}
	var errs []error
	if err := o.scheduler.Tick(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if err := o.engine.Sweep(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if err := o.workflows.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Recover resumes work persisted before a restart: rounds still pending are
// re-evaluated, closed rounds re-finalize their tasks, and results awaiting
// consensus are re-delivered.
func (o *Orchestrator) Recover(ctx context.Context) error {
	var errs []error
	if err := o.engine.Recover(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := o.scheduler.Recover(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := o.workflows.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Run ticks the sweeper, runs the background sync loop when
// sync_interval_ms is set, and supervises extra runners until ctx ends or
// one of them fails.
func (o *Orchestrator) Run(ctx context.Context, runners ...Runner) error {
	if err := o.Recover(ctx); err != nil {
		o.logf("orchestrator: recover: %v", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.every(gctx, o.cfg.SweepInterval(), func(ctx context.Context) {
			if err := o.Tick(ctx, o.clock()); err != nil {
				o.logf("orchestrator: tick: %v", err)
			}
		})
	})
	if interval := o.cfg.SyncInterval(); interval > 0 {
		g.Go(func() error {
			return o.every(gctx, interval, func(ctx context.Context) {
				if _, err := o.RunSyncCycle(ctx); err != nil && ctx.Err() == nil {
					o.logf("orchestrator: sync: %v", err)
				}
			})
		})
	}
	for _, run := range runners {
		if run == nil {
			continue
		}
		g.Go(func() error { return run(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (o *Orchestrator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}
