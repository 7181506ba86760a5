package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"taskorch/pkg/depgraph"
	"taskorch/pkg/events"
	"taskorch/pkg/logx"
	"taskorch/pkg/plan"
	"taskorch/pkg/queue"
	"taskorch/pkg/settings"
)

// FanOut turns a plan into queued runs, enqueueing each PlanTask once its
// dependencies completed, and runs them with a bounded worker pool.
type FanOut struct {
	tasks    queue.Store
	plans    plan.Store
	disp     *Dispatcher
	limit    int
	settings settings.Source
	sink     events.Sink
	logger   *logx.Logger
	now      func() time.Time
}

// FanOutOption configures a FanOut.
type FanOutOption func(*FanOut)

// WithClock replaces time.Now for plan timestamps.
func WithClock(now func() time.Time) FanOutOption {
	return func(f *FanOut) { f.now = now }
}

// WithSettings sets the source the runs' settings snapshots are read from.
func WithSettings(src settings.Source) FanOutOption {
	return func(f *FanOut) { f.settings = src }
}

// NewFanOut runs plan tasks through disp, at most limit at a time. disp must serve
// the namespace the plans live in.
func NewFanOut(tasks queue.Store, plans plan.Store, disp *Dispatcher, limit int, sink events.Sink, opts ...FanOutOption) *FanOut {
	if limit < 1 {
		limit = 1
	}
	if sink == nil {
		sink = events.Discard
	}
	f := &FanOut{
		tasks:  tasks,
		plans:  plans,
		disp:   disp,
		limit:  limit,
		sink:   sink,
		logger: logx.NewLogger("fanout/" + disp.Namespace()),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FanOut) emit(p *plan.Plan, typ events.Type, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["plan_id"] = p.ID
	e := events.New(typ, "", data)
	e.Namespace = p.Namespace
	f.sink.Emit(e)
}

func (f *FanOut) transition(ctx context.Context, p *plan.Plan, to plan.Status) error {
	from := p.Status
	if err := p.Transition(to, f.now()); err != nil {
		return err
	}
	if err := f.plans.Update(ctx, p); err != nil {
		return fmt.Errorf("save plan %s: %w", p.ID, err)
	}
	f.emit(p, events.PlanStatusChange, map[string]any{"from": string(from), "to": string(to)})
	return nil
}

// Dispatch runs a DRAFT plan until every task is terminal. The plan ends RUNNING when
// every task completed, ready for Verify, and FAILED otherwise.
func (f *FanOut) Dispatch(ctx context.Context, planID string) (*plan.Plan, error) {
	p, err := f.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Namespace != f.disp.Namespace() {
		return nil, fmt.Errorf("%w: plan %s belongs to namespace %s, dispatcher serves %s",
			plan.ErrInvalidState, p.ID, p.Namespace, f.disp.Namespace())
	}
	graph, err := p.Graph()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plan.ErrInvalidState, err)
	}
	if err := f.transition(ctx, p, plan.StatusDispatching); err != nil {
		return nil, err
	}

	snap := settings.Snapshot{}
	if f.settings != nil {
		if snap, err = f.settings.Snapshot(ctx); err != nil {
			return nil, f.fail(ctx, p, fmt.Errorf("read settings: %w", err))
		}
	}

	type finished struct {
		id     string
		status queue.Status
		err    error
	}
	done := make(chan finished, len(p.Tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.limit)

	inflight := 0
	started := false
	var failure error
	for {
		if failure == nil {
			for _, id := range graph.Reserve(f.limit - inflight) {
				pt := p.Task(id)
				run, err := f.tasks.Enqueue(ctx, queue.EnqueueRequest{
					Namespace: p.Namespace,
					GroupID:   p.ID,
					Prompt:    pt.Description,
					Type:      pt.Type,
					Settings:  snap,
				})
				if err != nil {
					failure = fmt.Errorf("enqueue %s: %w", id, err)
					_ = graph.SetState(id, depgraph.StateFailed)
					break
				}
				pt.RunID = run.ID
				pt.Status = plan.FromQueue(run.Status)
				if err := f.plans.Update(ctx, p); err != nil {
					failure = fmt.Errorf("save plan %s: %w", p.ID, err)
				}
				f.emit(p, events.PlanTaskEnqueued, map[string]any{"plan_task": id, "run_id": run.ID})

				inflight++
				runID := run.ID
				g.Go(func() error {
					status, err := f.await(gctx, runID)
					done <- finished{id: id, status: status, err: err}
					return nil
				})
			}
			if !started && failure == nil {
				started = true
				if err := f.transition(ctx, p, plan.StatusRunning); err != nil {
					failure = err
				}
			}
		}
		if inflight == 0 {
			break
		}

		fin := <-done
		inflight--
		pt := p.Task(fin.id)
		if fin.err != nil {
			if failure == nil {
				failure = fmt.Errorf("run %s: %w", fin.id, fin.err)
			}
			_ = graph.SetState(fin.id, depgraph.StateFailed)
			continue
		}
		pt.Status = plan.FromQueue(fin.status)
		if fin.status == queue.StatusComplete {
			_ = graph.SetState(fin.id, depgraph.StateSucceeded)
		} else {
			_ = graph.SetState(fin.id, depgraph.StateFailed)
			for _, skipped := range graph.SkipDependents(fin.id) {
				p.Task(skipped).Status = plan.TaskSkipped
			}
			f.logger.Warn("Plan task %s ended %s", fin.id, fin.status)
		}
		if err := f.plans.Update(ctx, p); err != nil && failure == nil {
			failure = fmt.Errorf("save plan %s: %w", p.ID, err)
		}
	}
	_ = g.Wait()

	if failure != nil {
		return p, f.fail(ctx, p, failure)
	}
	if !p.AllComplete() {
		p.Error = "one or more plan tasks did not complete"
		if err := f.transition(ctx, p, plan.StatusFailed); err != nil {
			return p, err
		}
		return p, nil
	}
	f.logger.Info("Plan %s: all %d tasks complete", p.ID, len(p.Tasks))
	return p, nil
}

func (f *FanOut) fail(ctx context.Context, p *plan.Plan, cause error) error {
	p.Error = cause.Error()
	if err := f.transition(ctx, p, plan.StatusFailed); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// await drives the namespace until runID reaches a terminal status. A suspended run
// waits for its answer; other dispatchers of the namespace may pick runs up too.
func (f *FanOut) await(ctx context.Context, runID string) (queue.Status, error) {
	for {
		t, err := f.tasks.Get(ctx, runID)
		if err != nil && !errors.Is(err, queue.ErrStoreUnavailable) {
			return "", err
		}
		if err == nil && t.Status.Terminal() {
			return t.Status, nil
		}

		processed, err := f.disp.RunOnce(ctx)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err != nil {
			f.logger.Warn("Dispatch during fan-out failed: %v", err)
		}
		if !processed || err != nil {
			if err := f.disp.sleep(ctx, f.disp.cfg.PollInterval); err != nil {
				return "", err
			}
		}
	}
}

// Verify runs gate against a plan whose tasks all completed and records the result.
func (f *FanOut) Verify(ctx context.Context, planID string, gate plan.Gate) (*plan.Plan, error) {
	p, err := f.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != plan.StatusRunning || !p.AllComplete() {
		return nil, fmt.Errorf("%w: plan %s is %s and cannot be verified until every task completes",
			plan.ErrInvalidState, p.ID, p.Status)
	}
	if err := f.transition(ctx, p, plan.StatusVerifying); err != nil {
		return nil, err
	}

	result, err := gate.Check(ctx, p)
	if err != nil {
		return p, f.fail(ctx, p, fmt.Errorf("gate check: %w", err))
	}
	p.GateResult = result
	next := plan.StatusVerified
	if !result.Passed {
		next = plan.StatusFailed
		p.Error = "gate check failed"
	}
	if err := f.transition(ctx, p, next); err != nil {
		return p, err
	}
	return p, nil
}
