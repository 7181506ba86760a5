// Package dispatch runs the claim loop of one namespace and fans plans out into
// queued runs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskorch/pkg/config"
	"taskorch/pkg/events"
	"taskorch/pkg/logx"
	"taskorch/pkg/metrics"
	"taskorch/pkg/orchestrator"
	"taskorch/pkg/queue"
)

// Runner drives a claimed task to an outcome.
type Runner interface {
	Orchestrate(ctx context.Context, task *queue.Task, session *orchestrator.Session) (*orchestrator.Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task *queue.Task, session *orchestrator.Session) (*orchestrator.Result, error)

func (f RunnerFunc) Orchestrate(ctx context.Context, task *queue.Task, session *orchestrator.Session) (*orchestrator.Result, error) {
	return f(ctx, task, session)
}

// errTaskCancelled is the cancellation cause set by the heartbeat.
var errTaskCancelled = errors.New("task cancelled")

// Dispatcher claims and runs the tasks of one namespace, one at a time.
type Dispatcher struct {
	store     queue.Store
	runner    Runner
	namespace string
	cfg       config.DispatcherConfig
	session   *orchestrator.Session
	sink      events.Sink
	logger    *logx.Logger
	limiter   *rate.Limiter
	sleep     orchestrator.SleepFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *logx.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithSleep replaces the idle and store backoff wait.
func WithSleep(fn orchestrator.SleepFunc) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// New creates a dispatcher for namespace. The session holds the model policy and
// clarification history shared by every task this dispatcher runs.
func New(store queue.Store, runner Runner, namespace string, cfg config.DispatcherConfig, session *orchestrator.Session, sink events.Sink, opts ...Option) *Dispatcher {
	if sink == nil {
		sink = events.Discard
	}
	limit := rate.Inf
	if cfg.ClaimsPerSecond > 0 {
		limit = rate.Limit(cfg.ClaimsPerSecond)
	}
	d := &Dispatcher{
		store:     store,
		runner:    runner,
		namespace: namespace,
		cfg:       cfg,
		session:   session,
		sink:      sink,
		logger:    logx.NewLogger("dispatcher/" + namespace),
		limiter:   rate.NewLimiter(limit, 1),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Namespace returns the namespace this dispatcher serves.
func (d *Dispatcher) Namespace() string { return d.namespace }

// Session returns the dispatcher's session.
func (d *Dispatcher) Session() *orchestrator.Session { return d.session }

func (d *Dispatcher) emit(typ events.Type, taskID string, data map[string]any) {
	e := events.New(typ, taskID, data)
	e.Namespace = d.namespace
	d.sink.Emit(e)
}

// Start runs the loop in the background until Stop or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher for %s is already running", d.namespace)
	}
	d.running = true
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Run(ctx); err != nil {
			d.logger.Error("Dispatcher stopped: %v", err)
		}
	}()
	return nil
}

// Stop cancels the loop and waits for the in-flight task to wind down.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher stop timed out")
		return ctx.Err()
	}
}

// Run recovers orphaned tasks and then claims until ctx is done. Store outages are
// retried with capped exponential backoff; an empty queue is polled every
// PollInterval.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Starting dispatcher")

	b := d.newBackoff()
	for {
		_, err := d.Recover(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := d.waitUnavailable(ctx, b, "recover", err); err != nil {
			return nil
		}
	}

	b.reset()
	for {
		processed, err := d.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err != nil && errors.Is(err, queue.ErrStoreUnavailable):
			if err := d.waitUnavailable(ctx, b, "claim", err); err != nil {
				return nil
			}
			continue
		case err != nil:
			d.logger.Error("Dispatch failed: %v", err)
		}
		b.reset()
		if !processed {
			if err := d.sleep(ctx, d.cfg.PollInterval); err != nil {
				return nil
			}
		}
	}
}

func (d *Dispatcher) waitUnavailable(ctx context.Context, b *backoff, op string, err error) error {
	wait := b.next()
	d.logger.Warn("Queue store unavailable during %s, retrying in %s: %v", op, wait, err)
	d.emit(events.StoreUnavailable, "", map[string]any{
		"operation":  op,
		"error":      err.Error(),
		"backoff_ms": wait.Milliseconds(),
	})
	return d.sleep(ctx, wait)
}

// Recover requeues tasks of this namespace left RUNNING by a previous process.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	n, err := d.store.RecoverOnStartup(ctx, d.namespace)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Info("Recovered %d orphaned tasks", n)
	}
	d.emit(events.TasksRecovered, "", map[string]any{"count": n})
	return n, nil
}

// RunOnce claims one task and runs it to a persisted outcome. It reports whether a
// task was claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return false, err
	}
	task, err := d.store.Claim(ctx, d.namespace)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, d.process(ctx, task)
}

func (d *Dispatcher) process(ctx context.Context, task *queue.Task) error {
	logger := d.logger.With("dispatcher/" + d.namespace + "/" + shortID(task.ID))
	resumed := task.Clarification.Answered()
	d.emit(events.TaskClaimed, task.ID, map[string]any{
		"type":     string(task.Type),
		"attempts": task.Attempts,
		"resumed":  resumed,
	})
	if resumed {
		d.session.Clarify.History.Record(task.Clarification.Question, task.Clarification.Answer)
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	hbDone := make(chan struct{})
	hbStopped := make(chan struct{})
	go func() {
		defer close(hbStopped)
		d.heartbeat(taskCtx, task.ID, cancel, hbDone)
	}()

	res, runErr := d.runner.Orchestrate(taskCtx, task, d.session)
	close(hbDone)
	<-hbStopped

	if errors.Is(context.Cause(taskCtx), errTaskCancelled) {
		logger.Info("Task cancelled while running")
		d.emit(events.TaskCancelled, task.ID, nil)
		return nil
	}
	if runErr != nil {
		if ctx.Err() != nil {
			// Shutting down; RecoverOnStartup requeues the task.
			logger.Warn("Task interrupted by shutdown: %v", runErr)
			return nil
		}
		logger.Error("Orchestration failed: %v", runErr)
		res = &orchestrator.Result{
			Status:       queue.StatusError,
			ErrorMessage: runErr.Error(),
			ErrorCode:    queue.CodeInternal,
		}
	}
	return d.persist(ctx, task, res, logger)
}

// heartbeat cancels the task's context once the stored task shows CANCELLED.
func (d *Dispatcher) heartbeat(ctx context.Context, id string, cancel context.CancelCauseFunc, done <-chan struct{}) {
	interval := d.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := d.store.Get(ctx, id)
			if err != nil {
				d.logger.Debug("Heartbeat read of %s failed: %v", id, err)
				continue
			}
			if t.Status == queue.StatusCancelled {
				cancel(errTaskCancelled)
				return
			}
		}
	}
}

// persist writes the outcome, retrying store outages until ctx is done. A task that
// was cancelled in the meantime keeps its CANCELLED status. An outcome the store
// rejects for a task still RUNNING is saved as an INTERNAL error instead.
func (d *Dispatcher) persist(ctx context.Context, task *queue.Task, res *orchestrator.Result, logger *logx.Logger) error {
	b := d.newBackoff()
	for {
		var err error
		switch res.Status {
		case queue.StatusAwaitingResponse:
			cl := queue.Clarification{}
			if res.Clarification != nil {
				cl = *res.Clarification
			}
			_, err = d.store.SetAwaitingResponse(ctx, task.ID, cl, res.Output)
		default:
			_, err = d.store.UpdateStatus(ctx, task.ID, res.Status, queue.Fields{
				Output:       res.Output,
				ErrorMessage: res.ErrorMessage,
				ErrorCode:    res.ErrorCode,
			})
		}

		switch {
		case err == nil:
			d.reportOutcome(task, res, logger)
			return nil
		case errors.Is(err, queue.ErrInvalidTransition):
			cur, getErr := d.store.Get(ctx, task.ID)
			if getErr == nil && cur.Status == queue.StatusCancelled {
				logger.Info("Task was cancelled before its outcome was saved")
				d.emit(events.TaskCancelled, task.ID, nil)
				return nil
			}
			if getErr == nil && cur.Status == queue.StatusRunning && res.Status != queue.StatusError {
				logger.Error("Cannot save %s outcome of task %s, marking it failed: %v", res.Status, task.ID, err)
				res = &orchestrator.Result{
					Status:       queue.StatusError,
					Output:       res.Output,
					ErrorMessage: fmt.Sprintf("%s outcome could not be saved: %v", res.Status, err),
					ErrorCode:    queue.CodeInternal,
					UsageSummary: res.UsageSummary,
				}
				continue
			}
			return fmt.Errorf("persist %s outcome of %s: %w", res.Status, task.ID, err)
		case errors.Is(err, queue.ErrStoreUnavailable):
			if werr := d.waitUnavailable(ctx, b, "persist", err); werr != nil {
				return fmt.Errorf("persist outcome of %s: %w", task.ID, err)
			}
		default:
			return fmt.Errorf("persist outcome of %s: %w", task.ID, err)
		}
	}
}

func (d *Dispatcher) reportOutcome(task *queue.Task, res *orchestrator.Result, logger *logx.Logger) {
	if res.Status == queue.StatusAwaitingResponse {
		question := ""
		if res.Clarification != nil {
			question = res.Clarification.Question
		}
		logger.Info("Task is waiting for an answer: %s", question)
		d.emit(events.TaskSuspended, task.ID, map[string]any{"question": question})
		return
	}
	if res.Status == queue.StatusError {
		logger.Warn("Task failed with %s: %s", res.ErrorCode, res.ErrorMessage)
	} else {
		logger.Info("Task completed")
	}
	d.emit(events.TaskFinished, task.ID, map[string]any{
		metrics.KeyStatus:    string(res.Status),
		metrics.KeyErrorCode: res.ErrorCode,
		metrics.KeyCost:      res.UsageSummary.Total.Cost,
	})
}

// backoff doubles from StoreBackoffInitial up to StoreBackoffMax.
type backoff struct {
	initial, max, cur time.Duration
}

func (d *Dispatcher) newBackoff() *backoff {
	initial, maxWait := d.cfg.StoreBackoffInitial, d.cfg.StoreBackoffMax
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if maxWait < initial {
		maxWait = initial
	}
	return &backoff{initial: initial, max: maxWait}
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.initial
	} else {
		b.cur *= 2
	}
	if b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *backoff) reset() { b.cur = 0 }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
