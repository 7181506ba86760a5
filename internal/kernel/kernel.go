// Package kernel wires the taskorch components into one engine: the queue and plan
// stores, the event sinks, the orchestrator and one dispatcher per namespace.
// The CLI and tests drive the system only through Engine.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskorch/pkg/config"
	"taskorch/pkg/dispatch"
	"taskorch/pkg/eventlog"
	"taskorch/pkg/events"
	"taskorch/pkg/events/natspub"
	"taskorch/pkg/executor"
	"taskorch/pkg/executor/llm"
	"taskorch/pkg/logx"
	"taskorch/pkg/metrics"
	"taskorch/pkg/orchestrator"
	"taskorch/pkg/persistence"
	"taskorch/pkg/plan"
	"taskorch/pkg/planner"
	"taskorch/pkg/queue"
	"taskorch/pkg/queue/redisstore"
	"taskorch/pkg/retry"
	"taskorch/pkg/settings"
	"taskorch/pkg/tokens"
)

// ErrNoUsageSource is returned by Usage when no Prometheus server is configured.
var ErrNoUsageSource = errors.New("metrics.prometheus_url is not configured")

// Engine owns every long-lived component. Build it with NewEngine, call Start to run
// the dispatcher of the configured namespace, and Stop to release everything.
type Engine struct {
	ctx    context.Context //nolint:containedctx // engine lifecycle
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Tasks        queue.Store
	Plans        plan.Store
	Events       events.Sink
	Metrics      *metrics.Recorder
	Retry        *retry.Manager
	Planner      *planner.Planner
	Orchestrator *orchestrator.Orchestrator

	logOpts     *logx.Options
	executor    executor.Executor
	extraSinks  []events.Sink
	settings    settings.Source
	dispatchOps []dispatch.Option
	now         func() time.Time

	mu          sync.Mutex
	dispatchers map[string]*dispatch.Dispatcher
	closers     []io.Closer
	httpServer  *http.Server
	running     bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithExecutor replaces the provider router built from the config.
func WithExecutor(exec executor.Executor) Option {
	return func(e *Engine) { e.executor = exec }
}

// WithSink adds a sink that receives every event next to the configured ones.
func WithSink(sink events.Sink) Option {
	return func(e *Engine) { e.extraSinks = append(e.extraSinks, sink) }
}

// WithLogOptions replaces the log options derived from the config.
func WithLogOptions(opts *logx.Options) Option {
	return func(e *Engine) { e.logOpts = opts }
}

// WithClock replaces time.Now for plan timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDispatchOptions passes options to every dispatcher the engine creates.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(e *Engine) { e.dispatchOps = append(e.dispatchOps, opts...) }
}

// NewEngine builds every component named by cfg. Nothing runs until Start.
func NewEngine(parent context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	e := &Engine{
		ctx:         ctx,
		cancel:      cancel,
		Config:      cfg,
		now:         time.Now,
		dispatchers: make(map[string]*dispatch.Dispatcher),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logOpts == nil {
		e.logOpts = logx.NewOptions(os.Stderr, cfg.Log.Debug, cfg.Log.Domains)
	}
	e.Logger = logx.New("engine", e.logOpts)

	if err := e.initializeServices(); err != nil {
		_ = e.closeAll()
		cancel()
		return nil, fmt.Errorf("failed to initialize engine services: %w", err)
	}
	return e, nil
}

func (e *Engine) initializeServices() error {
	if err := e.initializeStores(); err != nil {
		return err
	}
	if err := e.initializeEvents(); err != nil {
		return err
	}

	counter, err := tokens.NewCounter()
	if err != nil {
		e.Logger.Warn("Falling back to approximate token counts: %v", err)
		counter = tokens.Approximate()
	}

	retryCfg, err := retry.FromConfig(e.Config.Retry)
	if err != nil {
		return fmt.Errorf("retry config: %w", err)
	}
	breakers := retry.NewBreakerRegistry(e.Config.Circuit, e.Events)
	e.Retry = retry.NewManager(retryCfg, breakers, e.Events, retry.WithLogger(e.logger("retry")))
	e.Planner = planner.New(e.Config.Planner, counter, e.logger("planner"))

	if e.executor == nil {
		registry := config.NewRegistry(e.Config.Models.Registry)
		router, err := llm.NewRouter(*e.Config, registry, counter, e.logger("executor"))
		if err != nil {
			return fmt.Errorf("failed to build executor: %w", err)
		}
		if len(router.Providers()) == 0 {
			e.Logger.Warn("No model provider is configured; tasks will fail until one is")
		}
		e.executor = router
	}

	e.Orchestrator = orchestrator.New(e.Config.Orchestrator, e.Planner, e.Retry, e.executor, e.Events,
		orchestrator.WithProjectRoot(e.Config.ProjectRoot),
		orchestrator.WithLogger(e.logger("orchestrator")),
	)

	defaults := settings.Snapshot{
		Provider:    e.Config.Settings.Provider,
		Model:       e.Config.Settings.Model,
		MaxTokens:   e.Config.Settings.MaxTokens,
		Temperature: e.Config.Settings.Temperature,
	}
	if e.Config.Settings.File != "" {
		e.settings = &settings.File{Path: e.Config.Settings.File, Defaults: defaults}
	} else {
		e.settings = settings.Static(defaults)
	}

	e.Logger.Info("Engine services initialized successfully (backend=%s namespace=%s)",
		e.Config.Queue.Backend, e.Config.Namespace)
	return nil
}

func (e *Engine) initializeStores() error {
	q := e.Config.Queue
	switch q.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(q.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := persistence.Open(q.SQLitePath, persistence.WithLogger(e.logger("persistence")))
		if err != nil {
			return err
		}
		e.Tasks, e.Plans = db, db.Plans()
	case config.BackendRedis:
		store, err := redisstore.Dial(e.ctx, q.RedisAddr, q.RedisDB, q.RedisPrefix)
		if err != nil {
			return err
		}
		e.Tasks, e.Plans = store, plan.NewMemoryStore()
		e.Logger.Warn("Plans are kept in memory with the redis backend")
	default:
		e.Tasks, e.Plans = queue.NewMemoryStore(), plan.NewMemoryStore()
	}
	e.closers = append(e.closers, e.Tasks)
	return nil
}

func (e *Engine) initializeEvents() error {
	sinks := events.Multi{}
	ec := e.Config.Events
	if ec.LogDir != "" {
		w, err := eventlog.NewWriter(ec.LogDir, ec.RotationHours, e.logger("eventlog"))
		if err != nil {
			return err
		}
		sinks = append(sinks, w)
		e.closers = append(e.closers, w)
	}
	if ec.NATSURL != "" {
		pub, err := natspub.Connect(ec.NATSURL, ec.SubjectPrefix, e.logger("natspub"))
		if err != nil {
			return err
		}
		sinks = append(sinks, pub)
		e.closers = append(e.closers, pub)
	}
	if e.Config.Metrics.Enabled {
		e.Metrics = metrics.NewRecorder()
		sinks = append(sinks, e.Metrics)
	}
	sinks = append(sinks, e.extraSinks...)
	e.Events = sinks
	return nil
}

func (e *Engine) logger(component string) *logx.Logger {
	return logx.New(component, e.logOpts)
}

// Dispatcher returns the dispatcher of namespace, creating it with a fresh session
// on first use.
func (e *Engine) Dispatcher(namespace string) *dispatch.Dispatcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.dispatchers[namespace]; ok {
		return d
	}
	session := orchestrator.NewSession(e.Config.Models)
	opts := append([]dispatch.Option{dispatch.WithLogger(e.logger("dispatcher/" + namespace))}, e.dispatchOps...)
	d := dispatch.New(e.Tasks, e.Orchestrator, namespace, e.Config.Dispatcher, session,
		events.WithNamespace(e.Events, namespace), opts...)
	e.dispatchers[namespace] = d
	return d
}

// Start runs the dispatcher of the configured namespace and serves /healthz, plus
// /metrics when metrics are enabled, on metrics.listen_addr.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	e.Logger.Info("Starting engine services...")
	if err := e.Dispatcher(e.Config.Namespace).Start(e.ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	if addr := e.Config.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/healthz", e.HealthHandler())
		if e.Metrics != nil {
			mux.Handle("/metrics", e.Metrics.Handler())
		}
		e.httpServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := e.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.Logger.Error("HTTP server failed: %v", err)
			}
		}()
		e.Logger.Info("Serving /healthz and /metrics on %s", addr)
	}

	e.Logger.Info("Engine services started successfully")
	return nil
}

// Stop shuts the dispatchers down, then closes stores and sinks. It is safe to call
// on an engine that was never started.
func (e *Engine) Stop() error {
	e.mu.Lock()
	dispatchers := make([]*dispatch.Dispatcher, 0, len(e.dispatchers))
	for _, d := range e.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	e.running = false
	e.mu.Unlock()

	e.Logger.Info("Stopping engine services...")
	e.cancel()

	var errs []error
	for _, d := range dispatchers {
		// Fresh context since e.ctx is cancelled.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.Stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
		stopCancel()
	}

	if e.httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		shutdownCancel()
		e.httpServer = nil
	}

	if err := e.closeAll(); err != nil {
		errs = append(errs, err)
	}
	e.Logger.Info("Engine services stopped")
	return errors.Join(errs...)
}

func (e *Engine) closeAll() error {
	e.mu.Lock()
	closers := e.closers
	e.closers = nil
	e.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubmitRequest describes a new task. Empty Namespace means the configured one and
// empty Type is inferred from the prompt.
type SubmitRequest struct {
	Namespace string
	Prompt    string
	Type      queue.TaskType
	GroupID   string
}

// Submit freezes the current settings onto a new QUEUED task.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*queue.Task, error) {
	if req.Namespace == "" {
		req.Namespace = e.Config.Namespace
	}
	if req.Type == "" {
		req.Type = planner.InferType(req.Prompt)
	}
	snap, err := e.settings.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	task, err := e.Tasks.Enqueue(ctx, queue.EnqueueRequest{
		Namespace: req.Namespace,
		GroupID:   req.GroupID,
		Prompt:    req.Prompt,
		Type:      req.Type,
		Settings:  snap,
	})
	if err != nil {
		return nil, err
	}
	e.Logger.Info("Submitted task %s (%s) to %s", task.ID, task.Type, task.Namespace)
	return task, nil
}

// Respond answers a suspended task. When the question offered options and the answer
// names one of them, the option's own spelling is stored.
func (e *Engine) Respond(ctx context.Context, id, answer string) (*queue.Task, error) {
	task, err := e.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != queue.StatusAwaitingResponse || task.Clarification == nil {
		return nil, fmt.Errorf("%w: task %s is %s", queue.ErrNotAwaitingResponse, id, task.Status)
	}
	if matched, ok := e.Dispatcher(task.Namespace).Session().Clarify.Resolver.MatchOption(answer, task.Clarification.Options); ok {
		answer = matched
	}
	return e.Tasks.Respond(ctx, id, answer)
}

// Cancel moves a task to CANCELLED. A running task stops within one heartbeat.
func (e *Engine) Cancel(ctx context.Context, id string) (*queue.Task, error) {
	task, err := e.Tasks.UpdateStatus(ctx, id, queue.StatusCancelled, queue.Fields{})
	if err != nil {
		return nil, err
	}
	e.Logger.Info("Cancelled task %s", id)
	return task, nil
}

// Get returns one task.
func (e *Engine) Get(ctx context.Context, id string) (*queue.Task, error) {
	return e.Tasks.Get(ctx, id)
}

// List returns the tasks matching f, oldest first.
func (e *Engine) List(ctx context.Context, f queue.Filter) ([]*queue.Task, error) {
	return e.Tasks.List(ctx, f)
}

// CreatePlan stores a DRAFT plan. Empty namespace means the configured one.
func (e *Engine) CreatePlan(ctx context.Context, projectID, namespace string, tasks []plan.Task) (*plan.Plan, error) {
	if namespace == "" {
		namespace = e.Config.Namespace
	}
	p, err := plan.New(projectID, namespace, tasks, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.Plans.Create(ctx, p); err != nil {
		return nil, err
	}
	e.Logger.Info("Created plan %s for project %s with %d tasks", p.ID, p.ProjectID, len(p.Tasks))
	return p, nil
}

// ImportPlan creates a DRAFT plan from a YAML plan file.
func (e *Engine) ImportPlan(ctx context.Context, path, namespace string) (*plan.Plan, error) {
	f, err := plan.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return e.CreatePlan(ctx, f.ProjectID, namespace, f.Tasks)
}

// GetPlan returns one plan.
func (e *Engine) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	return e.Plans.Get(ctx, id)
}

// ListPlans returns the plans of projectID, or every plan when it is empty.
func (e *Engine) ListPlans(ctx context.Context, projectID string) ([]*plan.Plan, error) {
	return e.Plans.List(ctx, projectID)
}

func (e *Engine) fanOut(ctx context.Context, id string) (*dispatch.FanOut, error) {
	p, err := e.Plans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	disp := e.Dispatcher(p.Namespace)
	return dispatch.NewFanOut(e.Tasks, e.Plans, disp, e.Config.Orchestrator.MaxParallelSubtasks,
		events.WithNamespace(e.Events, p.Namespace),
		dispatch.WithSettings(e.settings), dispatch.WithClock(e.now)), nil
}

// DispatchPlan runs every task of a DRAFT plan and blocks until all are terminal.
func (e *Engine) DispatchPlan(ctx context.Context, id string) (*plan.Plan, error) {
	f, err := e.fanOut(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.Dispatch(ctx, id)
}

// VerifyPlan runs the configured gate commands against a completed plan.
func (e *Engine) VerifyPlan(ctx context.Context, id string) (*plan.Plan, error) {
	f, err := e.fanOut(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.Verify(ctx, id, e.gate())
}

func (e *Engine) gate() *plan.CommandGate {
	g := &plan.CommandGate{Dir: e.Config.ProjectRoot, Now: e.now}
	for _, c := range e.Config.Gate.Commands {
		g.Commands = append(g.Commands, plan.Command{Name: c.Name, Command: c.Command, Timeout: c.Timeout})
	}
	return g
}

// Usage reads the token and cost totals of namespace back from Prometheus.
func (e *Engine) Usage(ctx context.Context, namespace string) (*metrics.NamespaceUsage, map[string]*metrics.NamespaceUsage, error) {
	if e.Config.Metrics.PrometheusURL == "" {
		return nil, nil, ErrNoUsageSource
	}
	if namespace == "" {
		namespace = e.Config.Namespace
	}
	q, err := metrics.NewQueryService(e.Config.Metrics.PrometheusURL)
	if err != nil {
		return nil, nil, err
	}
	total, err := q.NamespaceUsage(ctx, namespace)
	if err != nil {
		return nil, nil, err
	}
	byModel, err := q.NamespaceUsageByModel(ctx, namespace)
	if err != nil {
		return nil, nil, err
	}
	return total, byModel, nil
}
