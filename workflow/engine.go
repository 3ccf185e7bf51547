package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/blueprintflow/config"
	"github.com/BaSui01/blueprintflow/internal/metrics"
	"github.com/BaSui01/blueprintflow/internal/pool"
)

const tracerName = "github.com/BaSui01/blueprintflow/workflow"

// AuditRecorder receives the start and end of every workflow instance.
// Failures are logged and never change the workflow outcome.
type AuditRecorder interface {
	Started(ctx context.Context, info AuditInfo) (recordID string, err error)
	Finished(ctx context.Context, recordID string, summary Summary) error
}

// AuditInfo describes a workflow instance that is about to run.
type AuditInfo struct {
	WorkflowID string
	RequestID  string
	Graph      string
}

// Result is the full outcome of one workflow instance.
type Result[Out any] struct {
	WorkflowID string
	Output     Out
	Statuses   map[string]NodeStatus
	Errors     []error
	History    *ExecutionHistory
	Cancelled  bool
}

// Status returns the final status of a node.
func (r *Result[Out]) Status(nodeID string) NodeStatus {
	return r.Statuses[nodeID]
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger          *zap.Logger
	nodeTimeout     time.Duration
	nodeTimeouts    map[string]time.Duration
	workflowTimeout time.Duration
	poolConfig      pool.Config
	pool            *pool.WorkerPool
	metrics         *metrics.Collector
	tracer          trace.Tracer
	historyStore    *ExecutionHistoryStore
	audit           AuditRecorder
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithNodeTimeout sets the default per-node timeout. Zero disables it.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *engineOptions) { o.nodeTimeout = d }
}

// WithNodeTimeoutFor overrides the timeout of a single node.
func WithNodeTimeoutFor(nodeID string, d time.Duration) Option {
	return func(o *engineOptions) { o.nodeTimeouts[nodeID] = d }
}

// WithWorkflowTimeout bounds a whole instance. Zero disables it.
func WithWorkflowTimeout(d time.Duration) Option {
	return func(o *engineOptions) { o.workflowTimeout = d }
}

// WithPool runs node tasks on a shared pool. The engine does not close it.
func WithPool(p *pool.WorkerPool) Option {
	return func(o *engineOptions) { o.pool = p }
}

// WithMetrics records workflow and node metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *engineOptions) { o.metrics = c }
}

// WithTracer sets the tracer used for workflow and node spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *engineOptions) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithHistoryStore saves every finished execution history.
func WithHistoryStore(s *ExecutionHistoryStore) Option {
	return func(o *engineOptions) { o.historyStore = s }
}

// WithAuditRecorder records every instance through r.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(o *engineOptions) { o.audit = r }
}

// WithConfig applies timeouts and pool sizing from configuration.
func WithConfig(cfg config.EngineConfig) Option {
	return func(o *engineOptions) {
		o.nodeTimeout = cfg.NodeTimeout
		o.workflowTimeout = cfg.WorkflowTimeout
		for id, d := range cfg.NodeTimeouts {
			o.nodeTimeouts[id] = d
		}
		o.poolConfig = pool.Config{
			MaxWorkers:  cfg.MaxWorkers,
			QueueSize:   cfg.QueueSize,
			IdleTimeout: cfg.WorkerIdleTimeout,
		}
	}
}

func (o *engineOptions) timeoutFor(nodeID string) time.Duration {
	if d, ok := o.nodeTimeouts[nodeID]; ok {
		return d
	}
	return o.nodeTimeout
}

// Engine drives workflow instances against a step executor. One engine can
// run many instances concurrently; each instance gets its own mailbox.
type Engine[In, Out any] struct {
	executor StepExecutor[In, Out]
	opts     engineOptions
	pool     *pool.WorkerPool
	ownsPool bool
	logger   *zap.Logger

	mu        sync.Mutex
	closed    bool
	instances map[string]runningInstance
	wg        sync.WaitGroup
}

type runningInstance struct {
	workflowID string
	cancel     context.CancelCauseFunc
}

// NewEngine creates an engine. Without WithPool it creates a private worker
// pool that Close releases.
func NewEngine[In, Out any](executor StepExecutor[In, Out], opts ...Option) *Engine[In, Out] {
	o := engineOptions{
		logger:       zap.NewNop(),
		nodeTimeouts: make(map[string]time.Duration),
		poolConfig:   pool.DefaultConfig(),
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine[In, Out]{
		executor:  executor,
		opts:      o,
		pool:      o.pool,
		logger:    o.logger.With(zap.String("component", "workflow_engine")),
		instances: make(map[string]runningInstance),
	}
	if e.pool == nil {
		e.pool = pool.New(o.poolConfig, o.logger)
		e.ownsPool = true
	}
	e.opts.logger = e.logger
	return e
}

// ExecuteWorkflow runs graph to completion and returns the executor's output.
// A non-nil error is returned only when the engine is closed, the graph is
// missing, or ctx was cancelled; node failures are reported through the output.
func (e *Engine[In, Out]) ExecuteWorkflow(ctx context.Context, graph *Graph, workflowID string, input In) (Out, error) {
	res, err := e.Run(ctx, graph, workflowID, input)
	if res == nil {
		var zero Out
		return zero, err
	}
	return res.Output, err
}

// Run is ExecuteWorkflow returning the final statuses, captured errors and
// execution history as well.
func (e *Engine[In, Out]) Run(ctx context.Context, graph *Graph, workflowID string, input In) (*Result[Out], error) {
	if graph == nil {
		return nil, &GraphFormatError{Reason: "graph cannot be nil"}
	}
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	// Close 以 *EngineClosedError 作为取消原因
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if e.opts.workflowTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, e.opts.workflowTimeout)
		defer cancelTimeout()
	}

	key := uuid.NewString()
	if err := e.register(key, workflowID, cancel); err != nil {
		return nil, err
	}
	defer e.unregister(key)

	inst := newInstance(workflowID, graph, e.executor, &e.opts, e.pool)
	go inst.run(ctx)

	reply := make(chan instanceReply[Out], 1)
	if err := inst.send(&executeRequest[In, Out]{input: input, reply: reply}); err != nil {
		return nil, err
	}
	r := <-reply
	return r.result, r.err
}

func (e *Engine[In, Out]) register(key, workflowID string, cancel context.CancelCauseFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return &EngineClosedError{WorkflowID: workflowID}
	}
	e.instances[key] = runningInstance{workflowID: workflowID, cancel: cancel}
	e.wg.Add(1)
	return nil
}

func (e *Engine[In, Out]) unregister(key string) {
	e.mu.Lock()
	delete(e.instances, key)
	e.mu.Unlock()
	e.wg.Done()
}

// Close rejects new executions, cancels running instances with an
// *EngineClosedError cause, waits for them to resolve and releases the
// private worker pool.
func (e *Engine[In, Out]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	running := len(e.instances)
	for _, ri := range e.instances {
		ri.cancel(&EngineClosedError{WorkflowID: ri.workflowID})
	}
	e.mu.Unlock()

	e.wg.Wait()
	if e.ownsPool {
		e.pool.Close()
	}
	e.logger.Info("workflow engine closed", zap.Int("cancelled_instances", running))
}

// CancelNode delegates to the executor when it implements Resumable.
func (e *Engine[In, Out]) CancelNode(ctx context.Context, node Node, nodeInput In) (EdgeLabel, error) {
	r, ok := any(e.executor).(Resumable[In])
	if !ok {
		return "", fmt.Errorf("cancel node(%s): %w", node.ID, ErrUnsupported)
	}
	return r.CancelNode(ctx, node, nodeInput)
}

// RestartNode delegates to the executor when it implements Resumable.
func (e *Engine[In, Out]) RestartNode(ctx context.Context, node Node, nodeInput In) (EdgeLabel, error) {
	r, ok := any(e.executor).(Resumable[In])
	if !ok {
		return "", fmt.Errorf("restart node(%s): %w", node.ID, ErrUnsupported)
	}
	return r.RestartNode(ctx, node, nodeInput)
}
