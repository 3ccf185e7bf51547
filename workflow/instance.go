package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/blueprintflow/internal/ctxkeys"
	"github.com/BaSui01/blueprintflow/internal/pool"
)

// edgeState is the resolution token carried by an edge during one traversal.
type edgeState uint8

const (
	edgePending edgeState = iota
	// edgeActive: the source resolved with this edge's label.
	edgeActive
	// edgeSkipped: the source resolved, but the branch was not taken.
	edgeSkipped
	// edgePruned: the edge can never fire in this traversal.
	edgePruned
)

// message is anything the instance mailbox accepts.
type message interface{ isMessage() }

type executeRequest[In, Out any] struct {
	input In
	reply chan<- instanceReply[Out]
}

func (*executeRequest[In, Out]) isMessage() {}

type instanceReply[Out any] struct {
	result *Result[Out]
	err    error
}

// nodeResult is posted by a worker when an execute or skip task finishes.
type nodeResult struct {
	nodeID   string
	action   NodeAction
	label    EdgeLabel
	err      error
	timedOut bool
	timeout  time.Duration
	duration time.Duration
}

func (*nodeResult) isMessage() {}

type nodeOutcome struct {
	label EdgeLabel
	err   error
}

// instance is one execution of a graph. All fields below the mutex are owned
// by the mailbox goroutine; workers only post nodeResult messages.
type instance[In, Out any] struct {
	id       string
	graph    *Graph
	executor StepExecutor[In, Out]
	opts     *engineOptions
	pool     *pool.WorkerPool
	logger   *zap.Logger

	mailbox chan message
	mu      sync.Mutex
	closed  bool

	ctx        context.Context
	span       trace.Span
	request    *executeRequest[In, Out]
	statuses   map[string]NodeStatus
	edges      map[Edge]edgeState
	visited    map[string]bool
	records    map[string]*NodeExecution
	errs       []error
	history    *ExecutionHistory
	layer      int
	inflight   int
	reachedEnd bool
	fatal      error
	auditID    string
}

func newInstance[In, Out any](id string, graph *Graph, executor StepExecutor[In, Out], opts *engineOptions, p *pool.WorkerPool) *instance[In, Out] {
	statuses := make(map[string]NodeStatus, graph.NodeCount())
	for _, n := range graph.AllNodes() {
		statuses[n.ID] = StatusPending()
	}
	return &instance[In, Out]{
		id:       id,
		graph:    graph,
		executor: executor,
		opts:     opts,
		pool:     p,
		logger:   opts.logger.With(zap.String("workflow_id", id)),
		// One request plus at most one result per node: sends never block.
		mailbox:  make(chan message, graph.NodeCount()+1),
		statuses: statuses,
		edges:    make(map[Edge]edgeState, len(graph.edges)),
		visited:  make(map[string]bool, graph.NodeCount()),
		records:  make(map[string]*NodeExecution, graph.NodeCount()),
		history:  NewExecutionHistory(uuid.NewString(), id),
	}
}

// send delivers a message to the mailbox, failing once the instance resolved.
func (in *instance[In, Out]) send(msg message) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return &EngineClosedError{WorkflowID: in.id}
	}
	in.mailbox <- msg
	return nil
}

func (in *instance[In, Out]) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
}

// run is the mailbox loop. It returns once the reply has been sent.
func (in *instance[In, Out]) run(ctx context.Context) {
	defer in.close()
	for msg := range in.mailbox {
		if in.handle(ctx, msg) {
			return
		}
	}
}

func (in *instance[In, Out]) handle(ctx context.Context, msg message) bool {
	switch m := msg.(type) {
	case *executeRequest[In, Out]:
		// Run creates one instance per request.
		in.request = m
		in.begin(ctx, m.input)
	case *nodeResult:
		in.inflight--
		in.apply(m)
	}

	if in.request == nil || in.inflight > 0 {
		return false
	}
	return in.advance()
}

func (in *instance[In, Out]) begin(ctx context.Context, input In) {
	in.ctx, in.span = in.opts.tracer.Start(ctxkeys.WithWorkflowID(ctx, in.id), "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", in.id),
			attribute.Int("workflow.nodes", in.graph.NodeCount()),
		),
	)
	in.history.Graph = in.graph.String()
	in.opts.metrics.WorkflowStarted()

	if in.opts.audit != nil {
		info := AuditInfo{WorkflowID: in.id, Graph: in.history.Graph}
		info.RequestID, _ = ctxkeys.RequestID(ctx)
		id, err := in.opts.audit.Started(in.ctx, info)
		if err != nil {
			in.logger.Warn("failed to record workflow start", zap.Error(err))
		}
		in.auditID = id
	}

	in.logger.Info("workflow started",
		zap.String("execution_id", in.history.ExecutionID),
		zap.Int("nodes", in.graph.NodeCount()),
	)

	// START never reaches the executor; InitializeWorkflow decides its label.
	rec := in.history.RecordNodeStart(StartNodeID, ActionExecute, 0)
	in.transition(StartNodeID, StatusRunning())
	label, err := in.call(func() (EdgeLabel, error) { return in.executor.InitializeWorkflow(in.ctx, input) })
	if err == nil && !label.Valid() {
		err = fmt.Errorf("invalid edge label %q", label)
	}
	status := StatusCompleted(label)
	if err != nil {
		serr := &StepExecutionError{WorkflowID: in.id, NodeID: StartNodeID, Cause: err}
		in.errs = append(in.errs, serr)
		status = StatusFailed(serr)
		in.logger.Warn("workflow initialization failed", zap.Error(err))
	}
	in.transition(StartNodeID, status)
	in.history.RecordNodeEnd(rec, status, label)
	in.resolveOutgoing(StartNodeID, status.TraversalLabel())
}

// advance dispatches layers until tasks are in flight or traversal is over.
// It reports whether the instance has resolved.
func (in *instance[In, Out]) advance() bool {
	for in.inflight == 0 {
		if in.ctx.Err() != nil {
			in.finish(true)
			return true
		}
		if in.fatal != nil || in.reachedEnd {
			in.finish(false)
			return true
		}

		frontier := in.readyNodes()
		if len(frontier) == 0 {
			in.finish(false)
			return true
		}

		in.layer++
		in.logger.Debug("dispatching layer",
			zap.Int("layer", in.layer),
			zap.Strings("nodes", frontier),
		)
		for _, id := range frontier {
			in.dispatch(id)
		}
	}
	return false
}

// readyNodes returns unvisited nodes whose incoming edges are all resolved,
// sorted by id.
func (in *instance[In, Out]) readyNodes() []string {
	var ready []string
	for _, id := range in.graph.nodeIDs {
		if id == StartNodeID || in.visited[id] {
			continue
		}
		resolved := true
		for _, e := range in.graph.incoming[id] {
			if in.edges[e] == edgePending {
				resolved = false
				break
			}
		}
		if resolved {
			ready = append(ready, id)
		}
	}
	return ready
}

func (in *instance[In, Out]) dispatch(id string) {
	in.visited[id] = true

	var active, skipped bool
	for _, e := range in.graph.incoming[id] {
		switch in.edges[e] {
		case edgeActive:
			active = true
		case edgeSkipped:
			skipped = true
		}
	}

	node := Node{ID: id}
	switch {
	case node.IsEnd():
		in.reachEnd(active)
	case active:
		in.startNode(node, ActionExecute)
	case skipped:
		in.startNode(node, ActionSkip)
	default:
		in.prune(node)
	}
}

func (in *instance[In, Out]) reachEnd(active bool) {
	in.reachedEnd = true
	if !active {
		rec := in.history.RecordNodeStart(EndNodeID, ActionPrune, in.layer)
		in.transition(EndNodeID, StatusSkipped())
		in.history.RecordNodeEnd(rec, in.statuses[EndNodeID], "")
		return
	}
	rec := in.history.RecordNodeStart(EndNodeID, ActionExecute, in.layer)
	in.transition(EndNodeID, StatusRunning())
	in.transition(EndNodeID, StatusCompleted(EdgeLabelSuccess))
	in.history.RecordNodeEnd(rec, in.statuses[EndNodeID], EdgeLabelSuccess)
}

func (in *instance[In, Out]) startNode(node Node, action NodeAction) {
	in.records[node.ID] = in.history.RecordNodeStart(node.ID, action, in.layer)
	nodeCtx := ctxkeys.WithNodeID(in.ctx, node.ID)

	var nodeInput In
	var err error
	if action == ActionExecute {
		in.transition(node.ID, StatusRunning())
		nodeInput, err = prepareSafely(func() (In, error) { return in.executor.PrepareNodeExecutionMessage(nodeCtx, node) })
	} else {
		nodeInput, err = prepareSafely(func() (In, error) { return in.executor.PrepareNodeSkipMessage(nodeCtx, node) })
	}
	if err != nil {
		in.apply(&nodeResult{nodeID: node.ID, action: action, err: fmt.Errorf("prepare %s message: %w", action, err)})
		return
	}

	in.inflight++
	if err := in.pool.Submit(in.ctx, in.nodeTask(node, action, nodeInput)); err != nil {
		in.inflight--
		if errors.Is(err, pool.ErrPoolClosed) {
			err = &EngineClosedError{WorkflowID: in.id}
			in.fatal = err
		}
		in.apply(&nodeResult{nodeID: node.ID, action: action, err: err})
	}
}

func (in *instance[In, Out]) nodeTask(node Node, action NodeAction, nodeInput In) pool.Task {
	timeout := in.opts.timeoutFor(node.ID)
	return func(ctx context.Context) error {
		res := in.runNode(ctx, node, action, nodeInput, timeout)
		if err := in.send(res); err != nil {
			in.logger.Warn("dropping node result", zap.String("node_id", node.ID), zap.Error(err))
		}
		return res.err
	}
}

// runNode invokes the executor under the node timeout. The executor runs in
// its own goroutine so an executor that ignores ctx cannot hold the worker
// past the deadline.
func (in *instance[In, Out]) runNode(ctx context.Context, node Node, action NodeAction, nodeInput In, timeout time.Duration) *nodeResult {
	var (
		nodeCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		nodeCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	nodeCtx = ctxkeys.WithNodeID(nodeCtx, node.ID)
	nodeCtx, span := in.opts.tracer.Start(nodeCtx, "workflow.node",
		trace.WithAttributes(
			attribute.String("workflow.id", in.id),
			attribute.String("node.id", node.ID),
			attribute.String("node.action", string(action)),
		),
	)
	defer span.End()

	start := time.Now()
	done := make(chan nodeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- nodeOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		var o nodeOutcome
		if action == ActionSkip {
			o.label, o.err = in.executor.SkipNode(nodeCtx, node, nodeInput)
		} else {
			o.label, o.err = in.executor.ExecuteNode(nodeCtx, node, nodeInput)
		}
		done <- o
	}()

	res := &nodeResult{nodeID: node.ID, action: action, timeout: timeout}
	select {
	case o := <-done:
		res.label, res.err = o.label, o.err
	case <-nodeCtx.Done():
		select {
		case o := <-done:
			res.label, res.err = o.label, o.err
		default:
			res.err = nodeCtx.Err()
		}
	}
	res.duration = time.Since(start)

	if res.err == nil && !res.label.Valid() {
		res.err = fmt.Errorf("invalid edge label %q", res.label)
	}
	if res.err != nil && ctx.Err() == nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) {
		res.timedOut = true
	}

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	} else {
		span.SetAttributes(attribute.String("node.label", string(res.label)))
	}
	return res
}

// apply records a finished node task and resolves its outgoing edges.
func (in *instance[In, Out]) apply(res *nodeResult) {
	var captured error
	switch {
	case res.timedOut:
		captured = &StepTimeoutError{WorkflowID: in.id, NodeID: res.nodeID, Timeout: res.timeout}
	case res.err != nil:
		captured = &StepExecutionError{WorkflowID: in.id, NodeID: res.nodeID, Cause: res.err}
	}
	if captured != nil {
		in.errs = append(in.errs, captured)
	}

	var status NodeStatus
	if res.action == ActionSkip {
		status = StatusSkipped()
		status.Err = captured
		in.transition(res.nodeID, status)
		in.resolveSkipped(res.nodeID)
	} else {
		switch {
		case res.timedOut:
			status = StatusTimedOut(captured)
		case captured != nil:
			status = StatusFailed(captured)
		default:
			status = StatusCompleted(res.label)
		}
		in.transition(res.nodeID, status)
		in.resolveOutgoing(res.nodeID, status.TraversalLabel())
	}

	if rec := in.records[res.nodeID]; rec != nil {
		in.history.RecordNodeEnd(rec, status, res.label)
	}
	in.opts.metrics.RecordNode(string(res.action), string(status.State), res.duration)

	if captured != nil {
		in.logger.Warn("node failed",
			zap.String("node_id", res.nodeID),
			zap.String("action", string(res.action)),
			zap.String("status", string(status.State)),
			zap.Error(captured),
		)
		return
	}
	in.logger.Debug("node finished",
		zap.String("node_id", res.nodeID),
		zap.String("action", string(res.action)),
		zap.String("label", string(res.label)),
		zap.Duration("duration", res.duration),
	)
}

// resolveOutgoing activates the edges matching label; the rest carry skip tokens.
func (in *instance[In, Out]) resolveOutgoing(id string, label EdgeLabel) {
	matched := false
	for _, e := range in.graph.outgoing[id] {
		if e.Label == label {
			in.edges[e] = edgeActive
			matched = true
		} else {
			in.edges[e] = edgeSkipped
		}
	}
	if !matched && id != EndNodeID {
		in.logger.Debug("branch ends", zap.Error(&UnresolvedNodeError{NodeID: id, Label: label}))
	}
}

// resolveSkipped propagates a skip: SUCCESS edges carry skip tokens so joins
// still converge, FAILURE edges are pruned.
func (in *instance[In, Out]) resolveSkipped(id string) {
	for _, e := range in.graph.outgoing[id] {
		if e.Label == EdgeLabelSuccess {
			in.edges[e] = edgeSkipped
		} else {
			in.edges[e] = edgePruned
		}
	}
}

// prune marks a node that no live branch reaches. The executor is not called.
func (in *instance[In, Out]) prune(node Node) {
	rec := in.history.RecordNodeStart(node.ID, ActionPrune, in.layer)
	in.transition(node.ID, StatusSkipped())
	for _, e := range in.graph.outgoing[node.ID] {
		in.edges[e] = edgePruned
	}
	in.history.RecordNodeEnd(rec, in.statuses[node.ID], "")
	in.opts.metrics.RecordNode(string(ActionPrune), string(NodeSkipped), 0)
}

func (in *instance[In, Out]) transition(id string, to NodeStatus) {
	if err := Transition(in.statuses, id, to); err != nil {
		in.logger.Error("illegal node transition", zap.Error(err))
	}
}

func (in *instance[In, Out]) finish(cancelled bool) {
	if !cancelled {
		for _, id := range in.graph.nodeIDs {
			if in.statuses[id].State == NodePending {
				in.transition(id, StatusSkipped())
			}
		}
	}

	execStatus := ExecutionStatusCompleted
	switch {
	case cancelled:
		execStatus = ExecutionStatusCancelled
	case len(in.errs) > 0:
		execStatus = ExecutionStatusFailed
	}

	statuses := make(map[string]NodeStatus, len(in.statuses))
	for id, s := range in.statuses {
		statuses[id] = s
	}
	errs := make([]error, len(in.errs))
	copy(errs, in.errs)
	summary := Summary{WorkflowID: in.id, Errors: errs, Statuses: statuses, Cancelled: cancelled}

	// Output, history and audit are produced even when ctx was cancelled.
	outCtx := context.WithoutCancel(in.ctx)
	output, outErr := in.output(outCtx, summary)

	in.history.Complete(execStatus, in.errs)
	if in.opts.historyStore != nil {
		in.opts.historyStore.Save(in.history)
	}
	if in.opts.audit != nil && in.auditID != "" {
		if err := in.opts.audit.Finished(outCtx, in.auditID, summary); err != nil {
			in.logger.Warn("failed to record workflow end", zap.Error(err))
		}
	}
	in.opts.metrics.WorkflowFinished(string(execStatus), in.history.Layers, in.history.Duration)

	var err error
	switch {
	case in.fatal != nil:
		err = in.fatal
	case cancelled:
		err = fmt.Errorf("workflow(%s) cancelled: %w", in.id, context.Cause(in.ctx))
	case outErr != nil:
		err = outErr
	}

	in.span.SetAttributes(
		attribute.String("workflow.status", string(execStatus)),
		attribute.Int("workflow.layers", in.history.Layers),
		attribute.Int("workflow.errors", len(in.errs)),
	)
	if err != nil {
		in.span.RecordError(err)
		in.span.SetStatus(codes.Error, err.Error())
	}
	in.span.End()

	in.logger.Info("workflow finished",
		zap.String("status", string(execStatus)),
		zap.Int("layers", in.history.Layers),
		zap.Int("errors", len(in.errs)),
		zap.Duration("duration", in.history.Duration),
	)

	in.request.reply <- instanceReply[Out]{
		result: &Result[Out]{
			WorkflowID: in.id,
			Output:     output,
			Statuses:   statuses,
			Errors:     errs,
			History:    in.history,
			Cancelled:  cancelled,
		},
		err: err,
	}
}

func (in *instance[In, Out]) output(ctx context.Context, summary Summary) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow(%s) prepare output panicked: %v", in.id, r)
			in.logger.Error("prepare output panicked", zap.Any("panic", r))
		}
	}()
	return in.executor.PrepareWorkflowOutput(ctx, summary), nil
}

// call invokes a synchronous executor hook, turning a panic into an error.
func (in *instance[In, Out]) call(fn func() (EdgeLabel, error)) (label EdgeLabel, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func prepareSafely[In any](fn func() (In, error)) (v In, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
