package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/blueprintflow/config"
	"github.com/BaSui01/blueprintflow/internal/ctxkeys"
	"github.com/BaSui01/blueprintflow/internal/metrics"
	"github.com/BaSui01/blueprintflow/internal/pool"
)

// ---------------------------------------------------------------------------
// recordingExecutor
// ---------------------------------------------------------------------------

type testOutput struct {
	WorkflowID string
	Status     EdgeLabel
	Errors     []error
	Statuses   map[string]NodeStatus
}

// recordingExecutor records every executor call. Behaviour is configured
// through the maps before the engine runs and is read-only afterwards.
type recordingExecutor struct {
	seed     EdgeLabel
	initErr  error
	labels   map[string]EdgeLabel
	errs     map[string]error
	panics   map[string]bool
	hooks    map[string]func(ctx context.Context) error
	skipErrs map[string]error
	prepErrs map[string]error

	mu       sync.Mutex
	executed []string
	skipped  []string
	internal []string
	outputs  atomic.Int32
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		seed:     EdgeLabelSuccess,
		labels:   make(map[string]EdgeLabel),
		errs:     make(map[string]error),
		panics:   make(map[string]bool),
		hooks:    make(map[string]func(ctx context.Context) error),
		skipErrs: make(map[string]error),
		prepErrs: make(map[string]error),
	}
}

func (e *recordingExecutor) note(list *[]string, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	*list = append(*list, id)
	if id == StartNodeID || id == EndNodeID {
		e.internal = append(e.internal, id)
	}
}

func (e *recordingExecutor) InitializeWorkflow(ctx context.Context, input string) (EdgeLabel, error) {
	if e.initErr != nil {
		return "", e.initErr
	}
	return e.seed, nil
}

func (e *recordingExecutor) PrepareNodeExecutionMessage(ctx context.Context, node Node) (string, error) {
	if err := e.prepErrs[node.ID]; err != nil {
		return "", err
	}
	return "exec:" + node.ID, nil
}

func (e *recordingExecutor) ExecuteNode(ctx context.Context, node Node, in string) (EdgeLabel, error) {
	e.note(&e.executed, node.ID)
	if in != "exec:"+node.ID {
		return "", fmt.Errorf("unexpected input %q", in)
	}
	if id, ok := ctxkeys.NodeID(ctx); !ok || id != node.ID {
		return "", fmt.Errorf("node id missing from context")
	}
	if hook := e.hooks[node.ID]; hook != nil {
		if err := hook(ctx); err != nil {
			return "", err
		}
	}
	if e.panics[node.ID] {
		panic("boom")
	}
	if err := e.errs[node.ID]; err != nil {
		return "", err
	}
	if l, ok := e.labels[node.ID]; ok {
		return l, nil
	}
	return EdgeLabelSuccess, nil
}

func (e *recordingExecutor) PrepareNodeSkipMessage(ctx context.Context, node Node) (string, error) {
	return "skip:" + node.ID, nil
}

func (e *recordingExecutor) SkipNode(ctx context.Context, node Node, in string) (EdgeLabel, error) {
	e.note(&e.skipped, node.ID)
	if in != "skip:"+node.ID {
		return "", fmt.Errorf("unexpected skip input %q", in)
	}
	if err := e.skipErrs[node.ID]; err != nil {
		return "", err
	}
	return EdgeLabelSuccess, nil
}

func (e *recordingExecutor) PrepareWorkflowOutput(ctx context.Context, summary Summary) testOutput {
	e.outputs.Add(1)
	out := testOutput{
		WorkflowID: summary.WorkflowID,
		Status:     EdgeLabelSuccess,
		Errors:     summary.Errors,
		Statuses:   summary.Statuses,
	}
	if summary.Failed() {
		out.Status = EdgeLabelFailure
	}
	return out
}

func (e *recordingExecutor) executedNodes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

func (e *recordingExecutor) skippedNodes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]string(nil), e.skipped...)
	sort.Strings(out)
	return out
}

func (e *recordingExecutor) sentinelCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.internal...)
}

func (e *recordingExecutor) count(id string) int {
	n := 0
	for _, x := range e.executedNodes() {
		if x == id {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, exec StepExecutor[string, testOutput], opts ...Option) *Engine[string, testOutput] {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	e := NewEngine(exec, opts...)
	t.Cleanup(e.Close)
	return e
}

func mustRun(t *testing.T, e *Engine[string, testOutput], notation string) *Result[testOutput] {
	t.Helper()
	res, err := e.Run(context.Background(), MustParse(notation), "wf-test", "input")
	require.NoError(t, err)
	require.NotNil(t, res)
	for id, s := range res.Statuses {
		assert.True(t, s.IsTerminal(), "node %s not terminal: %s", id, s)
	}
	return res
}

// ---------------------------------------------------------------------------
// Traversal
// ---------------------------------------------------------------------------

func TestEngine_LinearFlow(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, B>END/SUCCESS]")

	assert.Equal(t, []string{"A", "B"}, exec.executedNodes())
	assert.Empty(t, exec.skippedNodes())
	assert.Empty(t, exec.sentinelCalls())
	assert.Equal(t, EdgeLabelSuccess, res.Output.Status)
	assert.Equal(t, "wf-test", res.Output.WorkflowID)
	assert.Empty(t, res.Errors)
	assert.Equal(t, StatusCompleted(EdgeLabelSuccess), res.Status(EndNodeID))
	assert.Equal(t, int32(1), exec.outputs.Load())

	require.NotNil(t, res.History)
	assert.Equal(t, ExecutionStatusCompleted, res.History.Status)
	assert.Equal(t, 3, res.History.Layers)
}

func TestEngine_ExecuteWorkflowReturnsOutput(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	e := newTestEngine(t, exec)

	out, err := e.ExecuteWorkflow(context.Background(), MustParse("[START>A/SUCCESS, A>END/SUCCESS]"), "", "input")
	require.NoError(t, err)
	assert.Equal(t, EdgeLabelSuccess, out.Status)
	assert.NotEmpty(t, out.WorkflowID)
}

func TestEngine_NilGraph(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, newRecordingExecutor())
	_, err := e.Run(context.Background(), nil, "wf", "input")
	assert.ErrorIs(t, err, ErrGraphFormat)
}

func TestEngine_ConcurrentInstances(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	exec.hooks["B"] = func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e := newTestEngine(t, exec)
	graph := MustParse("[START>A/SUCCESS, A>B/SUCCESS, B>END/SUCCESS]")

	const instances = 16
	results := make([]testOutput, instances)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < instances; i++ {
		i := i
		g.Go(func() error {
			out, err := e.ExecuteWorkflow(ctx, graph, fmt.Sprintf("wf-%d", i), "input")
			results[i] = out
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i, out := range results {
		assert.Equal(t, fmt.Sprintf("wf-%d", i), out.WorkflowID)
		assert.Equal(t, EdgeLabelSuccess, out.Status)
	}
	assert.Equal(t, instances, exec.count("A"))
	assert.Equal(t, instances, exec.count("B"))
}

func TestEngine_MissingFailureEdge(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	boom := errors.New("boom")
	exec.errs["B"] = boom
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, B>C/SUCCESS, C>END/SUCCESS]")

	assert.Equal(t, []string{"A", "B"}, exec.executedNodes())
	assert.Equal(t, []string{"C"}, exec.skippedNodes())
	assert.Equal(t, NodeFailed, res.Status("B").State)
	assert.Equal(t, NodeSkipped, res.Status("C").State)
	assert.Equal(t, NodeSkipped, res.Status(EndNodeID).State)

	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], boom)
	var serr *StepExecutionError
	require.True(t, errors.As(res.Errors[0], &serr))
	assert.Equal(t, "B", serr.NodeID)
	assert.Equal(t, "wf-test", serr.WorkflowID)
	assert.Equal(t, EdgeLabelFailure, res.Output.Status)
	assert.Equal(t, ExecutionStatusFailed, res.History.Status)
}

func TestEngine_ExceptionFlow(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	exec.errs["A"] = errors.New("boom")
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]")

	assert.Equal(t, []string{"A", "C"}, exec.executedNodes())
	assert.Equal(t, []string{"B"}, exec.skippedNodes())
	assert.Equal(t, NodeFailed, res.Status("A").State)
	assert.Equal(t, StatusCompleted(EdgeLabelSuccess), res.Status(EndNodeID))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, EdgeLabelFailure, res.Output.Status)
}

func TestEngine_TimeoutFlow(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	// 忽略 ctx 的执行器也不能拖住引擎
	exec.hooks["A"] = func(ctx context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	}
	e := newTestEngine(t, exec, WithNodeTimeoutFor("A", 10*time.Millisecond))

	start := time.Now()
	res := mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]")
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	assert.Equal(t, NodeTimedOut, res.Status("A").State)
	assert.Equal(t, NodeCompleted, res.Status("C").State)
	assert.Equal(t, NodeSkipped, res.Status("B").State)

	require.Len(t, res.Errors, 1)
	var terr *StepTimeoutError
	require.True(t, errors.As(res.Errors[0], &terr))
	assert.Equal(t, "A", terr.NodeID)
	assert.Equal(t, 10*time.Millisecond, terr.Timeout)
	assert.ErrorIs(t, res.Errors[0], context.DeadlineExceeded)
}

func TestEngine_TimeoutHonoredByContext(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	exec.hooks["A"] = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	e := newTestEngine(t, exec, WithNodeTimeout(5*time.Millisecond))

	res := mustRun(t, e, "[START>A/SUCCESS, A>END/SUCCESS, A>END/FAILURE]")
	assert.Equal(t, NodeTimedOut, res.Status("A").State)
	assert.Equal(t, NodeCompleted, res.Status(EndNodeID).State)
}

func TestEngine_ConditionalFlow(t *testing.T) {
	t.Parallel()
	const notation = "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]"

	t.Run("success branch", func(t *testing.T) {
		exec := newRecordingExecutor()
		e := newTestEngine(t, exec)
		res := mustRun(t, e, notation)

		assert.Equal(t, []string{"A", "B"}, exec.executedNodes())
		assert.Equal(t, []string{"C"}, exec.skippedNodes())
		assert.Empty(t, res.Errors)
	})

	t.Run("failure branch", func(t *testing.T) {
		exec := newRecordingExecutor()
		exec.labels["A"] = EdgeLabelFailure
		e := newTestEngine(t, exec)
		res := mustRun(t, e, notation)

		assert.Equal(t, []string{"A", "C"}, exec.executedNodes())
		assert.Equal(t, []string{"B"}, exec.skippedNodes())
		assert.Equal(t, StatusCompleted(EdgeLabelFailure), res.Status("A"))
		// FAILURE 标签本身不是错误
		assert.Empty(t, res.Errors)
		assert.Equal(t, EdgeLabelSuccess, res.Output.Status)
	})
}

func TestEngine_MultipleSkipFlow(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, C>D/SUCCESS, D>E/SUCCESS, B>E/SUCCESS, E>END/SUCCESS]")

	assert.Equal(t, []string{"A", "B", "E"}, exec.executedNodes())
	assert.Equal(t, []string{"C", "D"}, exec.skippedNodes())
	assert.Equal(t, 1, exec.count("E"))
	assert.Equal(t, StatusCompleted(EdgeLabelSuccess), res.Status(EndNodeID))
	assert.Equal(t, 5, res.History.Layers)
}

func TestEngine_ParallelFlow(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()

	var arrived atomic.Int32
	var mu sync.Mutex
	finished := make(map[string]time.Time)
	rendezvous := func(ctx context.Context) error {
		arrived.Add(1)
		deadline := time.After(2 * time.Second)
		for arrived.Load() < 2 {
			select {
			case <-deadline:
				return errors.New("sibling never started")
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		mu.Lock()
		finished[ctxNode(ctx)] = time.Now()
		mu.Unlock()
		return nil
	}
	exec.hooks["B"] = rendezvous
	exec.hooks["C"] = rendezvous

	var dStart time.Time
	exec.hooks["D"] = func(ctx context.Context) error {
		mu.Lock()
		dStart = time.Now()
		mu.Unlock()
		return nil
	}
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, A>C/SUCCESS, B>D/SUCCESS, C>D/SUCCESS, D>END/SUCCESS]")

	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, exec.count("D"))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, finished, 2)
	assert.False(t, dStart.Before(finished["B"]))
	assert.False(t, dStart.Before(finished["C"]))
}

func ctxNode(ctx context.Context) string {
	id, _ := ctxkeys.NodeID(ctx)
	return id
}

func TestEngine_SkippedFailureEdgesArePruned(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, C>D/FAILURE, D>END/SUCCESS, B>END/SUCCESS]")

	assert.Equal(t, []string{"A", "B"}, exec.executedNodes())
	assert.Equal(t, []string{"C"}, exec.skippedNodes())
	assert.Equal(t, NodeSkipped, res.Status("D").State)
	assert.Equal(t, StatusCompleted(EdgeLabelSuccess), res.Status(EndNodeID))

	rec := res.History.GetNodeByID("D")
	require.NotNil(t, rec)
	assert.Equal(t, ActionPrune, rec.Action)
	assert.Equal(t, ActionSkip, res.History.GetNodeByID("C").Action)
}

func TestEngine_OrphanNodeIsPruned(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>END/SUCCESS, X>END/FAILURE]")

	assert.Equal(t, []string{"A"}, exec.executedNodes())
	assert.Empty(t, exec.skippedNodes())
	assert.Equal(t, NodeSkipped, res.Status("X").State)
	assert.Equal(t, StatusCompleted(EdgeLabelSuccess), res.Status(EndNodeID))
}

func TestEngine_StopsAfterEnd(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	e := newTestEngine(t, exec)

	// C>D>E 比 END 更深，END 所在层结束后不再继续
	res := mustRun(t, e, "[START>A/SUCCESS, A>END/SUCCESS, START>B/SUCCESS, B>C/SUCCESS, C>D/SUCCESS, D>E/SUCCESS]")

	assert.Equal(t, []string{"A", "B", "C"}, sorted(exec.executedNodes()))
	assert.Equal(t, NodeSkipped, res.Status("D").State)
	assert.Equal(t, NodeSkipped, res.Status("E").State)
	assert.Equal(t, 2, res.History.Layers)
}

func TestEngine_EndNotReached(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	exec.labels["A"] = EdgeLabelFailure
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>END/SUCCESS]")
	assert.Equal(t, NodeSkipped, res.Status(EndNodeID).State)
	assert.Empty(t, res.Errors)
}

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}

// ---------------------------------------------------------------------------
// START / seed
// ---------------------------------------------------------------------------

func TestEngine_SeedLabel(t *testing.T) {
	t.Parallel()
	const notation = "[START>A/SUCCESS, START>R/FAILURE, A>END/SUCCESS, R>END/SUCCESS]"

	t.Run("failure seed", func(t *testing.T) {
		exec := newRecordingExecutor()
		exec.seed = EdgeLabelFailure
		e := newTestEngine(t, exec)
		res := mustRun(t, e, notation)

		assert.Equal(t, []string{"R"}, exec.executedNodes())
		assert.Equal(t, []string{"A"}, exec.skippedNodes())
		assert.Equal(t, StatusCompleted(EdgeLabelFailure), res.Status(StartNodeID))
		assert.Empty(t, res.Errors)
	})

	t.Run("initialize error", func(t *testing.T) {
		exec := newRecordingExecutor()
		exec.initErr = errors.New("bad input")
		e := newTestEngine(t, exec)
		res := mustRun(t, e, notation)

		assert.Equal(t, []string{"R"}, exec.executedNodes())
		assert.Equal(t, NodeFailed, res.Status(StartNodeID).State)
		require.Len(t, res.Errors, 1)
		assert.ErrorContains(t, res.Errors[0], "bad input")
	})

	t.Run("invalid seed", func(t *testing.T) {
		exec := newRecordingExecutor()
		exec.seed = "MAYBE"
		e := newTestEngine(t, exec)
		res := mustRun(t, e, notation)

		assert.Equal(t, NodeFailed, res.Status(StartNodeID).State)
		assert.Equal(t, []string{"R"}, exec.executedNodes())
	})
}

func TestEngine_SentinelsNeverReachExecutor(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	exec.labels["A"] = EdgeLabelFailure
	e := newTestEngine(t, exec)

	mustRun(t, e, "[START>A/SUCCESS, START>END/FAILURE, A>B/SUCCESS, A>END/FAILURE, B>END/SUCCESS]")
	assert.Empty(t, exec.sentinelCalls())
}

// ---------------------------------------------------------------------------
// Failures captured from the executor
// ---------------------------------------------------------------------------

func TestEngine_PanicIsCaptured(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	exec.panics["A"] = true
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>END/SUCCESS, A>END/FAILURE]")
	assert.Equal(t, NodeFailed, res.Status("A").State)
	require.Len(t, res.Errors, 1)
	assert.ErrorContains(t, res.Errors[0], "panic: boom")
	assert.Equal(t, NodeCompleted, res.Status(EndNodeID).State)
}

func TestEngine_InvalidLabel(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	exec.labels["A"] = "MAYBE"
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]")
	assert.Equal(t, NodeFailed, res.Status("A").State)
	assert.ErrorContains(t, res.Errors[0], `invalid edge label "MAYBE"`)
	assert.Equal(t, NodeCompleted, res.Status("C").State)
}

func TestEngine_PrepareError(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	exec.prepErrs["A"] = errors.New("no input")
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]")
	assert.Equal(t, []string{"C"}, exec.executedNodes())
	assert.Equal(t, NodeFailed, res.Status("A").State)
	assert.ErrorContains(t, res.Errors[0], "no input")
}

func TestEngine_SkipErrorIsCaptured(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	exec.skipErrs["C"] = errors.New("placeholder failed")
	e := newTestEngine(t, exec)

	res := mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]")
	status := res.Status("C")
	assert.Equal(t, NodeSkipped, status.State)
	assert.ErrorContains(t, status.Err, "placeholder failed")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, NodeCompleted, res.Status(EndNodeID).State)
}

// ---------------------------------------------------------------------------
// Cancellation / Close
// ---------------------------------------------------------------------------

func TestEngine_Cancellation(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	started := make(chan struct{})
	exec.hooks["A"] = func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	e := newTestEngine(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := e.Run(ctx, MustParse("[START>A/SUCCESS, A>B/SUCCESS, B>END/SUCCESS]"), "wf-cancel", "input")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "workflow(wf-cancel) cancelled")

	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	assert.Equal(t, int32(1), exec.outputs.Load())
	assert.Equal(t, NodeFailed, res.Status("A").State)
	assert.Equal(t, NodePending, res.Status("B").State)
	assert.Equal(t, ExecutionStatusCancelled, res.History.Status)
	assert.Equal(t, []string{"A"}, exec.executedNodes())
}

func TestEngine_WorkflowTimeout(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	exec.hooks["A"] = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	e := newTestEngine(t, exec, WithWorkflowTimeout(20*time.Millisecond))

	res, err := e.Run(context.Background(), MustParse("[START>A/SUCCESS, A>END/SUCCESS]"), "wf", "input")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	// 整体超时不算节点超时
	assert.Equal(t, NodeFailed, res.Status("A").State)
}

func TestEngine_CloseCancelsRunningInstances(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	started := make(chan struct{})
	exec.hooks["A"] = func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	e := NewEngine[string, testOutput](exec)

	type runResult struct {
		res *Result[testOutput]
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := e.Run(context.Background(), MustParse("[START>A/SUCCESS, A>END/SUCCESS]"), "wf", "input")
		done <- runResult{res, err}
	}()

	<-started
	e.Close()

	select {
	case got := <-done:
		assert.ErrorIs(t, got.err, ErrEngineClosed)
		assert.NotErrorIs(t, got.err, context.Canceled)
		var cerr *EngineClosedError
		require.True(t, errors.As(got.err, &cerr))
		assert.Equal(t, "wf", cerr.WorkflowID)

		// 关闭时仍返回已产生的部分结果
		require.NotNil(t, got.res)
		assert.True(t, got.res.Cancelled)
		assert.Equal(t, NodeFailed, got.res.Status("A").State)
		assert.Equal(t, NodeCompleted, got.res.Status(StartNodeID).State)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestEngine_ClosedEngine(t *testing.T) {
	t.Parallel()
	exec := newRecordingExecutor()
	e := NewEngine[string, testOutput](exec)
	e.Close()
	e.Close()

	_, err := e.ExecuteWorkflow(context.Background(), MustParse("[START>END/SUCCESS]"), "wf-closed", "input")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineClosed)
	var cerr *EngineClosedError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "wf-closed", cerr.WorkflowID)
	assert.Empty(t, exec.executedNodes())
}

func TestEngine_ClosedPoolIsFatal(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.Config{MaxWorkers: 2, QueueSize: 4}, zap.NewNop())
	p.Close()

	exec := newRecordingExecutor()
	e := newTestEngine(t, exec, WithPool(p))

	res, err := e.Run(context.Background(), MustParse("[START>A/SUCCESS, A>END/SUCCESS]"), "wf", "input")
	assert.ErrorIs(t, err, ErrEngineClosed)
	require.NotNil(t, res)
	assert.Empty(t, exec.executedNodes())
}

func TestEngine_SharedPoolSurvivesClose(t *testing.T) {
	t.Parallel()
	p := pool.New(pool.Config{MaxWorkers: 4, QueueSize: 16}, zap.NewNop())
	defer p.Close()

	e := NewEngine[string, testOutput](newRecordingExecutor(), WithPool(p))
	_, err := e.ExecuteWorkflow(context.Background(), MustParse("[START>A/SUCCESS, A>END/SUCCESS]"), "wf", "input")
	require.NoError(t, err)
	e.Close()

	assert.NoError(t, p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestInstance_SendAfterClose(t *testing.T) {
	t.Parallel()
	opts := &engineOptions{logger: zap.NewNop(), nodeTimeouts: map[string]time.Duration{}}
	inst := newInstance[string, testOutput]("wf-x", MustParse("[START>END/SUCCESS]"), newRecordingExecutor(), opts, nil)
	inst.close()

	err := inst.send(&nodeResult{nodeID: "A"})
	var cerr *EngineClosedError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "wf-x", cerr.WorkflowID)
}

// ---------------------------------------------------------------------------
// Ambient: history / audit / metrics / tracing
// ---------------------------------------------------------------------------

func TestEngine_HistoryStore(t *testing.T) {
	t.Parallel()
	store := NewExecutionHistoryStore(10)
	e := newTestEngine(t, newRecordingExecutor(), WithHistoryStore(store))

	mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]")

	saved := store.ListByWorkflow("wf-test")
	require.Len(t, saved, 1)
	h := saved[0]
	assert.Equal(t, ExecutionStatusCompleted, h.Status)
	assert.Equal(t, "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]", h.Graph)
	assert.Len(t, h.GetNodes(), 5)
	assert.Equal(t, 0, h.GetNodeByID(StartNodeID).Layer)
	assert.Equal(t, 1, h.GetNodeByID("A").Layer)
	assert.Equal(t, 2, h.GetNodeByID("B").Layer)
}

type fakeAudit struct {
	mu       sync.Mutex
	started  []AuditInfo
	finished map[string]Summary
	startErr error
}

func (f *fakeAudit) Started(ctx context.Context, info AuditInfo) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, info)
	return fmt.Sprintf("rec-%d", len(f.started)), nil
}

func (f *fakeAudit) Finished(ctx context.Context, id string, summary Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished == nil {
		f.finished = make(map[string]Summary)
	}
	f.finished[id] = summary
	return nil
}

func TestEngine_AuditRecorder(t *testing.T) {
	t.Parallel()
	audit := &fakeAudit{}
	exec := newRecordingExecutor()
	exec.errs["A"] = errors.New("boom")
	e := newTestEngine(t, exec, WithAuditRecorder(audit))

	ctx := ctxkeys.WithRequestID(context.Background(), "req-1")
	_, err := e.Run(ctx, MustParse("[START>A/SUCCESS, A>END/SUCCESS]"), "wf-audit", "input")
	require.NoError(t, err)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	require.Len(t, audit.started, 1)
	assert.Equal(t, "wf-audit", audit.started[0].WorkflowID)
	assert.Equal(t, "req-1", audit.started[0].RequestID)
	assert.Equal(t, "[START>A/SUCCESS, A>END/SUCCESS]", audit.started[0].Graph)

	summary, ok := audit.finished["rec-1"]
	require.True(t, ok)
	assert.True(t, summary.Failed())
	assert.Equal(t, NodeFailed, summary.Statuses["A"].State)
}

func TestEngine_AuditFailureDoesNotFailWorkflow(t *testing.T) {
	t.Parallel()
	audit := &fakeAudit{startErr: errors.New("db down")}
	e := newTestEngine(t, newRecordingExecutor(), WithAuditRecorder(audit))

	res := mustRun(t, e, "[START>A/SUCCESS, A>END/SUCCESS]")
	assert.Empty(t, res.Errors)
	assert.Nil(t, audit.finished)
}

func TestEngine_Metrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("wf", reg, zap.NewNop())
	e := newTestEngine(t, newRecordingExecutor(), WithMetrics(collector))

	mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]")

	n, err := testutil.GatherAndCount(reg, "wf_workflow_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// execute/completed 与 skip/skipped 两个序列
	n, err = testutil.GatherAndCount(reg, "wf_node_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEngine_Tracing(t *testing.T) {
	t.Parallel()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	exec := newRecordingExecutor()
	exec.errs["B"] = errors.New("boom")
	e := newTestEngine(t, exec, WithTracer(tp.Tracer("test")))

	mustRun(t, e, "[START>A/SUCCESS, A>B/SUCCESS, B>END/SUCCESS, B>END/FAILURE]")

	var workflowSpans, nodeSpans int
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "workflow.execute":
			workflowSpans++
		case "workflow.node":
			nodeSpans++
		}
	}
	assert.Equal(t, 1, workflowSpans)
	assert.Equal(t, 2, nodeSpans)
}

func TestEngine_WithConfig(t *testing.T) {
	t.Parallel()
	opts := engineOptions{nodeTimeouts: map[string]time.Duration{}}
	WithConfig(config.EngineConfig{
		NodeTimeout:     2 * time.Second,
		NodeTimeouts:    map[string]time.Duration{"slow": 50 * time.Millisecond},
		WorkflowTimeout: time.Minute,
		MaxWorkers:      8,
		QueueSize:       32,
	})(&opts)

	assert.Equal(t, 2*time.Second, opts.timeoutFor("A"))
	assert.Equal(t, 50*time.Millisecond, opts.timeoutFor("slow"))
	assert.Equal(t, 8, opts.poolConfig.MaxWorkers)
	assert.Equal(t, time.Minute, opts.workflowTimeout)
}

// ---------------------------------------------------------------------------
// Optional extensions
// ---------------------------------------------------------------------------

type resumableExecutor struct {
	BaseExecutor[string, testOutput]
}

func TestEngine_CancelAndRestartNode(t *testing.T) {
	t.Parallel()

	plain := newTestEngine(t, newRecordingExecutor())
	_, err := plain.CancelNode(context.Background(), Node{ID: "A"}, "x")
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = plain.RestartNode(context.Background(), Node{ID: "A"}, "x")
	assert.ErrorIs(t, err, ErrUnsupported)

	base := newTestEngine(t, &resumableExecutor{})
	_, err = base.CancelNode(context.Background(), Node{ID: "A"}, "x")
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = base.RestartNode(context.Background(), Node{ID: "A"}, "x")
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestFuncExecutor(t *testing.T) {
	t.Parallel()
	var executed atomic.Int32
	exec := &FuncExecutor[int, int]{
		Execute: func(ctx context.Context, node Node, in int) (EdgeLabel, error) {
			executed.Add(1)
			return EdgeLabelSuccess, nil
		},
		Output: func(ctx context.Context, s Summary) int { return len(s.Statuses) },
	}
	e := NewEngine[int, int](exec, WithLogger(zap.NewNop()))
	t.Cleanup(e.Close)

	out, err := e.ExecuteWorkflow(context.Background(), MustParse("[START>A/SUCCESS, A>B/SUCCESS, B>END/SUCCESS]"), "wf", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, out)
	assert.Equal(t, int32(2), executed.Load())

	// 全部使用默认实现
	zero := NewEngine[int, int](&FuncExecutor[int, int]{})
	t.Cleanup(zero.Close)
	out, err = zero.ExecuteWorkflow(context.Background(), MustParse("[START>END/SUCCESS]"), "wf", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}
