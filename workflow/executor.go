package workflow

import "context"

// StepExecutor is the pluggable collaborator that gives nodes their meaning.
// The engine only decides which nodes run; every node-specific decision
// belongs to the executor.
//
// Implementations must be safe for concurrent calls on distinct nodes and on
// distinct workflow instances. START and END are never passed to
// PrepareNodeExecutionMessage, ExecuteNode, PrepareNodeSkipMessage or SkipNode.
type StepExecutor[In, Out any] interface {
	// InitializeWorkflow is called once per instance with the caller's input
	// and returns the label that leaves START.
	InitializeWorkflow(ctx context.Context, input In) (EdgeLabel, error)

	// PrepareNodeExecutionMessage builds the input for ExecuteNode.
	PrepareNodeExecutionMessage(ctx context.Context, node Node) (In, error)

	// ExecuteNode runs the step. A returned error marks the node failed.
	ExecuteNode(ctx context.Context, node Node, nodeInput In) (EdgeLabel, error)

	// PrepareNodeSkipMessage builds the input for SkipNode.
	PrepareNodeSkipMessage(ctx context.Context, node Node) (In, error)

	// SkipNode is invoked for nodes bypassed by a branch decision so they
	// still produce a placeholder result.
	SkipNode(ctx context.Context, node Node, skipInput In) (EdgeLabel, error)

	// PrepareWorkflowOutput builds the workflow output from the final state.
	PrepareWorkflowOutput(ctx context.Context, summary Summary) Out
}

// Resumable is an optional extension for executors that can cancel or
// restart a single node out of band.
type Resumable[In any] interface {
	CancelNode(ctx context.Context, node Node, nodeInput In) (EdgeLabel, error)
	RestartNode(ctx context.Context, node Node, nodeInput In) (EdgeLabel, error)
}

// Summary is the final state handed to PrepareWorkflowOutput.
type Summary struct {
	WorkflowID string
	Errors     []error
	Statuses   map[string]NodeStatus
	Cancelled  bool
}

// Failed reports whether at least one error was captured.
func (s Summary) Failed() bool { return len(s.Errors) > 0 }

// BaseExecutor provides default behaviour for the optional parts of
// StepExecutor. Embed it and override what the workflow needs.
type BaseExecutor[In, Out any] struct{}

func (BaseExecutor[In, Out]) InitializeWorkflow(context.Context, In) (EdgeLabel, error) {
	return EdgeLabelSuccess, nil
}

func (BaseExecutor[In, Out]) PrepareNodeExecutionMessage(context.Context, Node) (In, error) {
	var zero In
	return zero, nil
}

func (BaseExecutor[In, Out]) ExecuteNode(context.Context, Node, In) (EdgeLabel, error) {
	return EdgeLabelSuccess, nil
}

func (BaseExecutor[In, Out]) PrepareNodeSkipMessage(context.Context, Node) (In, error) {
	var zero In
	return zero, nil
}

func (BaseExecutor[In, Out]) SkipNode(context.Context, Node, In) (EdgeLabel, error) {
	return EdgeLabelSuccess, nil
}

func (BaseExecutor[In, Out]) PrepareWorkflowOutput(context.Context, Summary) Out {
	var zero Out
	return zero
}

func (BaseExecutor[In, Out]) CancelNode(context.Context, Node, In) (EdgeLabel, error) {
	return "", ErrNotImplemented
}

func (BaseExecutor[In, Out]) RestartNode(context.Context, Node, In) (EdgeLabel, error) {
	return "", ErrNotImplemented
}

// FuncExecutor adapts plain functions to StepExecutor. Nil fields fall back
// to BaseExecutor.
type FuncExecutor[In, Out any] struct {
	Initialize  func(ctx context.Context, input In) (EdgeLabel, error)
	PrepareExec func(ctx context.Context, node Node) (In, error)
	Execute     func(ctx context.Context, node Node, nodeInput In) (EdgeLabel, error)
	PrepareSkip func(ctx context.Context, node Node) (In, error)
	Skip        func(ctx context.Context, node Node, skipInput In) (EdgeLabel, error)
	Output      func(ctx context.Context, summary Summary) Out

	base BaseExecutor[In, Out]
}

func (f *FuncExecutor[In, Out]) InitializeWorkflow(ctx context.Context, input In) (EdgeLabel, error) {
	if f.Initialize == nil {
		return f.base.InitializeWorkflow(ctx, input)
	}
	return f.Initialize(ctx, input)
}

func (f *FuncExecutor[In, Out]) PrepareNodeExecutionMessage(ctx context.Context, node Node) (In, error) {
	if f.PrepareExec == nil {
		return f.base.PrepareNodeExecutionMessage(ctx, node)
	}
	return f.PrepareExec(ctx, node)
}

func (f *FuncExecutor[In, Out]) ExecuteNode(ctx context.Context, node Node, nodeInput In) (EdgeLabel, error) {
	if f.Execute == nil {
		return f.base.ExecuteNode(ctx, node, nodeInput)
	}
	return f.Execute(ctx, node, nodeInput)
}

func (f *FuncExecutor[In, Out]) PrepareNodeSkipMessage(ctx context.Context, node Node) (In, error) {
	if f.PrepareSkip == nil {
		return f.base.PrepareNodeSkipMessage(ctx, node)
	}
	return f.PrepareSkip(ctx, node)
}

func (f *FuncExecutor[In, Out]) SkipNode(ctx context.Context, node Node, skipInput In) (EdgeLabel, error) {
	if f.Skip == nil {
		return f.base.SkipNode(ctx, node, skipInput)
	}
	return f.Skip(ctx, node, skipInput)
}

func (f *FuncExecutor[In, Out]) PrepareWorkflowOutput(ctx context.Context, summary Summary) Out {
	if f.Output == nil {
		return f.base.PrepareWorkflowOutput(ctx, summary)
	}
	return f.Output(ctx, summary)
}
