// Package simulation provides a table-driven StepExecutor. Each node's label,
// error and delay come from a Plan, which makes it suitable for dry runs from
// the CLI and the HTTP API as well as for tests.
package simulation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/blueprintflow/internal/ctxkeys"
	"github.com/BaSui01/blueprintflow/workflow"
)

// Report is the workflow output produced by the simulation executor.
type Report struct {
	WorkflowID string                         `json:"workflow_id"`
	Status     workflow.EdgeLabel             `json:"status"`
	Errors     []string                       `json:"errors,omitempty"`
	Nodes      map[string]workflow.NodeStatus `json:"nodes"`
	Cancelled  bool                           `json:"cancelled,omitempty"`
}

// Call is one ExecuteNode or SkipNode invocation.
type Call struct {
	WorkflowID string              `json:"workflow_id"`
	NodeID     string              `json:"node_id"`
	Action     workflow.NodeAction `json:"action"`
	Input      string              `json:"input"`
}

// Plan describes simulated node behaviour in a serialisable form.
type Plan struct {
	Seed     workflow.EdgeLabel            `json:"seed,omitempty" yaml:"seed,omitempty"`
	Outcomes map[string]workflow.EdgeLabel `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
	Errors   []string                      `json:"errors,omitempty" yaml:"errors,omitempty"`
	Delays   map[string]string             `json:"delays,omitempty" yaml:"delays,omitempty"`
}

// Options converts the plan into executor options.
func (p Plan) Options() ([]Option, error) {
	var opts []Option
	if p.Seed != "" {
		if !p.Seed.Valid() {
			return nil, fmt.Errorf("invalid seed label %q", p.Seed)
		}
		opts = append(opts, WithSeed(p.Seed))
	}
	for id, label := range p.Outcomes {
		if !label.Valid() {
			return nil, fmt.Errorf("node %s: invalid outcome %q", id, label)
		}
		opts = append(opts, WithOutcome(id, label))
	}
	for _, id := range p.Errors {
		opts = append(opts, WithError(id, nil))
	}
	for id, raw := range p.Delays {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("node %s: invalid delay %q: %w", id, raw, err)
		}
		opts = append(opts, WithDelay(id, d))
	}
	return opts, nil
}

// Option configures an Executor.
type Option func(*Executor)

// WithSeed sets the label InitializeWorkflow returns.
func WithSeed(label workflow.EdgeLabel) Option {
	return func(e *Executor) { e.seed = label }
}

// WithOutcome makes nodeID complete with label.
func WithOutcome(nodeID string, label workflow.EdgeLabel) Option {
	return func(e *Executor) { e.labels[nodeID] = label }
}

// WithError makes nodeID fail. A nil err uses a generic simulated failure.
func WithError(nodeID string, err error) Option {
	return func(e *Executor) {
		if err == nil {
			err = fmt.Errorf("simulated failure of %s", nodeID)
		}
		e.errs[nodeID] = err
	}
}

// WithDelay makes nodeID wait d before finishing. The wait honours ctx.
func WithDelay(nodeID string, d time.Duration) Option {
	return func(e *Executor) { e.delays[nodeID] = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Executor implements workflow.StepExecutor[string, Report]. It is safe for
// concurrent use by many workflow instances.
type Executor struct {
	seed   workflow.EdgeLabel
	labels map[string]workflow.EdgeLabel
	errs   map[string]error
	delays map[string]time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	inputs map[string]string
	counts map[string]int
	calls  []Call
}

var _ workflow.StepExecutor[string, Report] = (*Executor)(nil)

// New creates an executor where every node succeeds immediately unless an
// option says otherwise.
func New(opts ...Option) *Executor {
	e := &Executor{
		seed:   workflow.EdgeLabelSuccess,
		labels: make(map[string]workflow.EdgeLabel),
		errs:   make(map[string]error),
		delays: make(map[string]time.Duration),
		logger: zap.NewNop(),
		inputs: make(map[string]string),
		counts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "simulation_executor"))
	return e
}

// NewFromPlan is New with the options described by p.
func NewFromPlan(p Plan, opts ...Option) (*Executor, error) {
	planOpts, err := p.Options()
	if err != nil {
		return nil, err
	}
	return New(append(planOpts, opts...)...), nil
}

func (e *Executor) InitializeWorkflow(ctx context.Context, input string) (workflow.EdgeLabel, error) {
	wfID, _ := ctxkeys.WorkflowID(ctx)
	e.mu.Lock()
	e.inputs[wfID] = input
	e.mu.Unlock()
	return e.seed, nil
}

func (e *Executor) PrepareNodeExecutionMessage(ctx context.Context, node workflow.Node) (string, error) {
	return e.message(ctx, node), nil
}

func (e *Executor) ExecuteNode(ctx context.Context, node workflow.Node, nodeInput string) (workflow.EdgeLabel, error) {
	e.record(ctx, node, workflow.ActionExecute, nodeInput)

	if d := e.delays[node.ID]; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := e.errs[node.ID]; err != nil {
		return "", err
	}
	if label, ok := e.labels[node.ID]; ok {
		return label, nil
	}
	return workflow.EdgeLabelSuccess, nil
}

func (e *Executor) PrepareNodeSkipMessage(ctx context.Context, node workflow.Node) (string, error) {
	return e.message(ctx, node), nil
}

func (e *Executor) SkipNode(ctx context.Context, node workflow.Node, skipInput string) (workflow.EdgeLabel, error) {
	e.record(ctx, node, workflow.ActionSkip, skipInput)
	return workflow.EdgeLabelSuccess, nil
}

// PrepareWorkflowOutput reports FAILURE when at least one error was captured.
func (e *Executor) PrepareWorkflowOutput(ctx context.Context, summary workflow.Summary) Report {
	e.mu.Lock()
	delete(e.inputs, summary.WorkflowID)
	e.mu.Unlock()

	report := Report{
		WorkflowID: summary.WorkflowID,
		Status:     workflow.EdgeLabelSuccess,
		Nodes:      summary.Statuses,
		Cancelled:  summary.Cancelled,
	}
	for _, err := range summary.Errors {
		report.Errors = append(report.Errors, err.Error())
	}
	if summary.Failed() {
		report.Status = workflow.EdgeLabelFailure
	}
	return report
}

// Count returns how many times nodeID was executed or skipped.
func (e *Executor) Count(nodeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[nodeID]
}

// Calls returns every invocation in call order.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Executed returns the executed node ids of workflowID, sorted.
func (e *Executor) Executed(workflowID string) []string {
	return e.nodes(workflowID, workflow.ActionExecute)
}

// Skipped returns the skipped node ids of workflowID, sorted.
func (e *Executor) Skipped(workflowID string) []string {
	return e.nodes(workflowID, workflow.ActionSkip)
}

func (e *Executor) nodes(workflowID string, action workflow.NodeAction) []string {
	var ids []string
	for _, c := range e.Calls() {
		if c.WorkflowID == workflowID && c.Action == action {
			ids = append(ids, c.NodeID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *Executor) message(ctx context.Context, node workflow.Node) string {
	wfID, _ := ctxkeys.WorkflowID(ctx)
	e.mu.Lock()
	input := e.inputs[wfID]
	e.mu.Unlock()
	return input + "@" + node.ID
}

func (e *Executor) record(ctx context.Context, node workflow.Node, action workflow.NodeAction, input string) {
	wfID, _ := ctxkeys.WorkflowID(ctx)
	e.mu.Lock()
	e.counts[node.ID]++
	e.calls = append(e.calls, Call{WorkflowID: wfID, NodeID: node.ID, Action: action, Input: input})
	e.mu.Unlock()

	e.logger.Debug("simulated step",
		zap.String("workflow_id", wfID),
		zap.String("node_id", node.ID),
		zap.String("action", string(action)),
	)
}
