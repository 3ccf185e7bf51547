package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NodeState is the lifecycle phase of a node within one workflow instance.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeRunning   NodeState = "running"
	NodeCompleted NodeState = "completed"
	NodeSkipped   NodeState = "skipped"
	NodeFailed    NodeState = "failed"
	NodeTimedOut  NodeState = "timed_out"
)

// NodeStatus is the runtime status of a node. Label is set for completed
// nodes, Err for failed and timed out ones.
type NodeStatus struct {
	State NodeState
	Label EdgeLabel
	Err   error
}

func StatusPending() NodeStatus { return NodeStatus{State: NodePending} }
func StatusRunning() NodeStatus { return NodeStatus{State: NodeRunning} }
func StatusSkipped() NodeStatus { return NodeStatus{State: NodeSkipped} }

func StatusCompleted(label EdgeLabel) NodeStatus {
	return NodeStatus{State: NodeCompleted, Label: label}
}

func StatusFailed(err error) NodeStatus {
	return NodeStatus{State: NodeFailed, Err: err}
}

func StatusTimedOut(err error) NodeStatus {
	return NodeStatus{State: NodeTimedOut, Err: err}
}

// IsTerminal reports whether no further transition is allowed.
func (s NodeStatus) IsTerminal() bool {
	switch s.State {
	case NodeCompleted, NodeSkipped, NodeFailed, NodeTimedOut:
		return true
	default:
		return false
	}
}

// TraversalLabel is the label used to pick successors once the node is terminal.
// Skipped nodes propagate like SUCCESS; failed and timed out nodes like FAILURE.
func (s NodeStatus) TraversalLabel() EdgeLabel {
	switch s.State {
	case NodeCompleted:
		return s.Label
	case NodeFailed, NodeTimedOut:
		return EdgeLabelFailure
	default:
		return EdgeLabelSuccess
	}
}

func (s NodeStatus) String() string {
	switch s.State {
	case NodeCompleted:
		return fmt.Sprintf("%s(%s)", s.State, s.Label)
	case NodeFailed, NodeTimedOut:
		if s.Err != nil {
			return fmt.Sprintf("%s(%v)", s.State, s.Err)
		}
	}
	return string(s.State)
}

type nodeStatusJSON struct {
	State NodeState `json:"state"`
	Label EdgeLabel `json:"label,omitempty"`
	Error string    `json:"error,omitempty"`
}

func (s NodeStatus) MarshalJSON() ([]byte, error) {
	out := nodeStatusJSON{State: s.State, Label: s.Label}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a status written by MarshalJSON. The error text
// comes back as a plain error.
func (s *NodeStatus) UnmarshalJSON(data []byte) error {
	var in nodeStatusJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = NodeStatus{State: in.State, Label: in.Label}
	if in.Error != "" {
		s.Err = errors.New(in.Error)
	}
	return nil
}

var allowedTransitions = map[NodeState][]NodeState{
	NodePending: {NodeRunning, NodeSkipped},
	NodeRunning: {NodeCompleted, NodeFailed, NodeTimedOut},
}

func isAllowedTransition(from, to NodeState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves nodeID to the next status, rejecting moves that the node
// lifecycle does not allow.
func Transition(statuses map[string]NodeStatus, nodeID string, to NodeStatus) error {
	from, ok := statuses[nodeID]
	if !ok {
		return fmt.Errorf("node(%s) has no status", nodeID)
	}
	if !isAllowedTransition(from.State, to.State) {
		return fmt.Errorf("node(%s) illegal transition %s -> %s", nodeID, from.State, to.State)
	}
	statuses[nodeID] = to
	return nil
}
