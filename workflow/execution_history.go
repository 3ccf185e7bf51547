package workflow

import (
	"sort"
	"sync"
	"time"
)

// ExecutionStatus is the overall status of one workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	// ExecutionStatusFailed means traversal finished but at least one error was captured.
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// NodeAction is what the engine decided to do with a node.
type NodeAction string

const (
	ActionExecute NodeAction = "execute"
	ActionSkip    NodeAction = "skip"
	// ActionPrune marks nodes that were never reached; the executor is not called.
	ActionPrune NodeAction = "prune"
)

// NodeExecution records how one node was handled.
type NodeExecution struct {
	NodeID    string        `json:"node_id"`
	Action    NodeAction    `json:"action"`
	Layer     int           `json:"layer"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Status    NodeState     `json:"status"`
	Label     EdgeLabel     `json:"label,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ExecutionHistory records the traversal of one workflow instance. It is
// written by the instance mailbox and read once the execution has finished.
type ExecutionHistory struct {
	ExecutionID string           `json:"execution_id"`
	WorkflowID  string           `json:"workflow_id"`
	Graph       string           `json:"graph"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     time.Time        `json:"end_time"`
	Duration    time.Duration    `json:"duration"`
	Status      ExecutionStatus  `json:"status"`
	Layers      int              `json:"layers"`
	Nodes       []*NodeExecution `json:"nodes"`
	Errors      []string         `json:"errors,omitempty"`
	mu          sync.RWMutex
}

// NewExecutionHistory creates a running execution history.
func NewExecutionHistory(executionID, workflowID string) *ExecutionHistory {
	return &ExecutionHistory{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StartTime:   time.Now(),
		Status:      ExecutionStatusRunning,
		Nodes:       make([]*NodeExecution, 0),
	}
}

// RecordNodeStart appends a node record.
func (h *ExecutionHistory) RecordNodeStart(nodeID string, action NodeAction, layer int) *NodeExecution {
	h.mu.Lock()
	defer h.mu.Unlock()

	node := &NodeExecution{
		NodeID:    nodeID,
		Action:    action,
		Layer:     layer,
		StartTime: time.Now(),
		Status:    NodeRunning,
	}
	if layer > h.Layers {
		h.Layers = layer
	}
	h.Nodes = append(h.Nodes, node)
	return node
}

// RecordNodeEnd closes a node record with its final status and the label the
// executor returned (which may differ from the traversal label for skips).
func (h *ExecutionHistory) RecordNodeEnd(node *NodeExecution, status NodeStatus, label EdgeLabel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	node.EndTime = time.Now()
	node.Duration = node.EndTime.Sub(node.StartTime)
	node.Status = status.State
	node.Label = label
	if status.Err != nil {
		node.Error = status.Err.Error()
	}
}

// Complete marks the execution finished.
func (h *ExecutionHistory) Complete(status ExecutionStatus, errs []error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.EndTime = time.Now()
	h.Duration = h.EndTime.Sub(h.StartTime)
	h.Status = status
	for _, err := range errs {
		h.Errors = append(h.Errors, err.Error())
	}
}

// GetNodes returns a copy of the node records.
func (h *ExecutionHistory) GetNodes() []*NodeExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	nodes := make([]*NodeExecution, len(h.Nodes))
	copy(nodes, h.Nodes)
	return nodes
}

// GetNodeByID returns the record for a node, or nil.
func (h *ExecutionHistory) GetNodeByID(nodeID string) *NodeExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, node := range h.Nodes {
		if node.NodeID == nodeID {
			return node
		}
	}
	return nil
}

// ExecutionHistoryStore keeps finished histories in memory, evicting the
// oldest once MaxEntries is exceeded.
type ExecutionHistoryStore struct {
	MaxEntries int

	histories map[string]*ExecutionHistory
	order     []string
	mu        sync.RWMutex
}

// NewExecutionHistoryStore creates a store. maxEntries <= 0 means unbounded.
func NewExecutionHistoryStore(maxEntries int) *ExecutionHistoryStore {
	return &ExecutionHistoryStore{
		MaxEntries: maxEntries,
		histories:  make(map[string]*ExecutionHistory),
	}
}

// Save stores a history, replacing one with the same execution id.
func (s *ExecutionHistoryStore) Save(history *ExecutionHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.histories[history.ExecutionID]; !exists {
		s.order = append(s.order, history.ExecutionID)
	}
	s.histories[history.ExecutionID] = history

	for s.MaxEntries > 0 && len(s.order) > s.MaxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.histories, oldest)
	}
}

// Get retrieves a history by execution id.
func (s *ExecutionHistoryStore) Get(executionID string) (*ExecutionHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[executionID]
	return h, ok
}

// Delete removes a history.
func (s *ExecutionHistoryStore) Delete(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.histories[executionID]; !ok {
		return
	}
	delete(s.histories, executionID)
	for i, id := range s.order {
		if id == executionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// List returns every stored history, oldest first.
func (s *ExecutionHistoryStore) List() []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ExecutionHistory, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.histories[id])
	}
	return result
}

// ListByWorkflow returns all executions of a workflow id, oldest first.
func (s *ExecutionHistoryStore) ListByWorkflow(workflowID string) []*ExecutionHistory {
	return s.filter(func(h *ExecutionHistory) bool { return h.WorkflowID == workflowID })
}

// ListByStatus returns executions with a specific status.
func (s *ExecutionHistoryStore) ListByStatus(status ExecutionStatus) []*ExecutionHistory {
	return s.filter(func(h *ExecutionHistory) bool { return h.Status == status })
}

// ListByTimeRange returns executions started within [start, end].
func (s *ExecutionHistoryStore) ListByTimeRange(start, end time.Time) []*ExecutionHistory {
	result := s.filter(func(h *ExecutionHistory) bool {
		return !h.StartTime.Before(start) && !h.StartTime.After(end)
	})
	sort.SliceStable(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result
}

func (s *ExecutionHistoryStore) filter(keep func(*ExecutionHistory) bool) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ExecutionHistory
	for _, id := range s.order {
		if h := s.histories[id]; keep(h) {
			result = append(result, h)
		}
	}
	return result
}
