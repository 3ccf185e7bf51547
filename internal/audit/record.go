package audit

import (
	"context"
	"errors"
	"time"
)

// RecordStatus is the lifecycle of an audit record.
type RecordStatus string

const (
	StatusInProgress RecordStatus = "IN_PROGRESS"
	StatusCompleted  RecordStatus = "COMPLETED"
)

// Outcome is the result of a finished workflow execution.
type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeFailure   Outcome = "FAILURE"
	OutcomeCancelled Outcome = "CANCELLED"
)

// ErrNotFound is returned when an audit record does not exist.
var ErrNotFound = errors.New("audit record not found")

// Record is one workflow execution as seen by the audit trail.
type Record struct {
	ID         string       `json:"id" gorm:"primaryKey;size:36"`
	WorkflowID string       `json:"workflow_id" gorm:"index;size:128;not null"`
	RequestID  string       `json:"request_id,omitempty" gorm:"index;size:128"`
	Graph      string       `json:"graph" gorm:"type:text"`
	Status     RecordStatus `json:"status" gorm:"size:16;not null"`
	Outcome    Outcome      `json:"outcome,omitempty" gorm:"size:16"`
	ErrorCount int          `json:"error_count"`
	Errors     []string     `json:"errors,omitempty" gorm:"serializer:json;type:text"`
	StartedAt  time.Time    `json:"started_at" gorm:"index"`
	EndedAt    *time.Time   `json:"ended_at,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// TableName 指定审计表名
func (Record) TableName() string { return "audit_records" }

// complete moves r to COMPLETED with the given outcome.
func (r *Record) complete(outcome Outcome, errs []string) {
	now := time.Now()
	r.Status = StatusCompleted
	r.Outcome = outcome
	r.Errors = errs
	r.ErrorCount = len(errs)
	r.EndedAt = &now
	r.UpdatedAt = now
}

// Store persists audit records. Implementations must be safe for concurrent use.
type Store interface {
	// StoreExecutionInput saves a new IN_PROGRESS record and returns its id.
	StoreExecutionInput(ctx context.Context, rec *Record) (string, error)
	// StoreExecutionOutput completes the record with the execution outcome.
	StoreExecutionOutput(ctx context.Context, id string, outcome Outcome, errs []string) error
	// FindByWorkflowID returns the records of a workflow id, oldest first.
	FindByWorkflowID(ctx context.Context, workflowID string) ([]Record, error)
	// FindByRequestID returns the records created by one request, oldest first.
	FindByRequestID(ctx context.Context, requestID string) ([]Record, error)
	Close() error
}

// Pinger is implemented by stores that can check their backend connection.
type Pinger interface {
	Ping(ctx context.Context) error
}
