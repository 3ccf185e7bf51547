package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/blueprintflow/config"
	"github.com/BaSui01/blueprintflow/internal/database"
	"github.com/BaSui01/blueprintflow/workflow"
)

// Open creates the store selected by cfg.Backend.
func Open(cfg config.AuditConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "gorm", "":
		pool, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		store, err := NewGormStore(pool, logger)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		return store, nil
	case "redis":
		client, err := DialRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Redis, logger), nil
	default:
		return nil, fmt.Errorf("unsupported audit backend: %s (supported: gorm, redis)", cfg.Backend)
	}
}

// Recorder writes workflow instances to a Store. It implements
// workflow.AuditRecorder.
type Recorder struct {
	store  Store
	logger *zap.Logger
}

var _ workflow.AuditRecorder = (*Recorder)(nil)

// NewRecorder creates a recorder on store.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		logger: logger.With(zap.String("component", "audit_recorder")),
	}
}

// Store returns the underlying store.
func (r *Recorder) Store() Store { return r.store }

func (r *Recorder) Started(ctx context.Context, info workflow.AuditInfo) (string, error) {
	id, err := r.store.StoreExecutionInput(ctx, &Record{
		WorkflowID: info.WorkflowID,
		RequestID:  info.RequestID,
		Graph:      info.Graph,
	})
	if err != nil {
		return "", err
	}
	r.logger.Debug("audit record created",
		zap.String("record_id", id),
		zap.String("workflow_id", info.WorkflowID),
	)
	return id, nil
}

func (r *Recorder) Finished(ctx context.Context, recordID string, summary workflow.Summary) error {
	errs := make([]string, 0, len(summary.Errors))
	for _, err := range summary.Errors {
		errs = append(errs, err.Error())
	}
	return r.store.StoreExecutionOutput(ctx, recordID, OutcomeOf(summary), errs)
}

// OutcomeOf maps a workflow summary to an audit outcome.
func OutcomeOf(summary workflow.Summary) Outcome {
	switch {
	case summary.Cancelled:
		return OutcomeCancelled
	case summary.Failed():
		return OutcomeFailure
	default:
		return OutcomeSuccess
	}
}
