package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/blueprintflow/internal/database"
)

const outputRetries = 3

// GormStore keeps audit records in a SQL database through GORM.
type GormStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

var _ Store = (*GormStore)(nil)

// NewGormStore migrates the audit_records table and returns the store.
func NewGormStore(pool *database.PoolManager, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit_records: %w", err)
	}
	return &GormStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "audit_gorm_store")),
	}, nil
}

func (s *GormStore) StoreExecutionInput(ctx context.Context, rec *Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now()
	rec.Status = StatusInProgress
	rec.StartedAt = now
	rec.UpdatedAt = now

	if err := s.pool.DB().WithContext(ctx).Create(rec).Error; err != nil {
		return "", fmt.Errorf("failed to store audit record: %w", err)
	}
	return rec.ID, nil
}

func (s *GormStore) StoreExecutionOutput(ctx context.Context, id string, outcome Outcome, errs []string) error {
	return s.pool.WithTransactionRetry(ctx, outputRetries, func(tx *gorm.DB) error {
		var rec Record
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("record %s: %w", id, ErrNotFound)
			}
			return err
		}
		rec.complete(outcome, errs)
		return tx.Save(&rec).Error
	})
}

func (s *GormStore) FindByWorkflowID(ctx context.Context, workflowID string) ([]Record, error) {
	return s.find(ctx, "workflow_id = ?", workflowID)
}

func (s *GormStore) FindByRequestID(ctx context.Context, requestID string) ([]Record, error) {
	return s.find(ctx, "request_id = ?", requestID)
}

func (s *GormStore) find(ctx context.Context, query string, arg string) ([]Record, error) {
	var recs []Record
	err := s.pool.DB().WithContext(ctx).
		Where(query, arg).
		Order("started_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	return recs, nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *GormStore) Close() error {
	return s.pool.Close()
}
