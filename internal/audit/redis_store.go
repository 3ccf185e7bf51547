package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/blueprintflow/config"
	"github.com/BaSui01/blueprintflow/internal/tlsutil"
)

// RedisStore keeps each record as a JSON value and indexes record ids in
// sorted sets keyed by workflow id and request id, scored by start time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// DialRedis connects to Redis and checks the connection.
func DialRedis(cfg config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLS {
		tlsCfg, err := tlsutil.ClientConfig(cfg.Addr)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsCfg
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a store on client. The store closes client on Close.
func NewRedisStore(client *redis.Client, cfg config.RedisConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "blueprintflow:audit:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "audit_redis_store")),
	}
}

func (s *RedisStore) recordKey(id string) string {
	return s.prefix + "record:" + id
}

func (s *RedisStore) workflowKey(workflowID string) string {
	return s.prefix + "workflow:" + workflowID
}

func (s *RedisStore) requestKey(requestID string) string {
	return s.prefix + "request:" + requestID
}

func (s *RedisStore) StoreExecutionInput(ctx context.Context, rec *Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now()
	rec.Status = StatusInProgress
	rec.StartedAt = now
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit record: %w", err)
	}

	score := float64(rec.StartedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.workflowKey(rec.WorkflowID), redis.Z{Score: score, Member: rec.ID})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.workflowKey(rec.WorkflowID), s.ttl)
	}
	if rec.RequestID != "" {
		pipe.ZAdd(ctx, s.requestKey(rec.RequestID), redis.Z{Score: score, Member: rec.ID})
		if s.ttl > 0 {
			pipe.Expire(ctx, s.requestKey(rec.RequestID), s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to store audit record: %w", err)
	}
	return rec.ID, nil
}

func (s *RedisStore) StoreExecutionOutput(ctx context.Context, id string, outcome Outcome, errs []string) error {
	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	rec.complete(outcome, errs)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	ttl := time.Duration(0)
	if s.ttl > 0 {
		ttl = redis.KeepTTL
	}
	if err := s.client.Set(ctx, s.recordKey(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to update audit record: %w", err)
	}
	return nil
}

func (s *RedisStore) FindByWorkflowID(ctx context.Context, workflowID string) ([]Record, error) {
	return s.list(ctx, s.workflowKey(workflowID))
}

func (s *RedisStore) FindByRequestID(ctx context.Context, requestID string) ([]Record, error) {
	return s.list(ctx, s.requestKey(requestID))
}

func (s *RedisStore) list(ctx context.Context, indexKey string) ([]Record, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit index: %w", err)
	}

	recs := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// 记录已过期，索引稍后随 TTL 一并清理
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

func (s *RedisStore) get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit record: %w", err)
	}
	return &rec, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
