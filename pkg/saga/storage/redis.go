// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// Redis key naming conventions
const (
	// sagaKeyPattern is the pattern for saga record keys: {prefix}saga:{sagaID}
	sagaKeyPattern = "%ssaga:%s"

	// statusIndexKeyPattern is the pattern for indexing sagas by status:
	// {prefix}index:status:{status}
	statusIndexKeyPattern = "%sindex:status:%s"

	// timeoutKeyPattern is the pattern for the deadline sorted set:
	// {prefix}timeout (score is TimeoutAt in unix milliseconds)
	timeoutKeyPattern = "%stimeout"
)

// ErrInvalidRedisConfig is returned for a nil or unusable Redis configuration.
var ErrInvalidRedisConfig = errors.New("invalid redis configuration")

// RedisConfig configures the Redis state store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `json:"addr" yaml:"addr"`

	// Password authenticates the connection, empty for none.
	Password string `json:"password" yaml:"password"`

	// DB selects the logical database.
	DB int `json:"db" yaml:"db"`

	// KeyPrefix namespaces every key this store writes.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`

	// PoolSize caps concurrent connections. Zero selects the client default.
	PoolSize int `json:"pool_size" yaml:"pool_size"`
}

// Validate checks the configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalidRedisConfig)
	}
	return nil
}

// DefaultRedisConfig returns a configuration for a local Redis.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:        "localhost:6379",
		KeyPrefix:   "sagaflow:",
		DialTimeout: 5 * time.Second,
	}
}

// RedisStateStore is a Redis-backed saga.StateStore suitable for multiple
// engine processes sharing one record set.
//
// Key design:
//   - Saga records: {prefix}saga:{sagaID} (JSON)
//   - Status index: {prefix}index:status:{status} (set of saga IDs)
//   - Deadline index: {prefix}timeout (sorted set, score = TimeoutAt unix ms,
//     active sagas only)
//
// Conditional writes run under WATCH on the record key: a concurrent write
// between read and EXEC aborts the transaction, which surfaces as
// saga.ErrVersionConflict.
type RedisStateStore struct {
	client    redis.UniversalClient
	keyPrefix string

	mu     sync.RWMutex
	closed bool
}

// NewRedisStateStore connects to Redis and verifies connectivity.
func NewRedisStateStore(config *RedisConfig) (*RedisStateStore, error) {
	if config == nil {
		return nil, ErrInvalidRedisConfig
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: dialTimeout,
		PoolSize:    config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisStateStore{client: client, keyPrefix: config.KeyPrefix}, nil
}

// NewRedisStateStoreFromClient wraps an existing client. Used by tests and
// callers that manage the connection themselves.
func NewRedisStateStoreFromClient(client redis.UniversalClient, keyPrefix string) *RedisStateStore {
	return &RedisStateStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStateStore) sagaKey(sagaID string) string {
	return fmt.Sprintf(sagaKeyPattern, r.keyPrefix, sagaID)
}

func (r *RedisStateStore) statusKey(status saga.SagaStatus) string {
	return fmt.Sprintf(statusIndexKeyPattern, r.keyPrefix, status.String())
}

func (r *RedisStateStore) timeoutKey() string {
	return fmt.Sprintf(timeoutKeyPattern, r.keyPrefix)
}

func (r *RedisStateStore) checkClosed() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return saga.ErrStoreClosed
	}
	return nil
}

// CreateSaga persists a fresh saga record and its index entries.
func (r *RedisStateStore) CreateSaga(ctx context.Context, state *saga.SagaState) error {
	if err := r.checkClosed(); err != nil {
		return err
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal saga %s: %w", state.SagaID, err)
	}

	ok, err := r.client.SetNX(ctx, r.sagaKey(state.SagaID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create saga %s: %w", state.SagaID, err)
	}
	if !ok {
		return saga.ErrSagaAlreadyExists
	}

	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, r.statusKey(state.Status), state.SagaID)
	if state.Status.IsActive() {
		pipe.ZAdd(ctx, r.timeoutKey(), redis.Z{
			Score:  float64(state.TimeoutAt.UnixMilli()),
			Member: state.SagaID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index saga %s: %w", state.SagaID, err)
	}
	return nil
}

// GetSaga retrieves a saga by ID.
func (r *RedisStateStore) GetSaga(ctx context.Context, sagaID string) (*saga.SagaState, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	payload, err := r.client.Get(ctx, r.sagaKey(sagaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, saga.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get saga %s: %w", sagaID, err)
	}

	var state saga.SagaState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga %s: %w", sagaID, err)
	}
	return &state, nil
}

// UpdateSaga conditionally writes a record against its version. The record
// key is watched for the whole read-compare-write cycle; any concurrent
// writer aborts the transaction.
func (r *RedisStateStore) UpdateSaga(ctx context.Context, state *saga.SagaState) error {
	if err := r.checkClosed(); err != nil {
		return err
	}

	key := r.sagaKey(state.SagaID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return saga.ErrSagaNotFound
		}
		if err != nil {
			return err
		}

		var current saga.SagaState
		if err := json.Unmarshal(payload, &current); err != nil {
			return fmt.Errorf("failed to unmarshal saga %s: %w", state.SagaID, err)
		}
		if current.Version != state.Version {
			return saga.ErrVersionConflict
		}

		next := state.Clone()
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		nextPayload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal saga %s: %w", state.SagaID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nextPayload, 0)
			if current.Status != next.Status {
				pipe.SRem(ctx, r.statusKey(current.Status), next.SagaID)
				pipe.SAdd(ctx, r.statusKey(next.Status), next.SagaID)
			}
			if next.Status.IsActive() {
				pipe.ZAdd(ctx, r.timeoutKey(), redis.Z{
					Score:  float64(next.TimeoutAt.UnixMilli()),
					Member: next.SagaID,
				})
			} else {
				pipe.ZRem(ctx, r.timeoutKey(), next.SagaID)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return saga.ErrVersionConflict
	}
	if err != nil {
		return err
	}

	state.Version++
	state.UpdatedAt = time.Now().UTC()
	return nil
}

// FindExpired returns up to limit active sagas past their deadline, ordered
// by deadline.
func (r *RedisStateStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*saga.SagaState, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	ids, err := r.client.ZRangeByScore(ctx, r.timeoutKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query timeout index: %w", err)
	}

	expired := make([]*saga.SagaState, 0, len(ids))
	for _, id := range ids {
		state, err := r.GetSaga(ctx, id)
		if errors.Is(err, saga.ErrSagaNotFound) {
			// Stale index entry; the record was removed.
			r.client.ZRem(ctx, r.timeoutKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if state.Status.IsActive() {
			expired = append(expired, state)
		}
	}
	return expired, nil
}

// FindByStatus returns all sagas in any of the given statuses.
func (r *RedisStateStore) FindByStatus(ctx context.Context, statuses ...saga.SagaStatus) ([]*saga.SagaState, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	var matches []*saga.SagaState
	for _, status := range statuses {
		ids, err := r.client.SMembers(ctx, r.statusKey(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to query status index %s: %w", status, err)
		}
		for _, id := range ids {
			state, err := r.GetSaga(ctx, id)
			if errors.Is(err, saga.ErrSagaNotFound) {
				r.client.SRem(ctx, r.statusKey(status), id)
				continue
			}
			if err != nil {
				return nil, err
			}
			// The index can lag a concurrent transition; trust the record.
			if state.Status == status {
				matches = append(matches, state)
			}
		}
	}
	return matches, nil
}

// CountByStatus returns the number of sagas per status.
func (r *RedisStateStore) CountByStatus(ctx context.Context) (map[saga.SagaStatus]int64, error) {
	if err := r.checkClosed(); err != nil {
		return nil, err
	}

	counts := make(map[saga.SagaStatus]int64)
	for _, status := range saga.AllStatuses() {
		n, err := r.client.SCard(ctx, r.statusKey(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count status %s: %w", status, err)
		}
		if n > 0 {
			counts[status] = n
		}
	}
	return counts, nil
}

// Close releases the Redis client.
func (r *RedisStateStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
