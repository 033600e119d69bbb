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
	"sort"
	"sync"
	"time"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// MemoryStateStore is an in-memory saga.StateStore for tests and
// single-process development. Records are deep-copied on every read and
// write so callers never share memory with the store.
type MemoryStateStore struct {
	mu     sync.RWMutex
	sagas  map[string]*saga.SagaState
	closed bool
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{sagas: make(map[string]*saga.SagaState)}
}

// CreateSaga persists a fresh saga record.
func (m *MemoryStateStore) CreateSaga(ctx context.Context, state *saga.SagaState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return saga.ErrStoreClosed
	}
	if _, exists := m.sagas[state.SagaID]; exists {
		return saga.ErrSagaAlreadyExists
	}
	m.sagas[state.SagaID] = state.Clone()
	return nil
}

// GetSaga retrieves a saga by ID.
func (m *MemoryStateStore) GetSaga(ctx context.Context, sagaID string) (*saga.SagaState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, saga.ErrStoreClosed
	}
	state, exists := m.sagas[sagaID]
	if !exists {
		return nil, saga.ErrSagaNotFound
	}
	return state.Clone(), nil
}

// UpdateSaga conditionally writes a record against its version.
func (m *MemoryStateStore) UpdateSaga(ctx context.Context, state *saga.SagaState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return saga.ErrStoreClosed
	}
	current, exists := m.sagas[state.SagaID]
	if !exists {
		return saga.ErrSagaNotFound
	}
	if current.Version != state.Version {
		return saga.ErrVersionConflict
	}

	state.Version++
	state.UpdatedAt = time.Now().UTC()
	m.sagas[state.SagaID] = state.Clone()
	return nil
}

// FindExpired returns up to limit active sagas past their deadline, ordered
// by deadline.
func (m *MemoryStateStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*saga.SagaState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, saga.ErrStoreClosed
	}

	var expired []*saga.SagaState
	for _, state := range m.sagas {
		if state.Status.IsActive() && state.Expired(now) {
			expired = append(expired, state.Clone())
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].TimeoutAt.Before(expired[j].TimeoutAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// FindByStatus returns all sagas in any of the given statuses.
func (m *MemoryStateStore) FindByStatus(ctx context.Context, statuses ...saga.SagaStatus) ([]*saga.SagaState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, saga.ErrStoreClosed
	}

	wanted := make(map[saga.SagaStatus]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	var matches []*saga.SagaState
	for _, state := range m.sagas {
		if _, ok := wanted[state.Status]; ok {
			matches = append(matches, state.Clone())
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	return matches, nil
}

// CountByStatus returns the number of sagas per status.
func (m *MemoryStateStore) CountByStatus(ctx context.Context) (map[saga.SagaStatus]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, saga.ErrStoreClosed
	}

	counts := make(map[saga.SagaStatus]int64)
	for _, state := range m.sagas {
		counts[state.Status]++
	}
	return counts, nil
}

// Close marks the store closed. Subsequent operations fail with
// saga.ErrStoreClosed.
func (m *MemoryStateStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
