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

package saga

import (
	"context"
	"time"
)

// StateStore is the durable, versioned persistence contract for saga
// records. Implementations must make UpdateSaga a conditional write on
// Version: the write succeeds only when the stored version equals the
// version the caller read, and increments it on success.
type StateStore interface {
	// CreateSaga persists a fresh saga record. Returns ErrSagaAlreadyExists
	// if the ID is taken.
	CreateSaga(ctx context.Context, state *SagaState) error

	// GetSaga retrieves a saga by ID, ErrSagaNotFound if absent.
	GetSaga(ctx context.Context, sagaID string) (*SagaState, error)

	// UpdateSaga conditionally writes a record: it succeeds only when the
	// stored version matches state.Version, and on success bumps
	// state.Version in place. Returns ErrVersionConflict on a mismatch.
	UpdateSaga(ctx context.Context, state *SagaState) error

	// FindExpired returns up to limit active sagas whose TimeoutAt is at or
	// before now, ordered by deadline.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*SagaState, error)

	// FindByStatus returns all sagas currently in any of the given statuses.
	// Used by the recovery pass on process startup.
	FindByStatus(ctx context.Context, statuses ...SagaStatus) ([]*SagaState, error)

	// CountByStatus returns the number of sagas per status for the health
	// interface.
	CountByStatus(ctx context.Context) (map[SagaStatus]int64, error)

	// Close releases the store's resources.
	Close() error
}

// EventPublisher emits lifecycle events to an external message channel.
// Publishing is fire-and-forget from the engine's perspective: failures are
// logged but never block or fail the saga.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}
