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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

func newState(sagaID string, timeout time.Duration) *saga.SagaState {
	return saga.NewSagaState(sagaID, "order-fulfillment", json.RawMessage(`{"order":"o-1"}`), timeout)
}

func TestMemoryCreateAndGet(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	state := newState("saga-1", time.Minute)
	if err := store.CreateSaga(ctx, state); err != nil {
		t.Fatalf("CreateSaga failed: %v", err)
	}

	got, err := store.GetSaga(ctx, "saga-1")
	if err != nil {
		t.Fatalf("GetSaga failed: %v", err)
	}
	if got.SagaID != "saga-1" || got.Status != saga.StatusInitiated || got.Version != 1 {
		t.Errorf("unexpected record: %+v", got)
	}

	// The returned record is a copy; mutating it must not leak into the store.
	got.Status = saga.StatusCompleted
	again, _ := store.GetSaga(ctx, "saga-1")
	if again.Status != saga.StatusInitiated {
		t.Error("store handed out shared memory")
	}
}

func TestMemoryCreateDuplicate(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	if err := store.CreateSaga(ctx, newState("saga-1", time.Minute)); err != nil {
		t.Fatalf("CreateSaga failed: %v", err)
	}
	if err := store.CreateSaga(ctx, newState("saga-1", time.Minute)); !errors.Is(err, saga.ErrSagaAlreadyExists) {
		t.Errorf("expected ErrSagaAlreadyExists, got %v", err)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	store := NewMemoryStateStore()
	if _, err := store.GetSaga(context.Background(), "nope"); !errors.Is(err, saga.ErrSagaNotFound) {
		t.Errorf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestMemoryUpdateBumpsVersion(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	state := newState("saga-1", time.Minute)
	if err := store.CreateSaga(ctx, state); err != nil {
		t.Fatalf("CreateSaga failed: %v", err)
	}

	state.Status = saga.StatusInProgress
	if err := store.UpdateSaga(ctx, state); err != nil {
		t.Fatalf("UpdateSaga failed: %v", err)
	}
	if state.Version != 2 {
		t.Errorf("version not bumped in place, got %d", state.Version)
	}

	got, _ := store.GetSaga(ctx, "saga-1")
	if got.Version != 2 || got.Status != saga.StatusInProgress {
		t.Errorf("unexpected record after update: %+v", got)
	}
}

func TestMemoryUpdateVersionConflict(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	if err := store.CreateSaga(ctx, newState("saga-1", time.Minute)); err != nil {
		t.Fatalf("CreateSaga failed: %v", err)
	}

	a, _ := store.GetSaga(ctx, "saga-1")
	b, _ := store.GetSaga(ctx, "saga-1")

	a.Status = saga.StatusInProgress
	if err := store.UpdateSaga(ctx, a); err != nil {
		t.Fatalf("first writer must win: %v", err)
	}

	b.Status = saga.StatusCompensating
	if err := store.UpdateSaga(ctx, b); !errors.Is(err, saga.ErrVersionConflict) {
		t.Errorf("second writer must lose with ErrVersionConflict, got %v", err)
	}

	got, _ := store.GetSaga(ctx, "saga-1")
	if got.Status != saga.StatusInProgress {
		t.Errorf("losing write must not land, status = %s", got.Status)
	}
}

func TestMemoryConcurrentWritersExactlyOneWins(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	if err := store.CreateSaga(ctx, newState("saga-1", time.Minute)); err != nil {
		t.Fatalf("CreateSaga failed: %v", err)
	}

	const writers = 16
	var wins, conflicts int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := store.GetSaga(ctx, "saga-1")
			if err != nil {
				t.Errorf("GetSaga failed: %v", err)
				return
			}
			<-start
			state.Status = saga.StatusInProgress
			switch err := store.UpdateSaga(ctx, state); {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, saga.ErrVersionConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("exactly one concurrent writer must win, got %d", wins)
	}
	if conflicts != writers-1 {
		t.Errorf("expected %d conflicts, got %d", writers-1, conflicts)
	}
}

func TestMemoryFindExpired(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	late := newState("saga-late", time.Minute)
	late.TimeoutAt = time.Now().Add(-time.Minute)
	later := newState("saga-later", time.Minute)
	later.TimeoutAt = time.Now().Add(-2 * time.Minute)
	live := newState("saga-live", time.Hour)
	doneButPast := newState("saga-done", time.Minute)
	doneButPast.Status = saga.StatusCompleted
	doneButPast.TimeoutAt = time.Now().Add(-time.Minute)

	for _, s := range []*saga.SagaState{late, later, live, doneButPast} {
		if err := store.CreateSaga(ctx, s); err != nil {
			t.Fatalf("CreateSaga failed: %v", err)
		}
	}

	expired, err := store.FindExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("FindExpired failed: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired sagas, got %d", len(expired))
	}
	// Ordered by deadline, oldest first.
	if expired[0].SagaID != "saga-later" || expired[1].SagaID != "saga-late" {
		t.Errorf("wrong order: %s, %s", expired[0].SagaID, expired[1].SagaID)
	}

	limited, err := store.FindExpired(ctx, time.Now(), 1)
	if err != nil {
		t.Fatalf("FindExpired failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit not honored, got %d", len(limited))
	}
}

func TestMemoryFindByStatus(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	running := newState("saga-running", time.Minute)
	running.Status = saga.StatusInProgress
	done := newState("saga-done", time.Minute)
	done.Status = saga.StatusCompleted

	for _, s := range []*saga.SagaState{newState("saga-new", time.Minute), running, done} {
		if err := store.CreateSaga(ctx, s); err != nil {
			t.Fatalf("CreateSaga failed: %v", err)
		}
	}

	active, err := store.FindByStatus(ctx, saga.StatusInitiated, saga.StatusInProgress)
	if err != nil {
		t.Fatalf("FindByStatus failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active sagas, got %d", len(active))
	}
	for _, s := range active {
		if s.SagaID == "saga-done" {
			t.Error("completed saga must not match active statuses")
		}
	}
}

func TestMemoryCountByStatus(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		if err := store.CreateSaga(ctx, newState(id, time.Minute)); err != nil {
			t.Fatalf("CreateSaga failed: %v", err)
		}
	}
	done := newState("s3", time.Minute)
	done.Status = saga.StatusCompleted
	if err := store.CreateSaga(ctx, done); err != nil {
		t.Fatalf("CreateSaga failed: %v", err)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[saga.StatusInitiated] != 2 || counts[saga.StatusCompleted] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestMemoryClosedStore(t *testing.T) {
	store := NewMemoryStateStore()
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx := context.Background()
	if err := store.CreateSaga(ctx, newState("saga-1", time.Minute)); !errors.Is(err, saga.ErrStoreClosed) {
		t.Errorf("CreateSaga on closed store: %v", err)
	}
	if _, err := store.GetSaga(ctx, "saga-1"); !errors.Is(err, saga.ErrStoreClosed) {
		t.Errorf("GetSaga on closed store: %v", err)
	}
}
