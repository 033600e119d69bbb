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

package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/compensation"
)

// fakeStore is a minimal in-memory StateStore with conditional writes.
type fakeStore struct {
	mu    sync.Mutex
	sagas map[string]*saga.SagaState
}

func newFakeStore() *fakeStore {
	return &fakeStore{sagas: make(map[string]*saga.SagaState)}
}

func (s *fakeStore) CreateSaga(ctx context.Context, state *saga.SagaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[state.SagaID]; ok {
		return saga.ErrSagaAlreadyExists
	}
	s.sagas[state.SagaID] = state.Clone()
	return nil
}

func (s *fakeStore) GetSaga(ctx context.Context, sagaID string) (*saga.SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sagas[sagaID]
	if !ok {
		return nil, saga.ErrSagaNotFound
	}
	return state.Clone(), nil
}

func (s *fakeStore) UpdateSaga(ctx context.Context, state *saga.SagaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sagas[state.SagaID]
	if !ok {
		return saga.ErrSagaNotFound
	}
	if current.Version != state.Version {
		return saga.ErrVersionConflict
	}
	state.Version++
	state.UpdatedAt = time.Now()
	s.sagas[state.SagaID] = state.Clone()
	return nil
}

func (s *fakeStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*saga.SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*saga.SagaState
	for _, state := range s.sagas {
		if state.Status.IsActive() && state.Expired(now) {
			out = append(out, state.Clone())
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) FindByStatus(ctx context.Context, statuses ...saga.SagaStatus) ([]*saga.SagaState, error) {
	return nil, nil
}

func (s *fakeStore) CountByStatus(ctx context.Context) (map[saga.SagaStatus]int64, error) {
	return nil, nil
}

func (s *fakeStore) Close() error { return nil }

type capturePublisher struct {
	mu     sync.Mutex
	events []*saga.Event
}

func (p *capturePublisher) Publish(ctx context.Context, event *saga.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) has(eventType saga.EventType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func newTestMonitor(t *testing.T, store saga.StateStore, pub saga.EventPublisher, registry *saga.Registry) *Monitor {
	t.Helper()
	comp, err := compensation.New(&compensation.Config{
		Store:       store,
		Publisher:   pub,
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("compensation.New failed: %v", err)
	}
	m, err := New(&Config{
		Store:       store,
		Publisher:   pub,
		Registry:    registry,
		Compensator: comp,
		Interval:    time.Millisecond,
		BatchLimit:  10,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func seedExpiredSaga(t *testing.T, store saga.StateStore, sagaID string, completedSteps ...string) {
	t.Helper()
	state := saga.NewSagaState(sagaID, "order-fulfillment", json.RawMessage(`{}`), time.Minute)
	state.Status = saga.StatusInProgress
	for _, name := range completedSteps {
		if err := state.RecordStepCompletion(name, nil, nil); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	state.TimeoutAt = time.Now().Add(-time.Second)
	if err := store.CreateSaga(context.Background(), state); err != nil {
		t.Fatalf("CreateSaga failed: %v", err)
	}
}

func TestSweepClaimsAndRollsBackExpiredSaga(t *testing.T) {
	store := newFakeStore()
	pub := &capturePublisher{}
	registry := saga.NewRegistry()

	var compensated []string
	if err := registry.Register(&saga.SagaDefinition{
		SagaType: "order-fulfillment",
		Steps: []saga.StepDefinition{
			{Name: "reserve-inventory", Handler: saga.NewHandler(
				func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) { return nil, nil },
				func(ctx context.Context, cc *saga.CompensationContext) error {
					compensated = append(compensated, cc.StepName)
					if cc.Reason != saga.TimeoutReason {
						t.Errorf("compensation reason = %q, want %q", cc.Reason, saga.TimeoutReason)
					}
					return nil
				},
			)},
			{Name: "charge-payment", Handler: saga.ForwardFunc(func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) { return nil, nil })},
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	seedExpiredSaga(t, store, "saga-expired", "reserve-inventory")

	m := newTestMonitor(t, store, pub, registry)
	claimed, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if claimed != 1 {
		t.Errorf("expected 1 claimed saga, got %d", claimed)
	}
	if len(compensated) != 1 || compensated[0] != "reserve-inventory" {
		t.Errorf("unexpected compensations: %v", compensated)
	}
	if !pub.has(saga.EventSagaTimedOut) {
		t.Error("expected a timed-out event")
	}

	final, err := store.GetSaga(context.Background(), "saga-expired")
	if err != nil {
		t.Fatalf("GetSaga failed: %v", err)
	}
	if final.Status != saga.StatusCompensated {
		t.Errorf("status = %s, want COMPENSATED", final.Status)
	}
	if final.FailureReason != saga.TimeoutReason {
		t.Errorf("failure reason = %q, want %q", final.FailureReason, saga.TimeoutReason)
	}
}

func TestSweepIgnoresUnexpiredSagas(t *testing.T) {
	store := newFakeStore()
	pub := &capturePublisher{}
	registry := saga.NewRegistry()

	state := saga.NewSagaState("saga-live", "order-fulfillment", json.RawMessage(`{}`), time.Hour)
	state.Status = saga.StatusInProgress
	if err := store.CreateSaga(context.Background(), state); err != nil {
		t.Fatalf("CreateSaga failed: %v", err)
	}

	m := newTestMonitor(t, store, pub, registry)
	claimed, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if claimed != 0 {
		t.Errorf("expected no claims, got %d", claimed)
	}

	final, _ := store.GetSaga(context.Background(), "saga-live")
	if final.Status != saga.StatusInProgress {
		t.Errorf("live saga must be untouched, status = %s", final.Status)
	}
}

// staleStore returns expired sagas at a version behind the stored one, as if
// another actor wrote between the query and the claim.
type staleStore struct {
	*fakeStore
}

func (s *staleStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*saga.SagaState, error) {
	states, err := s.fakeStore.FindExpired(ctx, now, limit)
	for _, st := range states {
		st.Version--
	}
	return states, err
}

func TestSweepSkipsLostClaims(t *testing.T) {
	store := &staleStore{fakeStore: newFakeStore()}
	pub := &capturePublisher{}
	registry := saga.NewRegistry()

	seedExpiredSaga(t, store, "saga-contended")

	m := newTestMonitor(t, store, pub, registry)
	claimed, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("a lost claim must not fail the sweep: %v", err)
	}
	if claimed != 0 {
		t.Errorf("expected no claims on version conflict, got %d", claimed)
	}
	if pub.has(saga.EventSagaTimedOut) {
		t.Error("no event expected for a lost claim")
	}

	final, _ := store.GetSaga(context.Background(), "saga-contended")
	if final.Status != saga.StatusInProgress {
		t.Errorf("lost claim must leave the record alone, status = %s", final.Status)
	}
}

func TestSweepRespectsBatchLimit(t *testing.T) {
	store := newFakeStore()
	pub := &capturePublisher{}
	registry := saga.NewRegistry()

	if err := registry.Register(&saga.SagaDefinition{
		SagaType: "order-fulfillment",
		Steps: []saga.StepDefinition{
			{Name: "noop", Handler: saga.ForwardFunc(func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) { return nil, nil })},
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for _, id := range []string{"s1", "s2", "s3"} {
		seedExpiredSaga(t, store, id)
	}

	comp, err := compensation.New(&compensation.Config{Store: store, Publisher: pub, MaxAttempts: 1, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("compensation.New failed: %v", err)
	}
	m, err := New(&Config{
		Store:       store,
		Publisher:   pub,
		Registry:    registry,
		Compensator: comp,
		BatchLimit:  2,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	claimed, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if claimed != 2 {
		t.Errorf("expected the batch limit to cap claims at 2, got %d", claimed)
	}
}

func TestStartStop(t *testing.T) {
	store := newFakeStore()
	pub := &capturePublisher{}
	registry := saga.NewRegistry()

	if err := registry.Register(&saga.SagaDefinition{
		SagaType: "order-fulfillment",
		Steps: []saga.StepDefinition{
			{Name: "noop", Handler: saga.ForwardFunc(func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) { return nil, nil })},
		},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	seedExpiredSaga(t, store, "saga-background")

	m := newTestMonitor(t, store, pub, registry)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start must fail, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		final, err := store.GetSaga(context.Background(), "saga-background")
		if err != nil {
			t.Fatalf("GetSaga failed: %v", err)
		}
		if final.Status == saga.StatusCompensated {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop() // idempotent

	final, _ := store.GetSaga(context.Background(), "saga-background")
	if final.Status != saga.StatusCompensated {
		t.Errorf("background sweep never claimed the saga, status = %s", final.Status)
	}
}
