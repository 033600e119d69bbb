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

// Package monitor periodically sweeps for sagas whose deadline elapsed
// while they were still active. The sweep claims each expired saga with a
// single conditional write; losing the write means another actor got there
// first, which is the normal outcome of the race with the orchestrator and
// never an error.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/logger"
	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/compensation"
)

const (
	// DefaultInterval is the pause between sweeps.
	DefaultInterval = 30 * time.Second

	// DefaultBatchLimit caps the number of expired sagas handled per sweep.
	DefaultBatchLimit = 100
)

var (
	// ErrStoreNotConfigured indicates the state store is missing.
	ErrStoreNotConfigured = errors.New("monitor: state store not configured")

	// ErrPublisherNotConfigured indicates the event publisher is missing.
	ErrPublisherNotConfigured = errors.New("monitor: event publisher not configured")

	// ErrRegistryNotConfigured indicates the definition registry is missing.
	ErrRegistryNotConfigured = errors.New("monitor: definition registry not configured")

	// ErrCompensatorNotConfigured indicates the compensation engine is missing.
	ErrCompensatorNotConfigured = errors.New("monitor: compensation engine not configured")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("monitor: already started")
)

// Config contains the monitor's dependencies and tuning.
type Config struct {
	// Store is queried for expired sagas.
	Store saga.StateStore

	// Publisher emits the timed-out event for each claimed saga.
	Publisher saga.EventPublisher

	// Registry resolves each claimed saga's step sequence.
	Registry *saga.Registry

	// Compensator rolls back claimed sagas.
	Compensator *compensation.Engine

	// Interval is the pause between sweeps. Defaults to DefaultInterval.
	Interval time.Duration

	// BatchLimit caps expired sagas per sweep. Defaults to DefaultBatchLimit.
	BatchLimit int
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Store == nil {
		return ErrStoreNotConfigured
	}
	if c.Publisher == nil {
		return ErrPublisherNotConfigured
	}
	if c.Registry == nil {
		return ErrRegistryNotConfigured
	}
	if c.Compensator == nil {
		return ErrCompensatorNotConfigured
	}
	return nil
}

// Monitor detects and rolls back timed-out sagas.
type Monitor struct {
	store       saga.StateStore
	publisher   saga.EventPublisher
	registry    *saga.Registry
	compensator *compensation.Engine
	interval    time.Duration
	batchLimit  int
	log         *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a timeout monitor.
func New(config *Config) (*Monitor, error) {
	if config == nil {
		return nil, errors.New("monitor: config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	interval := config.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	batchLimit := config.BatchLimit
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}

	return &Monitor{
		store:       config.Store,
		publisher:   config.Publisher,
		registry:    config.Registry,
		compensator: config.Compensator,
		interval:    interval,
		batchLimit:  batchLimit,
		log:         logger.GetLogger(),
	}, nil
}

// Start launches the periodic sweep goroutine.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	m.started = true
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(sweepCtx)
	m.log.Info("timeout monitor started",
		zap.Duration("interval", m.interval),
		zap.Int("batch_limit", m.batchLimit))
	return nil
}

// Stop terminates the sweep goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.log.Info("timeout monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error("timeout sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep claims and rolls back every expired active saga, up to the batch
// limit. Returns the number of sagas this sweep claimed. A claim lost to a
// concurrent writer is skipped silently; the winner owns the saga.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	expired, err := m.store.FindExpired(ctx, time.Now(), m.batchLimit)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, state := range expired {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}
		if !state.Status.IsActive() {
			continue
		}

		// Claim with a single conditional write against the version we read.
		// Losing it means the orchestrator (or another monitor) moved the
		// saga first.
		state.Status = saga.StatusCompensating
		state.FailureReason = saga.TimeoutReason
		if err := m.store.UpdateSaga(ctx, state); err != nil {
			if errors.Is(err, saga.ErrVersionConflict) {
				continue
			}
			return claimed, err
		}
		claimed++

		m.log.Warn("saga timed out",
			zap.String("saga_id", state.SagaID),
			zap.String("saga_type", state.SagaType),
			zap.Time("timeout_at", state.TimeoutAt))
		m.publish(ctx, saga.NewEvent(state.SagaID, state.SagaType, saga.EventSagaTimedOut, "", nil))

		def, err := m.registry.Get(state.SagaType)
		if err != nil {
			// The record stays COMPENSATING for an operator; without a step
			// sequence there is nothing to roll back automatically.
			m.log.Error("cannot roll back saga of unregistered type",
				zap.String("saga_id", state.SagaID),
				zap.String("saga_type", state.SagaType))
			continue
		}
		if _, err := m.compensator.Compensate(ctx, def, state.SagaID, saga.TimeoutReason); err != nil {
			if ctx.Err() != nil {
				return claimed, ctx.Err()
			}
			m.log.Error("timed-out saga rollback failed",
				zap.String("saga_id", state.SagaID),
				zap.Error(err))
		}
	}
	return claimed, nil
}

func (m *Monitor) publish(ctx context.Context, event *saga.Event) {
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.log.Warn("event publish failed",
			zap.String("saga_id", event.SagaID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}
