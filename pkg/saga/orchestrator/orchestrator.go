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

// Package orchestrator drives sagas through their step sequence. It owns the
// status transitions of the forward path, persists progress after every step
// through conditional writes, and hands failed sagas to the compensation
// engine.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/logger"
	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/compensation"
	"github.com/innovationmech/sagaflow/pkg/saga/executor"
)

var (
	// ErrStoreNotConfigured indicates the state store is missing.
	ErrStoreNotConfigured = errors.New("orchestrator: state store not configured")

	// ErrPublisherNotConfigured indicates the event publisher is missing.
	ErrPublisherNotConfigured = errors.New("orchestrator: event publisher not configured")

	// ErrRegistryNotConfigured indicates the definition registry is missing.
	ErrRegistryNotConfigured = errors.New("orchestrator: definition registry not configured")

	// ErrCompensatorNotConfigured indicates the compensation engine is missing.
	ErrCompensatorNotConfigured = errors.New("orchestrator: compensation engine not configured")
)

// MetricsCollector receives saga lifecycle observations. Implementations
// must be safe for concurrent use.
type MetricsCollector interface {
	SagaStarted(sagaType string)
	SagaFinished(sagaType string, status saga.SagaStatus, duration time.Duration)
	StepExecuted(sagaType, stepName string, success bool, duration time.Duration)
}

// noOpMetricsCollector discards all observations.
type noOpMetricsCollector struct{}

func (noOpMetricsCollector) SagaStarted(string)                                 {}
func (noOpMetricsCollector) SagaFinished(string, saga.SagaStatus, time.Duration) {}
func (noOpMetricsCollector) StepExecuted(string, string, bool, time.Duration)   {}

// Config contains the orchestrator's dependencies.
type Config struct {
	// Store is the versioned saga persistence backend.
	Store saga.StateStore

	// Publisher emits lifecycle events (best-effort).
	Publisher saga.EventPublisher

	// Registry maps saga types to their step sequences.
	Registry *saga.Registry

	// Compensator rolls back failed sagas.
	Compensator *compensation.Engine

	// Executor runs forward actions. A default executor is created when nil.
	Executor *executor.Executor

	// Metrics receives lifecycle observations. Defaults to a no-op collector.
	Metrics MetricsCollector

	// DefaultTimeout is the saga deadline for definitions that do not set
	// one. Defaults to saga.DefaultSagaTimeout when zero.
	DefaultTimeout time.Duration
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

// Orchestrator executes saga instances against registered definitions.
type Orchestrator struct {
	store          saga.StateStore
	publisher      saga.EventPublisher
	registry       *saga.Registry
	compensator    *compensation.Engine
	executor       *executor.Executor
	metrics        MetricsCollector
	defaultTimeout time.Duration
	log            *zap.Logger
}

// New creates a saga orchestrator.
func New(config *Config) (*Orchestrator, error) {
	if config == nil {
		return nil, errors.New("orchestrator: config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	exec := config.Executor
	if exec == nil {
		exec = executor.New(nil)
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = noOpMetricsCollector{}
	}
	defaultTimeout := config.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = saga.DefaultSagaTimeout
	}

	return &Orchestrator{
		store:          config.Store,
		publisher:      config.Publisher,
		registry:       config.Registry,
		compensator:    config.Compensator,
		executor:       exec,
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
		log:            logger.GetLogger(),
	}, nil
}

// ExecuteSaga creates a saga instance of the given type and runs it to a
// terminal status. The call blocks until the saga completes, is compensated,
// or is flagged for manual remediation; the returned result reports which.
// An error is returned only for infrastructure problems (unknown saga type,
// persistence failures, cancelled context) where the saga's fate is not a
// clean terminal status.
func (o *Orchestrator) ExecuteSaga(ctx context.Context, sagaType string, payload json.RawMessage) (*saga.SagaResult, error) {
	def, err := o.registry.Get(sagaType)
	if err != nil {
		return nil, err
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	state := saga.NewSagaState(uuid.NewString(), sagaType, payload, timeout)
	if err := o.store.CreateSaga(ctx, state); err != nil {
		return nil, fmt.Errorf("create saga %s: %w", state.SagaID, err)
	}

	o.log.Info("saga started",
		zap.String("saga_id", state.SagaID),
		zap.String("saga_type", sagaType),
		zap.Time("timeout_at", state.TimeoutAt))
	o.metrics.SagaStarted(sagaType)
	o.publish(ctx, saga.NewEvent(state.SagaID, sagaType, saga.EventSagaStarted, "", nil))

	started := time.Now()
	result, err := o.run(ctx, def, state.SagaID)
	if err != nil {
		return nil, err
	}
	o.metrics.SagaFinished(sagaType, result.Status, time.Since(started))
	return result, nil
}

// run drives the saga from its current cursor to a terminal status. The
// saga record must already exist; the first transition moves it from
// INITIATED to IN_PROGRESS.
func (o *Orchestrator) run(ctx context.Context, def *saga.SagaDefinition, sagaID string) (*saga.SagaResult, error) {
	state, err := saga.UpdateWithRetry(ctx, o.store, sagaID, func(st *saga.SagaState) error {
		if !st.Status.IsActive() {
			return saga.ErrSagaNotActive
		}
		st.Status = saga.StatusInProgress
		return nil
	})
	if errors.Is(err, saga.ErrSagaNotActive) {
		return o.concededResult(state), nil
	}
	if err != nil {
		return nil, err
	}

	for state.CurrentStepIndex < len(def.Steps) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if state.Expired(time.Now()) {
			return o.timeOut(ctx, def, state)
		}

		step := &def.Steps[state.CurrentStepIndex]
		sc := &saga.StepContext{
			SagaID:       state.SagaID,
			SagaType:     state.SagaType,
			StepName:     step.Name,
			SagaData:     state.SagaData,
			PriorResults: state.StepResults(),
		}

		stepStart := time.Now()
		result, stepErr := o.executor.ExecuteStep(ctx, step, sc)
		o.metrics.StepExecuted(state.SagaType, step.Name, stepErr == nil, time.Since(stepStart))
		if stepErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return o.fail(ctx, def, state, step.Name, stepErr)
		}

		state, err = saga.UpdateWithRetry(ctx, o.store, sagaID, func(st *saga.SagaState) error {
			return st.RecordStepCompletion(step.Name, result.Data, result.CompensationData)
		})
		if errors.Is(err, saga.ErrSagaNotActive) {
			// The timeout monitor claimed the saga between our read and
			// write. The forward result stands (the completion log is what
			// selects steps for compensation, and this one never made it in)
			// but the monitor now owns the record.
			o.log.Warn("saga claimed by another actor, stopping forward execution",
				zap.String("saga_id", sagaID),
				zap.String("step", step.Name),
				zap.String("status", state.Status.String()))
			return o.concededResult(state), nil
		}
		if err != nil {
			return nil, err
		}

		o.publish(ctx, saga.NewEvent(state.SagaID, state.SagaType, saga.EventSagaStepCompleted, step.Name, result.Data))
	}

	state, err = saga.UpdateWithRetry(ctx, o.store, sagaID, func(st *saga.SagaState) error {
		if st.Status != saga.StatusInProgress {
			return saga.ErrSagaNotActive
		}
		st.Status = saga.StatusCompleted
		return nil
	})
	if errors.Is(err, saga.ErrSagaNotActive) {
		return o.concededResult(state), nil
	}
	if err != nil {
		return nil, err
	}

	o.log.Info("saga completed",
		zap.String("saga_id", state.SagaID),
		zap.String("saga_type", state.SagaType))
	o.publish(ctx, saga.NewEvent(state.SagaID, state.SagaType, saga.EventSagaCompleted, "", nil))

	return &saga.SagaResult{
		SagaID:      state.SagaID,
		SagaType:    state.SagaType,
		Success:     true,
		Status:      state.Status,
		StepResults: state.StepResults(),
	}, nil
}

// fail marks the saga FAILED with the step's failure and hands it to the
// compensation engine.
func (o *Orchestrator) fail(ctx context.Context, def *saga.SagaDefinition, state *saga.SagaState, stepName string, stepErr error) (*saga.SagaResult, error) {
	reason := fmt.Sprintf("step %s: %v", stepName, stepErr)
	o.log.Error("saga step failed",
		zap.String("saga_id", state.SagaID),
		zap.String("step", stepName),
		zap.Error(stepErr))

	state, err := saga.UpdateWithRetry(ctx, o.store, state.SagaID, func(st *saga.SagaState) error {
		if !st.Status.IsActive() {
			return saga.ErrSagaNotActive
		}
		st.Status = saga.StatusFailed
		st.FailureReason = reason
		return nil
	})
	if errors.Is(err, saga.ErrSagaNotActive) {
		return o.concededResult(state), nil
	}
	if err != nil {
		return nil, err
	}

	o.publish(ctx, saga.NewEvent(state.SagaID, state.SagaType, saga.EventSagaFailed, stepName, nil))
	return o.compensate(ctx, def, state, reason)
}

// timeOut handles a deadline discovered on the forward path. The record
// carries its TIMEOUT marker in the failure reason; the status moves through
// COMPENSATING to its terminal value like any other rollback.
func (o *Orchestrator) timeOut(ctx context.Context, def *saga.SagaDefinition, state *saga.SagaState) (*saga.SagaResult, error) {
	o.log.Warn("saga deadline exceeded",
		zap.String("saga_id", state.SagaID),
		zap.Time("timeout_at", state.TimeoutAt))
	o.publish(ctx, saga.NewEvent(state.SagaID, state.SagaType, saga.EventSagaTimedOut, "", nil))
	return o.compensate(ctx, def, state, saga.TimeoutReason)
}

func (o *Orchestrator) compensate(ctx context.Context, def *saga.SagaDefinition, state *saga.SagaState, reason string) (*saga.SagaResult, error) {
	outcome, err := o.compensator.Compensate(ctx, def, state.SagaID, reason)
	if err != nil {
		return nil, fmt.Errorf("compensate saga %s: %w", state.SagaID, err)
	}

	final, err := o.store.GetSaga(ctx, state.SagaID)
	if err != nil {
		return nil, err
	}
	return &saga.SagaResult{
		SagaID:               final.SagaID,
		SagaType:             final.SagaType,
		Success:              false,
		Status:               outcome.Status,
		FailureReason:        final.FailureReason,
		RequiresIntervention: outcome.Status == saga.StatusCompensationFailed,
	}, nil
}

// concededResult reports the state of a saga another actor owns. The caller
// gets the record as it stands; the owning actor drives it to its terminal
// status.
func (o *Orchestrator) concededResult(state *saga.SagaState) *saga.SagaResult {
	return &saga.SagaResult{
		SagaID:               state.SagaID,
		SagaType:             state.SagaType,
		Success:              state.Status == saga.StatusCompleted,
		Status:               state.Status,
		StepResults:          state.StepResults(),
		FailureReason:        state.FailureReason,
		RequiresIntervention: state.Status == saga.StatusCompensationFailed,
	}
}

func (o *Orchestrator) publish(ctx context.Context, event *saga.Event) {
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.log.Warn("event publish failed",
			zap.String("saga_id", event.SagaID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}
