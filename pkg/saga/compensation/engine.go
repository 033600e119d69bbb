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

// Package compensation replays the compensating actions of a saga's
// completed steps in strict reverse order. A step whose compensation keeps
// failing is recorded and skipped over; the engine undoes as much as it can
// before flagging the saga for manual remediation.
package compensation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/logger"
	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/executor"
)

// DefaultMaxAttempts is the per-step compensation retry budget.
const DefaultMaxAttempts = 5

// DefaultBackoff is the initial delay between compensation attempts.
const DefaultBackoff = 500 * time.Millisecond

var (
	// ErrStoreNotConfigured indicates the state store is missing.
	ErrStoreNotConfigured = errors.New("compensation: state store not configured")

	// ErrPublisherNotConfigured indicates the event publisher is missing.
	ErrPublisherNotConfigured = errors.New("compensation: event publisher not configured")
)

// Config contains the engine's dependencies and tuning.
type Config struct {
	// Store persists per-step compensation progress.
	Store saga.StateStore

	// Publisher emits compensation lifecycle events (best-effort).
	Publisher saga.EventPublisher

	// Executor runs compensate actions. A default executor is created when
	// nil.
	Executor *executor.Executor

	// MaxAttempts bounds retries per compensate action. Defaults to
	// DefaultMaxAttempts when zero.
	MaxAttempts int

	// Backoff is the initial delay between attempts. Defaults to
	// DefaultBackoff when zero.
	Backoff time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Store == nil {
		return ErrStoreNotConfigured
	}
	if c.Publisher == nil {
		return ErrPublisherNotConfigured
	}
	return nil
}

// Outcome summarizes one compensation run.
type Outcome struct {
	// Status is the terminal status the saga reached: COMPENSATED, or
	// COMPENSATION_FAILED when at least one step could not be reversed.
	Status saga.SagaStatus

	// Compensated lists the steps whose compensate action succeeded, in the
	// order they were undone.
	Compensated []string

	// Skipped lists the compensation-free steps that were passed over.
	Skipped []string

	// Failed lists the steps whose compensation exhausted its retries.
	Failed []string
}

// Engine undoes completed saga steps.
type Engine struct {
	store       saga.StateStore
	publisher   saga.EventPublisher
	executor    *executor.Executor
	maxAttempts int
	backoff     time.Duration
	log         *zap.Logger
}

// New creates a compensation engine.
func New(config *Config) (*Engine, error) {
	if config == nil {
		return nil, errors.New("compensation: config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	exec := config.Executor
	if exec == nil {
		exec = executor.New(nil)
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := config.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	return &Engine{
		store:       config.Store,
		publisher:   config.Publisher,
		executor:    exec,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		log:         logger.GetLogger(),
	}, nil
}

// Compensate undoes the saga's completed steps in strict reverse order and
// drives the record to its terminal status. The saga may arrive here as
// FAILED (step failure), COMPENSATING (timeout monitor claim), or in an
// active status (recovery pass); terminal sagas are left untouched.
func (e *Engine) Compensate(ctx context.Context, def *saga.SagaDefinition, sagaID, reason string) (*Outcome, error) {
	state, err := saga.UpdateWithRetry(ctx, e.store, sagaID, func(st *saga.SagaState) error {
		if st.Status.IsTerminal() {
			return saga.ErrSagaNotActive
		}
		st.Status = saga.StatusCompensating
		if st.FailureReason == "" {
			st.FailureReason = reason
		}
		return nil
	})
	if errors.Is(err, saga.ErrSagaNotActive) {
		// Someone else already finished this saga.
		return &Outcome{Status: state.Status}, nil
	}
	if err != nil {
		return nil, err
	}

	e.publish(ctx, saga.NewEvent(state.SagaID, state.SagaType, saga.EventCompensationStarted, "", nil))

	outcome := &Outcome{}
	for i := len(state.CompletedSteps) - 1; i >= 0; i-- {
		stepName := state.CompletedSteps[i].StepName

		stepDef, ok := def.StepByName(stepName)
		if !ok {
			// Definition drift: the completed step no longer exists in the
			// registered sequence. It cannot be reversed automatically.
			e.log.Error("no definition for completed step",
				zap.String("saga_id", state.SagaID),
				zap.String("step", stepName))
			outcome.Failed = append(outcome.Failed, stepName)
			state, err = e.recordStepStatus(ctx, sagaID, stepName, saga.CompensationFailed)
			if err != nil {
				return nil, err
			}
			continue
		}

		if !stepDef.Compensable() {
			outcome.Skipped = append(outcome.Skipped, stepName)
			state, err = e.recordStepStatus(ctx, sagaID, stepName, saga.CompensationSkipped)
			if err != nil {
				return nil, err
			}
			continue
		}

		cc := &saga.CompensationContext{
			SagaID:           state.SagaID,
			SagaType:         state.SagaType,
			StepName:         stepName,
			CompensationData: state.CompensationData[stepName],
			SagaData:         state.SagaData,
			Reason:           state.FailureReason,
		}

		compErr := e.executor.ExecuteCompensation(ctx, stepDef, cc, e.maxAttempts, e.backoff)
		if compErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// One stuck step must not abort the rest of the rollback.
			e.log.Error("step compensation exhausted retries",
				zap.String("saga_id", state.SagaID),
				zap.String("step", stepName),
				zap.Error(compErr))
			outcome.Failed = append(outcome.Failed, stepName)
			state, err = e.recordStepStatus(ctx, sagaID, stepName, saga.CompensationFailed)
			if err != nil {
				return nil, err
			}
			e.publish(ctx, saga.NewEvent(state.SagaID, state.SagaType, saga.EventCompensationStepFailed, stepName, nil))
			continue
		}

		outcome.Compensated = append(outcome.Compensated, stepName)
		state, err = e.recordStepStatus(ctx, sagaID, stepName, saga.CompensationCompleted)
		if err != nil {
			return nil, err
		}
		e.publish(ctx, saga.NewEvent(state.SagaID, state.SagaType, saga.EventCompensationStepCompleted, stepName, nil))
	}

	final := saga.StatusCompensated
	finalEvent := saga.EventCompensationCompleted
	if len(outcome.Failed) > 0 {
		final = saga.StatusCompensationFailed
		finalEvent = saga.EventCompensationFailed
	}

	state, err = saga.UpdateWithRetry(ctx, e.store, sagaID, func(st *saga.SagaState) error {
		st.Status = final
		return nil
	})
	if err != nil {
		return nil, err
	}
	outcome.Status = state.Status

	e.publish(ctx, saga.NewEvent(state.SagaID, state.SagaType, finalEvent, "", nil))
	if final == saga.StatusCompensationFailed {
		e.log.Error("saga flagged for manual remediation",
			zap.String("saga_id", state.SagaID),
			zap.Strings("failed_steps", outcome.Failed))
	}
	return outcome, nil
}

func (e *Engine) recordStepStatus(ctx context.Context, sagaID, stepName string, status saga.CompensationStepStatus) (*saga.SagaState, error) {
	return saga.UpdateWithRetry(ctx, e.store, sagaID, func(st *saga.SagaState) error {
		if st.CompensationStatus == nil {
			st.CompensationStatus = make(map[string]saga.CompensationStepStatus)
		}
		st.CompensationStatus[stepName] = status
		return nil
	})
}

func (e *Engine) publish(ctx context.Context, event *saga.Event) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.log.Warn("event publish failed",
			zap.String("saga_id", event.SagaID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}
