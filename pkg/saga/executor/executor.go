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

// Package executor invokes a step's forward or compensate action with
// bounded retries and a per-attempt timeout. Only failures classified as
// transient are retried; a business rejection fails immediately and signals
// the orchestrator to begin compensation.
package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/logger"
	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/retry"
)

// Config tunes the executor's fallbacks for step definitions that leave the
// corresponding field zero.
type Config struct {
	// DefaultMaxRetries bounds transient retries beyond the first attempt.
	DefaultMaxRetries int

	// DefaultBackoff is the initial delay of the exponential backoff.
	DefaultBackoff time.Duration

	// DefaultAttemptTimeout bounds a single forward or compensate attempt,
	// independent of the overall saga deadline.
	DefaultAttemptTimeout time.Duration

	// BackoffMultiplier is the growth factor between attempts.
	BackoffMultiplier float64
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultMaxRetries:     saga.DefaultMaxRetries,
		DefaultBackoff:        saga.DefaultRetryBackoff,
		DefaultAttemptTimeout: saga.DefaultForwardTimeout,
		BackoffMultiplier:     2.0,
	}
}

// Executor runs forward and compensate actions on behalf of the
// orchestrator and the compensation engine.
type Executor struct {
	config *Config
	log    *zap.Logger
}

// New creates a step executor. A nil config selects the defaults.
func New(config *Config) *Executor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DefaultAttemptTimeout <= 0 {
		config.DefaultAttemptTimeout = saga.DefaultForwardTimeout
	}
	if config.BackoffMultiplier < 1.0 {
		config.BackoffMultiplier = 2.0
	}
	return &Executor{
		config: config,
		log:    logger.GetLogger(),
	}
}

// IdempotencyKey derives the saga-scoped idempotency key passed to step
// collaborators. Forward actions must treat repeated invocations with the
// same key as a single effect.
func IdempotencyKey(sagaID, stepName string) string {
	return sagaID + ":" + stepName
}

// ExecuteStep runs a step's forward action under the step's retry policy.
// The returned error is final from the orchestrator's point of view: either
// a business rejection, an unclassified failure, or a transient failure
// whose retry budget ran out.
func (e *Executor) ExecuteStep(ctx context.Context, step *saga.StepDefinition, sc *saga.StepContext) (*saga.StepResult, error) {
	if sc.IdempotencyKey == "" {
		sc.IdempotencyKey = IdempotencyKey(sc.SagaID, step.Name)
	}

	maxAttempts := step.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = e.config.DefaultMaxRetries
	}
	maxAttempts++ // retries are counted beyond the first attempt

	backoff := e.backoffPolicy(maxAttempts, step.RetryBackoff)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := e.attemptForward(ctx, step, sc)
		if err == nil {
			if result == nil {
				result = &saga.StepResult{}
			}
			return result, nil
		}
		lastErr = err

		if !saga.IsTransient(err) {
			// Business rejections and unclassified failures are never
			// retried; they immediately escalate to compensation.
			return nil, err
		}

		e.log.Warn("step attempt failed",
			zap.String("saga_id", sc.SagaID),
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if !backoff.ShouldRetry(attempt) {
			break
		}
		if err := sleep(ctx, backoff.Delay(attempt)); err != nil {
			return nil, err
		}
	}

	return nil, saga.NewRetriesExhaustedError(step.Name, maxAttempts, lastErr)
}

// ExecuteCompensation runs a step's compensate action, retrying every
// failure up to maxAttempts. Unlike forward execution, compensation retries
// are not limited to transient failures: the engine tries as hard as it can
// to reverse the step before flagging it for manual remediation.
func (e *Executor) ExecuteCompensation(ctx context.Context, step *saga.StepDefinition, cc *saga.CompensationContext, maxAttempts int, initialBackoff time.Duration) error {
	compensator, ok := step.Handler.(saga.Compensator)
	if !ok {
		return nil
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	backoff := e.backoffPolicy(maxAttempts, initialBackoff)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout(step))
		err := compensator.Compensate(attemptCtx, cc)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		e.log.Warn("compensation attempt failed",
			zap.String("saga_id", cc.SagaID),
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if !backoff.ShouldRetry(attempt) {
			break
		}
		if err := sleep(ctx, backoff.Delay(attempt)); err != nil {
			return err
		}
	}

	return saga.NewCompensationError(step.Name, lastErr)
}

func (e *Executor) attemptForward(ctx context.Context, step *saga.StepDefinition, sc *saga.StepContext) (*saga.StepResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout(step))
	defer cancel()
	return step.Handler.Forward(attemptCtx, sc)
}

func (e *Executor) attemptTimeout(step *saga.StepDefinition) time.Duration {
	if step.ForwardTimeout > 0 {
		return step.ForwardTimeout
	}
	return e.config.DefaultAttemptTimeout
}

func (e *Executor) backoffPolicy(maxAttempts int, initial time.Duration) *retry.ExponentialBackoff {
	if initial <= 0 {
		initial = e.config.DefaultBackoff
	}
	if initial <= 0 {
		initial = saga.DefaultRetryBackoff
	}
	return retry.NewExponentialBackoff(&retry.Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     30 * time.Second,
	}, e.config.BackoffMultiplier)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
