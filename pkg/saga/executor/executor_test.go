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

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

func fastConfig() *Config {
	return &Config{
		DefaultMaxRetries:     3,
		DefaultBackoff:        time.Millisecond,
		DefaultAttemptTimeout: 100 * time.Millisecond,
		BackoffMultiplier:     1.0,
	}
}

func stepContext(stepName string) *saga.StepContext {
	return &saga.StepContext{
		SagaID:   "saga-1",
		SagaType: "loan-creation",
		StepName: stepName,
		SagaData: json.RawMessage(`{}`),
	}
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	a := IdempotencyKey("saga-1", "reserve-credit")
	b := IdempotencyKey("saga-1", "reserve-credit")
	if a != b {
		t.Errorf("key must be stable across derivations: %q vs %q", a, b)
	}
	if a == IdempotencyKey("saga-2", "reserve-credit") {
		t.Error("keys of different sagas must differ")
	}
	if a == IdempotencyKey("saga-1", "create-loan") {
		t.Error("keys of different steps must differ")
	}
}

func TestExecuteStepSetsIdempotencyKey(t *testing.T) {
	e := New(fastConfig())
	var seenKey string
	step := &saga.StepDefinition{
		Name: "reserve-credit",
		Handler: saga.ForwardFunc(func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
			seenKey = sc.IdempotencyKey
			return &saga.StepResult{Data: json.RawMessage(`"ok"`)}, nil
		}),
	}

	if _, err := e.ExecuteStep(context.Background(), step, stepContext("reserve-credit")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seenKey != "saga-1:reserve-credit" {
		t.Errorf("unexpected idempotency key: %q", seenKey)
	}
}

func TestExecuteStepRetriesTransient(t *testing.T) {
	e := New(fastConfig())
	var calls int32
	step := &saga.StepDefinition{
		Name:         "flaky",
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		Handler: saga.ForwardFunc(func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, saga.NewTransientError("connection reset", nil)
			}
			return &saga.StepResult{Data: json.RawMessage(`"done"`)}, nil
		}),
	}

	result, err := e.ExecuteStep(context.Background(), step, stepContext("flaky"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.Data) != `"done"` {
		t.Errorf("unexpected result: %s", result.Data)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestExecuteStepExhaustsRetries(t *testing.T) {
	e := New(fastConfig())
	var calls int32
	step := &saga.StepDefinition{
		Name:         "down",
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		Handler: saga.ForwardFunc(func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, saga.NewTransientError("service unavailable", nil)
		}),
	}

	_, err := e.ExecuteStep(context.Background(), step, stepContext("down"))
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	var se *saga.SagaError
	if !errors.As(err, &se) || se.Code != saga.CodeRetriesExhausted {
		t.Fatalf("expected retries-exhausted error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", calls)
	}
}

func TestExecuteStepBusinessRejectionNotRetried(t *testing.T) {
	e := New(fastConfig())
	var calls int32
	step := &saga.StepDefinition{
		Name:       "credit-check",
		MaxRetries: 5,
		Handler: saga.ForwardFunc(func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, saga.NewBusinessRejection("insufficient credit", nil)
		}),
	}

	_, err := e.ExecuteStep(context.Background(), step, stepContext("credit-check"))
	if !saga.IsBusinessRejection(err) {
		t.Fatalf("expected business rejection, got %v", err)
	}
	if calls != 1 {
		t.Errorf("business rejections must fail fast, got %d attempts", calls)
	}
}

func TestExecuteStepUnclassifiedNotRetried(t *testing.T) {
	e := New(fastConfig())
	var calls int32
	step := &saga.StepDefinition{
		Name:       "odd",
		MaxRetries: 5,
		Handler: saga.ForwardFunc(func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("unexpected")
		}),
	}

	if _, err := e.ExecuteStep(context.Background(), step, stepContext("odd")); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("unclassified failures must fail fast, got %d attempts", calls)
	}
}

func TestExecuteStepAttemptTimeout(t *testing.T) {
	e := New(&Config{
		DefaultMaxRetries:     0,
		DefaultBackoff:        time.Millisecond,
		DefaultAttemptTimeout: 20 * time.Millisecond,
		BackoffMultiplier:     1.0,
	})
	step := &saga.StepDefinition{
		Name:       "hang",
		MaxRetries: 1,
		Handler: saga.ForwardFunc(func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}

	start := time.Now()
	_, err := e.ExecuteStep(context.Background(), step, stepContext("hang"))
	if err == nil {
		t.Fatal("expected timeout failure")
	}
	// Two attempts of 20ms each plus backoff; well under a second.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("per-attempt timeout not enforced, took %v", elapsed)
	}
}

func TestExecuteStepHonorsCancelledContext(t *testing.T) {
	e := New(fastConfig())
	step := &saga.StepDefinition{
		Name:    "never",
		Handler: saga.ForwardFunc(func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) { return nil, nil }),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.ExecuteStep(ctx, step, stepContext("never")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestExecuteCompensationRetries(t *testing.T) {
	e := New(fastConfig())
	var calls int32
	step := &saga.StepDefinition{
		Name: "release-credit",
		Handler: saga.NewHandler(
			func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) { return nil, nil },
			func(ctx context.Context, cc *saga.CompensationContext) error {
				if atomic.AddInt32(&calls, 1) < 3 {
					return errors.New("still failing")
				}
				return nil
			},
		),
	}

	cc := &saga.CompensationContext{SagaID: "saga-1", StepName: "release-credit"}
	if err := e.ExecuteCompensation(context.Background(), step, cc, 5, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestExecuteCompensationExhausted(t *testing.T) {
	e := New(fastConfig())
	var calls int32
	step := &saga.StepDefinition{
		Name: "stuck",
		Handler: saga.NewHandler(
			func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) { return nil, nil },
			func(ctx context.Context, cc *saga.CompensationContext) error {
				atomic.AddInt32(&calls, 1)
				return errors.New("cannot reverse")
			},
		),
	}

	cc := &saga.CompensationContext{SagaID: "saga-1", StepName: "stuck"}
	err := e.ExecuteCompensation(context.Background(), step, cc, 5, time.Millisecond)
	var se *saga.SagaError
	if !errors.As(err, &se) || se.Type != saga.ErrorTypeCompensation {
		t.Fatalf("expected compensation error, got %v", err)
	}
	if calls != 5 {
		t.Errorf("expected 5 attempts, got %d", calls)
	}
}

func TestExecuteCompensationSkipsForwardOnly(t *testing.T) {
	e := New(fastConfig())
	step := &saga.StepDefinition{
		Name:    "notify",
		Handler: saga.ForwardFunc(func(ctx context.Context, sc *saga.StepContext) (*saga.StepResult, error) { return nil, nil }),
	}

	cc := &saga.CompensationContext{SagaID: "saga-1", StepName: "notify"}
	if err := e.ExecuteCompensation(context.Background(), step, cc, 5, time.Millisecond); err != nil {
		t.Fatalf("compensation-free step must be a no-op, got %v", err)
	}
}
