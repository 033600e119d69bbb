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
	"fmt"
	"time"
)

// Default step execution settings, used when a StepDefinition leaves the
// corresponding field zero.
const (
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = 100 * time.Millisecond
	DefaultForwardTimeout = 30 * time.Second
	DefaultSagaTimeout    = 5 * time.Minute
)

// StepHandler is the forward contract every step collaborator implements.
// The handler receives a saga-scoped idempotency key and must treat repeated
// invocations with the same key as a single effect.
type StepHandler interface {
	Forward(ctx context.Context, sc *StepContext) (*StepResult, error)
}

// Compensator is implemented by step handlers that can reverse their effect.
// Handlers that do not implement it are naturally compensation-free and are
// skipped during rollback.
type Compensator interface {
	Compensate(ctx context.Context, cc *CompensationContext) error
}

// StepDefinition declares one named operation of a saga type's static
// configuration. It is not persisted per-instance.
type StepDefinition struct {
	// Name uniquely identifies the step within its saga type.
	Name string

	// Handler is the injected forward/compensate collaborator.
	Handler StepHandler

	// MaxRetries bounds transient-failure retries beyond the first attempt.
	MaxRetries int

	// RetryBackoff is the initial delay of the exponential backoff between
	// attempts.
	RetryBackoff time.Duration

	// ForwardTimeout bounds a single forward attempt, independent of the
	// overall saga deadline.
	ForwardTimeout time.Duration
}

// Compensable reports whether the step declares a compensate action.
func (d *StepDefinition) Compensable() bool {
	_, ok := d.Handler.(Compensator)
	return ok
}

// SagaDefinition is the static step sequence for one saga type. Steps
// execute strictly in declared order; later steps depend on earlier steps'
// outputs and compensation proceeds in exact reverse order.
type SagaDefinition struct {
	// SagaType identifies the sequence, e.g. "loan-creation".
	SagaType string

	// Steps is the ordered sequence of operations.
	Steps []StepDefinition

	// Timeout fixes the saga deadline at creation. Defaults to
	// DefaultSagaTimeout when zero.
	Timeout time.Duration
}

// Validate checks the definition for correctness: a non-empty type, at least
// one step, unique non-empty step names and non-nil handlers.
func (d *SagaDefinition) Validate() error {
	if d.SagaType == "" {
		return fmt.Errorf("saga definition: saga type must not be empty")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga definition %s: at least one step is required", d.SagaType)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("saga definition %s: step %d has no name", d.SagaType, i)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("saga definition %s: duplicate step name %q", d.SagaType, step.Name)
		}
		seen[step.Name] = struct{}{}
		if step.Handler == nil {
			return fmt.Errorf("saga definition %s: step %q has no handler", d.SagaType, step.Name)
		}
	}
	return nil
}

// StepByName returns the definition of a named step.
func (d *SagaDefinition) StepByName(name string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// ForwardFunc adapts a plain function into a compensation-free StepHandler.
type ForwardFunc func(ctx context.Context, sc *StepContext) (*StepResult, error)

// Forward implements StepHandler.
func (f ForwardFunc) Forward(ctx context.Context, sc *StepContext) (*StepResult, error) {
	return f(ctx, sc)
}

// funcHandler pairs forward and compensate functions into a compensable
// handler.
type funcHandler struct {
	forward    ForwardFunc
	compensate func(ctx context.Context, cc *CompensationContext) error
}

func (h *funcHandler) Forward(ctx context.Context, sc *StepContext) (*StepResult, error) {
	return h.forward(ctx, sc)
}

func (h *funcHandler) Compensate(ctx context.Context, cc *CompensationContext) error {
	return h.compensate(ctx, cc)
}

// NewHandler builds a StepHandler from a forward function and an optional
// compensate function. With a nil compensate function the handler is
// compensation-free.
func NewHandler(forward ForwardFunc, compensate func(ctx context.Context, cc *CompensationContext) error) StepHandler {
	if compensate == nil {
		return forward
	}
	return &funcHandler{forward: forward, compensate: compensate}
}
