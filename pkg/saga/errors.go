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
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the engine and its storage backends.
var (
	// ErrVersionConflict is returned by a store when a conditional write is
	// rejected because the record's version moved. The caller re-reads and
	// retries; the conflict is never surfaced as a saga failure.
	ErrVersionConflict = errors.New("saga version conflict")

	// ErrSagaNotFound is returned when no record exists for a saga ID.
	ErrSagaNotFound = errors.New("saga not found")

	// ErrSagaAlreadyExists is returned when creating a saga whose ID is taken.
	ErrSagaAlreadyExists = errors.New("saga already exists")

	// ErrSagaNotActive aborts a mutation because the saga left the active
	// states, typically because the timeout monitor claimed it concurrently.
	ErrSagaNotActive = errors.New("saga is no longer active")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("state store is closed")

	// ErrDefinitionNotFound is returned for an unregistered saga type.
	ErrDefinitionNotFound = errors.New("saga definition not registered")
)

// TimeoutReason is the failure reason recorded when a saga is rolled back
// because its deadline elapsed, whether the orchestrator or the timeout
// monitor noticed first.
const TimeoutReason = "timeout"

// ErrorType classifies a failure for the orchestrator's branching logic.
type ErrorType string

const (
	// ErrorTypeTransient covers network/timeout class failures. Retried per
	// step policy; triggers compensation only once retries are exhausted.
	ErrorTypeTransient ErrorType = "transient"

	// ErrorTypeBusiness is an explicit collaborator rejection. Never retried;
	// immediately triggers compensation of prior steps.
	ErrorTypeBusiness ErrorType = "business"

	// ErrorTypeTimeout marks the saga-level deadline expiry. Treated like a
	// business rejection for compensation purposes.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeCompensation marks a compensate action that failed after its
	// retries. The one class requiring operator intervention.
	ErrorTypeCompensation ErrorType = "compensation"

	// ErrorTypeStorage marks a persistence failure.
	ErrorTypeStorage ErrorType = "storage"

	// ErrorTypeSystem is the fallback for unclassified failures.
	ErrorTypeSystem ErrorType = "system"
)

// Error codes carried on SagaError for stable programmatic matching.
const (
	CodeTransientFailure   = "TRANSIENT_FAILURE"
	CodeBusinessRejected   = "BUSINESS_REJECTED"
	CodeSagaTimeout        = "SAGA_TIMEOUT"
	CodeCompensationFailed = "COMPENSATION_FAILED"
	CodeStorageFailure     = "STORAGE_FAILURE"
	CodeRetriesExhausted   = "RETRIES_EXHAUSTED"
)

// SagaError is the tagged failure type returned from step calls. It replaces
// exception-class dispatch with an explicit error kind the orchestrator can
// branch on.
type SagaError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *SagaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *SagaError) Unwrap() error {
	return e.Cause
}

func newError(t ErrorType, code, message string, cause error) *SagaError {
	return &SagaError{
		Type:      t,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Cause:     cause,
	}
}

// NewTransientError creates a retryable failure (network, timeout, 5xx class).
func NewTransientError(message string, cause error) *SagaError {
	return newError(ErrorTypeTransient, CodeTransientFailure, message, cause)
}

// NewBusinessRejection creates a non-retryable collaborator rejection.
func NewBusinessRejection(message string, cause error) *SagaError {
	return newError(ErrorTypeBusiness, CodeBusinessRejected, message, cause)
}

// NewTimeoutError creates a saga-deadline failure.
func NewTimeoutError(sagaID string) *SagaError {
	return newError(ErrorTypeTimeout, CodeSagaTimeout,
		fmt.Sprintf("saga %s exceeded its deadline", sagaID), nil)
}

// NewCompensationError wraps a compensate action failure.
func NewCompensationError(stepName string, cause error) *SagaError {
	return newError(ErrorTypeCompensation, CodeCompensationFailed,
		fmt.Sprintf("compensation for step %s failed", stepName), cause)
}

// NewStorageError wraps a persistence failure.
func NewStorageError(operation string, cause error) *SagaError {
	return newError(ErrorTypeStorage, CodeStorageFailure,
		fmt.Sprintf("storage operation %s failed", operation), cause)
}

// NewRetriesExhaustedError marks a transient failure whose retry budget ran
// out. From the orchestrator's point of view it is final.
func NewRetriesExhaustedError(stepName string, attempts int, cause error) *SagaError {
	return newError(ErrorTypeTransient, CodeRetriesExhausted,
		fmt.Sprintf("step %s failed after %d attempts", stepName, attempts), cause)
}

// TypeOf returns the classified type of an error, ErrorTypeSystem if the
// error carries no classification.
func TypeOf(err error) ErrorType {
	var se *SagaError
	if errors.As(err, &se) {
		return se.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTransient
	}
	return ErrorTypeSystem
}

// IsTransient reports whether a step failure may be retried. Only failures
// explicitly classified transient (or an attempt-level deadline expiry) are
// retried; everything else fails fast.
func IsTransient(err error) bool {
	return TypeOf(err) == ErrorTypeTransient
}

// IsBusinessRejection reports whether a collaborator explicitly rejected the
// command.
func IsBusinessRejection(err error) bool {
	return TypeOf(err) == ErrorTypeBusiness
}

// IsVersionConflict reports whether an error is an optimistic concurrency
// rejection.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
