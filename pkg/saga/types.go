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

// Package saga defines the core vocabulary of the sagaflow orchestration
// engine: the persisted saga record, step and saga definitions, the error
// taxonomy, lifecycle events, and the storage and publishing contracts the
// engine components are built against.
package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// SagaStatus represents the overall status of a saga instance.
type SagaStatus int

const (
	// StatusInitiated indicates the saga record has been created but no step
	// has started yet.
	StatusInitiated SagaStatus = iota

	// StatusInProgress indicates forward steps are executing.
	StatusInProgress

	// StatusCompleted indicates every step completed successfully.
	StatusCompleted

	// StatusFailed indicates a step failed irrecoverably and compensation has
	// not started yet.
	StatusFailed

	// StatusCompensating indicates completed steps are being undone.
	StatusCompensating

	// StatusCompensated indicates every attempted compensation succeeded.
	StatusCompensated

	// StatusCompensationFailed indicates at least one compensation exhausted
	// its retries; the saga requires manual operator remediation.
	StatusCompensationFailed

	// StatusTimedOut indicates the saga exceeded its deadline while active.
	StatusTimedOut
)

var statusNames = map[SagaStatus]string{
	StatusInitiated:          "INITIATED",
	StatusInProgress:         "IN_PROGRESS",
	StatusCompleted:          "COMPLETED",
	StatusFailed:             "FAILED",
	StatusCompensating:       "COMPENSATING",
	StatusCompensated:        "COMPENSATED",
	StatusCompensationFailed: "COMPENSATION_FAILED",
	StatusTimedOut:           "TIMEOUT",
}

// AllStatuses returns every defined status in declaration order.
func AllStatuses() []SagaStatus {
	return []SagaStatus{
		StatusInitiated,
		StatusInProgress,
		StatusCompleted,
		StatusFailed,
		StatusCompensating,
		StatusCompensated,
		StatusCompensationFailed,
		StatusTimedOut,
	}
}

// String returns the canonical name of the status.
func (s SagaStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseSagaStatus converts a canonical status name back into a SagaStatus.
func ParseSagaStatus(name string) (SagaStatus, error) {
	for status, n := range statusNames {
		if n == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown saga status %q", name)
}

// IsTerminal returns true if no further automatic processing is possible.
func (s SagaStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusCompensationFailed
}

// IsActive returns true if the saga is eligible for forward execution and
// therefore also for a timeout claim by the monitor.
func (s SagaStatus) IsActive() bool {
	return s == StatusInitiated || s == StatusInProgress
}

// MarshalJSON serializes the status as its canonical name so that persisted
// records stay readable and stable across releases.
func (s SagaStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a canonical status name.
func (s *SagaStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSagaStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CompensationStepStatus records the outcome of one step's compensation.
type CompensationStepStatus string

const (
	// CompensationCompleted indicates the step's compensate action succeeded.
	CompensationCompleted CompensationStepStatus = "compensated"

	// CompensationSkipped indicates the step declares no compensate action.
	CompensationSkipped CompensationStepStatus = "skipped"

	// CompensationFailed indicates the compensate action exhausted its retries.
	CompensationFailed CompensationStepStatus = "failed"
)

// CompletedStep is one entry in a saga's append-only completion log.
type CompletedStep struct {
	StepName      string          `json:"step_name"`
	ForwardResult json.RawMessage `json:"forward_result,omitempty"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// SagaState is the durable record of one business transaction. One record
// exists per saga instance; it is never physically deleted.
//
// All mutation goes through optimistic concurrency: Version must match the
// value read before a write, and a mismatched write is rejected with
// ErrVersionConflict.
type SagaState struct {
	SagaID   string     `json:"saga_id"`
	SagaType string     `json:"saga_type"`
	Status   SagaStatus `json:"status"`

	// CurrentStepIndex is the position in the declared step sequence. It is
	// always >= len(CompletedSteps).
	CurrentStepIndex int `json:"current_step_index"`

	// CompletedSteps reflects true execution order and is append-only while
	// the saga is IN_PROGRESS.
	CompletedSteps []CompletedStep `json:"completed_steps,omitempty"`

	// CompensationData maps a step name to the opaque data needed to reverse
	// it. Entries exist only for steps present in CompletedSteps.
	CompensationData map[string]json.RawMessage `json:"compensation_data,omitempty"`

	// CompensationStatus records the per-step compensation outcome once
	// rollback has run.
	CompensationStatus map[string]CompensationStepStatus `json:"compensation_status,omitempty"`

	// SagaData is the original request payload, immutable after creation.
	SagaData json.RawMessage `json:"saga_data,omitempty"`

	// FailureReason carries the original failure that triggered compensation.
	FailureReason string `json:"failure_reason,omitempty"`

	// Version is the optimistic concurrency counter. Stores increment it on
	// every successful write.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// TimeoutAt is fixed at creation and never extended.
	TimeoutAt time.Time `json:"timeout_at"`
}

// NewSagaState creates the INITIATED record for a fresh saga instance.
func NewSagaState(sagaID, sagaType string, payload json.RawMessage, timeout time.Duration) *SagaState {
	now := time.Now().UTC()
	return &SagaState{
		SagaID:             sagaID,
		SagaType:           sagaType,
		Status:             StatusInitiated,
		CurrentStepIndex:   0,
		CompensationData:   make(map[string]json.RawMessage),
		CompensationStatus: make(map[string]CompensationStepStatus),
		SagaData:           payload,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
		TimeoutAt:          now.Add(timeout),
	}
}

// Clone returns a deep copy of the state. Stores hand out clones so callers
// can never mutate persisted records in place.
func (s *SagaState) Clone() *SagaState {
	cp := *s
	cp.CompletedSteps = make([]CompletedStep, len(s.CompletedSteps))
	copy(cp.CompletedSteps, s.CompletedSteps)
	cp.CompensationData = make(map[string]json.RawMessage, len(s.CompensationData))
	for k, v := range s.CompensationData {
		cp.CompensationData[k] = append(json.RawMessage(nil), v...)
	}
	cp.CompensationStatus = make(map[string]CompensationStepStatus, len(s.CompensationStatus))
	for k, v := range s.CompensationStatus {
		cp.CompensationStatus[k] = v
	}
	cp.SagaData = append(json.RawMessage(nil), s.SagaData...)
	return &cp
}

// RecordStepCompletion appends a completed step and its compensation data,
// advancing the step cursor. It enforces the append-only contract: steps may
// only complete while the saga is IN_PROGRESS.
func (s *SagaState) RecordStepCompletion(stepName string, result, compensationData json.RawMessage) error {
	if s.Status != StatusInProgress {
		return ErrSagaNotActive
	}
	s.CompletedSteps = append(s.CompletedSteps, CompletedStep{
		StepName:      stepName,
		ForwardResult: result,
		CompletedAt:   time.Now().UTC(),
	})
	if compensationData != nil {
		if s.CompensationData == nil {
			s.CompensationData = make(map[string]json.RawMessage)
		}
		s.CompensationData[stepName] = compensationData
	}
	s.CurrentStepIndex = len(s.CompletedSteps)
	return nil
}

// StepResults returns the forward results of all completed steps keyed by
// step name. Later steps read earlier steps' outputs through this map.
func (s *SagaState) StepResults() map[string]json.RawMessage {
	results := make(map[string]json.RawMessage, len(s.CompletedSteps))
	for _, step := range s.CompletedSteps {
		results[step.StepName] = step.ForwardResult
	}
	return results
}

// Expired reports whether the saga's fixed deadline has elapsed.
func (s *SagaState) Expired(now time.Time) bool {
	return !s.TimeoutAt.After(now)
}

// SagaResult is the outcome returned to the caller of ExecuteSaga.
type SagaResult struct {
	SagaID   string `json:"saga_id"`
	SagaType string `json:"saga_type"`

	// Success is true only when every step completed.
	Success bool `json:"success"`

	// Status is the terminal status the saga reached.
	Status SagaStatus `json:"status"`

	// StepResults carries the final outputs of completed steps.
	StepResults map[string]json.RawMessage `json:"step_results,omitempty"`

	// FailureReason is the original failure that triggered compensation.
	FailureReason string `json:"failure_reason,omitempty"`

	// RequiresIntervention is set when compensation itself failed and an
	// operator has to finish the rollback by hand.
	RequiresIntervention bool `json:"requires_intervention,omitempty"`
}

// StepContext is the input handed to a step's forward action.
type StepContext struct {
	SagaID   string
	SagaType string
	StepName string

	// IdempotencyKey is derived from sagaID and stepName. Collaborators must
	// treat repeated invocations with the same key as a single effect.
	IdempotencyKey string

	// SagaData is the original request payload.
	SagaData json.RawMessage

	// PriorResults holds the forward results of already-completed steps.
	PriorResults map[string]json.RawMessage
}

// StepResult is returned by a successful forward action.
type StepResult struct {
	// Data is the step's output, stored on the completion log.
	Data json.RawMessage

	// CompensationData is whatever the step needs to be reversed later. It is
	// opaque to the engine and passed through unmodified.
	CompensationData json.RawMessage
}

// CompensationContext is the input handed to a step's compensate action.
type CompensationContext struct {
	SagaID   string
	SagaType string
	StepName string

	// CompensationData is the data the forward action recorded when it
	// completed.
	CompensationData json.RawMessage

	// SagaData is the original request payload.
	SagaData json.RawMessage

	// Reason is the failure that triggered the rollback.
	Reason string
}
