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
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a saga lifecycle event.
type EventType string

const (
	EventSagaStarted       EventType = "saga.started"
	EventSagaStepCompleted EventType = "saga.step.completed"
	EventSagaCompleted     EventType = "saga.completed"
	EventSagaFailed        EventType = "saga.failed"
	EventSagaTimedOut      EventType = "saga.timed_out"

	EventCompensationStarted       EventType = "compensation.started"
	EventCompensationStepCompleted EventType = "compensation.step.completed"
	EventCompensationStepFailed    EventType = "compensation.step.failed"
	EventCompensationCompleted     EventType = "compensation.completed"
	EventCompensationFailed        EventType = "compensation.failed"
)

// Event is the wire schema published to the event channel, one topic per
// saga type. Delivery is best-effort observability, not part of the
// correctness contract.
type Event struct {
	ID        string          `json:"id"`
	SagaID    string          `json:"saga_id"`
	SagaType  string          `json:"saga_type"`
	Type      EventType       `json:"event_type"`
	Step      string          `json:"step,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent creates a lifecycle event with a fresh ID and timestamp.
func NewEvent(sagaID, sagaType string, eventType EventType, step string, payload json.RawMessage) *Event {
	return &Event{
		ID:        uuid.NewString(),
		SagaID:    sagaID,
		SagaType:  sagaType,
		Type:      eventType,
		Step:      step,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
