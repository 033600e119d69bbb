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

package monitoring

import (
	"context"
	"time"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// Health status values reported by the checker.
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
)

// HealthStatus is one health snapshot.
type HealthStatus struct {
	// Status is "healthy" when the state store answers, "unhealthy"
	// otherwise.
	Status string `json:"status"`

	// Error carries the store failure when unhealthy.
	Error string `json:"error,omitempty"`

	// StatusCounts is the number of sagas per status, keyed by canonical
	// status name.
	StatusCounts map[string]int64 `json:"status_counts,omitempty"`

	// PendingRemediation is the number of sagas waiting for an operator.
	PendingRemediation int64 `json:"pending_remediation"`

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker reports engine health from the state store's view of the
// world.
type HealthChecker struct {
	store saga.StateStore
}

// NewHealthChecker creates a health checker over the given store.
func NewHealthChecker(store saga.StateStore) *HealthChecker {
	return &HealthChecker{store: store}
}

// Check queries the store and builds a snapshot. A store failure is
// reported in the snapshot, not returned.
func (h *HealthChecker) Check(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
	}

	counts, err := h.store.CountByStatus(ctx)
	if err != nil {
		status.Status = HealthStatusUnhealthy
		status.Error = err.Error()
		return status
	}

	status.StatusCounts = make(map[string]int64, len(counts))
	for s, n := range counts {
		status.StatusCounts[s.String()] = n
	}
	status.PendingRemediation = counts[saga.StatusCompensationFailed]
	return status
}
