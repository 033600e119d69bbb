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
	"testing"
)

func TestErrorClassification(t *testing.T) {
	if !IsTransient(NewTransientError("connection reset", nil)) {
		t.Error("transient error must classify as transient")
	}
	if IsTransient(NewBusinessRejection("insufficient credit", nil)) {
		t.Error("business rejection must not classify as transient")
	}
	if !IsBusinessRejection(NewBusinessRejection("insufficient credit", nil)) {
		t.Error("business rejection must classify as business")
	}
	if IsBusinessRejection(NewTransientError("timeout", nil)) {
		t.Error("transient error must not classify as business")
	}
}

func TestAttemptDeadlineIsTransient(t *testing.T) {
	// An expired per-attempt context is the network/timeout class.
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("attempt deadline expiry must be retryable")
	}
	if !IsTransient(fmt.Errorf("call failed: %w", context.DeadlineExceeded)) {
		t.Error("wrapped deadline expiry must be retryable")
	}
}

func TestTypeOfUnclassified(t *testing.T) {
	if got := TypeOf(errors.New("boom")); got != ErrorTypeSystem {
		t.Errorf("unclassified error: got %s, want %s", got, ErrorTypeSystem)
	}
}

func TestTypeOfWrappedSagaError(t *testing.T) {
	wrapped := fmt.Errorf("step failed: %w", NewBusinessRejection("rejected", nil))
	if got := TypeOf(wrapped); got != ErrorTypeBusiness {
		t.Errorf("got %s, want %s", got, ErrorTypeBusiness)
	}
}

func TestSagaErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewTransientError("wrapper", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestSagaErrorMessage(t *testing.T) {
	err := NewRetriesExhaustedError("reserve-credit", 4, errors.New("dial tcp: timeout"))
	msg := err.Error()
	if msg == "" || err.Code != CodeRetriesExhausted {
		t.Errorf("unexpected error: %q code %q", msg, err.Code)
	}
}

func TestIsVersionConflict(t *testing.T) {
	if !IsVersionConflict(fmt.Errorf("update: %w", ErrVersionConflict)) {
		t.Error("wrapped version conflict must be detected")
	}
	if IsVersionConflict(ErrSagaNotFound) {
		t.Error("unrelated sentinel must not be a version conflict")
	}
}
