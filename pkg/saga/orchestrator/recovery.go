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

package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// Recover resumes sagas stranded in a non-terminal status by a process
// crash. Forward execution restarts from the persisted step cursor;
// collaborators see the same idempotency keys as before the crash, so a
// step whose effect landed but whose completion was never recorded is safe
// to invoke again. Sagas stranded mid-rollback are handed back to the
// compensation engine.
//
// Returns the number of sagas that were resumed. A saga whose type is no
// longer registered is logged and left in place.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	resumed := 0

	forward, err := o.store.FindByStatus(ctx, saga.StatusInitiated, saga.StatusInProgress)
	if err != nil {
		return 0, err
	}
	for _, st := range forward {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		def, err := o.registry.Get(st.SagaType)
		if err != nil {
			o.log.Error("cannot recover saga of unregistered type",
				zap.String("saga_id", st.SagaID),
				zap.String("saga_type", st.SagaType))
			continue
		}

		o.log.Info("resuming saga",
			zap.String("saga_id", st.SagaID),
			zap.String("saga_type", st.SagaType),
			zap.Int("step_cursor", st.CurrentStepIndex))
		if _, err := o.run(ctx, def, st.SagaID); err != nil {
			o.log.Error("saga recovery failed",
				zap.String("saga_id", st.SagaID),
				zap.Error(err))
			continue
		}
		resumed++
	}

	rollback, err := o.store.FindByStatus(ctx, saga.StatusFailed, saga.StatusCompensating)
	if err != nil {
		return resumed, err
	}
	for _, st := range rollback {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		def, err := o.registry.Get(st.SagaType)
		if err != nil {
			o.log.Error("cannot recover saga of unregistered type",
				zap.String("saga_id", st.SagaID),
				zap.String("saga_type", st.SagaType))
			continue
		}

		o.log.Info("resuming saga rollback",
			zap.String("saga_id", st.SagaID),
			zap.String("saga_type", st.SagaType))
		if _, err := o.compensator.Compensate(ctx, def, st.SagaID, st.FailureReason); err != nil {
			o.log.Error("saga rollback recovery failed",
				zap.String("saga_id", st.SagaID),
				zap.Error(err))
			continue
		}
		resumed++
	}

	return resumed, nil
}
