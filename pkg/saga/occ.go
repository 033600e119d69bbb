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
)

// DefaultOCCRetries bounds how often a version conflict is resolved by
// re-reading and retrying before the operation is given up.
const DefaultOCCRetries = 5

// UpdateWithRetry applies mutate to a fresh read of the saga record and
// performs a conditional write, re-reading and retrying on version
// conflicts. mutate may return an error to abort the update, for example
// when the saga left the active states between read and write; that error is
// returned alongside the freshly read state so the caller can inspect it.
func UpdateWithRetry(ctx context.Context, store StateStore, sagaID string, mutate func(*SagaState) error) (*SagaState, error) {
	var lastErr error
	for attempt := 0; attempt < DefaultOCCRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state, err := store.GetSaga(ctx, sagaID)
		if err != nil {
			return nil, err
		}
		if err := mutate(state); err != nil {
			return state, err
		}

		err = store.UpdateSaga(ctx, state)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("saga %s: update retries exhausted: %w", sagaID, lastErr)
}
