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

package storage

import (
	"errors"
	"testing"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

func TestRedisConfigValidate(t *testing.T) {
	if err := (&RedisConfig{}).Validate(); !errors.Is(err, ErrInvalidRedisConfig) {
		t.Errorf("empty addr must be rejected, got %v", err)
	}
	if err := DefaultRedisConfig().Validate(); err != nil {
		t.Errorf("default config must be valid, got %v", err)
	}
}

func TestRedisKeyLayout(t *testing.T) {
	store := &RedisStateStore{keyPrefix: "sagaflow:"}

	if got := store.sagaKey("saga-1"); got != "sagaflow:saga:saga-1" {
		t.Errorf("saga key = %q", got)
	}
	if got := store.statusKey(saga.StatusCompensating); got != "sagaflow:index:status:COMPENSATING" {
		t.Errorf("status key = %q", got)
	}
	if got := store.timeoutKey(); got != "sagaflow:timeout" {
		t.Errorf("timeout key = %q", got)
	}
}

func TestRedisNilConfigRejected(t *testing.T) {
	if _, err := NewRedisStateStore(nil); !errors.Is(err, ErrInvalidRedisConfig) {
		t.Errorf("nil config must be rejected, got %v", err)
	}
}
