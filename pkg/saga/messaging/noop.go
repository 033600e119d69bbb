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

package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/logger"
	"github.com/innovationmech/sagaflow/pkg/saga"
)

// NoopPublisher drops events, logging each at debug level. Used when no
// event channel is configured.
type NoopPublisher struct {
	log *zap.Logger
}

// NewNoopPublisher creates a publisher that discards everything.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{log: logger.GetLogger()}
}

// Publish logs and drops the event.
func (p *NoopPublisher) Publish(ctx context.Context, event *saga.Event) error {
	p.log.Debug("dropping saga event",
		zap.String("saga_id", event.SagaID),
		zap.String("event_type", string(event.Type)))
	return nil
}

// Close is a no-op.
func (p *NoopPublisher) Close() error { return nil }
