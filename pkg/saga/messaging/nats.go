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

// Package messaging provides the saga.EventPublisher implementations. Events
// are observability output: publishing is best-effort and a failed publish
// never fails or blocks the saga that produced it.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// ErrInvalidNATSConfig is returned for a nil or unusable NATS configuration.
var ErrInvalidNATSConfig = errors.New("invalid nats configuration")

// NATSConfig configures the NATS event publisher.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string `json:"url" yaml:"url"`

	// SubjectPrefix namespaces the per-saga-type subjects. Events are
	// published to {prefix}.{sagaType}. Defaults to "sagaflow.events".
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`

	// Name identifies the connection on the server.
	Name string `json:"name" yaml:"name"`

	// ConnectTimeout bounds connection establishment. Defaults to 5 seconds.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// MaxReconnects caps reconnection attempts, negative for unlimited.
	MaxReconnects int `json:"max_reconnects" yaml:"max_reconnects"`
}

// Validate checks the configuration.
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidNATSConfig)
	}
	return nil
}

// DefaultNATSConfig returns a configuration for a local NATS server.
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "sagaflow.events",
		Name:           "sagaflow",
		ConnectTimeout: 5 * time.Second,
		MaxReconnects:  -1,
	}
}

// NATSPublisher publishes saga lifecycle events to NATS, one subject per
// saga type.
type NATSPublisher struct {
	conn          *nats.Conn
	subjectPrefix string

	mu     sync.Mutex
	closed bool
}

// NewNATSPublisher connects to NATS and returns a publisher.
func NewNATSPublisher(config *NATSConfig) (*NATSPublisher, error) {
	if config == nil {
		return nil, ErrInvalidNATSConfig
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	prefix := config.SubjectPrefix
	if prefix == "" {
		prefix = "sagaflow.events"
	}
	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(config.MaxReconnects),
	}
	if config.Name != "" {
		opts = append(opts, nats.Name(config.Name))
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn, subjectPrefix: prefix}, nil
}

func (p *NATSPublisher) subject(sagaType string) string {
	return p.subjectPrefix + "." + sagaType
}

// Publish sends one event to the saga type's subject.
func (p *NATSPublisher) Publish(ctx context.Context, event *saga.Event) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("nats publisher is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}
	if err := p.conn.Publish(p.subject(event.SagaType), payload); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

// Close drains the connection so buffered events are flushed before the
// publisher shuts down.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Drain()
}
