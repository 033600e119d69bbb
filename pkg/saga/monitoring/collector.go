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

// Package monitoring exposes the engine's operational surface: Prometheus
// metrics, a health probe backed by the state store, and the HTTP server
// that serves both.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

const namespace = "sagaflow"

// PrometheusCollector implements the orchestrator's MetricsCollector on a
// private Prometheus registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	sagasStarted  *prometheus.CounterVec
	sagasFinished *prometheus.CounterVec
	sagaDuration  *prometheus.HistogramVec
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
}

// NewPrometheusCollector creates a collector with its own registry.
func NewPrometheusCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusCollector{
		registry: registry,
		sagasStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_started_total",
			Help:      "Number of saga instances created.",
		}, []string{"saga_type"}),
		sagasFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_finished_total",
			Help:      "Number of saga instances that reached a terminal status.",
		}, []string{"saga_type", "status"}),
		sagaDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_duration_seconds",
			Help:      "Wall time from saga start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"saga_type", "status"}),
		stepsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Number of step executions by final result.",
		}, []string{"saga_type", "step", "result"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of step executions including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"saga_type", "step"}),
	}
}

// Registry returns the collector's registry for the metrics endpoint.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// SagaStarted records a new saga instance.
func (c *PrometheusCollector) SagaStarted(sagaType string) {
	c.sagasStarted.WithLabelValues(sagaType).Inc()
}

// SagaFinished records a saga reaching a terminal status.
func (c *PrometheusCollector) SagaFinished(sagaType string, status saga.SagaStatus, duration time.Duration) {
	c.sagasFinished.WithLabelValues(sagaType, status.String()).Inc()
	c.sagaDuration.WithLabelValues(sagaType, status.String()).Observe(duration.Seconds())
}

// StepExecuted records one step execution.
func (c *PrometheusCollector) StepExecuted(sagaType, stepName string, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.stepsExecuted.WithLabelValues(sagaType, stepName, result).Inc()
	c.stepDuration.WithLabelValues(sagaType, stepName).Observe(duration.Seconds())
}
