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

// Package sagaflowd assembles the saga engine components into a runnable
// daemon: state store, event publisher, orchestrator, timeout monitor, and
// the operational HTTP server, all wired from one configuration tree.
package sagaflowd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/logger"
	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/compensation"
	"github.com/innovationmech/sagaflow/pkg/saga/config"
	"github.com/innovationmech/sagaflow/pkg/saga/messaging"
	"github.com/innovationmech/sagaflow/pkg/saga/monitor"
	"github.com/innovationmech/sagaflow/pkg/saga/monitoring"
	"github.com/innovationmech/sagaflow/pkg/saga/orchestrator"
	"github.com/innovationmech/sagaflow/pkg/saga/storage"
)

// shutdownTimeout bounds the graceful drain of the HTTP server.
const shutdownTimeout = 10 * time.Second

// Server is the assembled saga engine daemon.
type Server struct {
	config       *config.Config
	store        saga.StateStore
	publisher    saga.EventPublisher
	collector    *monitoring.PrometheusCollector
	registry     *saga.Registry
	orchestrator *orchestrator.Orchestrator
	monitor      *monitor.Monitor
	httpServer   *monitoring.Server
	log          *zap.Logger
}

// NewServer wires every engine component from the configuration. The
// returned server owns the store and publisher connections; Close releases
// them.
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("sagaflowd: config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	collector := monitoring.NewPrometheusCollector()
	registry := saga.NewRegistry()

	compensator, err := compensation.New(&compensation.Config{
		Store:       store,
		Publisher:   publisher,
		MaxAttempts: cfg.Saga.CompensationMaxAttempts,
		Backoff:     cfg.Saga.CompensationBackoff,
	})
	if err != nil {
		publisher.Close()
		store.Close()
		return nil, err
	}

	orch, err := orchestrator.New(&orchestrator.Config{
		Store:          store,
		Publisher:      publisher,
		Registry:       registry,
		Compensator:    compensator,
		Metrics:        collector,
		DefaultTimeout: cfg.Saga.DefaultTimeout,
	})
	if err != nil {
		publisher.Close()
		store.Close()
		return nil, err
	}

	mon, err := monitor.New(&monitor.Config{
		Store:       store,
		Publisher:   publisher,
		Registry:    registry,
		Compensator: compensator,
		Interval:    cfg.Monitor.Interval,
		BatchLimit:  cfg.Monitor.BatchLimit,
	})
	if err != nil {
		publisher.Close()
		store.Close()
		return nil, err
	}

	httpServer, err := monitoring.NewServer(&monitoring.ServerConfig{
		Addr:      cfg.Server.Addr,
		Store:     store,
		Collector: collector,
	})
	if err != nil {
		publisher.Close()
		store.Close()
		return nil, err
	}

	return &Server{
		config:       cfg,
		store:        store,
		publisher:    publisher,
		collector:    collector,
		registry:     registry,
		orchestrator: orch,
		monitor:      mon,
		httpServer:   httpServer,
		log:          logger.GetLogger(),
	}, nil
}

func newStore(cfg *config.Config) (saga.StateStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStateStore(), nil
	case config.BackendRedis:
		return storage.NewRedisStateStore(&storage.RedisConfig{
			Addr:        cfg.Storage.Redis.Addr,
			Password:    cfg.Storage.Redis.Password,
			DB:          cfg.Storage.Redis.DB,
			KeyPrefix:   cfg.Storage.Redis.KeyPrefix,
			DialTimeout: cfg.Storage.Redis.DialTimeout,
			PoolSize:    cfg.Storage.Redis.PoolSize,
		})
	case config.BackendPostgres:
		return storage.NewPostgresStateStore(&storage.PostgresConfig{
			DSN:          cfg.Storage.Postgres.DSN,
			TableName:    cfg.Storage.Postgres.TableName,
			MaxOpenConns: cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Storage.Postgres.MaxIdleConns,
			AutoMigrate:  cfg.Storage.Postgres.AutoMigrate,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func newPublisher(cfg *config.Config) (saga.EventPublisher, error) {
	if !cfg.Events.Enabled {
		return messaging.NewNoopPublisher(), nil
	}
	return messaging.NewNATSPublisher(&messaging.NATSConfig{
		URL:           cfg.Events.URL,
		SubjectPrefix: cfg.Events.SubjectPrefix,
		Name:          "sagaflowd",
	})
}

// Registry exposes the definition registry so embedders can register their
// saga types before calling Run.
func (s *Server) Registry() *saga.Registry {
	return s.registry
}

// Orchestrator exposes the orchestrator for starting sagas.
func (s *Server) Orchestrator() *orchestrator.Orchestrator {
	return s.orchestrator
}

// Run recovers interrupted sagas, starts the timeout monitor and the
// operational HTTP server, then blocks until ctx is cancelled or the HTTP
// server fails.
func (s *Server) Run(ctx context.Context) error {
	resumed, err := s.orchestrator.Recover(ctx)
	if err != nil {
		s.log.Warn("recovery incomplete", zap.Error(err))
	}
	if resumed > 0 {
		s.log.Info("resumed interrupted sagas", zap.Int("count", resumed))
	}

	if err := s.monitor.Start(ctx); err != nil {
		return err
	}
	defer s.monitor.Stop()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- s.httpServer.Start()
	}()

	select {
	case err := <-httpErr:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http server shutdown failed", zap.Error(err))
	}
	return nil
}

// Close releases the publisher and store connections.
func (s *Server) Close() error {
	var errs []error
	if err := s.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close publisher: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}
