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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/logger"
	"github.com/innovationmech/sagaflow/pkg/saga"
)

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":9090".
	Addr string

	// Store backs the health probe and the saga inspection endpoints.
	Store saga.StateStore

	// Collector backs the metrics endpoint. Optional; without it the
	// /metrics route is not registered.
	Collector *PrometheusCollector
}

// Server serves health, metrics, and saga inspection over HTTP.
type Server struct {
	httpServer *http.Server
	health     *HealthChecker
	store      saga.StateStore
	log        *zap.Logger
}

// NewServer builds the server and its routes.
func NewServer(config *ServerConfig) (*Server, error) {
	if config == nil || config.Store == nil {
		return nil, errors.New("monitoring: server requires a state store")
	}
	addr := config.Addr
	if addr == "" {
		addr = ":9090"
	}

	s := &Server{
		health: NewHealthChecker(config.Store),
		store:  config.Store,
		log:    logger.GetLogger(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/sagas/:id", s.handleGetSaga)
	if config.Collector != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			config.Collector.Registry(),
			promhttp.HandlerOpts{})))
	}

	s.httpServer = &http.Server{Addr: addr, Handler: engine}
	return s, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.health.Check(c.Request.Context())
	code := http.StatusOK
	if status.Status != HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (s *Server) handleGetSaga(c *gin.Context) {
	state, err := s.store.GetSaga(c.Request.Context(), c.Param("id"))
	if errors.Is(err, saga.ErrSagaNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "saga not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("monitoring server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
