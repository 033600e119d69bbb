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

package serve

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/internal/sagaflowd"
	"github.com/innovationmech/sagaflow/pkg/logger"
	"github.com/innovationmech/sagaflow/pkg/saga/config"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sagaflow engine",
		Long: `Start the sagaflow engine daemon:
- Saga orchestration with automatic compensation on failure
- Timeout monitoring and recovery of interrupted sagas
- Health, metrics, and saga inspection over HTTP`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			logger.InitLogger()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	return cmd
}

// runServer runs the engine until interrupted.
func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Logger.Error("Failed to load configuration", zap.Error(err))
		return err
	}
	if cfg.Logging.Development {
		logger.InitDevelopmentLogger()
	}

	logger.Logger.Info("Starting sagaflow engine...",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("events_enabled", cfg.Events.Enabled))

	srv, err := sagaflowd.NewServer(cfg)
	if err != nil {
		logger.Logger.Error("Failed to create server", zap.Error(err))
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Logger.Warn("Shutdown left resources open", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Logger.Error("Server exited with error", zap.Error(err))
		return err
	}
	logger.Logger.Info("Server stopped")
	return nil
}
