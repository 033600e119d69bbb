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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("an explicitly named missing file must be an error")
	}

	config, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Storage.Backend != BackendMemory {
		t.Errorf("default backend = %q", config.Storage.Backend)
	}
	if config.Saga.DefaultTimeout != 5*time.Minute {
		t.Errorf("default saga timeout = %v", config.Saga.DefaultTimeout)
	}
	if config.Monitor.Interval != 30*time.Second {
		t.Errorf("default monitor interval = %v", config.Monitor.Interval)
	}
	if config.Server.Addr != ":9090" {
		t.Errorf("default server addr = %q", config.Server.Addr)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sagaflow.yaml")
	content := `
storage:
  backend: postgres
  postgres:
    dsn: postgres://localhost/sagaflow?sslmode=disable
saga:
  default_timeout: 2m
monitor:
  interval: 10s
  batch_limit: 50
events:
  enabled: true
  url: nats://broker:4222
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Storage.Backend != BackendPostgres {
		t.Errorf("backend = %q", config.Storage.Backend)
	}
	if config.Storage.Postgres.DSN == "" {
		t.Error("postgres dsn not loaded")
	}
	if config.Saga.DefaultTimeout != 2*time.Minute {
		t.Errorf("saga timeout = %v", config.Saga.DefaultTimeout)
	}
	if config.Monitor.BatchLimit != 50 {
		t.Errorf("batch limit = %d", config.Monitor.BatchLimit)
	}
	if !config.Events.Enabled || config.Events.URL != "nats://broker:4222" {
		t.Errorf("events config = %+v", config.Events)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("SAGAFLOW_STORAGE_BACKEND", "redis")
	t.Setenv("SAGAFLOW_STORAGE_REDIS_ADDR", "redis-host:6379")

	config, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Storage.Backend != BackendRedis {
		t.Errorf("env override ignored, backend = %q", config.Storage.Backend)
	}
	if config.Storage.Redis.Addr != "redis-host:6379" {
		t.Errorf("env override ignored, addr = %q", config.Storage.Redis.Addr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }, true},
		{"redis without addr", func(c *Config) {
			c.Storage.Backend = BackendRedis
			c.Storage.Redis.Addr = ""
		}, true},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, true},
		{"events without url", func(c *Config) {
			c.Events.Enabled = true
			c.Events.URL = ""
		}, true},
		{"zero timeout", func(c *Config) { c.Saga.DefaultTimeout = 0 }, true},
		{"zero interval", func(c *Config) { c.Monitor.Interval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := Load("")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(config)
			err = config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("validation failures must wrap ErrInvalidConfig, got %v", err)
			}
		})
	}
}
