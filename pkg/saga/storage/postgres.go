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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// ErrInvalidPostgresConfig is returned for a nil or unusable configuration.
var ErrInvalidPostgresConfig = errors.New("invalid postgres configuration")

// uniqueViolation is the PostgreSQL error code for a duplicate key.
const uniqueViolation = "23505"

// PostgresConfig configures the PostgreSQL state store.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string `json:"dsn" yaml:"dsn"`

	// TableName is the saga record table. Defaults to "saga_states".
	TableName string `json:"table_name" yaml:"table_name"`

	// MaxOpenConns caps the connection pool. Defaults to 25.
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`

	// MaxIdleConns caps idle connections. Defaults to 5.
	MaxIdleConns int `json:"max_idle_conns" yaml:"max_idle_conns"`

	// ConnMaxLifetime bounds connection reuse. Defaults to 5 minutes.
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`

	// ConnectionTimeout bounds the startup ping. Defaults to 5 seconds.
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`

	// AutoMigrate creates the schema on startup when true.
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`
}

// ApplyDefaults fills unset fields with their defaults.
func (c *PostgresConfig) ApplyDefaults() {
	if c.TableName == "" {
		c.TableName = "saga_states"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 5 * time.Second
	}
}

// Validate checks the configuration.
func (c *PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("%w: dsn is required", ErrInvalidPostgresConfig)
	}
	return nil
}

// PostgresStateStore is a PostgreSQL-backed saga.StateStore. The version
// column carries the optimistic concurrency contract: every update is a
// conditional UPDATE ... WHERE version = $expected, so exactly one of any
// set of concurrent writers succeeds.
type PostgresStateStore struct {
	db    *sql.DB
	table string

	mu     sync.RWMutex
	closed bool
}

// NewPostgresStateStore opens a connection pool and verifies connectivity.
func NewPostgresStateStore(config *PostgresConfig) (*PostgresStateStore, error) {
	if config == nil {
		return nil, ErrInvalidPostgresConfig
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStateStore{db: db, table: config.TableName}
	if config.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run schema migration: %w", err)
		}
	}
	return store, nil
}

// NewPostgresStateStoreFromDB wraps an existing connection pool. Used by
// tests and callers that manage the pool themselves.
func NewPostgresStateStoreFromDB(db *sql.DB, tableName string) *PostgresStateStore {
	if tableName == "" {
		tableName = "saga_states"
	}
	return &PostgresStateStore{db: db, table: tableName}
}

// Migrate creates the saga record table and its indexes if they are absent.
func (p *PostgresStateStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	saga_id             TEXT PRIMARY KEY,
	saga_type           TEXT NOT NULL,
	status              TEXT NOT NULL,
	current_step_index  INT NOT NULL DEFAULT 0,
	completed_steps     JSONB NOT NULL DEFAULT '[]',
	compensation_data   JSONB NOT NULL DEFAULT '{}',
	compensation_status JSONB NOT NULL DEFAULT '{}',
	saga_data           JSONB,
	failure_reason      TEXT NOT NULL DEFAULT '',
	version             BIGINT NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	timeout_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s (status);
CREATE INDEX IF NOT EXISTS idx_%[1]s_timeout ON %[1]s (timeout_at)
	WHERE status IN ('INITIATED', 'IN_PROGRESS');
`, p.table)

	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *PostgresStateStore) checkClosed() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return saga.ErrStoreClosed
	}
	return nil
}

// sagaColumns is the column list every query selects, in scan order.
const sagaColumns = `saga_id, saga_type, status, current_step_index, completed_steps,
	compensation_data, compensation_status, saga_data, failure_reason, version,
	created_at, updated_at, timeout_at`

// CreateSaga persists a fresh saga record.
func (p *PostgresStateStore) CreateSaga(ctx context.Context, state *saga.SagaState) error {
	if err := p.checkClosed(); err != nil {
		return err
	}

	completedSteps, compensationData, compensationStatus, err := marshalSagaFields(state)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.table, sagaColumns)
	_, err = p.db.ExecContext(ctx, query,
		state.SagaID, state.SagaType, state.Status.String(), state.CurrentStepIndex,
		completedSteps, compensationData, compensationStatus, nullableJSON(state.SagaData),
		state.FailureReason, state.Version, state.CreatedAt, state.UpdatedAt, state.TimeoutAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return saga.ErrSagaAlreadyExists
		}
		return fmt.Errorf("failed to insert saga %s: %w", state.SagaID, err)
	}
	return nil
}

// GetSaga retrieves a saga by ID.
func (p *PostgresStateStore) GetSaga(ctx context.Context, sagaID string) (*saga.SagaState, error) {
	if err := p.checkClosed(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE saga_id = $1`, sagaColumns, p.table)
	state, err := scanSaga(p.db.QueryRowContext(ctx, query, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get saga %s: %w", sagaID, err)
	}
	return state, nil
}

// UpdateSaga conditionally writes a record against its version.
func (p *PostgresStateStore) UpdateSaga(ctx context.Context, state *saga.SagaState) error {
	if err := p.checkClosed(); err != nil {
		return err
	}

	completedSteps, compensationData, compensationStatus, err := marshalSagaFields(state)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := fmt.Sprintf(`UPDATE %s SET
		status = $2, current_step_index = $3, completed_steps = $4,
		compensation_data = $5, compensation_status = $6, failure_reason = $7,
		version = version + 1, updated_at = $8
	WHERE saga_id = $1 AND version = $9`, p.table)

	res, err := p.db.ExecContext(ctx, query,
		state.SagaID, state.Status.String(), state.CurrentStepIndex,
		completedSteps, compensationData, compensationStatus, state.FailureReason,
		now, state.Version)
	if err != nil {
		return fmt.Errorf("failed to update saga %s: %w", state.SagaID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for saga %s: %w", state.SagaID, err)
	}
	if affected == 0 {
		// Either the record is gone or the version moved. Disambiguate so
		// callers can tell a conflict from a missing saga.
		var exists bool
		checkQuery := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE saga_id = $1)`, p.table)
		if err := p.db.QueryRowContext(ctx, checkQuery, state.SagaID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check saga %s: %w", state.SagaID, err)
		}
		if !exists {
			return saga.ErrSagaNotFound
		}
		return saga.ErrVersionConflict
	}

	state.Version++
	state.UpdatedAt = now
	return nil
}

// FindExpired returns up to limit active sagas past their deadline, ordered
// by deadline.
func (p *PostgresStateStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*saga.SagaState, error) {
	if err := p.checkClosed(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status IN ('INITIATED', 'IN_PROGRESS') AND timeout_at <= $1
		ORDER BY timeout_at ASC
		LIMIT $2`, sagaColumns, p.table)
	rows, err := p.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sagas: %w", err)
	}
	defer rows.Close()
	return scanSagas(rows)
}

// FindByStatus returns all sagas in any of the given statuses.
func (p *PostgresStateStore) FindByStatus(ctx context.Context, statuses ...saga.SagaStatus) ([]*saga.SagaState, error) {
	if err := p.checkClosed(); err != nil {
		return nil, err
	}

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = s.String()
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = ANY($1) ORDER BY created_at ASC`,
		sagaColumns, p.table)
	rows, err := p.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to query sagas by status: %w", err)
	}
	defer rows.Close()
	return scanSagas(rows)
}

// CountByStatus returns the number of sagas per status.
func (p *PostgresStateStore) CountByStatus(ctx context.Context) (map[saga.SagaStatus]int64, error) {
	if err := p.checkClosed(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, p.table)
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count sagas: %w", err)
	}
	defer rows.Close()

	counts := make(map[saga.SagaStatus]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		status, err := saga.ParseSagaStatus(name)
		if err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Close closes the connection pool.
func (p *PostgresStateStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan path.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*saga.SagaState, error) {
	var state saga.SagaState
	var statusName string
	var completedSteps, compensationData, compensationStatus []byte
	var sagaData sql.NullString

	err := row.Scan(
		&state.SagaID, &state.SagaType, &statusName, &state.CurrentStepIndex,
		&completedSteps, &compensationData, &compensationStatus, &sagaData,
		&state.FailureReason, &state.Version,
		&state.CreatedAt, &state.UpdatedAt, &state.TimeoutAt)
	if err != nil {
		return nil, err
	}

	status, err := saga.ParseSagaStatus(statusName)
	if err != nil {
		return nil, err
	}
	state.Status = status

	if err := json.Unmarshal(completedSteps, &state.CompletedSteps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed steps: %w", err)
	}
	if err := json.Unmarshal(compensationData, &state.CompensationData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compensation data: %w", err)
	}
	if err := json.Unmarshal(compensationStatus, &state.CompensationStatus); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compensation status: %w", err)
	}
	if sagaData.Valid {
		state.SagaData = json.RawMessage(sagaData.String)
	}
	return &state, nil
}

func scanSagas(rows *sql.Rows) ([]*saga.SagaState, error) {
	var states []*saga.SagaState
	for rows.Next() {
		state, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func marshalSagaFields(state *saga.SagaState) (completedSteps, compensationData, compensationStatus []byte, err error) {
	if completedSteps, err = json.Marshal(state.CompletedSteps); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal completed steps: %w", err)
	}
	if state.CompletedSteps == nil {
		completedSteps = []byte(`[]`)
	}
	if compensationData, err = json.Marshal(state.CompensationData); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal compensation data: %w", err)
	}
	if state.CompensationData == nil {
		compensationData = []byte(`{}`)
	}
	if compensationStatus, err = json.Marshal(state.CompensationStatus); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal compensation status: %w", err)
	}
	if state.CompensationStatus == nil {
		compensationStatus = []byte(`{}`)
	}
	return completedSteps, compensationData, compensationStatus, nil
}

func nullableJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}
