// Copyright 2025 DocuFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists documents and their processing audit trail in
// PostgreSQL. The document store owns the lifecycle mutations (upload,
// processing results, review actions); the audit store is append-only and
// backs both the audit API and pipeline checkpointing.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config controls the PostgreSQL connection pool.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps the shared connection pool and hands out the typed stores.
type DB struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to PostgreSQL, tunes the pool, and runs the startup
// migration. Session-level statement/lock timeouts are appended to the DSN
// so every pooled connection inherits them.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("store: database URL is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sql.Open("postgres", withSessionTimeouts(cfg.DatabaseURL))
	if err != nil {
		return nil, fmt.Errorf("store: open connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &DB{
		db:     db,
		logger: log.New(os.Stdout, "[STORE] ", log.LstdFlags),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s.logger.Printf("Connected to PostgreSQL (max_conns=%d)", cfg.MaxOpenConns)
	return s, nil
}

// withSessionTimeouts appends statement_timeout (10 s) and lock_timeout (5 s)
// to the DSN unless the caller already set them. lib/pq forwards unrecognized
// parameters to the server as session settings.
func withSessionTimeouts(dsn string) string {
	if strings.Contains(dsn, "statement_timeout") {
		return dsn
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "statement_timeout=10000&lock_timeout=5000"
	}
	return dsn + " statement_timeout=10000 lock_timeout=5000"
}

func (d *DB) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		filename VARCHAR(255) NOT NULL,
		mime_type VARCHAR(100) NOT NULL,
		file_size BIGINT NOT NULL,
		object_key VARCHAR(512) NOT NULL,
		bucket VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		document_type VARCHAR(32),
		parsed_data JSONB,
		confidence DOUBLE PRECISION,
		needs_review BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		reviewed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		id VARCHAR(64) PRIMARY KEY,
		document_id VARCHAR(64) NOT NULL,
		stage VARCHAR(32) NOT NULL,
		provider VARCHAR(128) NOT NULL,
		model VARCHAR(255),
		prompt_id VARCHAR(128),
		prompt TEXT,
		response TEXT,
		snapshot JSONB,
		confidence DOUBLE PRECISION,
		processing_ms BIGINT NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cost_cents INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_user_status ON documents(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	CREATE INDEX IF NOT EXISTS idx_audit_records_document_created ON audit_records(document_id, created_at);
	`

	_, err := d.db.ExecContext(ctx, query)
	return err
}

// Documents returns the document store backed by this pool.
func (d *DB) Documents() *DocumentStore {
	return &DocumentStore{db: d.db, logger: d.logger}
}

// Audit returns the audit store backed by this pool.
func (d *DB) Audit() *AuditStore {
	return &AuditStore{db: d.db, logger: d.logger}
}

// HealthCheck verifies database connectivity.
func (d *DB) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Stats exposes pool statistics for metrics collection.
func (d *DB) Stats() sql.DBStats {
	return d.db.Stats()
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}
