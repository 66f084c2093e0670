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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"docuflow/platform/shared/types"
)

const auditColumns = `id, document_id, stage, provider, model, prompt_id, prompt, response,
		snapshot, confidence, processing_ms, prompt_tokens, completion_tokens,
		total_tokens, cost_cents, created_at`

// AuditStore is the append-only record of every pipeline stage: the pipeline
// writes, entry points and checkpointing read. Rows are never updated or
// deleted.
type AuditStore struct {
	db     *sql.DB
	logger *log.Logger
}

// Insert appends an audit record, filling ID, timestamp, token total, and
// the cost estimate when the caller left them zero.
func (s *AuditStore) Insert(ctx context.Context, rec *types.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	if rec.CostCents == 0 && rec.TotalTokens > 0 {
		rec.CostCents = CalculateCostCents(rec.Provider, rec.Model, rec.PromptTokens, rec.CompletionTokens)
	}

	snapshot, err := marshalMap(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO audit_records (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.DocumentID, string(rec.Stage), rec.Provider, rec.Model,
		rec.PromptID, rec.Prompt, rec.Response, snapshot, nullFloat(rec.Confidence),
		rec.ProcessingMs, rec.PromptTokens, rec.CompletionTokens,
		rec.TotalTokens, rec.CostCents, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert audit record: %w", err)
	}
	return nil
}

// ByDocument returns a document's audit trail in chronological order.
func (s *AuditStore) ByDocument(ctx context.Context, documentID string) ([]*types.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE document_id = $1 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("store: query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LatestStageRecord returns the newest audit record for a stage, or nil when
// the stage has never run. The pipeline compares its timestamp against the
// newest UPLOAD record to decide whether a stage result can be reused.
func (s *AuditStore) LatestStageRecord(ctx context.Context, documentID string, stage types.Stage) (*types.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records
		WHERE document_id = $1 AND stage = $2
		ORDER BY created_at DESC LIMIT 1`

	rec, err := scanAuditRecord(s.db.QueryRowContext(ctx, query, documentID, string(stage)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest stage record: %w", err)
	}
	return rec, nil
}

// Aggregate sums usage over an optional time window and provider filter.
func (s *AuditStore) Aggregate(ctx context.Context, start, end time.Time, provider string) (*types.AuditAggregate, error) {
	filter, args := auditWindowFilter(start, end, provider)

	query := `
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_cents), 0),
			COALESCE(AVG(processing_ms), 0)
		FROM audit_records WHERE 1=1` + filter

	agg := &types.AuditAggregate{ByProvider: make(map[string]int64)}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&agg.TotalRecords, &agg.TotalTokens, &agg.TotalCostCents, &agg.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: aggregate totals: %w", err)
	}

	byProvider := `SELECT provider, COUNT(*) FROM audit_records WHERE 1=1` + filter + " GROUP BY provider"

	rows, err := s.db.QueryContext(ctx, byProvider, args...)
	if err != nil {
		return nil, fmt.Errorf("store: aggregate by provider: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("store: scan provider count: %w", err)
		}
		agg.ByProvider[name] = count
	}
	return agg, rows.Err()
}

// StageMetrics summarizes a document's trail per stage, in pipeline order.
func (s *AuditStore) StageMetrics(ctx context.Context, documentID string) ([]types.StageMetrics, error) {
	query := `
		SELECT stage, COUNT(*), COALESCE(AVG(processing_ms), 0),
			COALESCE(AVG(total_tokens), 0), AVG(confidence)
		FROM audit_records
		WHERE document_id = $1
		GROUP BY stage`

	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("store: stage metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byStage := make(map[types.Stage]types.StageMetrics)
	for rows.Next() {
		var (
			m          types.StageMetrics
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&m.Stage, &m.Attempts, &m.AvgLatencyMs, &m.AvgTokens, &confidence); err != nil {
			return nil, fmt.Errorf("store: scan stage metrics: %w", err)
		}
		if confidence.Valid {
			m.AvgConfidence = &confidence.Float64
		}
		byStage[m.Stage] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var metrics []types.StageMetrics
	for _, stage := range types.StageOrder() {
		if m, ok := byStage[stage]; ok {
			metrics = append(metrics, m)
		}
	}
	return metrics, nil
}

// auditWindowFilter renders the shared WHERE tail for aggregate queries.
func auditWindowFilter(start, end time.Time, provider string) (string, []any) {
	var (
		clause   string
		args     []any
		argIndex = 1
	)
	if !start.IsZero() {
		clause += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, start)
		argIndex++
	}
	if !end.IsZero() {
		clause += fmt.Sprintf(" AND created_at <= $%d", argIndex)
		args = append(args, end)
		argIndex++
	}
	if provider != "" {
		clause += fmt.Sprintf(" AND provider = $%d", argIndex)
		args = append(args, provider)
	}
	return clause, args
}

func scanAuditRecord(row rowScanner) (*types.AuditRecord, error) {
	var (
		rec        types.AuditRecord
		model      sql.NullString
		promptID   sql.NullString
		prompt     sql.NullString
		response   sql.NullString
		snapshot   []byte
		confidence sql.NullFloat64
	)
	err := row.Scan(
		&rec.ID, &rec.DocumentID, &rec.Stage, &rec.Provider, &model,
		&promptID, &prompt, &response, &snapshot, &confidence,
		&rec.ProcessingMs, &rec.PromptTokens, &rec.CompletionTokens,
		&rec.TotalTokens, &rec.CostCents, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Model = model.String
	rec.PromptID = promptID.String
	rec.Prompt = prompt.String
	rec.Response = response.String
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("store: unmarshal snapshot: %w", err)
		}
	}
	if confidence.Valid {
		rec.Confidence = &confidence.Float64
	}
	return &rec, nil
}
