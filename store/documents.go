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

// correctedConfidence is assigned when a reviewer saves manual corrections.
const correctedConfidence = 0.95

const documentColumns = `id, user_id, filename, mime_type, file_size, object_key, bucket,
		status, document_type, parsed_data, confidence, needs_review,
		created_at, updated_at, completed_at, reviewed_at`

// DocumentStore owns all reads and writes of the documents table. Review
// actions are guarded at the SQL level: the status predicate rides in the
// UPDATE so concurrent transitions cannot race past the state machine.
type DocumentStore struct {
	db     *sql.DB
	logger *log.Logger
}

// ProcessingResult is the per-stage snapshot the pipeline writes onto the
// document row. Intermediate stages pass StatusProcessing; finalize passes
// COMPLETED or NEEDS_REVIEW, which also stamps completed_at.
type ProcessingResult struct {
	Status       types.DocumentStatus
	DocumentType *types.DocumentType
	ParsedData   map[string]any
	Confidence   *float64
	NeedsReview  bool
}

// ListFilter narrows List results.
type ListFilter struct {
	Status types.DocumentStatus // empty means every non-archived status
	Limit  int                  // default 50, capped at 200
	Offset int
}

// Insert stores a new document row, filling ID and timestamps when unset.
func (s *DocumentStore) Insert(ctx context.Context, doc *types.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = types.StatusUploading
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	parsed, err := marshalMap(doc.ParsedData)
	if err != nil {
		return fmt.Errorf("store: marshal parsed data: %w", err)
	}

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = s.db.ExecContext(ctx, query,
		doc.ID, doc.UserID, doc.Filename, doc.MimeType, doc.FileSize,
		doc.ObjectKey, doc.Bucket, string(doc.Status), nullDocType(doc.DocumentType),
		parsed, nullFloat(doc.Confidence), doc.NeedsReview,
		doc.CreatedAt, doc.UpdatedAt, nullTime(doc.CompletedAt), nullTime(doc.ReviewedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert document: %w", err)
	}
	return nil
}

// Get loads a document by ID regardless of owner. Pipeline-internal; the API
// surface always goes through GetForUser.
func (s *DocumentStore) Get(ctx context.Context, id string) (*types.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{DocumentID: id}
	}
	return doc, err
}

// GetForUser loads a document scoped to its owner. A document owned by
// someone else is reported as not found.
func (s *DocumentStore) GetForUser(ctx context.Context, id, userID string) (*types.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1 AND user_id = $2`
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{DocumentID: id}
	}
	return doc, err
}

// List returns the user's documents, newest first. Without an explicit
// status filter, archived documents are excluded.
func (s *DocumentStore) List(ctx context.Context, userID string, filter ListFilter) ([]*types.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE user_id = $1`
	args := []any{userID}
	argIndex := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(filter.Status))
		argIndex++
	} else {
		query += fmt.Sprintf(" AND status <> $%d", argIndex)
		args = append(args, string(types.StatusArchived))
		argIndex++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIndex)
	args = append(args, limit)
	argIndex++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*types.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateStatus transitions a document's status unconditionally. Used by the
// pipeline for PROCESSING and FAILED, where no prior-state guard applies.
func (s *DocumentStore) UpdateStatus(ctx context.Context, id string, status types.DocumentStatus) error {
	query := `UPDATE documents SET status = $2, updated_at = $3 WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, id, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &NotFoundError{DocumentID: id}
	}
	return nil
}

// SetProcessingResult writes the latest stage outcome onto the document row.
// completed_at is stamped only for the terminal review states; FAILED
// documents keep it NULL.
func (s *DocumentStore) SetProcessingResult(ctx context.Context, id string, res ProcessingResult) (*types.Document, error) {
	parsed, err := marshalMap(res.ParsedData)
	if err != nil {
		return nil, fmt.Errorf("store: marshal parsed data: %w", err)
	}

	now := time.Now().UTC()
	completedAt := sql.NullTime{}
	if res.Status == types.StatusCompleted || res.Status == types.StatusNeedsReview {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}

	query := `
		UPDATE documents
		SET status = $2, document_type = $3, parsed_data = $4, confidence = $5,
			needs_review = $6, completed_at = $7, updated_at = $8
		WHERE id = $1
		RETURNING ` + documentColumns

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query,
		id, string(res.Status), nullDocType(res.DocumentType), parsed,
		nullFloat(res.Confidence), res.NeedsReview, completedAt, now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{DocumentID: id}
	}
	return doc, err
}

// SaveCorrected overwrites parsed data with reviewer-edited values. Allowed
// only while the document awaits review; confidence moves to 0.95 and the
// status stays NEEDS_REVIEW until an explicit approval.
func (s *DocumentStore) SaveCorrected(ctx context.Context, id, userID string, data map[string]any) (*types.Document, error) {
	parsed, err := marshalMap(data)
	if err != nil {
		return nil, fmt.Errorf("store: marshal corrected data: %w", err)
	}

	now := time.Now().UTC()
	query := `
		UPDATE documents
		SET parsed_data = $3, confidence = $4, reviewed_at = $5, updated_at = $5
		WHERE id = $1 AND user_id = $2 AND status = $6
		RETURNING ` + documentColumns

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query,
		id, userID, parsed, correctedConfidence, now, string(types.StatusNeedsReview),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.stateConflict(ctx, id, userID, types.StatusNeedsReview)
	}
	return doc, err
}

// Approve closes the review loop: NEEDS_REVIEW becomes COMPLETED. When the
// reviewer supplies edited data (now, or earlier via SaveCorrected) the
// document earns full confidence; an untouched approval keeps the pipeline
// score.
func (s *DocumentStore) Approve(ctx context.Context, id, userID string, data map[string]any) (*types.Document, error) {
	now := time.Now().UTC()

	var (
		doc *types.Document
		err error
	)
	if data != nil {
		parsed, merr := marshalMap(data)
		if merr != nil {
			return nil, fmt.Errorf("store: marshal approved data: %w", merr)
		}
		query := `
			UPDATE documents
			SET status = $3, parsed_data = $4, confidence = 1.0, needs_review = FALSE,
				reviewed_at = $5, completed_at = $5, updated_at = $5
			WHERE id = $1 AND user_id = $2 AND status = $6
			RETURNING ` + documentColumns
		doc, err = scanDocument(s.db.QueryRowContext(ctx, query,
			id, userID, string(types.StatusCompleted), parsed, now, string(types.StatusNeedsReview),
		))
	} else {
		query := `
			UPDATE documents
			SET status = $3, needs_review = FALSE,
				confidence = CASE WHEN reviewed_at IS NOT NULL THEN 1.0 ELSE confidence END,
				completed_at = $4, updated_at = $4
			WHERE id = $1 AND user_id = $2 AND status = $5
			RETURNING ` + documentColumns
		doc, err = scanDocument(s.db.QueryRowContext(ctx, query,
			id, userID, string(types.StatusCompleted), now, string(types.StatusNeedsReview),
		))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.stateConflict(ctx, id, userID, types.StatusNeedsReview)
	}
	return doc, err
}

// Archive logically deletes a document and returns the final row so the
// caller can schedule object-store cleanup.
func (s *DocumentStore) Archive(ctx context.Context, id, userID string) (*types.Document, error) {
	query := `
		UPDATE documents
		SET status = $3, updated_at = $4
		WHERE id = $1 AND user_id = $2 AND status <> $3
		RETURNING ` + documentColumns

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query,
		id, userID, string(types.StatusArchived), time.Now().UTC(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.stateConflict(ctx, id, userID,
			types.StatusUploading, types.StatusProcessing, types.StatusNeedsReview,
			types.StatusCompleted, types.StatusFailed)
	}
	return doc, err
}

// ResetForRetry sends a failed or review-pending document back through the
// pipeline. Prior scores and review marks are cleared; parsed data stays so
// checkpointed stages can be reused.
func (s *DocumentStore) ResetForRetry(ctx context.Context, id, userID string) (*types.Document, error) {
	query := `
		UPDATE documents
		SET status = $3, confidence = NULL, needs_review = FALSE,
			completed_at = NULL, reviewed_at = NULL, updated_at = $4
		WHERE id = $1 AND user_id = $2 AND status IN ($5, $6)
		RETURNING ` + documentColumns

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query,
		id, userID, string(types.StatusProcessing), time.Now().UTC(),
		string(types.StatusFailed), string(types.StatusNeedsReview),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.stateConflict(ctx, id, userID, types.StatusFailed, types.StatusNeedsReview)
	}
	return doc, err
}

// stateConflict disambiguates a guarded UPDATE that matched no rows: either
// the document is missing (or foreign), or it exists in a state the
// operation does not allow.
func (s *DocumentStore) stateConflict(ctx context.Context, id, userID string, allowed ...types.DocumentStatus) error {
	doc, err := s.GetForUser(ctx, id, userID)
	if err != nil {
		return err
	}
	return &StateError{DocumentID: id, Status: doc.Status, Allowed: allowed}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*types.Document, error) {
	var (
		doc         types.Document
		docType     sql.NullString
		parsed      []byte
		confidence  sql.NullFloat64
		completedAt sql.NullTime
		reviewedAt  sql.NullTime
	)
	err := row.Scan(
		&doc.ID, &doc.UserID, &doc.Filename, &doc.MimeType, &doc.FileSize,
		&doc.ObjectKey, &doc.Bucket, &doc.Status, &docType, &parsed,
		&confidence, &doc.NeedsReview, &doc.CreatedAt, &doc.UpdatedAt,
		&completedAt, &reviewedAt,
	)
	if err != nil {
		return nil, err
	}

	if docType.Valid {
		dt := types.DocumentType(docType.String)
		doc.DocumentType = &dt
	}
	if len(parsed) > 0 {
		if err := json.Unmarshal(parsed, &doc.ParsedData); err != nil {
			return nil, fmt.Errorf("store: unmarshal parsed data: %w", err)
		}
	}
	if confidence.Valid {
		doc.Confidence = &confidence.Float64
	}
	if completedAt.Valid {
		doc.CompletedAt = &completedAt.Time
	}
	if reviewedAt.Valid {
		doc.ReviewedAt = &reviewedAt.Time
	}
	return &doc, nil
}

// marshalMap renders a JSONB parameter. A nil map yields a nil driver value
// (SQL NULL) rather than a nil []byte, which lib/pq would send as an empty
// bytea and the jsonb column would reject.
func marshalMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullDocType(t *types.DocumentType) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*t), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
