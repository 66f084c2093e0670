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

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"docuflow/platform/broker"
	"docuflow/platform/events"
	"docuflow/platform/llm"
	"docuflow/platform/objectstore"
	"docuflow/platform/shared/logger"
	"docuflow/platform/shared/types"
	"docuflow/platform/store"
)

// multipartOverhead is headroom on top of MAX_FILE_SIZE for the multipart
// framing around the file part.
const multipartOverhead = 64 * 1024

// DocumentStore is the slice of the document store the handlers use.
type DocumentStore interface {
	Insert(ctx context.Context, doc *types.Document) error
	GetForUser(ctx context.Context, id, userID string) (*types.Document, error)
	List(ctx context.Context, userID string, filter store.ListFilter) ([]*types.Document, error)
	UpdateStatus(ctx context.Context, id string, status types.DocumentStatus) error
	SaveCorrected(ctx context.Context, id, userID string, data map[string]any) (*types.Document, error)
	Approve(ctx context.Context, id, userID string, data map[string]any) (*types.Document, error)
	Archive(ctx context.Context, id, userID string) (*types.Document, error)
	ResetForRetry(ctx context.Context, id, userID string) (*types.Document, error)
}

// AuditStore is the slice of the audit store the handlers use.
type AuditStore interface {
	Insert(ctx context.Context, rec *types.AuditRecord) error
	ByDocument(ctx context.Context, documentID string) ([]*types.AuditRecord, error)
	StageMetrics(ctx context.Context, documentID string) ([]types.StageMetrics, error)
	Aggregate(ctx context.Context, start, end time.Time, provider string) (*types.AuditAggregate, error)
}

// ProviderDirectory exposes the LLM registry on the health endpoint.
type ProviderDirectory interface {
	Infos() []llm.ProviderInfo
}

// HealthProbe is one named component check for GET /health.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Documents DocumentStore
	Audit     AuditStore
	Objects   objectstore.Store
	Queue     broker.JobQueue
	Bus       events.Bus
	Providers ProviderDirectory

	JWTSecret   string
	MaxFileSize int64

	// AllowedTypes overrides the default accepted MIME set when non-empty.
	AllowedTypes []string

	// PresignTTL bounds signed download URLs. Zero means the object-store
	// default.
	PresignTTL time.Duration

	Health []HealthProbe
}

// Server carries the HTTP entry points of the processor.
type Server struct {
	docs      DocumentStore
	audit     AuditStore
	objects   objectstore.Store
	queue     broker.JobQueue
	bus       events.Bus
	providers ProviderDirectory

	jwtSecret   []byte
	maxFileSize int64
	allowed     objectstore.AllowedTypes
	presignTTL  time.Duration

	// heartbeat paces SSE keepalive comments. Tests shorten it.
	heartbeat time.Duration

	health []HealthProbe
	logger *logger.Logger
}

// NewServer validates the wiring and builds the handler set.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Documents == nil || cfg.Audit == nil || cfg.Objects == nil || cfg.Queue == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("processor: documents, audit, objects, queue and bus are all required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("processor: JWT secret is required")
	}

	maxFileSize := cfg.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	presignTTL := cfg.PresignTTL
	if presignTTL <= 0 {
		presignTTL = objectstore.DefaultPresignTTL
	}

	return &Server{
		docs:        cfg.Documents,
		audit:       cfg.Audit,
		objects:     cfg.Objects,
		queue:       cfg.Queue,
		bus:         cfg.Bus,
		providers:   cfg.Providers,
		jwtSecret:   []byte(cfg.JWTSecret),
		maxFileSize: maxFileSize,
		allowed:     objectstore.NewAllowedTypes(cfg.AllowedTypes),
		presignTTL:  presignTTL,
		heartbeat:   30 * time.Second,
		health:      cfg.Health,
		logger:      logger.New("PROCESSOR"),
	}, nil
}

// Routes registers every endpoint on a fresh router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	// Document lifecycle
	r.HandleFunc("/api/v1/documents", s.requireAuth(s.handleUpload)).Methods("POST")
	r.HandleFunc("/api/v1/documents", s.requireAuth(s.handleList)).Methods("GET")
	r.HandleFunc("/api/v1/documents/events", s.requireAuth(s.handleEvents)).Methods("GET")
	r.HandleFunc("/api/v1/documents/{id}", s.requireAuth(s.handleGet)).Methods("GET")
	r.HandleFunc("/api/v1/documents/{id}/url", s.requireAuth(s.handleSignedURL)).Methods("GET")
	r.HandleFunc("/api/v1/documents/{id}/audit", s.requireAuth(s.handleAuditTrail)).Methods("GET")
	r.HandleFunc("/api/v1/documents/{id}/stats", s.requireAuth(s.handleStageStats)).Methods("GET")
	r.HandleFunc("/api/v1/documents/{id}/retry", s.requireAuth(s.handleRetry)).Methods("POST")
	r.HandleFunc("/api/v1/documents/{id}", s.requireAuth(s.handleSaveCorrected)).Methods("PUT")
	r.HandleFunc("/api/v1/documents/{id}/approve", s.requireAuth(s.handleApprove)).Methods("POST")
	r.HandleFunc("/api/v1/documents/{id}", s.requireAuth(s.handleDelete)).Methods("DELETE")

	// Account usage and provider monitoring
	r.HandleFunc("/api/v1/usage", s.requireAuth(s.handleUsage)).Methods("GET")
	r.HandleFunc("/api/v1/providers/health", s.requireAuth(s.handleProviderHealth)).Methods("GET")

	return r
}

// handleUpload accepts a multipart document, stores the bytes, records the
// UPLOAD audit watermark, and enqueues the processing job.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileSize+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendErrorResponse(w, fmt.Sprintf("File exceeds maximum size of %d bytes", s.maxFileSize), http.StatusBadRequest)
			return
		}
		sendErrorResponse(w, "Multipart field 'file' is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size <= 0 {
		sendErrorResponse(w, "File is empty", http.StatusBadRequest)
		return
	}
	if header.Size > s.maxFileSize {
		sendErrorResponse(w, fmt.Sprintf("File exceeds maximum size of %d bytes", s.maxFileSize), http.StatusBadRequest)
		return
	}

	contentType := objectstore.InferContentType(header.Filename, header.Header.Get("Content-Type"))
	if !s.allowed.Contains(contentType) {
		sendErrorResponse(w, fmt.Sprintf("Unsupported file type %q", contentType), http.StatusBadRequest)
		return
	}

	key := objectstore.BuildKey(principal.UserID, header.Filename, time.Now())
	if err := s.objects.Upload(r.Context(), key, contentType, file, header.Size); err != nil {
		s.respondError(w, r, err, "Failed to store file")
		return
	}

	doc := &types.Document{
		UserID:    principal.UserID,
		Filename:  header.Filename,
		MimeType:  contentType,
		FileSize:  header.Size,
		ObjectKey: key,
		Bucket:    s.objects.Bucket(),
		Status:    types.StatusProcessing,
	}
	if err := s.docs.Insert(r.Context(), doc); err != nil {
		s.respondError(w, r, err, "Failed to register document")
		return
	}

	if err := s.enqueue(r.Context(), doc, principal.Premium); err != nil {
		// The document exists but will never be picked up; surface it in a
		// retryable state instead of leaving it stuck in PROCESSING.
		if uerr := s.docs.UpdateStatus(r.Context(), doc.ID, types.StatusFailed); uerr != nil {
			s.logger.Error(principal.UserID, doc.ID, "Failed to mark unqueued document", map[string]interface{}{"error": uerr.Error()})
		}
		s.logger.Error(principal.UserID, doc.ID, "Failed to enqueue document", map[string]interface{}{"error": err.Error()})
		sendErrorResponse(w, "Processing queue unavailable, retry the document later", http.StatusServiceUnavailable)
		return
	}

	s.publishEvent(types.EventCreated, doc)
	promDocumentsTotal.WithLabelValues(string(types.StatusProcessing)).Inc()
	s.logger.Info(principal.UserID, doc.ID, "Document accepted", map[string]interface{}{
		"filename": doc.Filename,
		"mimeType": doc.MimeType,
		"fileSize": doc.FileSize,
	})

	writeJSON(w, http.StatusCreated, doc)
}

// enqueue writes the UPLOAD audit watermark and publishes the job. A fresh
// watermark invalidates any stage checkpoints from earlier runs.
func (s *Server) enqueue(ctx context.Context, doc *types.Document, premium bool) error {
	rec := &types.AuditRecord{
		DocumentID: doc.ID,
		Stage:      types.StageUpload,
		Snapshot: map[string]any{
			"objectKey": doc.ObjectKey,
			"bucket":    doc.Bucket,
			"mimeType":  doc.MimeType,
			"fileSize":  doc.FileSize,
		},
	}
	if err := s.audit.Insert(ctx, rec); err != nil {
		return fmt.Errorf("record upload: %w", err)
	}

	job := types.UploadedJob{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		ObjectKey:  doc.ObjectKey,
		Bucket:     doc.Bucket,
		MimeType:   doc.MimeType,
		FileSize:   doc.FileSize,
		Attempt:    1,
		Premium:    premium,
	}
	if err := s.queue.PublishUploaded(ctx, job); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	query := r.URL.Query()

	filter := store.ListFilter{}
	if raw := query.Get("status"); raw != "" {
		status := types.DocumentStatus(raw)
		if !status.IsValid() {
			sendErrorResponse(w, fmt.Sprintf("Unknown status %q", raw), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}

	var err error
	if filter.Limit, err = queryInt(query.Get("limit")); err != nil {
		sendErrorResponse(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	if filter.Offset, err = queryInt(query.Get("offset")); err != nil {
		sendErrorResponse(w, "Invalid offset", http.StatusBadRequest)
		return
	}

	docs, err := s.docs.List(r.Context(), principal.UserID, filter)
	if err != nil {
		s.respondError(w, r, err, "Failed to list documents")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"count":     len(docs),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	doc, err := s.docs.GetForUser(r.Context(), mux.Vars(r)["id"], principal.UserID)
	if err != nil {
		s.respondError(w, r, err, "Failed to load document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	doc, err := s.docs.GetForUser(r.Context(), mux.Vars(r)["id"], principal.UserID)
	if err != nil {
		s.respondError(w, r, err, "Failed to load document")
		return
	}

	url, err := s.objects.SignedURL(r.Context(), doc.ObjectKey, s.presignTTL)
	if err != nil {
		s.respondError(w, r, err, "Failed to sign download URL")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":              url,
		"expiresInSeconds": int(s.presignTTL.Seconds()),
	})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	id := mux.Vars(r)["id"]

	if _, err := s.docs.GetForUser(r.Context(), id, principal.UserID); err != nil {
		s.respondError(w, r, err, "Failed to load document")
		return
	}

	records, err := s.audit.ByDocument(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err, "Failed to load audit trail")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documentId": id,
		"records":    records,
		"count":      len(records),
	})
}

func (s *Server) handleStageStats(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	id := mux.Vars(r)["id"]

	if _, err := s.docs.GetForUser(r.Context(), id, principal.UserID); err != nil {
		s.respondError(w, r, err, "Failed to load document")
		return
	}

	stages, err := s.audit.StageMetrics(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err, "Failed to load stage metrics")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documentId": id,
		"stages":     stages,
	})
}

// handleRetry re-runs processing for a FAILED or NEEDS_REVIEW document. The
// fresh UPLOAD watermark forces every stage to run again.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	doc, err := s.docs.ResetForRetry(r.Context(), mux.Vars(r)["id"], principal.UserID)
	if err != nil {
		s.respondError(w, r, err, "Failed to retry document")
		return
	}

	if err := s.enqueue(r.Context(), doc, principal.Premium); err != nil {
		if uerr := s.docs.UpdateStatus(r.Context(), doc.ID, types.StatusFailed); uerr != nil {
			s.logger.Error(principal.UserID, doc.ID, "Failed to mark unqueued document", map[string]interface{}{"error": uerr.Error()})
		}
		s.logger.Error(principal.UserID, doc.ID, "Failed to enqueue retry", map[string]interface{}{"error": err.Error()})
		sendErrorResponse(w, "Processing queue unavailable, retry the document later", http.StatusServiceUnavailable)
		return
	}

	s.publishEvent(types.EventUpdated, doc)
	s.logger.Info(principal.UserID, doc.ID, "Document re-queued", nil)

	writeJSON(w, http.StatusAccepted, doc)
}

// updateDocumentRequest is the body of PUT /documents/{id} and, optionally,
// POST /documents/{id}/approve.
type updateDocumentRequest struct {
	ParsedData map[string]any `json:"parsedData"`
}

func (s *Server) handleSaveCorrected(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	var req updateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.ParsedData) == 0 {
		sendErrorResponse(w, "parsedData is required", http.StatusBadRequest)
		return
	}

	doc, err := s.docs.SaveCorrected(r.Context(), mux.Vars(r)["id"], principal.UserID, req.ParsedData)
	if err != nil {
		s.respondError(w, r, err, "Failed to save corrections")
		return
	}

	s.publishEvent(types.EventUpdated, doc)
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	// The body is optional: approving without edits keeps the stored data.
	var req updateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	var data map[string]any
	if len(req.ParsedData) > 0 {
		data = req.ParsedData
	}

	doc, err := s.docs.Approve(r.Context(), mux.Vars(r)["id"], principal.UserID, data)
	if err != nil {
		s.respondError(w, r, err, "Failed to approve document")
		return
	}

	s.publishEvent(types.EventCompleted, doc)
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	doc, err := s.docs.Archive(r.Context(), mux.Vars(r)["id"], principal.UserID)
	if err != nil {
		s.respondError(w, r, err, "Failed to delete document")
		return
	}

	// Best effort: the archived row keeps the object key, so a failed
	// delete can be swept later.
	go func(key, userID, docID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.objects.Delete(ctx, key); err != nil {
			s.logger.Warn(userID, docID, "Failed to delete stored object", map[string]interface{}{
				"objectKey": key,
				"error":     err.Error(),
			})
		}
	}(doc.ObjectKey, principal.UserID, doc.ID)

	s.publishEvent(types.EventDeleted, doc)
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	var err error
	if raw := query.Get("from"); raw != "" {
		if start, err = time.Parse(time.RFC3339, raw); err != nil {
			sendErrorResponse(w, "Invalid 'from' timestamp, want RFC 3339", http.StatusBadRequest)
			return
		}
	}
	if raw := query.Get("to"); raw != "" {
		if end, err = time.Parse(time.RFC3339, raw); err != nil {
			sendErrorResponse(w, "Invalid 'to' timestamp, want RFC 3339", http.StatusBadRequest)
			return
		}
	}
	if !end.After(start) {
		sendErrorResponse(w, "'to' must be after 'from'", http.StatusBadRequest)
		return
	}

	usage, err := s.audit.Aggregate(r.Context(), start, end, query.Get("provider"))
	if err != nil {
		s.respondError(w, r, err, "Failed to aggregate usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":  start,
		"to":    end,
		"usage": usage,
	})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		sendErrorResponse(w, "Provider registry not configured", http.StatusServiceUnavailable)
		return
	}

	infos := s.providers.Infos()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": infos,
		"count":     len(infos),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]bool, len(s.health))
	status := "healthy"
	for _, probe := range s.health {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := probe.Check(ctx)
		cancel()
		components[probe.Name] = err == nil
		if err != nil {
			status = "degraded"
		}
	}

	health := map[string]interface{}{
		"status":     status,
		"service":    "docuflow-processor",
		"version":    "1.0.0",
		"timestamp":  time.Now().UTC(),
		"components": components,
	}

	writeJSON(w, http.StatusOK, health)
}

// publishEvent fans a state change out to SSE subscribers.
func (s *Server) publishEvent(eventType types.EventType, doc *types.Document) {
	s.bus.Publish(types.DocumentEvent{
		Type:      eventType,
		UserID:    doc.UserID,
		Document:  doc.Summarize(),
		Timestamp: time.Now().UTC(),
	})
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}
