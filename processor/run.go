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

// Package processor wires the document pipeline to its HTTP entry points:
// upload/list/review endpoints, the SSE event stream, usage and provider
// monitoring, and the job queue consumer that drives processing.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"docuflow/platform/broker"
	"docuflow/platform/events"
	"docuflow/platform/llm"
	"docuflow/platform/objectstore"
	"docuflow/platform/pipeline"
	"docuflow/platform/rules"
	"docuflow/platform/shared/types"
	"docuflow/platform/store"
)

// shutdownTimeout bounds the drain of in-flight HTTP requests and queue
// jobs on SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

// Run starts the processor service and blocks until shutdown.
func Run() error {
	log.Println("Starting DocuFlow Processor...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(ctx)
	if err != nil {
		return err
	}

	// SECURITY: Don't log DB_URL contents as it may contain credentials
	db, err := store.Open(ctx, store.Config{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("processor: open database: %w", err)
	}
	defer db.Close()
	log.Println("✅ Database connected")

	objects, err := objectstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("processor: object store: %w", err)
	}
	log.Printf("✅ Object store ready (%s, bucket %s)", cfg.ObjectStore.Provider, objects.Bucket())

	bus := buildBus(ctx, cfg.RedisURL)
	if dc, ok := bus.(dropCounter); ok {
		registerBusDropMetric(dc)
	}

	registry := llm.NewRegistry()
	for i := range cfg.LLM.Providers {
		pc := cfg.LLM.Providers[i]
		if err := registry.Register(&pc); err != nil {
			log.Printf("⚠️ LLM provider %s skipped: %v", pc.Name, err)
			continue
		}
		log.Printf("✅ LLM provider registered: %s", pc.Name)
	}
	if registry.Count() == 0 {
		return fmt.Errorf("processor: no usable LLM providers")
	}
	registry.StartPeriodicHealthCheck(ctx, DefaultHealthCheckInterval)

	orch := buildOrchestrator(registry, cfg.LLM)

	queue, err := broker.New(ctx, broker.Config{
		URL: cfg.NATSURL,
		OnExhausted: func(ctx context.Context, job types.UploadedJob, cause error) {
			failExhaustedJob(ctx, db.Documents(), bus, job, cause)
		},
	})
	if err != nil {
		return fmt.Errorf("processor: job queue: %w", err)
	}
	if cfg.NATSURL != "" {
		log.Println("✅ JetStream job queue connected")
	} else {
		log.Println("ℹ️ NATS_URL not set — using in-process job queue")
	}

	pipe, err := pipeline.New(pipeline.Config{
		Documents: db.Documents(),
		Audit:     db.Audit(),
		Objects:   objects,
		LLM:       meteredLLM{next: orch},
		Rules:     rules.NewEngine(),
		Events:    meteredSink{next: bus},
	})
	if err != nil {
		return fmt.Errorf("processor: pipeline: %w", err)
	}

	if err := queue.Start(ctx, func(ctx context.Context, job types.UploadedJob) error {
		perr := pipe.Process(ctx, job)
		promQueueJobs.WithLabelValues(queueResult(perr)).Inc()
		return perr
	}); err != nil {
		return fmt.Errorf("processor: start consumer: %w", err)
	}
	log.Println("✅ Pipeline consumer started")

	srv, err := NewServer(ServerConfig{
		Documents:    db.Documents(),
		Audit:        db.Audit(),
		Objects:      objects,
		Queue:        queue,
		Bus:          bus,
		Providers:    registry,
		JWTSecret:    cfg.JWTSecret,
		MaxFileSize:  cfg.MaxFileSize,
		AllowedTypes: cfg.AllowedMimeTypes,
		Health: []HealthProbe{
			{Name: "database", Check: db.HealthCheck},
			{Name: "object_store", Check: objects.HealthCheck},
			{Name: "job_queue", Check: queue.HealthCheck},
			{Name: "llm_providers", Check: providersProbe(registry)},
		},
	})
	if err != nil {
		return err
	}

	router := srv.Routes()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("🚀 DocuFlow Processor listening on port %s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("processor: http server: %w", err)
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP drain incomplete: %v", err)
	}
	if err := queue.Stop(shutdownTimeout); err != nil {
		log.Printf("⚠️ Queue drain incomplete: %v", err)
	}
	if err := bus.Close(); err != nil {
		log.Printf("⚠️ Event bus close: %v", err)
	}
	if err := registry.Close(); err != nil {
		log.Printf("⚠️ Provider registry close: %v", err)
	}

	log.Println("✅ Shutdown complete")
	return nil
}

// buildBus prefers the Redis relay so every replica sees every event, and
// degrades to the in-memory bus when Redis is absent or unreachable.
func buildBus(ctx context.Context, redisURL string) events.Bus {
	if redisURL == "" {
		log.Println("ℹ️ REDIS_URL not set — events stay on this replica")
		return events.NewMemoryBus()
	}
	bus, err := events.NewRedisBus(ctx, events.RedisConfig{URL: redisURL})
	if err != nil {
		log.Printf("⚠️ Redis event relay unavailable, falling back to in-memory bus: %v", err)
		return events.NewMemoryBus()
	}
	log.Println("✅ Redis event relay connected")
	return bus
}

// buildOrchestrator maps the loaded configuration onto the orchestrator,
// dropping the secondary provider when it never got registered.
func buildOrchestrator(registry *llm.Registry, cfg LLMConfig) *llm.Orchestrator {
	secondary := cfg.SecondaryProvider
	if secondary != "" && !registry.Has(secondary) {
		log.Printf("⚠️ Secondary provider %s not registered, fan-out disabled", secondary)
		secondary = ""
	}

	var fanOut llm.FanOutPolicy
	if len(cfg.FanOutDocTypes) > 0 || cfg.FanOutMinBytes > 0 {
		docTypes := parseDocTypes(cfg.FanOutDocTypes)
		if len(docTypes) == 0 {
			docTypes = llm.DefaultFanOutTypes
		}
		fanOut = llm.NewFanOutPolicy(docTypes, cfg.FanOutMinBytes)
	}

	return llm.NewOrchestrator(registry, llm.NewPromptRegistry(), llm.OrchestratorConfig{
		PrimaryProvider:   cfg.PrimaryProvider,
		SecondaryProvider: secondary,
		Strategy:          cfg.Strategy,
		CallTimeout:       time.Duration(cfg.TimeoutSeconds) * time.Second,
		Weights:           cfg.Weights,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		FanOut:            fanOut,
		PromptVersion:     cfg.PromptVersion,
	})
}

func parseDocTypes(names []string) []types.DocumentType {
	out := make([]types.DocumentType, 0, len(names))
	for _, raw := range names {
		t := types.DocumentType(strings.ToUpper(strings.TrimSpace(raw)))
		if !t.IsValid() {
			log.Printf("⚠️ Unknown document type %q in multi-provider policy", raw)
			continue
		}
		out = append(out, t)
	}
	return out
}

// failExhaustedJob lands a document whose deliveries ran out in FAILED and
// tells the owner. The pipeline never saw a fatal error, so nothing else
// will flip the status.
func failExhaustedJob(ctx context.Context, docs *store.DocumentStore, bus events.Bus, job types.UploadedJob, cause error) {
	log.Printf("⚠️ Document %s exhausted its deliveries: %v", job.DocumentID, cause)

	if err := docs.UpdateStatus(ctx, job.DocumentID, types.StatusFailed); err != nil {
		log.Printf("⚠️ Failed to mark document %s as FAILED: %v", job.DocumentID, err)
	}

	summary := types.DocumentSummary{ID: job.DocumentID, Status: types.StatusFailed}
	if doc, err := docs.Get(ctx, job.DocumentID); err == nil {
		summary = doc.Summarize()
		summary.Status = types.StatusFailed
	}
	summary.Error = cause.Error()

	bus.Publish(types.DocumentEvent{
		Type:      types.EventFailed,
		UserID:    job.UserID,
		Document:  summary,
		Timestamp: time.Now().UTC(),
	})
}

// providersProbe reports healthy while any provider still answers. The
// snapshot is empty until the first periodic sweep; that reads as healthy.
func providersProbe(registry *llm.Registry) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		snapshot := registry.HealthSnapshot()
		if len(snapshot) == 0 {
			return nil
		}
		for _, result := range snapshot {
			if result.Status != llm.HealthStatusUnhealthy {
				return nil
			}
		}
		return fmt.Errorf("all providers unhealthy")
	}
}

// queueResult labels a handler outcome for the queue metric.
func queueResult(err error) string {
	switch {
	case err == nil:
		return "ack"
	case broker.IsFatal(err):
		return "term"
	default:
		return "requeue"
	}
}
