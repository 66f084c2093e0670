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
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"docuflow/platform/llm"
	"docuflow/platform/pipeline"
	"docuflow/platform/shared/types"
)

// Prometheus metrics
var (
	promDocumentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_processor_documents_total",
			Help: "Documents entering each status",
		},
		[]string{"status"},
	)
	promStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docuflow_processor_stage_duration_seconds",
			Help:    "Wall time of pipeline stage LLM calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
	promProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_processor_provider_requests_total",
			Help: "LLM provider calls by operation and outcome",
		},
		[]string{"provider", "operation", "status"},
	)
	promProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docuflow_processor_provider_latency_seconds",
			Help:    "LLM provider call latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)
	promTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_processor_tokens_total",
			Help: "Total LLM tokens consumed",
		},
		[]string{"provider"},
	)
	promConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docuflow_processor_confidence_score",
			Help:    "Final confidence score of completed documents",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
		},
	)
	promSSEClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docuflow_processor_sse_clients",
			Help: "Currently connected SSE subscribers",
		},
	)
	promQueueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docuflow_processor_queue_jobs_total",
			Help: "Job queue deliveries by handler outcome",
		},
		[]string{"result"},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promDocumentsTotal)
	prometheus.MustRegister(promStageDuration)
	prometheus.MustRegister(promProviderRequests)
	prometheus.MustRegister(promProviderLatency)
	prometheus.MustRegister(promTokensTotal)
	prometheus.MustRegister(promConfidenceScore)
	prometheus.MustRegister(promSSEClients)
	prometheus.MustRegister(promQueueJobs)
}

// dropCounter is the slice of the event bus the drop metric reads.
type dropCounter interface {
	Dropped() int64
}

// registerBusDropMetric exposes the bus's cumulative drop counter. Runtime
// registration because the counter only exists once the bus does.
func registerBusDropMetric(bus dropCounter) {
	prometheus.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "docuflow_processor_events_dropped_total",
			Help: "Events dropped on full subscriber channels",
		},
		func() float64 { return float64(bus.Dropped()) },
	))
}

// observeLLMCall records provider metrics for one semantic operation. The
// stage label mirrors the audit trail stage the call belongs to.
func observeLLMCall(operation string, stage types.Stage, meta *llm.CallMeta, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()

	provider := "unknown"
	if meta != nil && meta.Provider != "" {
		provider = meta.Provider
	} else if err != nil {
		var perr *llm.ProviderError
		if errors.As(err, &perr) && perr.Provider != "" {
			provider = perr.Provider
		}
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	promProviderRequests.WithLabelValues(provider, operation, status).Inc()
	promProviderLatency.WithLabelValues(provider, operation).Observe(elapsed)
	promStageDuration.WithLabelValues(stage.String()).Observe(elapsed)
	if meta != nil && meta.TokensUsed.TotalTokens > 0 {
		promTokensTotal.WithLabelValues(provider).Add(float64(meta.TokensUsed.TotalTokens))
	}
}

// meteredLLM wraps the orchestrator with per-operation Prometheus
// instrumentation. Fan-out internals stay opaque; the metrics attribute each
// operation to the provider that won it.
type meteredLLM struct {
	next pipeline.LLM
}

func (m meteredLLM) Classify(ctx context.Context, doc llm.DocumentInput) (*llm.ClassificationResult, error) {
	start := time.Now()
	res, err := m.next.Classify(ctx, doc)
	observeLLMCall("classify", types.StageClassification, callMeta(res), start, err)
	return res, err
}

func (m meteredLLM) Extract(ctx context.Context, doc llm.DocumentInput, docType types.DocumentType) (*llm.ExtractionResult, error) {
	start := time.Now()
	res, err := m.next.Extract(ctx, doc, docType)
	observeLLMCall("extract", types.StageExtraction, callMeta(res), start, err)
	return res, err
}

func (m meteredLLM) Validate(ctx context.Context, doc llm.DocumentInput, docType types.DocumentType, data map[string]any, rules string) (*llm.ValidationResult, error) {
	start := time.Now()
	res, err := m.next.Validate(ctx, doc, docType, data, rules)
	observeLLMCall("validate", types.StageValidation, callMeta(res), start, err)
	return res, err
}

func (m meteredLLM) ValidateSingle(ctx context.Context, doc llm.DocumentInput, docType types.DocumentType, data map[string]any, rules string) (*llm.ValidationResult, error) {
	start := time.Now()
	res, err := m.next.ValidateSingle(ctx, doc, docType, data, rules)
	observeLLMCall("revalidate", types.StageRevalidation, callMeta(res), start, err)
	return res, err
}

func (m meteredLLM) Correct(ctx context.Context, doc llm.DocumentInput, docType types.DocumentType, data map[string]any, issues []types.ValidationIssue) (*llm.CorrectionResult, error) {
	start := time.Now()
	res, err := m.next.Correct(ctx, doc, docType, data, issues)
	observeLLMCall("correct", types.StageCorrection, callMeta(res), start, err)
	return res, err
}

// callMeta extracts the shared CallMeta from any result pointer without
// reflecting over the concrete type.
func callMeta(res any) *llm.CallMeta {
	switch r := res.(type) {
	case *llm.ClassificationResult:
		if r != nil {
			return &r.CallMeta
		}
	case *llm.ExtractionResult:
		if r != nil {
			return &r.CallMeta
		}
	case *llm.ValidationResult:
		if r != nil {
			return &r.CallMeta
		}
	case *llm.CorrectionResult:
		if r != nil {
			return &r.CallMeta
		}
	}
	return nil
}

// meteredSink counts terminal document outcomes and samples final
// confidence as events flow to the bus.
type meteredSink struct {
	next pipeline.EventSink
}

func (s meteredSink) Publish(event types.DocumentEvent) {
	switch event.Type {
	case types.EventCompleted, types.EventFailed:
		promDocumentsTotal.WithLabelValues(string(event.Document.Status)).Inc()
		if event.Document.Confidence != nil {
			promConfidenceScore.Observe(*event.Document.Confidence)
		}
	}
	s.next.Publish(event)
}
