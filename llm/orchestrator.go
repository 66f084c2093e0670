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

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"docuflow/platform/shared/types"
)

// Strategy selects how the orchestrator combines results when an
// operation fans out across multiple providers.
type Strategy string

const (
	// StrategyHighestConfidence waits for all providers and keeps the
	// successful result with the highest reported confidence. Ties go
	// to the faster call.
	StrategyHighestConfidence Strategy = "highest-confidence"

	// StrategyFastest races providers and keeps the first successful
	// result that passes the operation's sanity check, falling back to
	// highest-confidence over all results when the winner is not sane.
	StrategyFastest Strategy = "fastest"

	// StrategyConsensus merges validation issues from all providers,
	// averages their confidences, and takes the majority verdict.
	// Validation only; other operations fall back to highest-confidence.
	StrategyConsensus Strategy = "consensus"

	// StrategyWeightedVoting combines validation verdicts with
	// per-provider weights. Validation only; other operations fall back
	// to highest-confidence.
	StrategyWeightedVoting Strategy = "weighted-voting"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyHighestConfidence:
		return StrategyHighestConfidence, nil
	case StrategyFastest:
		return StrategyFastest, nil
	case StrategyConsensus:
		return StrategyConsensus, nil
	case StrategyWeightedVoting:
		return StrategyWeightedVoting, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Orchestrator defaults.
const (
	// DefaultCallTimeout bounds one provider call (one attempt).
	DefaultCallTimeout = 30 * time.Second

	// DefaultPrimaryWeight / DefaultSecondaryWeight are the voting
	// weights for the two-provider baseline. The stronger provider
	// carries the larger weight.
	DefaultPrimaryWeight   = 0.55
	DefaultSecondaryWeight = 0.45

	// ZeroFieldConfidence caps the aggregate confidence of an
	// extraction that produced no fields. A model claiming high
	// confidence on an empty result is not to be trusted.
	ZeroFieldConfidence = 0.05

	// DefaultFanOutMinBytes is the file size at which the default
	// fan-out policy asks for a second opinion.
	DefaultFanOutMinBytes = 2 << 20
)

// DocumentInput is the document payload shared by every semantic
// operation: the raw bytes, their MIME type, and the principal flags
// that feed the fan-out policy.
type DocumentInput struct {
	Data     []byte
	MimeType string
	Premium  bool
}

// IsPDF reports whether the input routes through PDF-capable providers.
func (d DocumentInput) IsPDF() bool {
	return d.MimeType == "application/pdf"
}

func (d DocumentInput) attachment() Attachment {
	return Attachment{MediaType: d.MimeType, Data: d.Data}
}

// FanOutPolicy decides whether an operation uses multiple providers for
// the given document. Fan-out costs a second set of tokens per stage,
// so it is reserved for inputs where a second opinion pays for itself.
type FanOutPolicy func(doc DocumentInput, docType types.DocumentType) bool

// DefaultFanOutTypes are the document types that fan out by default:
// the money-moving documents where extraction mistakes are expensive.
var DefaultFanOutTypes = []types.DocumentType{
	types.DocTypeInvoice,
	types.DocTypeTaxForm,
	types.DocTypeContract,
}

// NewFanOutPolicy builds the standard policy: fan out for premium
// principals, for the listed document types, and for files of at least
// minBytes. A zero minBytes disables the size trigger.
func NewFanOutPolicy(docTypes []types.DocumentType, minBytes int64) FanOutPolicy {
	set := make(map[types.DocumentType]bool, len(docTypes))
	for _, t := range docTypes {
		set[t] = true
	}
	return func(doc DocumentInput, docType types.DocumentType) bool {
		if doc.Premium {
			return true
		}
		if set[docType] {
			return true
		}
		return minBytes > 0 && int64(len(doc.Data)) >= minBytes
	}
}

// DefaultVoteWeights returns the two-provider baseline weights keyed by
// provider name.
func DefaultVoteWeights(primary, secondary string) map[string]float64 {
	weights := map[string]float64{}
	if primary != "" {
		weights[primary] = DefaultPrimaryWeight
	}
	if secondary != "" {
		weights[secondary] = DefaultSecondaryWeight
	}
	return weights
}

// OrchestratorConfig tunes provider selection and result combination.
type OrchestratorConfig struct {
	// PrimaryProvider is the registry name used for every single-provider
	// call. Required.
	PrimaryProvider string

	// SecondaryProvider joins fan-out calls when the policy asks for
	// them. Empty disables fan-out entirely.
	SecondaryProvider string

	// Strategy combines fan-out results. Defaults to weighted-voting
	// (validation); other operations use highest-confidence.
	Strategy Strategy

	// CallTimeout bounds a single provider attempt. Defaults to 30s.
	CallTimeout time.Duration

	// RequireAll fails a fan-out step when any provider errors instead
	// of settling for the successes.
	RequireAll bool

	// Weights are the voting weights by provider name. Defaults to
	// {primary: 0.55, secondary: 0.45}; renormalized over responders.
	Weights map[string]float64

	// Retry wraps every provider call. Zero value means the default
	// policy (3 attempts, 200ms base, 5s cap).
	Retry RetryPolicy

	// MaxTokens / Temperature apply to every completion. Zero values
	// defer to provider defaults (and providers run cold by default).
	MaxTokens   int
	Temperature float64

	// FanOut decides per document whether to use multiple providers.
	// Nil means the default policy over DefaultFanOutTypes.
	FanOut FanOutPolicy

	// PromptVersion pins the prompt templates. Zero means latest v1.
	PromptVersion int
}

// Orchestrator drives the semantic operations (classify, extract,
// validate, correct) over the provider registry: it renders prompts,
// fans calls out across providers when the policy asks for it, and
// combines the results per the configured strategy.
type Orchestrator struct {
	registry *Registry
	prompts  *PromptRegistry
	config   OrchestratorConfig
	logger   *log.Logger
}

// NewOrchestrator wires an orchestrator over the given registry and
// prompt set, filling in defaults for unset config fields.
func NewOrchestrator(registry *Registry, prompts *PromptRegistry, config OrchestratorConfig) *Orchestrator {
	if config.Strategy == "" {
		config.Strategy = StrategyWeightedVoting
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.Retry.Attempts == 0 {
		config.Retry = DefaultRetryPolicy()
	}
	if config.Weights == nil {
		config.Weights = DefaultVoteWeights(config.PrimaryProvider, config.SecondaryProvider)
	}
	if config.FanOut == nil {
		config.FanOut = NewFanOutPolicy(DefaultFanOutTypes, DefaultFanOutMinBytes)
	}
	if prompts == nil {
		prompts = NewPromptRegistry()
	}
	return &Orchestrator{
		registry: registry,
		prompts:  prompts,
		config:   config,
		logger:   log.New(os.Stdout, "[LLM_ORCHESTRATOR] ", log.LstdFlags),
	}
}

// ============================================================================
// Semantic operations
// ============================================================================

// Classify determines the document type from the document image.
func (o *Orchestrator) Classify(ctx context.Context, doc DocumentInput) (*ClassificationResult, error) {
	tpl, err := o.prompts.Get(types.StageClassification, "", o.config.PromptVersion)
	if err != nil {
		return nil, err
	}
	prompt := tpl.Render(nil)

	providers, err := o.providersFor(doc, "")
	if err != nil {
		return nil, err
	}

	call := func(ctx context.Context, p Provider) (*ClassificationResult, error) {
		return o.classifyWith(ctx, p, tpl, prompt, doc)
	}
	if len(providers) == 1 {
		return call(ctx, providers[0])
	}

	o.logger.Printf("Fanning out classification across %d providers (strategy: %s)",
		len(providers), o.pickStrategy(types.StageClassification))

	return selectSingle(ctx, o, types.StageClassification, providers, call,
		func(r *ClassificationResult) float64 { return r.Confidence }, nil)
}

// Extract pulls the typed fields for the classified document.
// An extraction that produced zero fields has its aggregate confidence
// clamped, whatever the model claimed.
func (o *Orchestrator) Extract(ctx context.Context, doc DocumentInput, docType types.DocumentType) (*ExtractionResult, error) {
	tpl, err := o.prompts.Get(types.StageExtraction, docType, o.config.PromptVersion)
	if err != nil {
		return nil, err
	}
	prompt := tpl.Render(map[string]string{
		"document_type": strings.ToLower(string(docType)),
	})

	providers, err := o.providersFor(doc, docType)
	if err != nil {
		return nil, err
	}

	call := func(ctx context.Context, p Provider) (*ExtractionResult, error) {
		return o.extractWith(ctx, p, tpl, prompt, doc)
	}

	var result *ExtractionResult
	if len(providers) == 1 {
		result, err = call(ctx, providers[0])
	} else {
		o.logger.Printf("Fanning out extraction across %d providers (strategy: %s)",
			len(providers), o.pickStrategy(types.StageExtraction))
		result, err = selectSingle(ctx, o, types.StageExtraction, providers, call,
			func(r *ExtractionResult) float64 { return r.AggregateConfidence },
			func(r *ExtractionResult) bool { return len(r.Fields) > 0 })
	}
	if err != nil {
		return nil, err
	}

	if len(result.Fields) == 0 && result.AggregateConfidence > ZeroFieldConfidence {
		o.logger.Printf("Extraction by %s returned zero fields, clamping confidence %.2f -> %.2f",
			result.Provider, result.AggregateConfidence, ZeroFieldConfidence)
		result.AggregateConfidence = ZeroFieldConfidence
	}
	return result, nil
}

// Validate cross-checks the extracted data against the document and the
// business rules for its type. rules is the textual rule summary that
// goes into the prompt. Fan-out validations combine per the configured
// strategy; weighted voting and consensus merge the issue lists.
func (o *Orchestrator) Validate(ctx context.Context, doc DocumentInput, docType types.DocumentType, data map[string]any, rules string) (*ValidationResult, error) {
	tpl, prompt, err := o.validationPrompt(docType, data, rules)
	if err != nil {
		return nil, err
	}

	providers, err := o.providersFor(doc, docType)
	if err != nil {
		return nil, err
	}

	call := func(ctx context.Context, p Provider) (*ValidationResult, error) {
		return o.validateWith(ctx, p, tpl, prompt, doc)
	}
	if len(providers) == 1 {
		return call(ctx, providers[0])
	}

	strategy := o.pickStrategy(types.StageValidation)
	o.logger.Printf("Fanning out validation across %d providers (strategy: %s)", len(providers), strategy)

	switch strategy {
	case StrategyWeightedVoting, StrategyConsensus:
		outcomes := join(ctx, providers, call)
		if err := o.checkOutcomes(types.StageValidation, toErrOutcomes(outcomes)); err != nil {
			return nil, err
		}
		return o.combineValidations(tpl, prompt, outcomes, strategy == StrategyWeightedVoting)
	default:
		return selectSingle(ctx, o, types.StageValidation, providers, call,
			func(r *ValidationResult) float64 { return r.Confidence }, nil)
	}
}

// ValidateSingle runs validation on the primary provider alone, ignoring
// the fan-out policy. Re-validation after a correction uses it: one
// opinion on the corrected data is enough, and it keeps the correction
// loop from doubling token spend.
func (o *Orchestrator) ValidateSingle(ctx context.Context, doc DocumentInput, docType types.DocumentType, data map[string]any, rules string) (*ValidationResult, error) {
	tpl, prompt, err := o.validationPrompt(docType, data, rules)
	if err != nil {
		return nil, err
	}

	p, err := o.registry.Get(o.config.PrimaryProvider)
	if err != nil {
		return nil, err
	}
	if doc.IsPDF() {
		capable := o.filterPDFCapable([]Provider{p})
		if len(capable) == 0 {
			return nil, NewProviderError(o.config.PrimaryProvider, ErrCodeUnsupportedMedia,
				"no PDF-capable provider available")
		}
		p = capable[0]
	}
	return o.validateWith(ctx, p, tpl, prompt, doc)
}

// validationPrompt renders the validation prompt shared by the fan-out
// and single-provider paths.
func (o *Orchestrator) validationPrompt(docType types.DocumentType, data map[string]any, rules string) (*PromptTemplate, string, error) {
	tpl, err := o.prompts.Get(types.StageValidation, docType, o.config.PromptVersion)
	if err != nil {
		return nil, "", err
	}
	if rules == "" {
		rules = "(no business rules for this document type)"
	}
	prompt := tpl.Render(map[string]string{
		"document_type": strings.ToLower(string(docType)),
		"rules":         rules,
		"data":          marshalIndent(data),
	})
	return tpl, prompt, nil
}

// Correct asks a provider to re-read the document and fix the fields
// named in the validation issues.
func (o *Orchestrator) Correct(ctx context.Context, doc DocumentInput, docType types.DocumentType, data map[string]any, issues []types.ValidationIssue) (*CorrectionResult, error) {
	tpl, err := o.prompts.Get(types.StageCorrection, docType, o.config.PromptVersion)
	if err != nil {
		return nil, err
	}
	prompt := tpl.Render(map[string]string{
		"document_type": strings.ToLower(string(docType)),
		"data":          marshalIndent(data),
		"issues":        marshalIndent(issues),
	})

	providers, err := o.providersFor(doc, docType)
	if err != nil {
		return nil, err
	}

	call := func(ctx context.Context, p Provider) (*CorrectionResult, error) {
		return o.correctWith(ctx, p, tpl, prompt, doc)
	}
	if len(providers) == 1 {
		return call(ctx, providers[0])
	}

	o.logger.Printf("Fanning out correction across %d providers (strategy: %s)",
		len(providers), o.pickStrategy(types.StageCorrection))

	return selectSingle(ctx, o, types.StageCorrection, providers, call,
		func(r *CorrectionResult) float64 { return r.Confidence },
		func(r *CorrectionResult) bool { return len(r.CorrectedData) > 0 })
}

// ============================================================================
// Provider selection
// ============================================================================

// providersFor resolves the provider set for one operation: the primary
// alone, or primary+secondary when the fan-out policy fires. PDF inputs
// are filtered to PDF-capable providers; when the configured pair has
// none, the registry is searched for any enabled provider that can take
// a PDF.
func (o *Orchestrator) providersFor(doc DocumentInput, docType types.DocumentType) ([]Provider, error) {
	names := []string{o.config.PrimaryProvider}
	if o.config.SecondaryProvider != "" && o.config.SecondaryProvider != o.config.PrimaryProvider &&
		o.config.FanOut(doc, docType) {
		names = append(names, o.config.SecondaryProvider)
	}

	var providers []Provider
	var firstErr error
	for _, name := range names {
		p, err := o.registry.Get(name)
		if err != nil {
			o.logger.Printf("Provider %s unavailable: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("no providers configured")
	}

	if doc.IsPDF() {
		providers = o.filterPDFCapable(providers)
		if len(providers) == 0 {
			return nil, NewProviderError(o.config.PrimaryProvider, ErrCodeUnsupportedMedia,
				"no PDF-capable provider available")
		}
	}
	return providers, nil
}

// filterPDFCapable keeps the PDF-capable providers from the candidate
// set, widening the search to the whole registry when none qualify.
// Dropping to a single provider here is expected: fan-out is not worth
// failing a PDF over.
func (o *Orchestrator) filterPDFCapable(candidates []Provider) []Provider {
	var capable []Provider
	for _, p := range candidates {
		if SupportsPDF(p) {
			capable = append(capable, p)
		} else {
			o.logger.Printf("Provider %s lacks PDF support, excluded for this document", p.Name())
		}
	}
	if len(capable) > 0 {
		return capable
	}

	for _, name := range o.registry.ListEnabled() {
		p, err := o.registry.Get(name)
		if err != nil {
			continue
		}
		if SupportsPDF(p) {
			o.logger.Printf("Routing PDF to %s (configured providers lack PDF support)", name)
			return []Provider{p}
		}
	}
	return nil
}

// pickStrategy maps the configured strategy onto what the stage
// supports. Voting and consensus only make sense where there are
// verdicts to merge, so every other stage degrades to
// highest-confidence.
func (o *Orchestrator) pickStrategy(stage types.Stage) Strategy {
	strategy := o.config.Strategy
	if stage == types.StageValidation || stage == types.StageRevalidation {
		return strategy
	}
	if strategy == StrategyWeightedVoting || strategy == StrategyConsensus {
		return StrategyHighestConfidence
	}
	return strategy
}

// ============================================================================
// Fan-out plumbing
// ============================================================================

// outcome is one provider's contribution to a fan-out call.
type outcome[T any] struct {
	provider string
	value    T
	err      error
	elapsed  time.Duration
}

// join runs the call on every provider in parallel and waits for all of
// them.
func join[T any](ctx context.Context, providers []Provider, call func(context.Context, Provider) (T, error)) []outcome[T] {
	outcomes := make([]outcome[T], len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(idx int, p Provider) {
			defer wg.Done()
			start := time.Now()
			value, err := call(ctx, p)
			outcomes[idx] = outcome[T]{provider: p.Name(), value: value, err: err, elapsed: time.Since(start)}
		}(i, p)
	}
	wg.Wait()

	return outcomes
}

// race runs the call on every provider and returns as soon as one
// succeeds and passes the sanity check, canceling the stragglers. When
// no sane success arrives it returns every outcome for the caller to
// fall back on.
func race[T any](ctx context.Context, providers []Provider, call func(context.Context, Provider) (T, error), sane func(T) bool) (*outcome[T], []outcome[T]) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan outcome[T], len(providers))
	for _, p := range providers {
		go func(p Provider) {
			start := time.Now()
			value, err := call(raceCtx, p)
			ch <- outcome[T]{provider: p.Name(), value: value, err: err, elapsed: time.Since(start)}
		}(p)
	}

	all := make([]outcome[T], 0, len(providers))
	for i := 0; i < len(providers); i++ {
		oc := <-ch
		all = append(all, oc)
		if oc.err == nil && (sane == nil || sane(oc.value)) {
			winner := oc
			return &winner, all
		}
	}
	return nil, all
}

// selectSingle runs a fan-out operation whose result is one provider's
// output: join or race per the strategy, then pick per confidence.
// A free function because methods cannot carry type parameters.
func selectSingle[T any](ctx context.Context, o *Orchestrator, stage types.Stage, providers []Provider,
	call func(context.Context, Provider) (T, error), confidence func(T) float64, sane func(T) bool) (T, error) {

	var zero T
	strategy := o.pickStrategy(stage)

	if strategy == StrategyFastest && !o.config.RequireAll {
		// The race keeps collecting past an insane winner, so reaching
		// the fallback means no sane success exists anywhere.
		winner, all := race(ctx, providers, call, sane)
		if winner != nil {
			return winner.value, nil
		}
		o.logger.Printf("No %s result passed the sanity check, falling back to best of %d", stage, len(all))
		return pickBest(o.logger, stage, all, confidence)
	}

	outcomes := join(ctx, providers, call)
	if err := o.checkOutcomes(stage, toErrOutcomes(outcomes)); err != nil {
		return zero, err
	}
	if strategy == StrategyFastest {
		return pickFastest(o.logger, stage, outcomes)
	}
	return pickBest(o.logger, stage, outcomes, confidence)
}

// pickBest keeps the successful outcome with the highest confidence,
// breaking ties by wall time.
func pickBest[T any](logger *log.Logger, stage types.Stage, outcomes []outcome[T], confidence func(T) float64) (T, error) {
	var zero T
	best := -1
	for i, oc := range outcomes {
		if oc.err != nil {
			logger.Printf("Provider %s failed %s: %v", oc.provider, stage, oc.err)
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		ci, cb := confidence(oc.value), confidence(outcomes[best].value)
		if ci > cb || (ci == cb && oc.elapsed < outcomes[best].elapsed) {
			best = i
		}
	}
	if best < 0 {
		return zero, firstError(outcomes)
	}
	return outcomes[best].value, nil
}

// pickFastest keeps the successful outcome with the lowest wall time.
func pickFastest[T any](logger *log.Logger, stage types.Stage, outcomes []outcome[T]) (T, error) {
	var zero T
	best := -1
	for i, oc := range outcomes {
		if oc.err != nil {
			logger.Printf("Provider %s failed %s: %v", oc.provider, stage, oc.err)
			continue
		}
		if best < 0 || oc.elapsed < outcomes[best].elapsed {
			best = i
		}
	}
	if best < 0 {
		return zero, firstError(outcomes)
	}
	return outcomes[best].value, nil
}

// errOutcome is the error view of an outcome, so checkOutcomes does not
// need the value type.
type errOutcome struct {
	provider string
	err      error
}

func toErrOutcomes[T any](outcomes []outcome[T]) []errOutcome {
	errs := make([]errOutcome, len(outcomes))
	for i, oc := range outcomes {
		errs[i] = errOutcome{provider: oc.provider, err: oc.err}
	}
	return errs
}

// checkOutcomes enforces the requireAll policy: with it, any provider
// error fails the step; without it, one success is enough.
func (o *Orchestrator) checkOutcomes(stage types.Stage, outcomes []errOutcome) error {
	failures := 0
	var firstErr error
	for _, oc := range outcomes {
		if oc.err != nil {
			failures++
			if firstErr == nil {
				firstErr = oc.err
			}
			o.logger.Printf("Provider %s failed %s: %v", oc.provider, stage, oc.err)
		}
	}
	if failures == len(outcomes) {
		return firstErr
	}
	if failures > 0 && o.config.RequireAll {
		return fmt.Errorf("requireAll: %d of %d providers failed %s: %w", failures, len(outcomes), stage, firstErr)
	}
	return nil
}

func firstError[T any](outcomes []outcome[T]) error {
	for _, oc := range outcomes {
		if oc.err != nil {
			return oc.err
		}
	}
	return fmt.Errorf("no provider produced a result")
}

// ============================================================================
// Result combination (validation)
// ============================================================================

// combineValidations merges fan-out validation outcomes: issues union
// over the dedup key, corrected data from the highest-weighted provider
// that offered any, verdict and confidence per weighted voting or plain
// consensus.
func (o *Orchestrator) combineValidations(tpl *PromptTemplate, prompt string, outcomes []outcome[*ValidationResult], weighted bool) (*ValidationResult, error) {
	var votes []Vote
	var issues []types.ValidationIssue
	var usage UsageStats
	var elapsed time.Duration
	var providerNames []string
	var models []string
	var raws []string
	var corrected map[string]any
	var correctedWeight float64

	for _, oc := range outcomes {
		if oc.err != nil {
			continue
		}
		r := oc.value
		votes = append(votes, Vote{Provider: r.Provider, IsValid: r.IsValid, Confidence: r.Confidence})
		issues = append(issues, r.Issues...)
		usage.Add(r.TokensUsed)
		if oc.elapsed > elapsed {
			elapsed = oc.elapsed
		}
		providerNames = append(providerNames, r.Provider)
		models = append(models, r.Model)
		raws = append(raws, r.Provider+": "+r.RawResponse)
		if len(r.CorrectedData) > 0 {
			w := o.config.Weights[r.Provider]
			if corrected == nil || w > correctedWeight {
				corrected = r.CorrectedData
				correctedWeight = w
			}
		}
	}
	if len(votes) == 0 {
		return nil, firstError(outcomes)
	}

	var verdict bool
	var confidence, agreement float64
	if weighted {
		voting := WeightedVote(votes, o.config.Weights)
		verdict = voting.IsValid
		confidence = voting.Confidence
		agreement = voting.AgreementLevel
		o.logger.Printf("Weighted vote over %v: validity=%.2f confidence=%.4f agreement=%.2f",
			providerNames, voting.ValidityScore, voting.Confidence, voting.AgreementLevel)
	} else {
		valid := 0
		var sum float64
		for _, v := range votes {
			if v.IsValid {
				valid++
			}
			sum += clampUnit(v.Confidence)
		}
		verdict = valid*2 >= len(votes)
		confidence = sum / float64(len(votes))
		agreement = agreementLevel(votes)
		o.logger.Printf("Consensus over %v: %d/%d valid, confidence=%.4f",
			providerNames, valid, len(votes), confidence)
	}

	return &ValidationResult{
		CallMeta: CallMeta{
			Provider:     strings.Join(providerNames, "+"),
			Model:        strings.Join(models, "+"),
			PromptID:     tpl.ID,
			TokensUsed:   usage,
			ProcessingMs: elapsed.Milliseconds(),
			Prompt:       prompt,
			RawResponse:  strings.Join(raws, "\n---\n"),
		},
		IsValid:        verdict,
		Issues:         types.DedupIssues(issues),
		Confidence:     confidence,
		CorrectedData:  corrected,
		AgreementLevel: agreement,
	}, nil
}

// ============================================================================
// Per-provider calls
// ============================================================================

// complete runs one completion through the retry wrapper with the
// per-call timeout applied to each attempt.
func (o *Orchestrator) complete(ctx context.Context, p Provider, tpl *PromptTemplate, prompt string, doc DocumentInput) (*CompletionResponse, error) {
	req := CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: tpl.System,
		MaxTokens:    o.config.MaxTokens,
		Temperature:  o.config.Temperature,
		Attachments:  []Attachment{doc.attachment()},
	}

	var resp *CompletionResponse
	err := Retry(ctx, o.config.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
		defer cancel()

		r, err := p.Complete(callCtx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func newCallMeta(p Provider, resp *CompletionResponse, tpl *PromptTemplate, prompt string, start time.Time) CallMeta {
	model := resp.Model
	if model == "" {
		model = p.Name()
	}
	return CallMeta{
		Provider:     p.Name(),
		Model:        model,
		PromptID:     tpl.ID,
		TokensUsed:   resp.Usage,
		ProcessingMs: time.Since(start).Milliseconds(),
		Prompt:       prompt,
		RawResponse:  resp.Content,
	}
}

type classificationPayload struct {
	DocumentType string  `json:"document_type"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
}

func (o *Orchestrator) classifyWith(ctx context.Context, p Provider, tpl *PromptTemplate, prompt string, doc DocumentInput) (*ClassificationResult, error) {
	start := time.Now()
	resp, err := o.complete(ctx, p, tpl, prompt, doc)
	if err != nil {
		return nil, err
	}

	var payload classificationPayload
	if err := DecodeJSON(p.Name(), resp.Content, &payload); err != nil {
		return nil, err
	}

	docType := types.DocumentType(strings.ToUpper(strings.TrimSpace(payload.DocumentType)))
	if !docType.IsValid() {
		o.logger.Printf("Provider %s classified into unknown type %q, treating as OTHER", p.Name(), payload.DocumentType)
		docType = types.DocTypeOther
	}

	return &ClassificationResult{
		CallMeta:     newCallMeta(p, resp, tpl, prompt, start),
		DocumentType: docType,
		Confidence:   clampUnit(payload.Confidence),
		Reasoning:    payload.Reasoning,
	}, nil
}

type extractionPayload struct {
	Data             map[string]any     `json:"data"`
	FieldConfidences map[string]float64 `json:"field_confidences"`
	Confidence       float64            `json:"confidence"`
}

func (o *Orchestrator) extractWith(ctx context.Context, p Provider, tpl *PromptTemplate, prompt string, doc DocumentInput) (*ExtractionResult, error) {
	start := time.Now()
	resp, err := o.complete(ctx, p, tpl, prompt, doc)
	if err != nil {
		return nil, err
	}

	var payload extractionPayload
	if err := DecodeJSON(p.Name(), resp.Content, &payload); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(payload.Data))
	for name := range payload.Data {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := clampUnit(payload.Confidence)
	fields := make([]Field, 0, len(names))
	var sum float64
	for _, name := range names {
		value := payload.Data[name]
		if value == nil {
			continue
		}
		conf, ok := payload.FieldConfidences[name]
		if !ok {
			conf = payload.Confidence
		}
		conf = clampUnit(conf)
		fields = append(fields, Field{Name: name, Value: value, Confidence: conf})
		sum += conf
	}

	// Mean of the per-field confidences when the model reported any,
	// else its overall number.
	aggregate := overall
	if len(payload.FieldConfidences) > 0 && len(fields) > 0 {
		aggregate = sum / float64(len(fields))
	}

	return &ExtractionResult{
		CallMeta:            newCallMeta(p, resp, tpl, prompt, start),
		Fields:              fields,
		RawData:             payload.Data,
		AggregateConfidence: aggregate,
	}, nil
}

type validationPayload struct {
	IsValid       bool                    `json:"is_valid"`
	Confidence    float64                 `json:"confidence"`
	Issues        []types.ValidationIssue `json:"issues"`
	CorrectedData map[string]any          `json:"corrected_data"`
}

func (o *Orchestrator) validateWith(ctx context.Context, p Provider, tpl *PromptTemplate, prompt string, doc DocumentInput) (*ValidationResult, error) {
	start := time.Now()
	resp, err := o.complete(ctx, p, tpl, prompt, doc)
	if err != nil {
		return nil, err
	}

	var payload validationPayload
	if err := DecodeJSON(p.Name(), resp.Content, &payload); err != nil {
		return nil, err
	}

	issues := make([]types.ValidationIssue, 0, len(payload.Issues))
	for _, issue := range payload.Issues {
		issue.Severity = normalizeSeverity(issue.Severity)
		issues = append(issues, issue)
	}

	return &ValidationResult{
		CallMeta:      newCallMeta(p, resp, tpl, prompt, start),
		IsValid:       payload.IsValid,
		Issues:        types.DedupIssues(issues),
		Confidence:    clampUnit(payload.Confidence),
		CorrectedData: payload.CorrectedData,
	}, nil
}

type correctionPayload struct {
	CorrectedData map[string]any `json:"corrected_data"`
	Changes       []FieldChange  `json:"changes"`
	Confidence    float64        `json:"confidence"`
}

func (o *Orchestrator) correctWith(ctx context.Context, p Provider, tpl *PromptTemplate, prompt string, doc DocumentInput) (*CorrectionResult, error) {
	start := time.Now()
	resp, err := o.complete(ctx, p, tpl, prompt, doc)
	if err != nil {
		return nil, err
	}

	var payload correctionPayload
	if err := DecodeJSON(p.Name(), resp.Content, &payload); err != nil {
		return nil, err
	}

	return &CorrectionResult{
		CallMeta:      newCallMeta(p, resp, tpl, prompt, start),
		CorrectedData: payload.CorrectedData,
		Changes:       payload.Changes,
		Confidence:    clampUnit(payload.Confidence),
	}, nil
}

// normalizeSeverity maps whatever the model wrote into a known
// severity, defaulting to warning.
func normalizeSeverity(s types.Severity) types.Severity {
	switch types.Severity(strings.ToLower(string(s))) {
	case types.SeverityError:
		return types.SeverityError
	case types.SeverityWarning:
		return types.SeverityWarning
	case types.SeverityInfo:
		return types.SeverityInfo
	}
	return types.SeverityWarning
}

func marshalIndent(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
