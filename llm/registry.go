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
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// Factory creates a provider instance from its configuration.
type Factory func(config ProviderConfig) (Provider, error)

// Registry manages LLM provider instances with lazy loading and health
// monitoring. It is thread-safe for concurrent access.
//
// Provider configurations come from process configuration at startup;
// instances are created on first use so a misconfigured secondary
// provider does not stop the service from booting.
type Registry struct {
	providers map[string]Provider        // Active provider instances
	configs   map[string]*ProviderConfig // Provider configurations (may not be instantiated yet)
	factories map[ProviderType]Factory   // Constructors per provider type
	logger    *log.Logger
	mu        sync.RWMutex

	// Health monitoring
	healthResults map[string]*HealthCheckResult
	healthMu      sync.RWMutex
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithLogger sets a custom logger for the registry.
func WithLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithFactory overrides or adds the constructor for a provider type.
// Used by tests to register stub providers.
func WithFactory(providerType ProviderType, factory Factory) RegistryOption {
	return func(r *Registry) {
		r.factories[providerType] = factory
	}
}

// NewRegistry creates a provider registry with the builtin vendor
// factories preloaded.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		providers:     make(map[string]Provider),
		configs:       make(map[string]*ProviderConfig),
		factories:     builtinFactories(),
		healthResults: make(map[string]*HealthCheckResult),
		logger:        log.New(os.Stdout, "[LLM_REGISTRY] ", log.LstdFlags),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds a provider configuration to the registry.
// The provider will be instantiated lazily on first use.
// If a provider with the same name exists, it returns an error.
func (r *Registry) Register(config *ProviderConfig) error {
	if config == nil {
		return &RegistryError{Code: ErrRegistryInvalidConfig, Message: "config cannot be nil"}
	}

	if config.Name == "" {
		return &RegistryError{Code: ErrRegistryInvalidConfig, Message: "provider name is required"}
	}

	if err := validateConfig(config); err != nil {
		return &RegistryError{
			ProviderName: config.Name,
			Code:         ErrRegistryInvalidConfig,
			Message:      fmt.Sprintf("invalid configuration: %v", err),
			Cause:        err,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[config.Name]; exists {
		return &RegistryError{
			ProviderName: config.Name,
			Code:         ErrRegistryDuplicate,
			Message:      fmt.Sprintf("provider %q already registered", config.Name),
		}
	}

	// Store config (provider will be created lazily)
	configCopy := *config
	r.configs[config.Name] = &configCopy

	r.logger.Printf("Registered provider config: %s (type: %s)", config.Name, config.Type)
	return nil
}

// RegisterProvider adds a pre-instantiated provider to the registry.
// Use this when you have an already-created provider instance.
func (r *Registry) RegisterProvider(name string, provider Provider, config *ProviderConfig) error {
	if provider == nil {
		return &RegistryError{Code: ErrRegistryInvalidConfig, Message: "provider cannot be nil"}
	}

	if name == "" {
		return &RegistryError{Code: ErrRegistryInvalidConfig, Message: "provider name is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return &RegistryError{
			ProviderName: name,
			Code:         ErrRegistryDuplicate,
			Message:      fmt.Sprintf("provider %q already registered", name),
		}
	}

	r.providers[name] = provider
	if config != nil {
		configCopy := *config
		r.configs[name] = &configCopy
	}

	r.logger.Printf("Registered provider instance: %s (type: %s)", name, provider.Type())
	return nil
}

// Unregister removes a provider from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[name]; !exists {
		if _, exists := r.providers[name]; !exists {
			return &RegistryError{
				ProviderName: name,
				Code:         ErrRegistryNotFound,
				Message:      fmt.Sprintf("provider %q not found", name),
			}
		}
	}

	delete(r.providers, name)
	delete(r.configs, name)

	r.healthMu.Lock()
	delete(r.healthResults, name)
	r.healthMu.Unlock()

	r.logger.Printf("Unregistered provider: %s", name)
	return nil
}

// Get retrieves a provider by name, instantiating it lazily if needed.
func (r *Registry) Get(name string) (Provider, error) {
	// Fast path: check if provider is already instantiated
	r.mu.RLock()
	provider, exists := r.providers[name]
	config, hasConfig := r.configs[name]
	r.mu.RUnlock()

	if exists {
		return provider, nil
	}

	if hasConfig {
		return r.lazyInstantiate(name, config)
	}

	return nil, &RegistryError{
		ProviderName: name,
		Code:         ErrRegistryNotFound,
		Message:      fmt.Sprintf("provider %q not found", name),
	}
}

// lazyInstantiate creates a provider instance from its config.
func (r *Registry) lazyInstantiate(name string, config *ProviderConfig) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check: another goroutine may have created it
	if provider, exists := r.providers[name]; exists {
		return provider, nil
	}

	factory, ok := r.factories[config.Type]
	if !ok {
		return nil, &RegistryError{
			ProviderName: name,
			Code:         ErrRegistryCreationFailed,
			Message:      fmt.Sprintf("no factory for provider type %q", config.Type),
		}
	}

	r.logger.Printf("Lazy-instantiating provider: %s (type: %s)", name, config.Type)

	provider, err := factory(*config)
	if err != nil {
		return nil, &RegistryError{
			ProviderName: name,
			Code:         ErrRegistryCreationFailed,
			Message:      fmt.Sprintf("failed to create provider: %v", err),
			Cause:        err,
		}
	}

	r.providers[name] = provider
	r.logger.Printf("Successfully instantiated provider: %s", name)

	return provider, nil
}

// GetConfig returns the configuration for a provider.
func (r *Registry) GetConfig(name string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	config, exists := r.configs[name]
	if !exists {
		return nil, &RegistryError{
			ProviderName: name,
			Code:         ErrRegistryNotFound,
			Message:      fmt.Sprintf("config for provider %q not found", name),
		}
	}

	// Return a copy to prevent external modification
	configCopy := *config
	return &configCopy, nil
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nameSet := make(map[string]bool)
	for name := range r.configs {
		nameSet[name] = true
	}
	for name := range r.providers {
		nameSet[name] = true
	}

	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListEnabled returns names of enabled providers.
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, config := range r.configs {
		if config.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ListByType returns provider names of a specific type.
func (r *Registry) ListByType(providerType ProviderType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, config := range r.configs {
		if config.Type == providerType {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Count returns the total number of registered providers, instantiated
// or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nameSet := make(map[string]bool)
	for name := range r.configs {
		nameSet[name] = true
	}
	for name := range r.providers {
		nameSet[name] = true
	}
	return len(nameSet)
}

// CountInstantiated returns the number of instantiated providers.
func (r *Registry) CountInstantiated() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Has returns true if a provider is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, hasConfig := r.configs[name]
	_, hasProvider := r.providers[name]
	return hasConfig || hasProvider
}

// Infos describes every registered provider for the providers API:
// name, type, capabilities, configured model, and last known health.
// Providers that cannot be instantiated are listed with their config
// data only.
func (r *Registry) Infos() []ProviderInfo {
	names := r.List()
	infos := make([]ProviderInfo, 0, len(names))

	for _, name := range names {
		info := ProviderInfo{Name: name}

		if config, err := r.GetConfig(name); err == nil {
			info.Type = config.Type
			info.DefaultModel = config.Model
		}

		provider, err := r.Get(name)
		if err != nil {
			r.logger.Printf("Provider %s not instantiable: %v", name, err)
		} else {
			info.Type = provider.Type()
			info.Capabilities = provider.Capabilities()
		}

		if result := r.GetHealthResult(name); result != nil {
			info.Health = *result
		} else {
			info.Health = HealthCheckResult{Status: HealthStatusUnknown}
		}

		infos = append(infos, info)
	}
	return infos
}

// HealthCheck performs health checks on all instantiated providers.
func (r *Registry) HealthCheck(ctx context.Context) map[string]*HealthCheckResult {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	r.mu.RUnlock()

	results := make(map[string]*HealthCheckResult, len(providers))

	for name, provider := range providers {
		results[name] = r.runHealthCheck(ctx, name, provider)
	}

	return results
}

// HealthCheckSingle performs a health check on a specific provider.
func (r *Registry) HealthCheckSingle(ctx context.Context, name string) (*HealthCheckResult, error) {
	provider, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return r.runHealthCheck(ctx, name, provider), nil
}

func (r *Registry) runHealthCheck(ctx context.Context, name string, provider Provider) *HealthCheckResult {
	start := time.Now()
	result, err := provider.HealthCheck(ctx)
	if err != nil {
		previous := r.GetHealthResult(name)
		failures := 1
		if previous != nil {
			failures = previous.ConsecutiveFailures + 1
		}
		result = &HealthCheckResult{
			Status:              HealthStatusUnhealthy,
			Latency:             time.Since(start),
			Message:             err.Error(),
			LastChecked:         time.Now(),
			ConsecutiveFailures: failures,
		}
	}
	if result.LastChecked.IsZero() {
		result.LastChecked = time.Now()
	}

	r.healthMu.Lock()
	r.healthResults[name] = result
	r.healthMu.Unlock()

	return result
}

// GetHealthResult returns the cached health result for a provider.
func (r *Registry) GetHealthResult(name string) *HealthCheckResult {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	return r.healthResults[name]
}

// HealthSnapshot returns a copy of all cached health results.
func (r *Registry) HealthSnapshot() map[string]HealthCheckResult {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	snapshot := make(map[string]HealthCheckResult, len(r.healthResults))
	for name, result := range r.healthResults {
		if result != nil {
			snapshot[name] = *result
		}
	}
	return snapshot
}

// GetHealthyProviders returns names of healthy providers.
func (r *Registry) GetHealthyProviders() []string {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	var names []string
	for name, result := range r.healthResults {
		if result != nil && result.Status == HealthStatusHealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// StartPeriodicHealthCheck starts a background goroutine for health checking.
func (r *Registry) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	r.logger.Printf("Starting periodic health check (every %v)", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Println("Stopping periodic health check")
				return
			case <-ticker.C:
				results := r.HealthCheck(ctx)
				healthy := 0
				unhealthy := 0
				for _, result := range results {
					if result.Status == HealthStatusHealthy {
						healthy++
					} else {
						unhealthy++
					}
				}
				if unhealthy > 0 {
					r.logger.Printf("Health check: %d healthy, %d unhealthy", healthy, unhealthy)
				}
			}
		}
	}()
}

// Close cleans up registry resources.
// This does not close individual providers (they should manage their own lifecycle).
func (r *Registry) Close() error {
	r.mu.Lock()
	r.providers = make(map[string]Provider)
	r.configs = make(map[string]*ProviderConfig)
	r.mu.Unlock()

	r.healthMu.Lock()
	r.healthResults = make(map[string]*HealthCheckResult)
	r.healthMu.Unlock()

	r.logger.Println("Registry closed")
	return nil
}

func validateConfig(config *ProviderConfig) error {
	switch config.Type {
	case ProviderTypeAnthropic, ProviderTypeGemini, ProviderTypeOpenAI, ProviderTypeBedrock, ProviderTypeCustom:
	default:
		return fmt.Errorf("unknown provider type %q", config.Type)
	}
	if config.Weight < 0 {
		return fmt.Errorf("weight must not be negative")
	}
	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// RegistryError represents an error from registry operations.
type RegistryError struct {
	ProviderName string
	Code         string
	Message      string
	Cause        error
}

// Registry error codes.
const (
	// ErrRegistryNotFound indicates the provider was not found.
	ErrRegistryNotFound = "registry_not_found"

	// ErrRegistryDuplicate indicates a provider with that name exists.
	ErrRegistryDuplicate = "registry_duplicate"

	// ErrRegistryInvalidConfig indicates invalid provider configuration.
	ErrRegistryInvalidConfig = "registry_invalid_config"

	// ErrRegistryCreationFailed indicates provider creation failed.
	ErrRegistryCreationFailed = "registry_creation_failed"
)

// Error implements the error interface.
func (e *RegistryError) Error() string {
	if e.ProviderName != "" {
		return fmt.Sprintf("registry error for %q: %s", e.ProviderName, e.Message)
	}
	return fmt.Sprintf("registry error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *RegistryError) Unwrap() error {
	return e.Cause
}
