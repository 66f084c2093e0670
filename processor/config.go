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
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"docuflow/platform/llm"
	"docuflow/platform/objectstore"
	"docuflow/platform/secrets"
)

// Default limits applied when the environment does not override them.
const (
	DefaultPort        = "8080"
	DefaultMaxFileSize = 10 * 1024 * 1024 // 10 MiB

	// DefaultHealthCheckInterval paces the provider registry's periodic
	// health probes.
	DefaultHealthCheckInterval = time.Minute
)

// knownProviders are the provider tags LoadConfig probes for credentials,
// in primary-preference order.
var knownProviders = []string{"anthropic", "gemini", "openai", "bedrock"}

// Config is the processor's full runtime configuration, assembled from
// environment variables plus an optional YAML overlay file.
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string
	LogLevel    string

	// RedisURL enables the cross-replica event relay when set.
	RedisURL string

	// NATSURL enables the JetStream job queue when set; empty falls back
	// to the in-process dispatcher.
	NATSURL string

	ObjectStore      objectstore.Config
	MaxFileSize      int64
	AllowedMimeTypes []string

	LLM LLMConfig
}

// LLMConfig selects providers and the fan-out behavior.
type LLMConfig struct {
	PrimaryProvider   string
	SecondaryProvider string
	Strategy          llm.Strategy
	TimeoutSeconds    int
	MaxTokens         int
	Temperature       float64
	PromptVersion     int

	// Weights are normalized voting weights by provider name. Empty means
	// the orchestrator default.
	Weights map[string]float64

	// FanOutDocTypes / FanOutMinBytes feed the multi-provider policy.
	// Empty doc types means the orchestrator default set.
	FanOutDocTypes []string
	FanOutMinBytes int64

	Providers []llm.ProviderConfig
}

// fileConfig is the YAML overlay shape (PROCESSOR_CONFIG_FILE). Only the
// routing knobs live here; credentials always come from the environment.
type fileConfig struct {
	Strategy        string             `yaml:"strategy"`
	ProviderWeights map[string]float64 `yaml:"provider_weights"`
	MultiProvider   struct {
		DocumentTypes    []string `yaml:"document_types"`
		MinFileSizeBytes int64    `yaml:"min_file_size_bytes"`
	} `yaml:"multi_provider"`
}

// LoadConfig reads the environment (resolving Secrets Manager references
// where configured) and the optional YAML overlay into a Config.
func LoadConfig(ctx context.Context) (*Config, error) {
	mgr := buildSecretsManager(ctx)

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		DatabaseURL: os.Getenv("DB_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		RedisURL:    os.Getenv("REDIS_URL"),
		NATSURL:     os.Getenv("NATS_URL"),
		MaxFileSize: getEnvInt64("MAX_FILE_SIZE", DefaultMaxFileSize),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("processor: DB_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("processor: JWT_SECRET is required")
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("processor: MAX_FILE_SIZE must be positive")
	}

	if raw := os.Getenv("ALLOWED_MIME_TYPES"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.AllowedMimeTypes = append(cfg.AllowedMimeTypes, t)
			}
		}
	}

	cfg.ObjectStore = objectstore.Config{
		Provider:           getEnv("OBJECT_STORE_PROVIDER", "s3"),
		Bucket:             os.Getenv("OBJECT_STORE_BUCKET"),
		Region:             os.Getenv("OBJECT_STORE_REGION"),
		Endpoint:           os.Getenv("OBJECT_STORE_ENDPOINT"),
		ForcePathStyle:     getEnvBool("OBJECT_STORE_FORCE_PATH_STYLE", false),
		AccessKeyID:        os.Getenv("OBJECT_STORE_ACCESS_KEY_ID"),
		SecretAccessKey:    os.Getenv("OBJECT_STORE_SECRET_ACCESS_KEY"),
		SessionToken:       os.Getenv("OBJECT_STORE_SESSION_TOKEN"),
		ProjectID:          os.Getenv("OBJECT_STORE_PROJECT_ID"),
		CredentialsFile:    os.Getenv("OBJECT_STORE_CREDENTIALS_FILE"),
		CredentialsJSON:    os.Getenv("OBJECT_STORE_CREDENTIALS_JSON"),
		AccountName:        os.Getenv("OBJECT_STORE_ACCOUNT_NAME"),
		AccountKey:         os.Getenv("OBJECT_STORE_ACCOUNT_KEY"),
		ConnectionString:   os.Getenv("OBJECT_STORE_CONNECTION_STRING"),
		UseManagedIdentity: getEnvBool("OBJECT_STORE_USE_MANAGED_IDENTITY", false),
	}
	if cfg.ObjectStore.Bucket == "" {
		return nil, fmt.Errorf("processor: OBJECT_STORE_BUCKET is required")
	}

	llmCfg, err := loadLLMConfig(ctx, mgr)
	if err != nil {
		return nil, err
	}
	cfg.LLM = *llmCfg

	if path := os.Getenv("PROCESSOR_CONFIG_FILE"); path != "" {
		if err := applyFileOverlay(cfg, path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadLLMConfig assembles the provider list from PROVIDER_<NAME>_* keys and
// the routing knobs from the LLM_* keys.
func loadLLMConfig(ctx context.Context, mgr secrets.Manager) (*LLMConfig, error) {
	cfg := &LLMConfig{
		PrimaryProvider:   getEnv("LLM_DEFAULT_PROVIDER", "anthropic"),
		SecondaryProvider: getEnv("LLM_SECONDARY_PROVIDER", "gemini"),
		TimeoutSeconds:    getEnvInt("LLM_TIMEOUT_SECONDS", 30),
		MaxTokens:         getEnvInt("LLM_MAX_TOKENS", 0),
		PromptVersion:     getEnvInt("LLM_PROMPT_VERSION", 0),
		FanOutMinBytes:    getEnvInt64("LLM_FANOUT_MIN_FILE_SIZE", 0),
	}

	if raw := os.Getenv("LLM_STRATEGY"); raw != "" {
		strategy, err := llm.ParseStrategy(raw)
		if err != nil {
			return nil, fmt.Errorf("processor: %w", err)
		}
		cfg.Strategy = strategy
	}

	if raw := os.Getenv("PROVIDER_WEIGHTS"); raw != "" {
		weights, err := ParseProviderWeights(raw)
		if err != nil {
			return nil, err
		}
		cfg.Weights = weights
	}

	for _, name := range knownProviders {
		pc, err := loadProviderConfig(ctx, mgr, name)
		if err != nil {
			return nil, err
		}
		if pc != nil {
			cfg.Providers = append(cfg.Providers, *pc)
		}
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("processor: no LLM providers configured; set PROVIDER_<NAME>_API_KEY for at least one of %s",
			strings.Join(knownProviders, ", "))
	}

	if !hasProvider(cfg.Providers, cfg.PrimaryProvider) {
		// Fall back to the first configured provider rather than failing
		// startup over a default nobody set a key for.
		cfg.PrimaryProvider = cfg.Providers[0].Name
	}
	if !hasProvider(cfg.Providers, cfg.SecondaryProvider) || cfg.SecondaryProvider == cfg.PrimaryProvider {
		cfg.SecondaryProvider = ""
		for _, pc := range cfg.Providers {
			if pc.Name != cfg.PrimaryProvider {
				cfg.SecondaryProvider = pc.Name
				break
			}
		}
	}

	return cfg, nil
}

// loadProviderConfig reads one provider's settings. Returns nil when the
// provider is not configured at all.
func loadProviderConfig(ctx context.Context, mgr secrets.Manager, name string) (*llm.ProviderConfig, error) {
	prefix := "PROVIDER_" + strings.ToUpper(name) + "_"

	apiKey := os.Getenv(prefix + "API_KEY")
	secretARN := os.Getenv(prefix + "API_KEY_SECRET_ARN")
	if secretARN != "" {
		resolved, err := secrets.Resolve(ctx, mgr, secretARN)
		if err != nil {
			return nil, fmt.Errorf("processor: resolve %sAPI_KEY_SECRET_ARN: %w", prefix, err)
		}
		apiKey = resolved
	}

	region := os.Getenv(prefix + "REGION")
	// Bedrock authenticates through the IAM chain, so a region (or an
	// explicit enable) is enough to configure it.
	enabled := apiKey != ""
	if name == "bedrock" {
		enabled = region != "" || getEnvBool(prefix+"ENABLED", false)
	}
	if !enabled {
		return nil, nil
	}

	return &llm.ProviderConfig{
		Name:     name,
		Type:     llm.ProviderType(name),
		APIKey:   apiKey,
		Endpoint: os.Getenv(prefix + "ENDPOINT"),
		Model:    os.Getenv(prefix + "MODEL"),
		Region:   region,
		Enabled:  true,
	}, nil
}

// applyFileOverlay merges the YAML routing overlay over the env-derived
// config. File values win for the knobs they set.
func applyFileOverlay(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("processor: read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("processor: parse config file %s: %w", path, err)
	}

	if fc.Strategy != "" {
		strategy, err := llm.ParseStrategy(fc.Strategy)
		if err != nil {
			return fmt.Errorf("processor: config file %s: %w", path, err)
		}
		cfg.LLM.Strategy = strategy
	}
	if len(fc.ProviderWeights) > 0 {
		cfg.LLM.Weights = normalizeWeights(fc.ProviderWeights)
	}
	if len(fc.MultiProvider.DocumentTypes) > 0 {
		cfg.LLM.FanOutDocTypes = fc.MultiProvider.DocumentTypes
	}
	if fc.MultiProvider.MinFileSizeBytes > 0 {
		cfg.LLM.FanOutMinBytes = fc.MultiProvider.MinFileSizeBytes
	}
	return nil
}

// ParseProviderWeights parses "anthropic:55,gemini:45" into normalized
// voting weights summing to 1.0.
func ParseProviderWeights(raw string) (map[string]float64, error) {
	weights := make(map[string]float64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("processor: invalid PROVIDER_WEIGHTS entry %q (want name:weight)", pair)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || w < 0 {
			return nil, fmt.Errorf("processor: invalid weight for provider %q in PROVIDER_WEIGHTS", strings.TrimSpace(name))
		}
		weights[strings.TrimSpace(name)] = w
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("processor: PROVIDER_WEIGHTS is empty")
	}
	return normalizeWeights(weights), nil
}

func normalizeWeights(in map[string]float64) map[string]float64 {
	var total float64
	for _, w := range in {
		total += w
	}
	if total <= 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for name, w := range in {
		out[name] = w / total
	}
	return out
}

// buildSecretsManager prefers AWS Secrets Manager when any key is
// indirected through an ARN; otherwise (or when AWS config fails) it falls
// back to environment lookups.
func buildSecretsManager(ctx context.Context) secrets.Manager {
	needsAWS := false
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if strings.HasSuffix(key, "_SECRET_ARN") && value != "" {
			needsAWS = true
			break
		}
	}
	if !needsAWS {
		return secrets.NewEnvManager()
	}

	mgr, err := secrets.NewAWSManager(ctx, secrets.AWSManagerOptions{
		Region: getEnv("AWS_REGION", os.Getenv("OBJECT_STORE_REGION")),
	})
	if err != nil {
		log.Printf("⚠️ Secrets Manager unavailable, falling back to environment lookups: %v", err)
		return secrets.NewEnvManager()
	}
	return mgr
}

func hasProvider(providers []llm.ProviderConfig, name string) bool {
	for _, pc := range providers {
		if pc.Name == name {
			return true
		}
	}
	return false
}

// getEnv reads an environment variable with a fallback default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("⚠️ Invalid %s=%q, using default %d", key, os.Getenv(key), defaultValue)
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
		log.Printf("⚠️ Invalid %s=%q, using default %d", key, os.Getenv(key), defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Printf("⚠️ Invalid %s=%q, using default %t", key, os.Getenv(key), defaultValue)
	}
	return defaultValue
}
