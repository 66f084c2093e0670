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

package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretsAPI is the slice of the Secrets Manager client we call, split out
// so tests can stub it.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSManager resolves secrets from AWS Secrets Manager with a TTL cache, so
// repeated provider restarts within the window do not hammer the API.
type AWSManager struct {
	client secretsAPI
	cache  map[string]*cacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	logger *log.Logger
}

type cacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// AWSManagerOptions configures NewAWSManager.
type AWSManagerOptions struct {
	Region   string
	CacheTTL time.Duration
}

// NewAWSManager builds the client from the default AWS credential chain.
func NewAWSManager(ctx context.Context, opts AWSManagerOptions) (*AWSManager, error) {
	cfgOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &AWSManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cacheEntry),
		ttl:    ttl,
		logger: log.New(os.Stdout, "[SECRETS] ", log.LstdFlags),
	}, nil
}

// GetSecret fetches a secret by ARN or name. JSON object secrets decode to
// their fields; anything else is exposed under "value".
func (s *AWSManager) GetSecret(ctx context.Context, ref string) (map[string]string, error) {
	s.mu.RLock()
	entry, ok := s.cache[ref]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	s.logger.Printf("Fetching secret %s from AWS Secrets Manager", MaskRef(ref))
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: get %s: %w", MaskRef(ref), err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secrets: %s has no string value", MaskRef(ref))
	}

	var credentials map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &credentials); err != nil {
		// Plain-string secret, e.g. a bare API key.
		credentials = map[string]string{"value": *result.SecretString}
	}

	s.mu.Lock()
	s.cache[ref] = &cacheEntry{value: credentials, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return credentials, nil
}

// Invalidate drops one cached secret.
func (s *AWSManager) Invalidate(ref string) {
	s.mu.Lock()
	delete(s.cache, ref)
	s.mu.Unlock()
}

// InvalidateAll clears the cache.
func (s *AWSManager) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string]*cacheEntry)
	s.mu.Unlock()
}

var _ Manager = (*AWSManager)(nil)
