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

// Package secrets resolves provider credentials at startup. Config values
// are either literals or references into a secret store (AWS Secrets
// Manager in production, environment variables or a static map elsewhere),
// so API keys never have to live in the process environment directly.
package secrets

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// Manager fetches one named secret as a key/value map. Single-string
// secrets surface under the "value" key.
type Manager interface {
	GetSecret(ctx context.Context, ref string) (map[string]string, error)
}

// refSchemePrefix marks an explicit secret reference in config.
const refSchemePrefix = "secret://"

// arnPrefix matches AWS Secrets Manager ARNs used directly as references.
const arnPrefix = "arn:aws:secretsmanager:"

// IsRef reports whether v names a managed secret instead of a literal value.
func IsRef(v string) bool {
	return strings.HasPrefix(v, refSchemePrefix) || strings.HasPrefix(v, arnPrefix)
}

// Resolve returns v unchanged when it is a literal. A reference
// (`secret://id`, `secret://id#key`, or an ARN with an optional `#key`
// fragment) is fetched through m; without a fragment the "value" key is
// used, or the sole entry when the secret has exactly one.
func Resolve(ctx context.Context, m Manager, v string) (string, error) {
	if !IsRef(v) {
		return v, nil
	}
	if m == nil {
		return "", fmt.Errorf("secrets: %s references a secret but no manager is configured", MaskRef(v))
	}

	ref := strings.TrimPrefix(v, refSchemePrefix)
	key := ""
	if i := strings.LastIndex(ref, "#"); i >= 0 {
		key = ref[i+1:]
		ref = ref[:i]
	}

	values, err := m.GetSecret(ctx, ref)
	if err != nil {
		return "", err
	}

	if key != "" {
		if val, ok := values[key]; ok {
			return val, nil
		}
		return "", fmt.Errorf("secrets: secret %s has no key %q", MaskRef(ref), key)
	}
	if val, ok := values["value"]; ok {
		return val, nil
	}
	if len(values) == 1 {
		for _, val := range values {
			return val, nil
		}
	}
	return "", fmt.Errorf("secrets: secret %s is ambiguous, reference a key with #", MaskRef(ref))
}

// MaskRef hides all but the tail of a secret reference for logging.
func MaskRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return "..." + ref[len(ref)-8:]
}

// StaticManager serves secrets from a fixed map. Test and single-box use.
type StaticManager struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
	logger  *log.Logger
}

// NewStaticManager creates an empty static manager.
func NewStaticManager() *StaticManager {
	return &StaticManager{
		secrets: make(map[string]map[string]string),
		logger:  log.New(os.Stdout, "[SECRETS] ", log.LstdFlags),
	}
}

// Set stores a secret under ref.
func (s *StaticManager) Set(ref string, value map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[ref] = value
}

// GetSecret returns the stored secret or an error when absent.
func (s *StaticManager) GetSecret(_ context.Context, ref string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if secret, ok := s.secrets[ref]; ok {
		return secret, nil
	}
	return nil, fmt.Errorf("secrets: %s not found", MaskRef(ref))
}

// EnvManager reads secrets from environment variables. The reference is
// used as a prefix: ref DOCUFLOW_ANTHROPIC resolves DOCUFLOW_ANTHROPIC_API_KEY
// into "api_key", and so on for the known credential fields.
type EnvManager struct {
	logger *log.Logger
}

// NewEnvManager creates an environment-backed manager.
func NewEnvManager() *EnvManager {
	return &EnvManager{logger: log.New(os.Stdout, "[SECRETS] ", log.LstdFlags)}
}

// envFields are the credential suffixes the env manager looks up.
var envFields = map[string]string{
	"API_KEY":           "api_key",
	"ACCESS_KEY_ID":     "access_key_id",
	"SECRET_ACCESS_KEY": "secret_access_key",
	"ACCOUNT_KEY":       "account_key",
	"PASSWORD":          "password",
	"TOKEN":             "token",
	"VALUE":             "value",
}

// GetSecret collects every known <ref>_<FIELD> environment variable.
func (s *EnvManager) GetSecret(_ context.Context, ref string) (map[string]string, error) {
	credentials := make(map[string]string)
	for field, key := range envFields {
		if value := os.Getenv(ref + "_" + field); value != "" {
			credentials[key] = value
		}
	}
	if len(credentials) == 0 {
		return nil, fmt.Errorf("secrets: no environment credentials under prefix %s", ref)
	}
	s.logger.Printf("Loaded %d credential fields from environment for %s", len(credentials), ref)
	return credentials, nil
}

var (
	_ Manager = (*StaticManager)(nil)
	_ Manager = (*EnvManager)(nil)
)
