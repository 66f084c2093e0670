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
	"log"
	"math/rand"
	"time"
)

// Default retry parameters for provider calls.
const (
	DefaultRetryAttempts = 3
	DefaultRetryBase     = 200 * time.Millisecond
	DefaultRetryMax      = 5 * time.Second
	DefaultRetryJitter   = 0.20
)

// RetryPolicy controls the retry wrapper around provider calls.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// BaseDelay is the backoff before the second attempt; it doubles
	// per attempt up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Jitter is the +/- fraction applied to each delay.
	Jitter float64

	// IsRetryable decides whether an error is worth another attempt.
	// Nil means the package-level IsRetryable.
	IsRetryable func(error) bool
}

// DefaultRetryPolicy returns the standard provider-call policy:
// 3 attempts, 200 ms base, 5 s cap, +/-20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  DefaultRetryAttempts,
		BaseDelay: DefaultRetryBase,
		MaxDelay:  DefaultRetryMax,
		Jitter:    DefaultRetryJitter,
	}
}

// Retry runs call until it succeeds, the error is not retryable, the
// attempts are exhausted, or the context is canceled. Rate-limit hints
// carried on a ProviderError are honored as a minimum delay.
func Retry(ctx context.Context, policy RetryPolicy, call func(ctx context.Context) error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultRetryAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryBase
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryMax
	}
	retryable := policy.IsRetryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err := call(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == policy.Attempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		if pe, ok := AsProviderError(err); ok && pe.RetryAfter > delay {
			delay = pe.RetryAfter
		}

		log.Printf("[LLM] call failed (attempt %d/%d), retrying in %v: %v",
			attempt, policy.Attempts, delay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoffDelay computes the exponential backoff with jitter for the given
// attempt number (1-based). Jitter prevents synchronized retries across
// documents hitting the same rate-limited provider.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.MaxDelay {
			delay = policy.MaxDelay
			break
		}
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.Jitter > 0 {
		jitter := float64(delay) * policy.Jitter * (rand.Float64()*2 - 1)
		delay += time.Duration(jitter)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
