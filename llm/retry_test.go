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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		Attempts:  attempts,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	}
}

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryPolicy(3), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &ProviderError{Provider: "test", Code: ErrCodeServerError, Retryable: true}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	rateLimit := &ProviderError{Provider: "test", Code: ErrCodeRateLimit, Retryable: true}

	err := Retry(context.Background(), fastRetryPolicy(3), func(ctx context.Context) error {
		calls++
		return rateLimit
	})

	assert.Equal(t, 3, calls)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeRateLimit, pe.Code)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	authErr := &ProviderError{Provider: "test", Code: ErrCodeAuth, Retryable: false}

	err := Retry(context.Background(), fastRetryPolicy(3), func(ctx context.Context) error {
		calls++
		return authErr
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, authErr)
}

func TestRetry_HonorsRetryAfterHint(t *testing.T) {
	hint := 60 * time.Millisecond
	calls := 0
	start := time.Now()

	err := Retry(context.Background(), fastRetryPolicy(2), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &ProviderError{
				Provider:   "test",
				Code:       ErrCodeRateLimit,
				Retryable:  true,
				RetryAfter: hint,
			}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), hint)
}

func TestRetry_ContextCancellationWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Minute, MaxDelay: time.Minute}
	err := Retry(ctx, policy, func(ctx context.Context) error {
		calls++
		cancel()
		return &ProviderError{Provider: "test", Code: ErrCodeTimeout, Retryable: true}
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_GenericErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryPolicy(3), func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})

	assert.Equal(t, 1, calls)
	assert.EqualError(t, err, "boom")
}

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	policy := RetryPolicy{
		Attempts:  5,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  500 * time.Millisecond,
	}

	assert.Equal(t, 200*time.Millisecond, backoffDelay(policy, 1))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(policy, 2))
	assert.Equal(t, 500*time.Millisecond, backoffDelay(policy, 3))
	assert.Equal(t, 500*time.Millisecond, backoffDelay(policy, 4))
}

func TestBackoffDelay_JitterStaysInBand(t *testing.T) {
	policy := RetryPolicy{
		Attempts:  3,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		Jitter:    0.20,
	}

	for i := 0; i < 50; i++ {
		delay := backoffDelay(policy, 1)
		assert.GreaterOrEqual(t, delay, 160*time.Millisecond)
		assert.LessOrEqual(t, delay, 240*time.Millisecond)
	}
}
