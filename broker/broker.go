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

// Package broker queues uploaded-document jobs between the HTTP entry point
// and the pipeline workers. The JetStream queue gives at-least-once delivery
// across replicas; without a NATS_URL a single-process in-memory queue with
// the same retry semantics takes its place. Either way the pipeline must
// tolerate re-delivery, which it does through audit checkpoints.
package broker

import (
	"context"
	"errors"
	"time"

	"docuflow/platform/shared/types"
)

const (
	// DefaultStreamName holds every document subject.
	DefaultStreamName = "DOCUMENTS"

	// DefaultSubject carries uploaded-document jobs.
	DefaultSubject = "documents.uploaded"

	// DefaultConsumerName is the durable pull consumer shared by all replicas.
	DefaultConsumerName = "processor"

	// DefaultAckWait must outlast a full pipeline run including LLM retries.
	DefaultAckWait = 5 * time.Minute

	// DefaultMaxDeliver bounds redeliveries of one job.
	DefaultMaxDeliver = 3

	// DefaultNakDelay spaces out redeliveries after a transient failure.
	DefaultNakDelay = 30 * time.Second

	// DefaultWorkers is how many jobs are processed concurrently.
	DefaultWorkers = 4
)

// Handler processes one uploaded-document job. A plain error requeues the
// job for redelivery; wrap with Fatal to stop redelivery immediately.
type Handler func(ctx context.Context, job types.UploadedJob) error

// ExhaustedFunc runs when a job used up its deliveries without a fatal
// error, so the caller can mark the document failed.
type ExhaustedFunc func(ctx context.Context, job types.UploadedJob, err error)

// JobQueue is the transport between upload and pipeline. Both the JetStream
// queue and the in-memory fallback implement it.
type JobQueue interface {
	// PublishUploaded enqueues a job. Publishing the same document+attempt
	// twice is deduplicated where the transport supports it.
	PublishUploaded(ctx context.Context, job types.UploadedJob) error
	// Start launches the worker loops. Call once.
	Start(ctx context.Context, handler Handler) error
	// Stop drains the workers, waiting up to timeout.
	Stop(timeout time.Duration) error
	HealthCheck(ctx context.Context) error
}

// FatalError marks a job failure as non-retryable. The queue terminates the
// delivery instead of requeuing; the handler is expected to have already
// recorded the failure on the document.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as non-retryable. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Config controls the queue. Zero values fall back to the defaults above;
// URL selects the transport.
type Config struct {
	// URL is the NATS server address. Empty selects the in-memory queue.
	URL          string
	StreamName   string
	Subject      string
	ConsumerName string
	AckWait      time.Duration
	MaxDeliver   int
	NakDelay     time.Duration
	Workers      int

	// OnExhausted is invoked after the last delivery of a job fails with a
	// transient error. Optional.
	OnExhausted ExhaustedFunc
}

func (c *Config) applyDefaults() {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.ConsumerName == "" {
		c.ConsumerName = DefaultConsumerName
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.NakDelay <= 0 {
		c.NakDelay = DefaultNakDelay
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
}

// New builds the queue for the configured transport: JetStream when URL is
// set, otherwise the in-memory fallback.
func New(ctx context.Context, cfg Config) (JobQueue, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return newMemoryQueue(cfg), nil
	}
	return newNATSQueue(ctx, cfg)
}
