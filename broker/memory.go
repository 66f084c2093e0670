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

package broker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"docuflow/platform/shared/types"
)

// memoryQueueCapacity bounds pending jobs in the in-process queue. A full
// queue rejects new uploads instead of blocking the HTTP handler.
const memoryQueueCapacity = 256

// memoryQueue is the single-process fallback used when no NATS_URL is
// configured. Same retry semantics as the JetStream queue, but jobs do not
// survive a restart and there is no cross-replica dedup.
type memoryQueue struct {
	cfg    Config
	jobs   chan types.UploadedJob
	logger *log.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newMemoryQueue(cfg Config) *memoryQueue {
	return &memoryQueue{
		cfg:    cfg,
		jobs:   make(chan types.UploadedJob, memoryQueueCapacity),
		logger: log.New(os.Stdout, "[BROKER] ", log.LstdFlags),
	}
}

func (q *memoryQueue) PublishUploaded(_ context.Context, job types.UploadedJob) error {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return fmt.Errorf("broker: queue is stopped")
	}

	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("broker: queue full (%d pending)", len(q.jobs))
	}
}

func (q *memoryQueue) Start(_ context.Context, handler Handler) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("broker: already running")
	}
	q.running = true
	workCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.mu.Unlock()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(workCtx, handler)
	}

	q.logger.Printf("In-memory queue started with %d workers (max deliver %d)",
		q.cfg.Workers, q.cfg.MaxDeliver)
	return nil
}

func (q *memoryQueue) workerLoop(ctx context.Context, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.handleJob(ctx, job, handler)
		}
	}
}

func (q *memoryQueue) handleJob(ctx context.Context, job types.UploadedJob, handler Handler) {
	err := handler(ctx, job)
	switch {
	case err == nil:
	case IsFatal(err):
		q.logger.Printf("Job %s failed fatally: %v", job.DocumentID, err)
	case job.Attempt >= q.cfg.MaxDeliver:
		q.logger.Printf("Job %s exhausted %d deliveries: %v", job.DocumentID, job.Attempt, err)
		if q.cfg.OnExhausted != nil {
			q.cfg.OnExhausted(ctx, job, err)
		}
	default:
		q.logger.Printf("Job %s failed (delivery %d/%d), requeueing in %s: %v",
			job.DocumentID, job.Attempt, q.cfg.MaxDeliver, q.cfg.NakDelay, err)
		q.scheduleRetry(job, err)
	}
}

func (q *memoryQueue) scheduleRetry(job types.UploadedJob, cause error) {
	job.Attempt++
	time.AfterFunc(q.cfg.NakDelay, func() {
		q.mu.Lock()
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			return
		}
		select {
		case q.jobs <- job:
		default:
			// A dropped retry would strand the document in PROCESSING.
			q.logger.Printf("Queue full, abandoning retry for job %s", job.DocumentID)
			if q.cfg.OnExhausted != nil {
				q.cfg.OnExhausted(context.Background(), job, cause)
			}
		}
	})
}

func (q *memoryQueue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	cancel := q.cancel
	q.running = false
	q.cancel = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		q.logger.Printf("Workers did not drain within %s", timeout)
	}
	return nil
}

func (q *memoryQueue) HealthCheck(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return fmt.Errorf("broker: queue is stopped")
	}
	return nil
}

var _ JobQueue = (*memoryQueue)(nil)
