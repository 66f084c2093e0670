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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"docuflow/platform/shared/types"
)

// natsQueue is the JetStream transport: stream DOCUMENTS, durable pull
// consumer shared across replicas, explicit acks.
type natsQueue struct {
	cfg      Config
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	logger   *log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newNATSQueue(ctx context.Context, cfg Config) (*natsQueue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("docuflow-processor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("broker: connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker: get jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{"documents.>"},
		Storage:    jetstream.FileStorage,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker: create stream %s: %w", cfg.StreamName, err)
	}

	q := &natsQueue{
		cfg:    cfg,
		nc:     nc,
		js:     js,
		stream: stream,
		logger: log.New(os.Stdout, "[BROKER] ", log.LstdFlags),
	}
	q.logger.Printf("Connected to NATS stream %s", cfg.StreamName)
	return q, nil
}

// PublishUploaded enqueues the job with a per-attempt message ID so a
// double-publish within the duplicate window collapses to one delivery.
func (q *natsQueue) PublishUploaded(ctx context.Context, job types.UploadedJob) error {
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("broker: marshal job: %w", err)
	}
	msgID := fmt.Sprintf("%s:%d", job.DocumentID, job.Attempt)
	if _, err := q.js.Publish(ctx, q.cfg.Subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("broker: publish %s: %w", q.cfg.Subject, err)
	}
	return nil
}

// Start binds the durable consumer and launches the fetch loops.
func (q *natsQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("broker: already running")
	}
	q.running = true
	q.mu.Unlock()

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.cfg.ConsumerName,
		FilterSubject: q.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
	})
	if err != nil {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		return fmt.Errorf("broker: create consumer %s: %w", q.cfg.ConsumerName, err)
	}
	q.consumer = consumer

	consumeCtx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.consumeLoop(consumeCtx, handler)
	}

	q.logger.Printf("Consumer %s started with %d workers (ack wait %s, max deliver %d)",
		q.cfg.ConsumerName, q.cfg.Workers, q.cfg.AckWait, q.cfg.MaxDeliver)
	return nil
}

func (q *natsQueue) consumeLoop(ctx context.Context, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for msg := range msgs.Messages() {
			q.handleMessage(ctx, msg, handler)
		}

		if msgs.Error() != nil && ctx.Err() == nil {
			q.logger.Printf("Fetch error: %v", msgs.Error())
		}
	}
}

func (q *natsQueue) handleMessage(ctx context.Context, msg jetstream.Msg, handler Handler) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			q.logger.Printf("Failed to NAK message during shutdown: %v", err)
		}
		return
	}

	var job types.UploadedJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Printf("Terminating malformed job: %v", err)
		// Malformed data is never retryable.
		if err := msg.Term(); err != nil {
			q.logger.Printf("Failed to TERM message: %v", err)
		}
		return
	}

	delivered := 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = int(meta.NumDelivered)
	}
	job.Attempt = delivered

	// Keep the ack window open while the pipeline runs.
	stopProgress := q.keepInProgress(ctx, msg)
	err := handler(ctx, job)
	stopProgress()

	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			q.logger.Printf("Failed to ACK job %s: %v", job.DocumentID, err)
		}
	case IsFatal(err):
		q.logger.Printf("Job %s failed fatally: %v", job.DocumentID, err)
		if err := msg.Term(); err != nil {
			q.logger.Printf("Failed to TERM job %s: %v", job.DocumentID, err)
		}
	case delivered >= q.cfg.MaxDeliver:
		q.logger.Printf("Job %s exhausted %d deliveries: %v", job.DocumentID, delivered, err)
		if q.cfg.OnExhausted != nil {
			q.cfg.OnExhausted(ctx, job, err)
		}
		if err := msg.Term(); err != nil {
			q.logger.Printf("Failed to TERM job %s: %v", job.DocumentID, err)
		}
	default:
		q.logger.Printf("Job %s failed (delivery %d/%d), requeueing in %s: %v",
			job.DocumentID, delivered, q.cfg.MaxDeliver, q.cfg.NakDelay, err)
		if err := msg.NakWithDelay(q.cfg.NakDelay); err != nil {
			q.logger.Printf("Failed to NAK job %s: %v", job.DocumentID, err)
		}
	}
}

// keepInProgress extends the ack deadline at half the ack-wait interval
// until the returned stop func runs.
func (q *natsQueue) keepInProgress(ctx context.Context, msg jetstream.Msg) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(q.cfg.AckWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					q.logger.Printf("Failed to extend ack deadline: %v", err)
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// Stop drains the fetch loops and the NATS connection.
func (q *natsQueue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
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

	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
		return fmt.Errorf("broker: drain: %w", err)
	}
	return nil
}

func (q *natsQueue) HealthCheck(ctx context.Context) error {
	if !q.nc.IsConnected() {
		return fmt.Errorf("broker: NATS connection is %s", q.nc.Status())
	}
	if _, err := q.stream.Info(ctx); err != nil {
		return fmt.Errorf("broker: stream info: %w", err)
	}
	return nil
}

var _ JobQueue = (*natsQueue)(nil)
