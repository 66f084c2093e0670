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

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"docuflow/platform/shared/types"
)

// relayChannel carries events between replicas. Every instance publishes
// here and re-emits what it hears onto its local bus.
const relayChannel = "docuflow.events"

// relayEnvelope wraps an event for the wire. UserID rides separately because
// DocumentEvent deliberately omits it from JSON (clients never see owner IDs).
type relayEnvelope struct {
	Origin string              `json:"origin"`
	UserID string              `json:"userId,omitempty"`
	Event  types.DocumentEvent `json:"event"`
}

// RedisConfig connects the relay. URL uses the redis:// scheme; Password and
// DB override whatever the URL carries when set.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// RedisBus extends the in-memory bus across replicas via Redis pub/sub.
// Local delivery stays in-process; the relay only bridges instances, and an
// origin tag keeps an instance from re-delivering its own events.
type RedisBus struct {
	*MemoryBus

	client     *redis.Client
	instanceID string
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *log.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewRedisBus connects to Redis, verifies the connection, and starts the
// relay loop. The returned bus is ready for Publish and Subscribe.
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("events: redis URL is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("events: invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("events: redis ping failed: %w", err)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		MemoryBus:  NewMemoryBus(),
		client:     client,
		instanceID: uuid.NewString(),
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     log.New(os.Stdout, "[EVENT_BUS] ", log.LstdFlags),
	}

	pubsub := client.Subscribe(relayCtx, relayChannel)
	// Receive blocks until Redis confirms the subscription, so events
	// published right after New are not lost.
	if _, err := pubsub.Receive(relayCtx); err != nil {
		cancel()
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("events: relay subscribe failed: %w", err)
	}
	go b.relayLoop(relayCtx, pubsub)

	b.logger.Printf("Connected to Redis event relay on %s (instance %s)", relayChannel, b.instanceID)
	return b, nil
}

// Publish delivers locally and relays to the other replicas.
func (b *RedisBus) Publish(event types.DocumentEvent) {
	b.MemoryBus.Publish(event)

	payload, err := json.Marshal(relayEnvelope{
		Origin: b.instanceID,
		UserID: event.UserID,
		Event:  event,
	})
	if err != nil {
		b.logger.Printf("Failed to encode relay event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, relayChannel, payload).Err(); err != nil {
		b.logger.Printf("Failed to relay %s event: %v", event.Type, err)
	}
}

func (b *RedisBus) relayLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Printf("Dropping malformed relay event: %v", err)
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			env.Event.UserID = env.UserID
			b.MemoryBus.Publish(env.Event)
		}
	}
}

// Close stops the relay, closes the Redis client, and shuts the local bus.
func (b *RedisBus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		select {
		case <-b.done:
		case <-time.After(2 * time.Second):
			b.logger.Printf("Relay loop did not stop in time")
		}
		if err := b.client.Close(); err != nil {
			b.closeErr = err
		}
		if err := b.MemoryBus.Close(); err != nil && b.closeErr == nil {
			b.closeErr = err
		}
	})
	return b.closeErr
}

var _ Bus = (*RedisBus)(nil)
