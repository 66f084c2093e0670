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

// Package events fans document state changes out to live subscribers.
// Delivery is best-effort: events are never persisted, the Document row is
// the source of truth, and slow subscribers lose events rather than slow
// down the pipeline.
package events

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"docuflow/platform/shared/types"
)

const (
	// TopicAll receives every event regardless of owner.
	TopicAll = "document"

	// subscriberBuffer bounds each subscriber's queue. A full queue drops
	// the event for that subscriber only.
	subscriberBuffer = 16

	// maxSubscribers is the soft cap on concurrent subscriptions. Subscribe
	// fails above it instead of degrading everyone's delivery.
	maxSubscribers = 256
)

// UserTopic scopes a subscription to one owner's documents.
func UserTopic(userID string) string {
	return "document:" + userID
}

// Bus is the publish side seen by the pipeline and entry points and the
// subscribe side seen by the SSE handler.
type Bus interface {
	Publish(event types.DocumentEvent)
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	SubscriberCount() int
	Close() error
}

// Subscription is one subscriber's bounded event queue. The channel closes
// when the subscription ends, whether by Close, context cancellation, or
// bus shutdown.
type Subscription struct {
	topic string
	ch    chan types.DocumentEvent
	bus   *MemoryBus
	once  sync.Once
}

// C returns the receive channel.
func (s *Subscription) C() <-chan types.DocumentEvent {
	return s.ch
}

// Close detaches the subscription and closes its channel. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// MemoryBus is the single-process bus: a map from topic to bounded
// subscriber channels. Publish never blocks; an overflowing subscriber
// drops the event with a log line.
type MemoryBus struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscription]struct{}
	count   int
	closed  bool
	dropped atomic.Int64
	logger  *log.Logger
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics: make(map[string]map[*Subscription]struct{}),
		logger: log.New(os.Stdout, "[EVENT_BUS] ", log.LstdFlags),
	}
}

// Subscribe attaches a bounded subscriber to a topic. The subscription ends
// when ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("events: topic is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("events: bus is closed")
	}
	if b.count >= maxSubscribers {
		b.mu.Unlock()
		return nil, fmt.Errorf("events: subscriber limit (%d) reached", maxSubscribers)
	}

	sub := &Subscription{
		topic: topic,
		ch:    make(chan types.DocumentEvent, subscriberBuffer),
		bus:   b,
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.count++
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	return sub, nil
}

// Publish delivers the event to the firehose topic and to the owner's topic.
func (b *MemoryBus) Publish(event types.DocumentEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliverLocked(TopicAll, event)
	if event.UserID != "" {
		b.deliverLocked(UserTopic(event.UserID), event)
	}
}

// deliverLocked sends non-blockingly to every subscriber of a topic. Holding
// the read lock here excludes concurrent channel closes, which happen under
// the write lock.
func (b *MemoryBus) deliverLocked(topic string, event types.DocumentEvent) {
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- event:
		default:
			n := b.dropped.Add(1)
			b.logger.Printf("Subscriber on %s is full, dropped %s event (total drops: %d)",
				topic, event.Type, n)
		}
	}
}

// SubscriberCount reports active subscriptions across all topics.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Dropped reports how many events were discarded due to full subscribers.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close detaches and closes every subscriber.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for sub := range subs {
			close(sub.ch)
		}
	}
	b.topics = make(map[string]map[*Subscription]struct{})
	b.count = 0
	return nil
}

func (b *MemoryBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Close already closed every channel.
		return
	}
	subs, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
	b.count--
	close(sub.ch)
}

var _ Bus = (*MemoryBus)(nil)
