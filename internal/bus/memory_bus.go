// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/metrics"
)

// subBuffer bounds each subscriber channel. A subscriber that stays full for
// maxConsecutiveDrops published events in a row is considered stuck and is
// disconnected.
const (
	subBuffer           = 64
	maxConsecutiveDrops = 16
	dropLogEvery        = 100
)

var dropCount atomic.Uint64

// MemoryBus is the in-process pub/sub implementation. Delivery is
// at-most-once per subscriber: a full subscriber buffer drops the event
// rather than blocking the publisher. Per-topic ordering holds because each
// session has a single publishing goroutine.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]*memSub
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memSub)}
}

// Publish delivers ev to every current subscriber of topic without blocking.
func (b *MemoryBus) Publish(ctx context.Context, topic string, ev Event) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish topic %q: %w", topic, err)
	}

	// Sends happen under the read lock and channel closes under the write
	// lock, so a subscriber tearing down concurrently can never panic a
	// publisher with a send on a closed channel.
	b.mu.RLock()
	var stuck []*memSub
	for _, s := range b.subs[topic] {
		if s.closed.Load() {
			continue
		}
		select {
		case s.ch <- ev:
			s.drops.Store(0)
		default:
			metrics.IncBusDropReason(topic, "full")
			count := dropCount.Add(1)
			if count%dropLogEvery == 0 {
				l := log.L()
				l.Warn().
					Str("topic", topic).
					Uint64("dropped", count).
					Msg("bus dropped event for slow subscriber")
			}
			if s.drops.Add(1) >= maxConsecutiveDrops {
				stuck = append(stuck, s)
			}
		}
	}
	b.mu.RUnlock()

	for _, s := range stuck {
		metrics.IncBusDropReason(topic, "disconnected")
		_ = s.Close()
	}
	return nil
}

// Subscribe registers a new subscriber for topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscriber, error) {
	if ctx == nil {
		return nil, fmt.Errorf("subscribe context is nil")
	}
	s := &memSub{b: b, topic: topic, ch: make(chan Event, subBuffer)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	n := len(b.subs[topic])
	b.mu.Unlock()

	metrics.BusSubscribers.WithLabelValues(topic).Set(float64(n))
	return s, nil
}

type memSub struct {
	b      *MemoryBus
	topic  string
	ch     chan Event
	drops  atomic.Int32
	closed atomic.Bool
}

func (s *memSub) C() <-chan Event {
	return s.ch
}

func (s *memSub) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.b.mu.Lock()
	lst := s.b.subs[s.topic]
	out := lst[:0]
	for _, c := range lst {
		if c != s {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(s.b.subs, s.topic)
	} else {
		s.b.subs[s.topic] = out
	}
	n := len(out)
	close(s.ch) // Signal subscriber to stop
	s.b.mu.Unlock()

	metrics.BusSubscribers.WithLabelValues(s.topic).Set(float64(n))
	return nil
}

// Ensure compliance
var _ Bus = (*MemoryBus)(nil)
