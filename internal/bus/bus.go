// SPDX-License-Identifier: MIT

package bus

import "context"

// Subscriber is one consumer's handle on a topic.
type Subscriber interface {
	// C returns a read-only event channel.
	C() <-chan Event
	// Close unsubscribes.
	Close() error
}

// Bus is the event transport abstraction.
type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic string) (Subscriber, error)
}
