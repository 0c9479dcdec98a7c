// Package notify carries session change notifications from the writer to observers.
package notify

import (
	"context"

	"github.com/CzarSimon/httputil/logger"
	"github.com/rtcheap/consult-manager/internal/models"
)

var log = logger.GetDefaultLogger("consult-manager/notify")

// AllRooms subscribes to events of every room.
const AllRooms = ""

// Publisher sink for session events.
type Publisher interface {
	Publish(ctx context.Context, event models.SessionEvent) error
}

// Feed publisher that can also be subscribed to.
type Feed interface {
	Publisher
	Subscribe(roomID string) *Subscription
	Close() error
}

// Subscription stream of events for one room, or all rooms.
// C is closed when the subscription is closed or dropped for falling behind.
type Subscription struct {
	C      <-chan models.SessionEvent
	cancel func()
}

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

// Fanout publishes every event to all publishers, returning the first error.
type Fanout []Publisher

// Publish sends event to all publishers.
func (f Fanout) Publish(ctx context.Context, event models.SessionEvent) error {
	var first error
	for _, p := range f {
		err := p.Publish(ctx, event)
		if err != nil && first == nil {
			first = err
		}
	}

	return first
}
