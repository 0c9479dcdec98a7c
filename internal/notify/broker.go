package notify

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/consult-manager/internal/models"
	"go.uber.org/zap"
)

// Prometheus metrics.
var (
	eventsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_events_published_total",
			Help: "The total number of session events published to the local broker",
		},
	)
	subscribersDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_event_subscribers_dropped_total",
			Help: "The total number of subscribers dropped for not keeping up",
		},
	)
)

// DefaultBufferSize events buffered per subscriber before it is dropped.
const DefaultBufferSize = 16

type subscriber struct {
	roomID    string
	ch        chan models.SessionEvent
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// Broker in-process Feed. Publishing never blocks: a subscriber whose buffer
// is full is dropped and its channel closed, so it can resubscribe and re-read
// the current status instead of silently missing a transition.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	bufferSize  int
	closed      bool
}

// NewBroker creates a Broker with the given per subscriber buffer size.
func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Broker{
		subscribers: make(map[*subscriber]struct{}),
		bufferSize:  bufferSize,
	}
}

// Publish delivers event to every matching subscriber.
func (b *Broker) Publish(ctx context.Context, event models.SessionEvent) error {
	var dropped []*subscriber

	b.mu.RLock()
	for sub := range b.subscribers {
		if sub.roomID != AllRooms && sub.roomID != event.RoomID {
			continue
		}

		select {
		case sub.ch <- event:
		default:
			dropped = append(dropped, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range dropped {
		log.Warn("dropping slow subscriber", zap.String("roomId", sub.roomID), zap.String("event", event.String()))
		subscribersDroppedTotal.Inc()
		b.remove(sub)
	}

	eventsPublishedTotal.Inc()
	return nil
}

// Subscribe starts delivery of events for roomID, or every room when roomID is AllRooms.
func (b *Broker) Subscribe(roomID string) *Subscription {
	sub := &subscriber{
		roomID: roomID,
		ch:     make(chan models.SessionEvent, b.bufferSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return &Subscription{C: sub.ch, cancel: func() {}}
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			b.remove(sub)
		},
	}
}

// Len number of active subscribers.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close drops every subscriber.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		sub.close()
	}

	return nil
}

func (b *Broker) remove(sub *subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()

	sub.close()
}
