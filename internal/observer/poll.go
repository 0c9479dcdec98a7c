package observer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rtcheap/consult-manager/internal/client"
	"github.com/rtcheap/consult-manager/internal/models"
	"go.uber.org/zap"
)

// StatusSource reads the current status of a room.
type StatusSource interface {
	GetStatus(ctx context.Context, roomID string) (models.Status, error)
}

// PollObserver reads the status every Interval and emits every successful read.
// A change is seen within one interval plus the request timeout.
type PollObserver struct {
	Source   StatusSource
	Interval time.Duration
	// MaxFailures consecutive failed reads before giving up, 0 never gives up.
	MaxFailures int
}

// Observe starts polling roomID. An unknown room is reported immediately.
func (o *PollObserver) Observe(ctx context.Context, roomID string) (<-chan models.Status, error) {
	status, err := o.Source.GetStatus(ctx, roomID)
	if roomMissing(err) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	out := make(chan models.Status)
	go o.poll(ctx, roomID, status, err, out)
	return out, nil
}

// poll starts from the read made by Observe and stops when the room disappears.
func (o *PollObserver) poll(ctx context.Context, roomID string, status models.Status, err error, out chan<- models.Status) {
	defer close(out)

	ticker := time.NewTicker(o.interval())
	defer ticker.Stop()

	failures := 0
	for {
		if err == nil {
			failures = 0
			if !send(ctx, out, status) {
				return
			}
		} else if ctx.Err() == nil {
			if roomMissing(err) {
				log.Error("room no longer exists, stopped polling", zap.String("roomId", roomID), zap.Error(err))
				return
			}

			failures++
			observationFailures.WithLabelValues(string(StrategyPoll)).Inc()
			log.Debug("failed to poll status", zap.String("roomId", roomID), zap.Int("failures", failures), zap.Error(err))
			if o.MaxFailures > 0 && failures >= o.MaxFailures {
				log.Error("giving up polling status", zap.String("roomId", roomID), zap.Error(ErrSubscription))
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status, err = o.Source.GetStatus(ctx, roomID)
	}
}

func (o *PollObserver) interval() time.Duration {
	if o.Interval <= 0 {
		return DefaultInterval
	}
	return o.Interval
}

func roomMissing(err error) bool {
	var statusErr *client.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}
