// Package observer delivers the status of a room to a participant, either
// pushed over a websocket or polled over HTTP. Both deliver the current status
// at least once after every change; consumers must tolerate repeats.
package observer

import (
	"context"
	"errors"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/consult-manager/internal/models"
)

var log = logger.GetDefaultLogger("consult-manager/observer")

// Observation errors.
var (
	ErrSubscription = errors.New("status subscription lost")
	ErrRoomNotFound = errors.New("room not found")
)

// Defaults.
const (
	DefaultInterval = 3 * time.Second
	DefaultBackoff  = time.Second
)

// Strategy selects an Observer implementation.
type Strategy string

// Observation strategies.
const (
	StrategyPush Strategy = "push"
	StrategyPoll Strategy = "poll"
)

// Observer delivers the statuses of a room until ctx is cancelled or the
// feed is lost for good, then closes the channel.
type Observer interface {
	Observe(ctx context.Context, roomID string) (<-chan models.Status, error)
}

var observationFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "status_observation_failures_total",
		Help: "The total number of failed status reads or subscriptions",
	},
	[]string{"strategy"},
)

func send(ctx context.Context, out chan<- models.Status, status models.Status) bool {
	select {
	case out <- status:
		return true
	case <-ctx.Done():
		return false
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
