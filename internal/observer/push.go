package observer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rtcheap/consult-manager/internal/models"
	"go.uber.org/zap"
)

// PushObserver subscribes to the status websocket of a room and resubscribes
// after Backoff when the connection drops. A change is seen within the feed
// latency, or the backoff plus one reconnect when the socket was down.
type PushObserver struct {
	// BaseURL websocket address of the server, e.g. ws://localhost:8080.
	BaseURL string
	Header  http.Header
	Dialer  *websocket.Dialer
	Backoff time.Duration
	// MaxRetries consecutive failed subscriptions before giving up, 0 retries forever.
	MaxRetries int
}

// Observe subscribes to roomID. An unknown room is reported immediately.
func (o *PushObserver) Observe(ctx context.Context, roomID string) (<-chan models.Status, error) {
	conn, err := o.dial(ctx, roomID)
	if err == ErrRoomNotFound {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		log.Warn("initial status subscription failed", zap.String("roomId", roomID), zap.Error(err))
	}

	out := make(chan models.Status)
	go o.run(ctx, roomID, conn, out)
	return out, nil
}

func (o *PushObserver) run(ctx context.Context, roomID string, conn *websocket.Conn, out chan<- models.Status) {
	defer close(out)

	failures := 0
	for {
		var err error
		if conn == nil {
			conn, err = o.dial(ctx, roomID)
		}
		if conn != nil {
			var received int
			received, err = o.relay(ctx, conn, out)
			conn = nil
			if received > 0 {
				failures = 0
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err == ErrRoomNotFound {
			log.Error("room disappeared, stopping status subscription", zap.String("roomId", roomID))
			return
		}

		failures++
		observationFailures.WithLabelValues(string(StrategyPush)).Inc()
		if o.MaxRetries > 0 && failures > o.MaxRetries {
			log.Error("giving up status subscription",
				zap.String("roomId", roomID),
				zap.Int("failures", failures),
				zap.NamedError("cause", err),
				zap.Error(ErrSubscription))
			return
		}

		log.Debug("status subscription lost, resubscribing", zap.String("roomId", roomID), zap.Error(err))
		if !wait(ctx, o.backoff()) {
			return
		}
	}
}

// relay forwards status updates until the connection fails or ctx is cancelled.
func (o *PushObserver) relay(ctx context.Context, conn *websocket.Conn, out chan<- models.Status) (int, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	received := 0
	for {
		var update models.StatusUpdate
		err := conn.ReadJSON(&update)
		if err != nil {
			return received, fmt.Errorf("%w: %v", ErrSubscription, err)
		}

		received++
		if !send(ctx, out, update.Status) {
			return received, ctx.Err()
		}
	}
}

func (o *PushObserver) dial(ctx context.Context, roomID string) (*websocket.Conn, error) {
	dialer := o.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	address := o.BaseURL + "/v1/rooms/" + url.PathEscape(roomID) + "/status/ws"
	conn, res, err := dialer.DialContext(ctx, address, o.Header)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusNotFound {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrSubscription, err)
	}

	return conn, nil
}

func (o *PushObserver) backoff() time.Duration {
	if o.Backoff <= 0 {
		return DefaultBackoff
	}
	return o.Backoff
}
