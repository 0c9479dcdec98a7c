package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/consult-manager/internal/models"
	"github.com/rtcheap/consult-manager/internal/notify"
	"go.uber.org/zap"
)

// StatusSocket pushes session status changes to websocket subscribers.
type StatusSocket struct {
	upgrader *websocket.Upgrader
	Feed     notify.Feed
	Sessions *SessionService
}

// NewStatusSocket creates a new StatusSocket.
func NewStatusSocket(feed notify.Feed, sessions *SessionService) *StatusSocket {
	return &StatusSocket{
		upgrader: &websocket.Upgrader{},
		Feed:     feed,
		Sessions: sessions,
	}
}

// StreamRoom sends the current status of a room on connect and every change after it.
func (s *StatusSocket) StreamRoom(ctx context.Context, roomID string, w http.ResponseWriter, r *http.Request) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service_status_socket_stream_room")
	defer span.Finish()

	sub := s.Feed.Subscribe(roomID)
	status, err := s.Sessions.GetStatus(ctx, roomID)
	if err != nil {
		sub.Close()
		span.LogFields(tracelog.Error(err))
		return err
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		err = fmt.Errorf("failed to upgrade connetion to a websocket %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	initial := models.StatusUpdate{RoomID: roomID, Status: status}
	go stream(ws, sub, []interface{}{initial}, func(e models.SessionEvent) interface{} {
		return models.StatusUpdate{RoomID: e.RoomID, Status: e.Status}
	})
	return nil
}

// StreamAll sends every session event, used to refresh the doctor dashboard.
func (s *StatusSocket) StreamAll(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "service_status_socket_stream_all")
	defer span.Finish()

	sub := s.Feed.Subscribe(notify.AllRooms)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		err = fmt.Errorf("failed to upgrade connetion to a websocket %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	go stream(ws, sub, nil, func(e models.SessionEvent) interface{} {
		return e
	})
	return nil
}

// stream is the only writer of ws. It returns, closing the socket, when the
// client goes away or the subscription is dropped.
func stream(ws *websocket.Conn, sub *notify.Subscription, initial []interface{}, transform func(models.SessionEvent) interface{}) {
	defer sub.Close()
	defer closeSocket(ws)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		keepAlive(ws)
		for {
			_, _, err := ws.ReadMessage()
			if err != nil {
				return
			}
		}
	}()

	for _, msg := range initial {
		if err := writeJSON(ws, msg); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				log.Debug("status subscription dropped, closing socket")
				return
			}
			if err := writeJSON(ws, transform(event)); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeMessage(ws, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func writeJSON(ws *websocket.Conn, v interface{}) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := ws.WriteJSON(v)
	if err != nil {
		log.Debug("failed to send json message", zap.Error(err))
	}
	return err
}
