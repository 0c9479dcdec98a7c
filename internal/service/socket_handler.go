package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/consult-manager/internal/models"
	"go.uber.org/zap"
)

// Websocket timings.
const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxSignalSize  = 64 * 1024
	endpointBuffer = 32
)

// Prometheus metrics.
var (
	signalsRelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signals_relayed_total",
			Help: "The total number of relayed signaling messages",
		},
		[]string{"type"},
	)
	signalsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signals_rejected_total",
			Help: "The total number of signaling messages that could not be delivered",
		},
		[]string{"type"},
	)
	connectedEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaling_endpoints_connected",
			Help: "The number of endpoints registered on the signaling relay",
		},
	)
)

type endpoint struct {
	identity  string
	roomID    string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// deliver queues data without blocking. Returns false if the endpoint is gone or backed up.
func (e *endpoint) deliver(data []byte) bool {
	select {
	case <-e.done:
		return false
	default:
	}

	select {
	case e.send <- data:
		return true
	default:
		return false
	}
}

func (e *endpoint) close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
}

// SignalingHub relays signaling messages between the endpoints registered in a room.
// An identity can be held by one connection at a time, so at most one doctor
// endpoint exists per room.
type SignalingHub struct {
	upgrader *websocket.Upgrader
	mu       sync.RWMutex
	rooms    map[string]map[string]*endpoint
}

// NewSignalingHub creates a new SignalingHub.
func NewSignalingHub() *SignalingHub {
	return &SignalingHub{
		upgrader: &websocket.Upgrader{},
		mu:       sync.RWMutex{},
		rooms:    make(map[string]map[string]*endpoint),
	}
}

// Connect registers identity in a room and upgrades the request to a websocket.
func (h *SignalingHub) Connect(ctx context.Context, roomID, identity string, w http.ResponseWriter, r *http.Request) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "service_signaling_hub_connect")
	defer span.Finish()

	e := &endpoint{
		identity: identity,
		roomID:   roomID,
		send:     make(chan []byte, endpointBuffer),
		done:     make(chan struct{}),
	}

	err := h.join(e)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return err
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.leave(e)
		err = fmt.Errorf("failed to upgrade connetion to a websocket %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}
	e.ws = ws

	connectedEndpoints.Inc()
	go h.writePump(e)
	go h.readPump(e)

	log.Debug("endpoint registered", zap.String("identity", identity), zap.String("roomId", roomID))
	return nil
}

// Registered reports whether identity currently holds an endpoint in the room.
func (h *SignalingHub) Registered(roomID, identity string) bool {
	_, ok := h.find(roomID, identity)
	return ok
}

// CloseRoom disconnects every endpoint in the room and returns how many were closed.
func (h *SignalingHub) CloseRoom(roomID string) int {
	h.mu.RLock()
	endpoints := make([]*endpoint, 0, len(h.rooms[roomID]))
	for _, e := range h.rooms[roomID] {
		endpoints = append(endpoints, e)
	}
	h.mu.RUnlock()

	for _, e := range endpoints {
		e.close()
	}

	return len(endpoints)
}

func (h *SignalingHub) join(e *endpoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[e.roomID]
	if !ok {
		room = make(map[string]*endpoint)
		h.rooms[e.roomID] = room
	}

	if _, taken := room[e.identity]; taken {
		err := fmt.Errorf("endpoint(identity=%s) has already joined room(id=%s)", e.identity, e.roomID)
		return httputil.ConflictError(err)
	}

	room[e.identity] = e
	return nil
}

// leave removes e if it is still the registered instance for its identity.
func (h *SignalingHub) leave(e *endpoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[e.roomID]
	if !ok || room[e.identity] != e {
		return false
	}

	delete(room, e.identity)
	if len(room) == 0 {
		delete(h.rooms, e.roomID)
	}
	return true
}

func (h *SignalingHub) find(roomID, identity string) (*endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.rooms[roomID][identity]
	return e, ok
}

func (h *SignalingHub) peers(e *endpoint) []*endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]*endpoint, 0, 1)
	for identity, other := range h.rooms[e.roomID] {
		if identity != e.identity {
			peers = append(peers, other)
		}
	}
	return peers
}

func (h *SignalingHub) readPump(e *endpoint) {
	defer func() {
		if h.leave(e) {
			connectedEndpoints.Dec()
			h.announceDeparture(e)
		}
		e.close()
	}()

	e.ws.SetReadLimit(maxSignalSize)
	keepAlive(e.ws)

	for {
		_, data, err := e.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("signaling connection lost", zap.String("identity", e.identity), zap.Error(err))
			}
			return
		}

		var signal models.Signal
		err = json.Unmarshal(data, &signal)
		if err != nil {
			h.reject(e, models.Signal{Type: models.SignalError}, "malformed signal")
			continue
		}

		signal.From = e.identity
		signal.RoomID = e.roomID
		if signal.ID == "" {
			signal.ID = uuid.New().String()
		}
		h.route(e, signal)
	}
}

func (h *SignalingHub) route(sender *endpoint, signal models.Signal) {
	target, ok := h.find(sender.roomID, signal.To)
	if !ok {
		h.reject(sender, signal, "endpoint not registered")
		return
	}

	data, err := json.Marshal(signal)
	if err != nil {
		log.Error("failed to serialize signal", zap.String("signal", signal.String()), zap.Error(err))
		return
	}

	if !target.deliver(data) {
		h.reject(sender, signal, "endpoint unavailable")
		return
	}

	signalsRelayedTotal.WithLabelValues(string(signal.Type)).Inc()
}

// reject tells the sender that its signal could not be delivered.
func (h *SignalingHub) reject(sender *endpoint, signal models.Signal, reason string) {
	signalsRejectedTotal.WithLabelValues(string(signal.Type)).Inc()
	if signal.Type == models.SignalBye || signal.Type == models.SignalError {
		return
	}

	data, err := json.Marshal(models.Signal{
		ID:      uuid.New().String(),
		ReplyTo: signal.ID,
		Type:    models.SignalError,
		From:    signal.To,
		To:      sender.identity,
		RoomID:  sender.roomID,
		Error:   reason,
	})
	if err != nil {
		log.Error("failed to serialize error signal", zap.Error(err))
		return
	}

	sender.deliver(data)
}

// announceDeparture sends a bye on behalf of an endpoint that disconnected without one.
func (h *SignalingHub) announceDeparture(e *endpoint) {
	for _, peer := range h.peers(e) {
		data, err := json.Marshal(models.Signal{
			ID:     uuid.New().String(),
			Type:   models.SignalBye,
			From:   e.identity,
			To:     peer.identity,
			RoomID: e.roomID,
		})
		if err != nil {
			log.Error("failed to serialize bye signal", zap.Error(err))
			return
		}
		peer.deliver(data)
	}
}

func (h *SignalingHub) writePump(e *endpoint) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		closeSocket(e.ws)
	}()

	for {
		select {
		case data := <-e.send:
			err := writeMessage(e.ws, websocket.TextMessage, data)
			if err != nil {
				e.close()
				return
			}
		case <-ticker.C:
			err := writeMessage(e.ws, websocket.PingMessage, nil)
			if err != nil {
				e.close()
				return
			}
		case <-e.done:
			return
		}
	}
}

func keepAlive(ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func closeSocket(ws *websocket.Conn) {
	writeMessage(ws, websocket.CloseMessage, []byte{})
	err := ws.Close()
	if err != nil {
		log.Warn("failed to close websocked connection", zap.Error(err))
	}
}

func writeMessage(ws *websocket.Conn, messageType int, data []byte) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := ws.WriteMessage(messageType, data)
	if err != nil {
		log.Debug("failed to send message", zap.Error(err))
	}
	return err
}
