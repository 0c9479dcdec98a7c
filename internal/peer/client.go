// Package peer implements the peer channel over the consult-manager signaling relay.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rtcheap/consult-manager/internal/call"
	"github.com/rtcheap/consult-manager/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("consult-manager/peer")

// Peer channel errors.
var (
	ErrIdentityTaken = errors.New("identity already registered")
	ErrRejected      = errors.New("registration rejected")
	ErrUnreachable   = errors.New("remote endpoint unreachable")
	ErrDeclined      = errors.New("offer declined")
	ErrNoAnswer      = errors.New("offer not answered")
	ErrClosed        = errors.New("registration closed")
	ErrWithdrawn     = errors.New("offer withdrawn by caller")
)

// DefaultAnswerTimeout time an offer waits for a reply.
const DefaultAnswerTimeout = 10 * time.Second

const (
	writeWait     = 5 * time.Second
	incomingQueue = 4
)

// Client registers endpoint identities on the signaling relay.
type Client struct {
	// BaseURL websocket address of the server, e.g. ws://localhost:8080.
	BaseURL       string
	Header        http.Header
	Dialer        *websocket.Dialer
	AnswerTimeout time.Duration
}

// Register connects identity to the relay of its room.
func (c *Client) Register(ctx context.Context, identity string) (call.Registration, error) {
	_, roomID, ok := models.ParseIdentity(identity)
	if !ok {
		return nil, fmt.Errorf("invalid endpoint identity %q", identity)
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	address := fmt.Sprintf("%s/v1/rooms/%s/signal?identity=%s", c.BaseURL, url.PathEscape(roomID), url.QueryEscape(identity))
	conn, res, err := dialer.DialContext(ctx, address, c.Header)
	if err != nil {
		return nil, dialError(identity, res, err)
	}

	r := &registration{
		identity:      identity,
		roomID:        roomID,
		conn:          conn,
		answerTimeout: c.answerTimeout(),
		incoming:      make(chan call.IncomingCall, incomingQueue),
		pending:       make(map[string]chan models.Signal),
		queued:        make(map[string]bool),
		streams:       make(map[string]*stream),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go r.readLoop()

	log.Debug("registered on signaling relay", zap.String("identity", identity))
	return r, nil
}

func (c *Client) answerTimeout() time.Duration {
	if c.AnswerTimeout <= 0 {
		return DefaultAnswerTimeout
	}
	return c.AnswerTimeout
}

func dialError(identity string, res *http.Response, err error) error {
	if res == nil {
		return fmt.Errorf("failed to connect %s to signaling relay: %w", identity, err)
	}

	switch res.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrIdentityTaken, identity)
	default:
		return fmt.Errorf("%w: %s got status %d", ErrRejected, identity, res.StatusCode)
	}
}

type registration struct {
	identity      string
	roomID        string
	conn          *websocket.Conn
	answerTimeout time.Duration
	incoming      chan call.IncomingCall

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan models.Signal
	// queued offers not yet answered or declined, true once the caller withdrew them.
	queued  map[string]bool
	streams map[string]*stream

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func (r *registration) Identity() string {
	return r.identity
}

func (r *registration) Incoming() <-chan call.IncomingCall {
	return r.incoming
}

// Connect sends an offer to remote and waits for the answer. An offer that
// goes unanswered is withdrawn so the remote does not answer it later.
func (r *registration) Connect(ctx context.Context, remote string, media call.LocalMedia) (call.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, r.answerTimeout)
	defer cancel()

	offerID := uuid.New().String()
	replies := make(chan models.Signal, 1)
	r.mu.Lock()
	r.pending[offerID] = replies
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, offerID)
		r.mu.Unlock()
	}()

	sdp, err := describe(offerType, r.identity, media)
	if err != nil {
		return nil, err
	}
	err = r.write(models.Signal{ID: offerID, Type: models.SignalOffer, To: remote, SDP: &sdp})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		r.hangUp(remote, offerID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrNoAnswer, remote)
		}
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	case reply := <-replies:
		switch reply.Type {
		case models.SignalAnswer:
			s, err := r.openStream(remote, offerID, reply)
			if err != nil {
				return nil, err
			}
			return s, nil
		case models.SignalDecline:
			return nil, fmt.Errorf("%w by %s: %s", ErrDeclined, remote, reply.Error)
		default:
			return nil, fmt.Errorf("%w: %s: %s", ErrUnreachable, remote, reply.Error)
		}
	}
}

// Close leaves the relay. Open streams end and Incoming is closed.
func (r *registration) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.writeMu.Lock()
		r.conn.SetWriteDeadline(time.Now().Add(writeWait))
		r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		err = r.conn.Close()
	})

	<-r.stopped
	return err
}

func (r *registration) readLoop() {
	defer func() {
		r.closeOnce.Do(func() {
			close(r.done)
			r.conn.Close()
		})
		r.endStreams()
		close(r.incoming)
		close(r.stopped)
	}()

	for {
		var signal models.Signal
		err := r.conn.ReadJSON(&signal)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("signaling connection lost", zap.String("identity", r.identity), zap.Error(err))
			}
			return
		}

		switch signal.Type {
		case models.SignalOffer:
			r.offered(signal)
		case models.SignalAnswer, models.SignalDecline, models.SignalError:
			r.replied(signal)
		case models.SignalBye:
			r.hungUp(signal)
		default:
			log.Debug("ignoring signal", zap.String("signal", signal.String()))
		}
	}
}

func (r *registration) offered(signal models.Signal) {
	offer := &incomingCall{reg: r, offer: signal}
	r.mu.Lock()
	r.queued[signal.ID] = false
	r.mu.Unlock()

	select {
	case r.incoming <- offer:
	default:
		offer.Decline("busy")
	}
}

// take removes a queued offer and reports whether its caller withdrew it.
func (r *registration) take(offerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	withdrawn := r.queued[offerID]
	delete(r.queued, offerID)
	return withdrawn
}

func (r *registration) replied(signal models.Signal) {
	r.mu.Lock()
	replies, ok := r.pending[signal.ReplyTo]
	r.mu.Unlock()
	if !ok {
		log.Debug("dropping reply to unknown offer", zap.String("signal", signal.String()))
		if signal.Type == models.SignalAnswer {
			r.hangUp(signal.From, signal.ReplyTo)
		}
		return
	}

	select {
	case replies <- signal:
	default:
	}
}

// hungUp handles a bye. One naming an offer withdraws it while queued and
// otherwise only ends the stream that offer opened.
func (r *registration) hungUp(signal models.Signal) {
	r.mu.Lock()
	if _, queued := r.queued[signal.ReplyTo]; queued {
		r.queued[signal.ReplyTo] = true
		r.mu.Unlock()
		log.Debug("offer withdrawn", zap.String("signal", signal.String()))
		return
	}

	s, ok := r.streams[signal.From]
	if !ok || (signal.ReplyTo != "" && s.offerID != signal.ReplyTo) {
		r.mu.Unlock()
		return
	}
	delete(r.streams, signal.From)
	r.mu.Unlock()

	s.end()
}

// hangUp tells remote to drop whatever offerID opened on its side.
func (r *registration) hangUp(remote, offerID string) {
	err := r.write(models.Signal{Type: models.SignalBye, To: remote, ReplyTo: offerID})
	if err != nil && err != ErrClosed {
		log.Debug("failed to withdraw offer", zap.String("offerId", offerID), zap.Error(err))
	}
}

func (r *registration) openStream(remote, offerID string, signal models.Signal) (*stream, error) {
	kinds, err := mediaKinds(signal.SDP)
	if err != nil {
		return nil, fmt.Errorf("invalid session description from %s: %w", remote, err)
	}

	s := &stream{
		reg:     r,
		remote:  remote,
		offerID: offerID,
		media:   kinds,
		closed:  make(chan struct{}),
	}

	r.mu.Lock()
	previous := r.streams[remote]
	r.streams[remote] = s
	r.mu.Unlock()

	if previous != nil {
		previous.end()
	}
	return s, nil
}

func (r *registration) endStreams() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]*stream)
	r.mu.Unlock()

	for _, s := range streams {
		s.end()
	}
}

func (r *registration) release(s *stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streams[s.remote] == s {
		delete(r.streams, s.remote)
	}
}

func (r *registration) write(signal models.Signal) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	if signal.ID == "" {
		signal.ID = uuid.New().String()
	}
	signal.From = r.identity
	signal.RoomID = r.roomID

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := r.conn.WriteJSON(signal)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", signal, err)
	}
	return nil
}

type incomingCall struct {
	reg   *registration
	offer models.Signal
}

func (c *incomingCall) From() string {
	return c.offer.From
}

func (c *incomingCall) Answer(ctx context.Context, media call.LocalMedia) (call.Stream, error) {
	if err := ctx.Err(); err != nil {
		c.Decline("cancelled")
		return nil, err
	}
	if c.reg.take(c.offer.ID) {
		return nil, fmt.Errorf("%w: %s", ErrWithdrawn, c.offer.From)
	}

	s, err := c.reg.openStream(c.offer.From, c.offer.ID, c.offer)
	if err != nil {
		c.decline("invalid offer")
		return nil, err
	}

	sdp, err := describe(answerType, c.reg.identity, media)
	if err != nil {
		s.end()
		c.reg.release(s)
		c.decline("invalid offer")
		return nil, err
	}
	err = c.reg.write(models.Signal{ReplyTo: c.offer.ID, Type: models.SignalAnswer, To: c.offer.From, SDP: &sdp})
	if err != nil {
		s.end()
		c.reg.release(s)
		return nil, err
	}

	return s, nil
}

// Decline rejects the offer. A withdrawn offer is dropped without a reply.
func (c *incomingCall) Decline(reason string) error {
	if c.reg.take(c.offer.ID) {
		return nil
	}
	return c.decline(reason)
}

func (c *incomingCall) decline(reason string) error {
	return c.reg.write(models.Signal{ReplyTo: c.offer.ID, Type: models.SignalDecline, To: c.offer.From, Error: reason})
}

// stream a channel agreed with a remote endpoint over the relay.
type stream struct {
	reg     *registration
	remote  string
	offerID string
	media   []string
	once    sync.Once
	closed  chan struct{}
}

func (s *stream) Remote() string {
	return s.remote
}

// Media kinds the remote endpoint sends.
func (s *stream) Media() []string {
	return s.media
}

func (s *stream) Closed() <-chan struct{} {
	return s.closed
}

// Close hangs up, telling the remote unless it already hung up.
func (s *stream) Close() error {
	if !s.end() {
		return nil
	}

	s.reg.release(s)
	err := s.reg.write(models.Signal{Type: models.SignalBye, To: s.remote, ReplyTo: s.offerID})
	if err == ErrClosed {
		return nil
	}
	return err
}

// end marks the stream closed. Returns false if it already was.
func (s *stream) end() bool {
	ended := false
	s.once.Do(func() {
		close(s.closed)
		ended = true
	})
	return ended
}
