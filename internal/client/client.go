// Package client calls the consult-manager API on behalf of a participant agent.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CzarSimon/httputil/client/rpc"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/consult-manager/internal/models"
)

// RPCClient sends prepared requests.
type RPCClient interface {
	CreateRequest(method, url string, body interface{}) (*http.Request, error)
	Do(req *http.Request) (*http.Response, error)
}

// Client consult-manager API client. Token, when set, is sent as a bearer token.
type Client struct {
	RPCClient RPCClient
	BaseURL   string
	Token     string
	UserAgent string
}

// New creates a client for the server at baseURL.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		RPCClient: rpc.NewClient(timeout),
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		Token:     token,
		UserAgent: "consult-agent",
	}
}

// CreateSession requests a new consultation.
func (c *Client) CreateSession(ctx context.Context, req models.SessionRequest) (models.Session, error) {
	var session models.Session
	err := c.call(ctx, "client_create_session", http.MethodPost, "/v1/sessions", req, &session)
	return session, err
}

// GetRoom fetches the payment view of a room.
func (c *Client) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	var room models.Room
	err := c.call(ctx, "client_get_room", http.MethodGet, "/v1/rooms/"+url.PathEscape(roomID), nil, &room)
	return room, err
}

// GetStatus fetches the current status of a room.
func (c *Client) GetStatus(ctx context.Context, roomID string) (models.Status, error) {
	var update models.StatusUpdate
	err := c.call(ctx, "client_get_status", http.MethodGet, "/v1/rooms/"+url.PathEscape(roomID)+"/status", nil, &update)
	return update.Status, err
}

// RoomOffer fetches the ICE servers to use for a room.
func (c *Client) RoomOffer(ctx context.Context, roomID string) (models.RoomOffer, error) {
	var offer models.RoomOffer
	err := c.call(ctx, "client_room_offer", http.MethodGet, "/v1/rooms/"+url.PathEscape(roomID)+"/offer", nil, &offer)
	return offer, err
}

// ConfirmPayment admits a session to the waiting queue. Requires a doctor token.
func (c *Client) ConfirmPayment(ctx context.Context, sessionID string) error {
	return c.call(ctx, "client_confirm_payment", http.MethodPut, "/v1/sessions/"+url.PathEscape(sessionID)+"/payment", nil, nil)
}

// Complete ends the session held in a room. Requires a doctor token.
func (c *Client) Complete(ctx context.Context, roomID string) error {
	return c.call(ctx, "client_complete", http.MethodPut, "/v1/rooms/"+url.PathEscape(roomID)+"/complete", nil, nil)
}

// ListSessions lists sessions in a status. Requires a doctor token.
func (c *Client) ListSessions(ctx context.Context, status models.Status) ([]models.Session, error) {
	sessions := make([]models.Session, 0)
	path := "/v1/sessions?status=" + url.QueryEscape(string(status))
	err := c.call(ctx, "client_list_sessions", http.MethodGet, path, nil, &sessions)
	return sessions, err
}

// WebsocketURL websocket address of path on the server.
func (c *Client) WebsocketURL(path string) string {
	base := c.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

// Header headers to send when dialing websockets.
func (c *Client) Header() http.Header {
	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.UserAgent != "" {
		header.Set("User-Agent", c.UserAgent)
	}
	return header
}

func (c *Client) call(ctx context.Context, operation, method, path string, body, v interface{}) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, operation)
	defer span.Finish()

	req, err := c.RPCClient.CreateRequest(method, c.BaseURL+path, body)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return fmt.Errorf("failed to create request %s %s: %w", method, path, err)
	}
	req = req.WithContext(ctx)
	for key, values := range c.Header() {
		req.Header[key] = values
	}

	opentracing.GlobalTracer().Inject(
		span.Context(),
		opentracing.HTTPHeaders,
		opentracing.HTTPHeadersCarrier(req.Header),
	)

	res, err := c.RPCClient.Do(req)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		err = &StatusError{Method: method, Path: path, StatusCode: res.StatusCode}
		span.LogFields(tracelog.Error(err))
		return err
	}

	if v == nil {
		return nil
	}

	err = rpc.DecodeJSON(res, v)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}

// StatusError non successful response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d", e.Method, e.Path, e.StatusCode)
}
