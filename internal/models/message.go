package models

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
)

// SignalType kind of a signaling message.
type SignalType string

// Signal types.
const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalDecline   SignalType = "decline"
	SignalBye       SignalType = "bye"
	SignalError     SignalType = "error"
)

// Signal message relayed between the two endpoints of a room.
type Signal struct {
	ID        string                     `json:"id,omitempty"`
	ReplyTo   string                     `json:"replyTo,omitempty"`
	Type      SignalType                 `json:"type,omitempty"`
	From      string                     `json:"from,omitempty"`
	To        string                     `json:"to,omitempty"`
	RoomID    string                     `json:"roomId,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

func (s Signal) String() string {
	return fmt.Sprintf("Signal(id=%s, type=%s, from=%s, to=%s, roomId=%s)", s.ID, s.Type, s.From, s.To, s.RoomID)
}

// RoomOffer ICE configuration for establishing a peer channel in a room.
type RoomOffer struct {
	RoomID     string             `json:"roomId,omitempty"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// Session event types.
const (
	EventCreated       = "SESSION_CREATED"
	EventStatusChanged = "SESSION_STATUS_CHANGED"
)

// SessionEvent change notification emitted after a session is written.
type SessionEvent struct {
	Type       string    `json:"type,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	RoomID     string    `json:"roomId,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Previous   Status    `json:"previous,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (e SessionEvent) String() string {
	return fmt.Sprintf(
		"SessionEvent(type=%s, sessionId=%s, roomId=%s, status=%s, previous=%s)",
		e.Type,
		e.SessionID,
		e.RoomID,
		e.Status,
		e.Previous,
	)
}
