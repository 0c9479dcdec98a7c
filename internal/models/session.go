package models

import (
	"fmt"
	"strings"
	"time"
)

// Status lifecycle state of a consultation session.
type Status string

// Session statuses.
const (
	StatusPendingPayment Status = "pending_payment"
	StatusWaiting        Status = "waiting"
	StatusCompleted      Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusWaiting, StatusCompleted:
		return true
	default:
		return false
	}
}

// Next returns the only status reachable from s. Completed sessions have no successor.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusPendingPayment:
		return StatusWaiting, true
	case StatusWaiting:
		return StatusCompleted, true
	default:
		return "", false
	}
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// CallKind media requested for a consultation.
type CallKind string

// Call kinds.
const (
	CallVideo CallKind = "video"
	CallAudio CallKind = "audio"
)

// Valid reports whether k is a known call kind.
func (k CallKind) Valid() bool {
	return k == CallVideo || k == CallAudio
}

// HasVideo reports whether calls of this kind capture video.
func (k CallKind) HasVideo() bool {
	return k == CallVideo
}

// Price consultation fee for the call kind.
func (k CallKind) Price() int {
	switch k {
	case CallVideo:
		return 50
	case CallAudio:
		return 30
	default:
		return 0
	}
}

// Session a consultation request from creation to completion.
type Session struct {
	ID               string    `json:"id,omitempty"`
	RoomID           string    `json:"roomId,omitempty"`
	ParticipantLabel string    `json:"participantLabel,omitempty"`
	CallKind         CallKind  `json:"callKind,omitempty"`
	Status           Status    `json:"status,omitempty"`
	Amount           int       `json:"amount"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (s Session) String() string {
	return fmt.Sprintf(
		"Session(id=%s, roomId=%s, participantLabel=%s, callKind=%s, status=%s, createdAt=%v, updatedAt=%v)",
		s.ID,
		s.RoomID,
		s.ParticipantLabel,
		s.CallKind,
		s.Status,
		s.CreatedAt,
		s.UpdatedAt,
	)
}

// SessionRequest patient request for a consultation.
type SessionRequest struct {
	ParticipantLabel string   `json:"participantLabel,omitempty"`
	CallKind         CallKind `json:"callKind,omitempty"`
}

// Room public view of a session, shown to the patient while paying.
type Room struct {
	RoomID           string   `json:"roomId,omitempty"`
	ParticipantLabel string   `json:"participantLabel,omitempty"`
	CallKind         CallKind `json:"callKind,omitempty"`
	Status           Status   `json:"status,omitempty"`
	Amount           int      `json:"amount"`
	PaymentReference string   `json:"paymentReference,omitempty"`
}

// StatusUpdate current status of a room.
type StatusUpdate struct {
	RoomID string `json:"roomId,omitempty"`
	Status Status `json:"status,omitempty"`
}

// Role side of a consultation call.
type Role string

// Participant roles.
const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Identity returns the endpoint identity of the role in a room.
func (r Role) Identity(roomID string) string {
	return string(r) + "-" + roomID
}

// Remote returns the role on the other end of the call.
func (r Role) Remote() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// DoctorIdentity endpoint identity of the doctor in a room.
func DoctorIdentity(roomID string) string {
	return RoleDoctor.Identity(roomID)
}

// PatientIdentity endpoint identity of the patient in a room.
func PatientIdentity(roomID string) string {
	return RolePatient.Identity(roomID)
}

// ParseIdentity splits an endpoint identity into role and room id.
func ParseIdentity(identity string) (Role, string, bool) {
	for _, role := range []Role{RoleDoctor, RolePatient} {
		prefix := string(role) + "-"
		if strings.HasPrefix(identity, prefix) && len(identity) > len(prefix) {
			return role, identity[len(prefix):], true
		}
	}

	return "", "", false
}
