package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/logger"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/consult-manager/internal/models"
	"github.com/rtcheap/consult-manager/internal/notify"
	"github.com/rtcheap/consult-manager/internal/repository"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("consult-manager/service")

// Lifecycle errors.
var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrInvalidCallKind   = errors.New("call kind must be video or audio")
	ErrInvalidStatus     = errors.New("unknown session status")
)

// DefaultMaxRoomAttempts room ids generated before giving up on a create.
const DefaultMaxRoomAttempts = 5

// Prometheus metrics.
var (
	sessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "The total number of applied session status transitions",
		},
		[]string{"status"},
	)
	rejectedTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_rejected_total",
			Help: "The total number of rejected session status transitions",
		},
		[]string{"status"},
	)
)

// SessionService owns the lifecycle of consultation sessions.
type SessionService struct {
	SessionRepo      repository.SessionRepository
	Feed             notify.Publisher
	RoomPrefix       string
	PaymentReference string
	MaxRoomAttempts  int
}

// Create persists a new session awaiting payment under a freshly generated room id.
func (s *SessionService) Create(ctx context.Context, req models.SessionRequest) (models.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.Create")
	defer span.Finish()

	if !req.CallKind.Valid() {
		err := fmt.Errorf("%w: got %q", ErrInvalidCallKind, req.CallKind)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.Session{}, err
	}

	label := req.ParticipantLabel
	if label == "" {
		generated, err := newParticipantLabel()
		if err != nil {
			span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
			return models.Session{}, err
		}
		label = generated
	}

	maxAttempts := s.MaxRoomAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRoomAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		roomID, err := newRoomID(s.RoomPrefix)
		if err != nil {
			span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
			return models.Session{}, err
		}

		now := time.Now().UTC()
		session := models.Session{
			ID:               id.New(),
			RoomID:           roomID,
			ParticipantLabel: label,
			CallKind:         req.CallKind,
			Status:           models.StatusPendingPayment,
			Amount:           req.CallKind.Price(),
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		err = s.SessionRepo.Save(ctx, session)
		if errors.Is(err, repository.ErrDuplicateRoom) {
			log.Warn("room id collision, regenerating", zap.String("roomId", roomID), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
			return models.Session{}, err
		}

		s.publish(ctx, models.SessionEvent{
			Type:       models.EventCreated,
			SessionID:  session.ID,
			RoomID:     session.RoomID,
			Status:     session.Status,
			OccurredAt: now,
		})
		sessionTransitionsTotal.WithLabelValues(string(session.Status)).Inc()

		span.LogFields(tracelog.Bool("success", true), tracelog.String("roomId", roomID))
		return session, nil
	}

	err := fmt.Errorf("failed to allocate a unique room id after %d attempts", maxAttempts)
	span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
	return models.Session{}, err
}

// ConfirmPayment admits a session to the waiting queue after an external payment.
func (s *SessionService) ConfirmPayment(ctx context.Context, sessionID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.ConfirmPayment")
	defer span.Finish()

	session, err := s.SessionRepo.Find(ctx, sessionID)
	if err != nil {
		err = notFound(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return err
	}

	err = s.transition(ctx, session, models.StatusWaiting)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return err
	}

	span.LogFields(tracelog.Bool("success", true))
	return nil
}

// Complete ends the consultation held in a room, regardless of who is still connected.
func (s *SessionService) Complete(ctx context.Context, roomID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.Complete")
	defer span.Finish()

	session, err := s.SessionRepo.FindByRoom(ctx, roomID)
	if err != nil {
		err = notFound(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return err
	}

	err = s.transition(ctx, session, models.StatusCompleted)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return err
	}

	span.LogFields(tracelog.Bool("success", true))
	return nil
}

// Find returns the session held in a room.
func (s *SessionService) Find(ctx context.Context, roomID string) (models.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.Find")
	defer span.Finish()

	session, err := s.SessionRepo.FindByRoom(ctx, roomID)
	if err != nil {
		err = notFound(err)
		span.LogFields(tracelog.Error(err))
		return models.Session{}, err
	}

	return session, nil
}

// GetRoom returns the patient facing view of a room, including where to pay.
func (s *SessionService) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	session, err := s.Find(ctx, roomID)
	if err != nil {
		return models.Room{}, err
	}

	return models.Room{
		RoomID:           session.RoomID,
		ParticipantLabel: session.ParticipantLabel,
		CallKind:         session.CallKind,
		Status:           session.Status,
		Amount:           session.Amount,
		PaymentReference: s.PaymentReference,
	}, nil
}

// GetStatus returns the current status of a room.
func (s *SessionService) GetStatus(ctx context.Context, roomID string) (models.Status, error) {
	session, err := s.Find(ctx, roomID)
	if err != nil {
		return "", err
	}

	return session.Status, nil
}

// List returns the sessions in a status. Queues are served oldest first,
// completed sessions are listed newest first for history viewing.
func (s *SessionService) List(ctx context.Context, status models.Status) ([]models.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.List")
	defer span.Finish()

	if !status.Valid() {
		err := fmt.Errorf("%w: got %q", ErrInvalidStatus, status)
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	order := repository.OldestFirst
	if status.Terminal() {
		order = repository.NewestFirst
	}

	sessions, err := s.SessionRepo.FindByStatus(ctx, order, status)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	return sessions, nil
}

// ListPending sessions awaiting payment, oldest first.
func (s *SessionService) ListPending(ctx context.Context) ([]models.Session, error) {
	return s.List(ctx, models.StatusPendingPayment)
}

// ListWaiting admitted sessions, oldest first.
func (s *SessionService) ListWaiting(ctx context.Context) ([]models.Session, error) {
	return s.List(ctx, models.StatusWaiting)
}

// ListCompleted finished sessions, newest first.
func (s *SessionService) ListCompleted(ctx context.Context) ([]models.Session, error) {
	return s.List(ctx, models.StatusCompleted)
}

func (s *SessionService) transition(ctx context.Context, session models.Session, next models.Status) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.transition")
	defer span.Finish()

	allowed, ok := session.Status.Next()
	if !ok || allowed != next {
		rejectedTransitionsTotal.WithLabelValues(string(next)).Inc()
		return fmt.Errorf("%w: session(roomId=%s) is %s, cannot become %s", ErrInvalidTransition, session.RoomID, session.Status, next)
	}

	updated, err := s.SessionRepo.UpdateStatus(ctx, session.ID, session.Status, next)
	if err != nil {
		return err
	}
	if !updated {
		rejectedTransitionsTotal.WithLabelValues(string(next)).Inc()
		return fmt.Errorf("%w: session(roomId=%s) is no longer %s", ErrInvalidTransition, session.RoomID, session.Status)
	}

	sessionTransitionsTotal.WithLabelValues(string(next)).Inc()
	log.Info("session transitioned",
		zap.String("sessionId", session.ID),
		zap.String("roomId", session.RoomID),
		zap.String("from", string(session.Status)),
		zap.String("to", string(next)),
	)

	s.publish(ctx, models.SessionEvent{
		Type:       models.EventStatusChanged,
		SessionID:  session.ID,
		RoomID:     session.RoomID,
		Status:     next,
		Previous:   session.Status,
		OccurredAt: time.Now().UTC(),
	})
	return nil
}

// publish notifies observers. The write has already happened, so a failing
// feed is logged rather than reported to the caller.
func (s *SessionService) publish(ctx context.Context, event models.SessionEvent) {
	if s.Feed == nil {
		return
	}

	err := s.Feed.Publish(ctx, event)
	if err != nil {
		log.Error("failed to publish session event", zap.String("event", event.String()), zap.Error(err))
	}
}

func notFound(err error) error {
	if errors.Is(err, repository.ErrNoSuchSession) {
		return fmt.Errorf("%w: %s", ErrNotFound, err.Error())
	}
	return err
}
