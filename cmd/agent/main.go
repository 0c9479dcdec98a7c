// Command agent joins a consultation room as the doctor or the patient.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/rtcheap/consult-manager/internal/call"
	"github.com/rtcheap/consult-manager/internal/client"
	"github.com/rtcheap/consult-manager/internal/models"
	"github.com/rtcheap/consult-manager/internal/observer"
	"github.com/rtcheap/consult-manager/internal/peer"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("consult-manager/agent")

type mediaStream interface {
	Media() []string
}

func main() {
	cfg := getConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(cfg.serverURL, cfg.doctorToken, cfg.timeout)
	roomID, err := resolveRoom(ctx, cfg, api)
	if err != nil {
		log.Fatal("failed to resolve room", zap.Error(err))
	}

	statuses := newObserver(cfg, api)
	if cfg.role == models.RolePatient {
		log.Info("Waiting for payment to be confirmed", zap.String("roomId", roomID))
		err = call.WaitForAdmission(ctx, statuses, roomID)
		if err != nil {
			log.Fatal("room was not admitted", zap.String("roomId", roomID), zap.Error(err))
		}
	}

	room := &call.Room{
		RoomID:        roomID,
		Role:          cfg.role,
		CallKind:      cfg.callKind,
		RetryInterval: cfg.retryInterval,
		Devices:       &call.SyntheticDevices{},
		Channel: &peer.Client{
			BaseURL: api.WebsocketURL(""),
			Header:  api.Header(),
		},
		Observer:  statuses,
		Completer: api,
		OnStream: func(s call.Stream) {
			fields := []zap.Field{zap.String("remote", s.Remote())}
			if m, ok := s.(mediaStream); ok {
				fields = append(fields, zap.Strings("media", m.Media()))
			}
			log.Info("Connected", fields...)
		},
	}

	err = room.Enter(ctx)
	if err != nil {
		log.Fatal("failed to enter room", zap.String("roomId", roomID), zap.Error(err))
	}
	log.Info("Entered room", zap.String("roomId", roomID), zap.String("role", string(cfg.role)))

	select {
	case <-room.Done():
		if err := room.Err(); err != nil {
			log.Fatal("Room closed", zap.String("roomId", roomID), zap.Error(err))
		}
		log.Info("Room closed", zap.String("roomId", roomID))
	case <-ctx.Done():
		hangUp(room, cfg.role)
	}
}

// hangUp completes the session when the doctor ends the call. A patient only leaves.
func hangUp(room *call.Room, role models.Role) {
	if role != models.RoleDoctor {
		room.Leave()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := room.End(ctx)
	if err != nil {
		log.Error("failed to complete session", zap.String("roomId", room.RoomID), zap.Error(err))
	}
}

// resolveRoom books a new session for a patient without a room and picks the
// longest waiting session for a doctor without one.
func resolveRoom(ctx context.Context, cfg config, api *client.Client) (string, error) {
	if cfg.roomID != "" {
		return cfg.roomID, nil
	}

	if cfg.role == models.RoleDoctor {
		sessions, err := api.ListSessions(ctx, models.StatusWaiting)
		if err != nil {
			return "", err
		}
		if len(sessions) == 0 {
			return "", errors.New("no session is waiting for a doctor")
		}
		return sessions[0].RoomID, nil
	}

	session, err := api.CreateSession(ctx, models.SessionRequest{CallKind: cfg.callKind})
	if err != nil {
		return "", err
	}

	room, err := api.GetRoom(ctx, session.RoomID)
	if err != nil {
		return "", err
	}

	log.Info("Booked consultation",
		zap.String("roomId", room.RoomID),
		zap.String("participantLabel", room.ParticipantLabel),
		zap.Int("amount", room.Amount),
		zap.String("paymentReference", room.PaymentReference),
	)
	return room.RoomID, nil
}

func newObserver(cfg config, api *client.Client) observer.Observer {
	if cfg.strategy == observer.StrategyPoll {
		return &observer.PollObserver{
			Source:   api,
			Interval: cfg.pollInterval,
		}
	}

	return &observer.PushObserver{
		BaseURL: api.WebsocketURL(""),
		Header:  api.Header(),
	}
}
