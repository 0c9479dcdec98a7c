package call

import (
	"context"
	"errors"

	"github.com/rtcheap/consult-manager/internal/models"
	"go.uber.org/zap"
)

// ErrNotAdmitted the status feed ended before the session was admitted.
var ErrNotAdmitted = errors.New("session was not admitted")

// WaitForAdmission blocks until the room's session is waiting for a doctor.
// A completed session never admits and returns ErrRoomClosed.
func WaitForAdmission(ctx context.Context, observer StatusObserver, roomID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	statuses, err := observer.Observe(ctx, roomID)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case status, ok := <-statuses:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrNotAdmitted
			}

			log.Debug("observed status while awaiting admission", zap.String("roomId", roomID), zap.String("status", string(status)))
			switch status {
			case models.StatusWaiting:
				return nil
			case models.StatusCompleted:
				return ErrRoomClosed
			}
		}
	}
}
