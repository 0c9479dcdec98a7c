package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/CzarSimon/httputil"
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/consult-manager/internal/models"
	"github.com/rtcheap/consult-manager/internal/service"
	"go.uber.org/zap"
)

func (e *env) createSession(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.createSession")
	defer span.Finish()

	var req models.SessionRequest
	err := c.ShouldBindJSON(&req)
	if err != nil {
		err = httputil.BadRequestError(fmt.Errorf("failed to parse session request: %w", err))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	session, err := e.sessionService.Create(ctx, req)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, session)
}

func (e *env) getRoom(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.getRoom")
	defer span.Finish()

	room, err := e.sessionService.GetRoom(ctx, c.Param("roomId"))
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, room)
}

func (e *env) getStatus(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.getStatus")
	defer span.Finish()

	roomID := c.Param("roomId")
	status, err := e.sessionService.GetStatus(ctx, roomID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, models.StatusUpdate{RoomID: roomID, Status: status})
}

func (e *env) streamStatus(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.streamStatus")
	defer span.Finish()

	err := e.statusSocket.StreamRoom(ctx, c.Param("roomId"), c.Writer, c.Request)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
}

func (e *env) roomOffer(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.roomOffer")
	defer span.Finish()

	roomID := c.Param("roomId")
	_, err := e.sessionService.GetStatus(ctx, roomID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	offer, err := e.relayService.Offer(ctx, roomID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, offer)
}

// signal connects an endpoint to the signaling relay of an admitted room.
// Only holders of a doctor token may take the doctor identity.
func (e *env) signal(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.signal")
	defer span.Finish()

	roomID := c.Param("roomId")
	identity := c.Query("identity")
	role, identityRoom, ok := models.ParseIdentity(identity)
	if !ok || identityRoom != roomID {
		err := httputil.BadRequestError(fmt.Errorf("invalid identity %q for room %s", identity, roomID))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	if role == models.RoleDoctor {
		err := e.authorizeDoctor(c)
		if err != nil {
			span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
			c.Error(err)
			return
		}
	}

	status, err := e.sessionService.GetStatus(ctx, roomID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}
	if status != models.StatusWaiting {
		err = httputil.PreconditionRequiredError(fmt.Errorf("room %s is %s, not admitted", roomID, status))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	err = e.signalingHub.Connect(ctx, roomID, identity, c.Writer, c.Request)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	e.closeIfCompleted(ctx, roomID)
	span.LogFields(tracelog.Bool("success", true))
}

// closeIfCompleted disconnects a room whose session completed after an
// endpoint passed the admission check, which the completion watcher may have missed.
func (e *env) closeIfCompleted(ctx context.Context, roomID string) {
	status, err := e.sessionService.GetStatus(ctx, roomID)
	if err != nil {
		log.Error("failed to recheck room status", zap.String("roomId", roomID), zap.Error(err))
		return
	}
	if status != models.StatusCompleted {
		return
	}

	closed := e.signalingHub.CloseRoom(roomID)
	log.Info("Closed signaling for room completed during admission", zap.String("roomId", roomID), zap.Int("endpoints", closed))
}

func (e *env) confirmPayment(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.confirmPayment")
	defer span.Finish()

	err := e.sessionService.ConfirmPayment(ctx, c.Param("sessionId"))
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	httputil.SendOK(c)
}

func (e *env) completeSession(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.completeSession")
	defer span.Finish()

	err := e.sessionService.Complete(ctx, c.Param("roomId"))
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	httputil.SendOK(c)
}

func (e *env) listSessions(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.listSessions")
	defer span.Finish()

	status := models.Status(c.DefaultQuery("status", string(models.StatusWaiting)))
	sessions, err := e.sessionService.List(ctx, status)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, sessions)
}

func (e *env) streamSessions(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.streamSessions")
	defer span.Finish()

	err := e.statusSocket.StreamAll(ctx, c.Writer, c.Request)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
}

func (e *env) authorizeDoctor(c *gin.Context) error {
	token := bearerToken(c)
	if token == "" {
		return httputil.UnauthorizedError(errors.New("doctor identity requires a token"))
	}

	user, err := e.verifier.Verify(token)
	if err != nil {
		return httputil.UnauthorizedError(err)
	}

	if !user.HasRole(doctorRole) {
		return httputil.UnauthorizedError(fmt.Errorf("user(id=%s) is not a doctor", user.ID))
	}

	return nil
}

// bearerToken reads the token from the Authorization header or, for
// websocket clients unable to set headers, the token query parameter.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}

	return c.Query("token")
}

func httpError(err error) error {
	var httpErr *httputil.Error
	switch {
	case errors.As(err, &httpErr):
		return httpErr
	case errors.Is(err, service.ErrNotFound):
		return httputil.NotFoundError(err)
	case errors.Is(err, service.ErrInvalidTransition):
		return httputil.ConflictError(err)
	case errors.Is(err, service.ErrInvalidCallKind), errors.Is(err, service.ErrInvalidStatus):
		return httputil.BadRequestError(err)
	default:
		return httputil.InternalServerError(err)
	}
}
