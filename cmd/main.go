package main

import (
	"net/http"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/CzarSimon/httputil/logger"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("consult-manager/main")

func main() {
	e := setupEnv()
	defer e.close()

	server := newServer(e)
	log.Info("Started consult-manager listening on port: " + e.cfg.port)

	err := server.ListenAndServe()
	if err != nil {
		log.Error("Unexpected error stoped server.", zap.Error(err))
	}
}

func newServer(e *env) *http.Server {
	r := httputil.NewRouter("consult-manager", e.checkHealth)

	r.POST("/v1/sessions", e.createSession)
	r.GET("/v1/rooms/:roomId", e.getRoom)
	r.GET("/v1/rooms/:roomId/status", e.getStatus)
	r.GET("/v1/rooms/:roomId/status/ws", e.streamStatus)
	r.GET("/v1/rooms/:roomId/offer", e.roomOffer)
	r.GET("/v1/rooms/:roomId/signal", e.signal)

	rbac := httputil.RBAC{
		Verifier: jwt.NewVerifier(e.cfg.jwtCredentials, time.Minute),
	}
	doctorGroup := r.Group("/v1", rbac.Secure(doctorRole))
	doctorGroup.GET("/sessions", e.listSessions)
	doctorGroup.GET("/sessions/stream", e.streamSessions)
	doctorGroup.PUT("/sessions/:sessionId/payment", e.confirmPayment)
	doctorGroup.PUT("/rooms/:roomId/complete", e.completeSession)

	return &http.Server{
		Addr:    ":" + e.cfg.port,
		Handler: r,
	}
}
