package main

import (
	"time"

	"github.com/CzarSimon/httputil/environ"
	"github.com/joho/godotenv"
	"github.com/rtcheap/consult-manager/internal/call"
	"github.com/rtcheap/consult-manager/internal/models"
	"github.com/rtcheap/consult-manager/internal/observer"
	"go.uber.org/zap"
)

type config struct {
	serverURL     string
	roomID        string
	role          models.Role
	callKind      models.CallKind
	doctorToken   string
	timeout       time.Duration
	retryInterval time.Duration
	strategy      observer.Strategy
	pollInterval  time.Duration
}

func getConfig() config {
	err := godotenv.Load()
	if err == nil {
		log.Info("Loaded environment from .env")
	}

	cfg := config{
		serverURL:     environ.Get("SERVER_URL", "http://localhost:8080"),
		roomID:        environ.Get("ROOM_ID", ""),
		role:          models.Role(environ.Get("ROLE", string(models.RolePatient))),
		callKind:      models.CallKind(environ.Get("CALL_KIND", string(models.CallVideo))),
		doctorToken:   environ.Get("DOCTOR_TOKEN", ""),
		timeout:       mustDuration("REQUEST_TIMEOUT", "5s"),
		retryInterval: mustDuration("RETRY_INTERVAL", call.DefaultRetryInterval.String()),
		strategy:      observer.Strategy(environ.Get("OBSERVER_STRATEGY", string(observer.StrategyPush))),
		pollInterval:  mustDuration("POLL_INTERVAL", observer.DefaultInterval.String()),
	}

	if cfg.role != models.RoleDoctor && cfg.role != models.RolePatient {
		log.Fatal("ROLE must be doctor or patient", zap.String("role", string(cfg.role)))
	}
	if !cfg.callKind.Valid() {
		log.Fatal("CALL_KIND must be video or audio", zap.String("callKind", string(cfg.callKind)))
	}
	if cfg.role == models.RoleDoctor && cfg.doctorToken == "" {
		log.Fatal("DOCTOR_TOKEN is required for the doctor role")
	}

	return cfg
}

func mustDuration(key, defaultValue string) time.Duration {
	d, err := time.ParseDuration(environ.Get(key, defaultValue))
	if err != nil {
		log.Fatal("failed to parse "+key, zap.Error(err))
	}
	return d
}
