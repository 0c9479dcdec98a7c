package main

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/client"
	"github.com/CzarSimon/httputil/client/rpc"
	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/opentracing/opentracing-go"
	"github.com/rtcheap/consult-manager/internal/models"
	"github.com/rtcheap/consult-manager/internal/notify"
	"github.com/rtcheap/consult-manager/internal/repository"
	"github.com/rtcheap/consult-manager/internal/service"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"go.uber.org/zap"
)

type tokenVerifier interface {
	Verify(token string) (jwt.User, error)
}

type env struct {
	cfg            config
	db             *sql.DB
	traceCloser    io.Closer
	feed           notify.Feed
	closers        []io.Closer
	verifier       tokenVerifier
	sessionService *service.SessionService
	relayService   *service.RelayService
	statusSocket   *service.StatusSocket
	signalingHub   *service.SignalingHub
	stopWatch      context.CancelFunc
}

func (e *env) checkHealth() error {
	err := dbutil.Connected(e.db)
	if err != nil {
		return httputil.ServiceUnavailableError(err)
	}

	return nil
}

func (e *env) close() {
	if e.stopWatch != nil {
		e.stopWatch()
	}

	err := e.feed.Close()
	if err != nil {
		log.Error("failed to close session feed", zap.Error(err))
	}

	for _, closer := range e.closers {
		err = closer.Close()
		if err != nil {
			log.Error("failed to close event publisher", zap.Error(err))
		}
	}

	err = e.db.Close()
	if err != nil {
		log.Error("failed to close database connection", zap.Error(err))
	}

	if e.traceCloser == nil {
		return
	}
	err = e.traceCloser.Close()
	if err != nil {
		log.Error("failed to close tracer connection", zap.Error(err))
	}
}

// watchCompletions disconnects the signaling endpoints of rooms whose session completed.
func (e *env) watchCompletions() {
	ctx, cancel := context.WithCancel(context.Background())
	e.stopWatch = cancel

	sub := e.feed.Subscribe(notify.AllRooms)
	go func() {
		for {
			closeCompletedRooms(ctx, sub, e.signalingHub)
			sub.Close()

			if ctx.Err() != nil {
				return
			}
			log.Warn("completion watcher lost its subscription, resubscribing")
			time.Sleep(time.Second)
			sub = e.feed.Subscribe(notify.AllRooms)
		}
	}()
}

func closeCompletedRooms(ctx context.Context, sub *notify.Subscription, hub *service.SignalingHub) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if event.Status != models.StatusCompleted {
				continue
			}

			closed := hub.CloseRoom(event.RoomID)
			log.Info("Closed signaling for completed room", zap.String("roomId", event.RoomID), zap.Int("endpoints", closed))
		}
	}
}

func setupEnv() *env {
	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		log.Fatal("failed to create jaeger configuration", zap.Error(err))
	}

	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		log.Fatal("failed to create tracer", zap.Error(err))
	}

	opentracing.SetGlobalTracer(tracer)

	cfg := getConfig()
	db := dbutil.MustConnect(cfg.db)
	err = dbutil.Upgrade(cfg.migrationsPath, cfg.db.Driver(), db)
	if err != nil {
		log.Fatal("failed to apply database migrations", zap.Error(err))
	}

	feed, publisher, closers := setupFeed(cfg.feed)
	e := newEnv(cfg, db, feed, publisher)
	e.traceCloser = closer
	e.closers = closers
	e.relayService = setupRelayService(cfg)
	e.watchCompletions()

	return e
}

func newEnv(cfg config, db *sql.DB, feed notify.Feed, publisher notify.Publisher) *env {
	sessionService := &service.SessionService{
		SessionRepo:      repository.NewSessionRepository(db),
		Feed:             publisher,
		RoomPrefix:       cfg.rooms.prefix,
		PaymentReference: cfg.rooms.paymentReference,
	}

	return &env{
		cfg:            cfg,
		db:             db,
		feed:           feed,
		verifier:       jwt.NewVerifier(cfg.jwtCredentials, time.Minute),
		sessionService: sessionService,
		statusSocket:   service.NewStatusSocket(feed, sessionService),
		signalingHub:   service.NewSignalingHub(),
	}
}

// setupFeed picks the feed subscribers read from and the publisher the
// lifecycle writes to, which also reaches the audit exchange when configured.
func setupFeed(cfg feedConfig) (notify.Feed, notify.Publisher, []io.Closer) {
	var feed notify.Feed
	if cfg.redis != nil {
		redisFeed, err := notify.NewRedisFeed(*cfg.redis, cfg.bufferSize)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		feed = redisFeed
	} else {
		feed = notify.NewBroker(cfg.bufferSize)
	}

	if cfg.amqpURL == "" {
		return feed, feed, nil
	}

	amqpPublisher, err := notify.NewAMQPPublisher(cfg.amqpURL)
	if err != nil {
		log.Fatal("failed to connect to rabbitmq", zap.Error(err))
	}

	publisher := notify.Fanout{
		feed,
		notify.AuditPublisher{Exchange: notify.AuditExchange, Publisher: amqpPublisher},
	}
	return feed, publisher, []io.Closer{amqpPublisher}
}

func setupRelayService(cfg config) *service.RelayService {
	issuer := jwt.NewIssuer(cfg.jwtCredentials)
	registryClient := client.Client{
		RPCClient: rpc.NewClient(cfg.serviceRegistry.timeout),
		Issuer:    issuer,
		BaseURL:   cfg.serviceRegistry.url,
		Role:      jwt.SystemRole,
		UserAgent: "consult-manager",
	}
	turnClient := client.Client{
		RPCClient: rpc.NewClient(cfg.serviceRegistry.timeout),
		Issuer:    issuer,
		Role:      jwt.SystemRole,
		UserAgent: "consult-manager",
	}

	return &service.RelayService{
		TurnRPCProtocol: cfg.turn.rpcProtocol,
		RelayPort:       cfg.turn.udpPort,
		RegistryClient:  serviceregistry.NewClient(registryClient),
		TurnClient:      turnserver.NewClient(turnClient),
	}
}
