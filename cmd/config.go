package main

import (
	"strconv"
	"time"

	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/environ"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/joho/godotenv"
	"github.com/rtcheap/consult-manager/internal/notify"
	"github.com/rtcheap/consult-manager/internal/service"
	"go.uber.org/zap"
)

const doctorRole = "DOCTOR"

type config struct {
	db              dbutil.Config
	port            string
	serviceRegistry serviceRegistryConfig
	turn            turnConfig
	rooms           roomConfig
	feed            feedConfig
	migrationsPath  string
	jwtCredentials  jwt.Credentials
}

type serviceRegistryConfig struct {
	url     string
	timeout time.Duration
}

type turnConfig struct {
	udpPort     int
	rpcProtocol string
}

type roomConfig struct {
	prefix           string
	paymentReference string
}

type feedConfig struct {
	// redis is nil when events stay within this process.
	redis      *notify.RedisConfig
	amqpURL    string
	bufferSize int
}

func getConfig() config {
	err := godotenv.Load()
	if err == nil {
		log.Info("Loaded environment from .env")
	}

	return config{
		db: dbutil.MysqlConfig{
			Host:             environ.MustGet("DB_HOST"),
			Port:             environ.MustGet("DB_PORT"),
			Database:         environ.MustGet("DB_DATABASE"),
			User:             environ.MustGet("DB_USERNAME"),
			Password:         environ.MustGet("DB_PASSWORD"),
			ConnectionParams: "parseTime=true",
		},
		port:            environ.Get("SERVICE_PORT", "8080"),
		turn:            getTurnConfig(),
		serviceRegistry: getServiceRegistryConfig(),
		rooms:           getRoomConfig(),
		feed:            getFeedConfig(),
		migrationsPath:  environ.Get("MIGRATIONS_PATH", "/etc/consult-manager/migrations"),
		jwtCredentials:  getJwtCredentials(),
	}
}

func getTurnConfig() turnConfig {
	return turnConfig{
		udpPort:     mustAtoi("TURN_UDP_PORT", "3478"),
		rpcProtocol: environ.Get("TURN_RPC_PROTOCOL", "http"),
	}
}

func getServiceRegistryConfig() serviceRegistryConfig {
	return serviceRegistryConfig{
		url:     environ.Get("SERVICEREGISTRY_URL", "http://service-registry:8080"),
		timeout: 5 * time.Second,
	}
}

func getRoomConfig() roomConfig {
	return roomConfig{
		prefix:           environ.Get("ROOM_PREFIX", service.DefaultRoomPrefix),
		paymentReference: environ.Get("PAYMENT_REFERENCE", "01234567890"),
	}
}

func getFeedConfig() feedConfig {
	cfg := feedConfig{
		amqpURL:    environ.Get("AMQP_URL", ""),
		bufferSize: mustAtoi("FEED_BUFFER_SIZE", strconv.Itoa(notify.DefaultBufferSize)),
	}

	addr := environ.Get("REDIS_ADDR", "")
	if addr == "" {
		return cfg
	}

	cfg.redis = &notify.RedisConfig{
		Addr:     addr,
		Username: environ.Get("REDIS_USERNAME", ""),
		Password: environ.Get("REDIS_PASSWORD", ""),
		DB:       mustAtoi("REDIS_DB", "0"),
	}
	return cfg
}

func getJwtCredentials() jwt.Credentials {
	return jwt.Credentials{
		Issuer: environ.MustGet("JWT_ISSUER"),
		Secret: environ.MustGet("JWT_SECRET"),
	}
}

func mustAtoi(key, defaultValue string) int {
	value, err := strconv.Atoi(environ.Get(key, defaultValue))
	if err != nil {
		log.Fatal("failed to parse "+key, zap.Error(err))
	}
	return value
}
