package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"taskboard/api"
	"taskboard/domain"
	"taskboard/storage"
)

const serviceName = "taskboard"

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	tp, err := newTracerProvider(os.Getenv("OTEL_TRACES_STDOUT"))
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("tracer shutdown")
		}
	}()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var rc *redis.Client
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc = redis.NewClient(redisOptions(redisConn))
	}

	var (
		store    domain.TaskStore
		sinks    domain.EventSinks
		activity *storage.ActivityLog
	)
	switch mode := strings.ToLower(os.Getenv("STORE_MODE")); mode {
	case "memory":
		store = storage.NewMemoryStore()
		log.Warn("using in-memory store; data is lost on restart")
	case "", "azure":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		tasksTable := os.Getenv("TASKS_TABLE")
		boardsTable := os.Getenv("BOARDS_TABLE")
		if connStr == "" || tasksTable == "" || boardsTable == "" {
			log.Fatal("missing storage config")
		}
		ts, err := storage.NewTableStore(connStr, tasksTable, boardsTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		store = ts
		if queueName := os.Getenv("EVENTS_QUEUE"); queueName != "" {
			qs, err := storage.NewQueueSink(connStr, queueName)
			if err != nil {
				log.Fatalf("events queue: %v", err)
			}
			sinks = append(sinks, qs)
		}
		if activityTable := os.Getenv("ACTIVITY_TABLE"); activityTable != "" {
			activity, err = storage.NewActivityLog(connStr, activityTable)
			if err != nil {
				log.Fatalf("activity table: %v", err)
			}
		}
	default:
		log.Fatalf("invalid STORE_MODE %q", mode)
	}

	var (
		locker  domain.PartitionLocker
		lister  api.TaskLister
		deduper api.Deduper
	)
	if rc != nil {
		locker = storage.NewRedisLocker(rc,
			durationEnv("REBALANCE_LOCK_TTL", 30*time.Second),
			durationEnv("REBALANCE_LOCK_WAIT", 10*time.Second))
		cache := storage.NewPartitionCache(store, rc, durationEnv("PARTITION_CACHE_TTL", 30*time.Second))
		lister = cache
		sinks = append(sinks, storage.NewRedisSink(rc), cache)
		deduper = api.NewRedisDeduper(rc, durationEnv("DEDUPER_TTL", 24*time.Hour))
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set; rebalances are serialised in process only")
	}

	engine := domain.NewEngine(store, locker, sinks, logger)
	auth := newAuth()

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(echoprometheus.NewMiddleware(serviceName))
	e.Use(api.GzipRequestMiddleware())
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, engine, lister, auth, deduper, logger)
	if rc != nil {
		api.RegisterStream(e, lister, storage.NewBoardFeed(rc), auth, logger)
	}
	if activity != nil {
		api.RegisterActivity(e, activity, auth, logger)
	}

	listenAddr := ":8080"
	if val := os.Getenv("LISTEN_ADDR"); val != "" {
		listenAddr = val
	} else if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

func newAuth() *api.Auth {
	cfg := api.AuthConfig{KeyCacheTTL: durationEnv("JWKS_CACHE_TTL", 15*time.Minute)}
	if os.Getenv("AUTH0_TEST_MODE") == "1" {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			log.Fatal("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		cfg.HMACSecret = []byte(secret)
		return api.NewAuth(cfg)
	}

	audience := os.Getenv("AUTH0_AUDIENCE")
	authDomain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || authDomain == "" {
		log.Fatal("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	cfg.JWKS = jwks
	cfg.Audience = audience
	cfg.Issuer = "https://" + authDomain + "/"
	return api.NewAuth(cfg)
}

func newTracerProvider(stdout string) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	}
	if on, _ := strconv.ParseBool(stdout); on {
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// durationEnv reads a positive duration, exiting on malformed values.
func durationEnv(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return d
}

// redisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=true" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "password":
			opts.Password = v
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(v), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}
