package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"todo-api/api"
	"todo-api/domain"
	"todo-api/identity"
	"todo-api/preferences"
	"todo-api/sink"
	"todo-api/storage"
	"todo-api/stream"
	"todo-api/todos"
)

const googleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv("OTEL_STDOUT") == "1" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Errorf("trace shutdown: %v", err)
			}
		}()
	}

	var rc *redis.Client
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc = redis.NewClient(parseRedisOptions(redisConn))
		defer rc.Close()
	}

	reporters := sink.Multi{sink.NewLog(logger)}
	var (
		docs storage.Backend
		ids  identity.Store
	)
	switch backend := envString("STORAGE_BACKEND", "azure"); backend {
	case "memory":
		mem := storage.NewMemStore()
		docs, ids = mem, mem
		log.Warn("using in-memory storage; data is lost on restart")
	case "azure":
		connStr := os.Getenv("STORAGE_CONNECTION_STRING")
		if connStr == "" {
			log.Fatal("missing storage config")
		}
		store, err := storage.New(connStr, storage.Tables{
			Tasks:       envString("TASKS_TABLE", "Tasks"),
			Preferences: envString("PREFERENCES_TABLE", "Preferences"),
			Identities:  envString("IDENTITIES_TABLE", "Identities"),
			Credentials: envString("CREDENTIALS_TABLE", "Credentials"),
		})
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		docs, ids = store, store
		if queueName := os.Getenv("FAILURE_QUEUE"); queueName != "" {
			queue, err := storage.NewFailureQueue(connStr, queueName, logger)
			if err != nil {
				log.Fatalf("failure queue: %v", err)
			}
			reporters = append(reporters, queue)
		}
	default:
		log.Fatalf("invalid STORAGE_BACKEND: %q", backend)
	}

	local := stream.NewBroadcaster()
	var (
		watcher   stream.Watcher    = local
		publisher storage.Publisher = local
		notifier  *storage.Notifier
		dedupe    api.Deduper
	)
	if rc != nil {
		docs = storage.NewCache(docs, rc, envDuration("CACHE_TTL", time.Minute))
		notifier = storage.NewNotifier(rc, envString("CHANGES_CHANNEL", "todo-changes"), local, logger)
		watcher, publisher = notifier, notifier
		dedupe = api.NewRedisDeduper(rc, envDuration("DEDUPER_TTL", 24*time.Hour))
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set; changes are only seen by this instance")
	}
	docs = storage.NewNotifying(docs, publisher, logger)

	defaults := domain.DefaultTasks()
	if path := os.Getenv("DEFAULT_TASKS_FILE"); path != "" {
		loaded, err := domain.LoadDefaultTasks(path)
		if err != nil {
			log.Fatalf("invalid DEFAULT_TASKS_FILE: %v", err)
		}
		defaults = loaded
	}

	secret := os.Getenv("TOKEN_SECRET")
	if secret == "" {
		log.Fatal("missing TOKEN_SECRET")
	}
	tokens := identity.NewTokens([]byte(secret), envDuration("TOKEN_TTL", identity.DefaultTokenTTL))

	var google identity.FederatedVerifier
	if clientID := os.Getenv("GOOGLE_CLIENT_ID"); clientID != "" {
		jwks, err := keyfunc.Get(googleCertsURL, keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("google certs refresh failed")
			},
		})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		google = identity.NewGoogleVerifier(jwks.Keyfunc, clientID)
	}

	svc := identity.NewService(ids, tokens, google, logger)
	tasks := todos.New(docs, watcher, reporters, defaults)
	prefs := preferences.New(docs, watcher, reporters)
	hub := api.NewHub(svc, tasks, prefs, envDuration("SESSION_IDLE_TTL", api.DefaultSessionIdleTTL), logger)

	def := api.DefaultPoolConfig()
	pool := api.NewWritePool(api.PoolConfig{
		Workers:        envInt("WRITE_WORKERS", def.Workers),
		Buffer:         envInt("WRITE_BUFFER", def.Buffer),
		Timeout:        envDuration("WRITE_TIMEOUT", def.Timeout),
		HandoffTimeout: envDuration("WRITE_HANDOFF_TIMEOUT", def.HandoffTimeout),
	}, logger)
	defer pool.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(middleware.Decompress())
	e.Use(echoprometheus.NewMiddleware("todo_api"))
	e.Use(api.RequestMetrics(logger))
	api.Register(e, hub, pool, dedupe, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	} else if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return hub.RunReaper(gctx, 0)
	})
	if notifier != nil {
		g.Go(func() error {
			return notifier.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("server stopped: %v", err)
	}
}

// parseRedisOptions accepts a redis:// URL or the "host:port,password=...,ssl=True"
// form used by Azure Cache for Redis.
func parseRedisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return n
}

func envDuration(name string, def time.Duration) time.Duration {
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
