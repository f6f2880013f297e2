package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stampcast/internal/identity"
	"stampcast/internal/platform/config"
	"stampcast/internal/platform/logger"
	"stampcast/internal/platform/metrics"
	"stampcast/internal/realtime"
	"stampcast/internal/stamps"
	"stampcast/internal/video"

	"github.com/go-chi/chi/v5"
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "3000")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	storeKind := config.GetEnv("STAMP_STORE", "memory")
	databaseURL := config.GetEnv("DATABASE_URL", "")
	catalogFile := config.GetEnv("VIDEO_CATALOG_FILE", "")
	shutdownTimeout := config.GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second)

	log := logger.New(logLevel, logFormat)

	store, closeStore, err := openStore(context.Background(), storeKind, databaseURL)
	if err != nil {
		log.Error("open stamp store", "store", storeKind, "error", err)
		os.Exit(1)
	}

	verifier, err := identity.ParseStaticTokens(config.GetEnvList("AUTH_TOKENS"))
	if err != nil {
		log.Error("parse AUTH_TOKENS", "error", err)
		os.Exit(1)
	}

	catalog := video.NewInMemoryCatalog()
	if catalogFile != "" {
		catalog, err = video.LoadCatalogFile(catalogFile)
		if err != nil {
			log.Error("load video catalog", "file", catalogFile, "error", err)
			os.Exit(1)
		}
	}

	met := metrics.New()
	hub := realtime.NewHub(realtime.Config{
		PingInterval:   config.GetEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		SendBuffer:     config.GetEnvInt("WS_SEND_BUFFER", 64),
		AllowedOrigins: config.GetEnvList("ALLOWED_ORIGINS"),
		// Anonymous viewers may watch by default; they still cannot submit.
		RequireCredential: !config.GetEnvBool("WS_ALLOW_ANONYMOUS", true),
	}, verifier, log, met)
	svc := stamps.NewService(store, hub, log, met)
	hub.SetDispatcher(stamps.NewSocketHandler(svc, log, met))

	sh := stamps.NewHandler(svc, log)
	vh := video.NewHandler(catalog, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetSubscribers(hub.Count()) }).ServeHTTP(w, r)
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/stamps", sh.ListStamps)
		r.Get("/videos", vh.ListVideos)
		r.Get("/videos/{id}", vh.GetVideo)
	})
	r.Get("/ws", hub.ServeHTTP)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"store", storeKind,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; the hub
	// closes them once HTTP traffic has drained.
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	hub.Close()
	if err := closeStore(); err != nil {
		log.Error("close stamp store", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// openStore selects the stamp store named by kind: memory, sqlite or
// postgres. An empty dsn means stamps.db for sqlite and is an error for
// postgres. The returned func releases it.
func openStore(ctx context.Context, kind, dsn string) (stamps.Store, func() error, error) {
	if kind == "memory" {
		return stamps.NewInMemoryStore(), func() error { return nil }, nil
	}
	dialect, err := stamps.ParseDialect(kind)
	if err != nil {
		return nil, nil, fmt.Errorf("STAMP_STORE: %w", err)
	}
	if dsn == "" {
		if dialect != stamps.DialectSQLite {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for STAMP_STORE=%s", kind)
		}
		dsn = "stamps.db"
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	s, err := stamps.OpenSQLStore(ctx, dialect, dsn)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}
