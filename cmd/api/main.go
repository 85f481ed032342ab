package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"inkwell/api/internal/annotation"
	"inkwell/api/internal/app"
	"inkwell/api/internal/assistant"
	"inkwell/api/internal/bubble"
	"inkwell/api/internal/config"
	"inkwell/api/internal/events"
	"inkwell/api/internal/identity"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/provider"
	"inkwell/api/internal/room"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
)

func main() {
	cfg := config.Load()
	pflag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	pflag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	pflag.StringVar(&cfg.MigrationsDir, "migrations", cfg.MigrationsDir, "directory of SQL migrations")
	pflag.Parse()

	logger := app.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checks := map[string]app.Pinger{}

	var docs store.Documents
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal("database connection failed", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir))
		if err != nil {
			fatal("migrations failed", err)
		}
		if len(applied) > 0 {
			logger.Info("applied migrations", "versions", applied)
		}
		pg := store.NewPostgresStore(db)
		docs = pg
		checks["postgres"] = pg
	} else {
		logger.Info("DATABASE_URL not set, documents are kept in memory")
		docs = store.NewMemoryStore()
	}

	var kv session.Store
	var storage func(roomID string) annotation.Storage
	var leases annotation.Leases
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			fatal("redis connection failed", err)
		}
		defer redisStore.Close()
		kv = redisStore
		storage = annotation.RedisStorageFactory(redisStore.Client())
		leases = annotation.NewRedisLeases(redisStore.Client(), cfg.RoomLeaseTTL)
		checks["redis"] = redisStore
	} else {
		logger.Info("REDIS_URL not set, annotations and workspaces are kept in memory")
		kv = session.NewMemoryStore()
	}

	var bus events.Publisher = events.Nop{}
	if strings.TrimSpace(cfg.NATSURL) != "" {
		client, err := events.NewClient(ctx, cfg.NATSURL, cfg.NATSToken, logger)
		if err != nil {
			fatal("nats connection failed", err)
		}
		defer client.Close()
		bus = client
	}

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		engine = meili
	}
	searchService := search.NewService(engine, search.NewFallback(docs), logger)

	reg := room.NewRegistry(room.Options{
		Docs:          docs,
		Storage:       storage,
		Leases:        leases,
		Search:        searchService,
		Events:        bus,
		Metrics:       m,
		Logger:        logger,
		HistoryLimit:  cfg.HistoryLimit,
		SnapshotDelay: cfg.SnapshotDelay,
		SendQueue:     cfg.SendQueue,
		Instance:      cfg.InstanceID,
	})
	if err := reg.Listen(); err != nil {
		fatal("subscribe to room events failed", err)
	}

	if cfg.CredentialSecret == "" {
		logger.Warn("INKWELL_CREDENTIAL_SECRET not set, stored API keys will not survive a restart")
	}
	creds, err := session.NewCredentials(kv, cfg.CredentialSecret, cfg.SessionTTL)
	if err != nil {
		fatal("credential store failed", err)
	}

	llm := provider.NewClient(provider.Options{
		GeminiURL:     cfg.GeminiURL,
		PerplexityURL: cfg.PerplexityURL,
		Backoff:       cfg.ProviderBackoff,
		Timeout:       cfg.ProviderTimeout,
		Metrics:       m,
		Logger:        logger,
	})
	ids := identity.NewAnonymous()
	tokens, err := identity.NewTokens(cfg.CredentialSecret, cfg.SessionTTL)
	if err != nil {
		fatal("identity tokens failed", err)
	}
	bubbles := bubble.NewManager(kv, cfg.SessionTTL, logger)

	gateway := room.NewGateway(reg, ids, room.GatewayOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Tokens:         tokens,
		Logger:         logger,
	})

	service := app.New(cfg, app.Deps{
		Docs:      docs,
		Rooms:     reg,
		Gateway:   gateway,
		Bubbles:   bubbles,
		Assistant: assistant.New(reg, bubbles, creds, llm, logger),
		Creds:     creds,
		LLM:       llm,
		Identity:  ids,
		Tokens:    tokens,
		Search:    searchService,
		Metrics:   m,
		Checks:    checks,
		Logger:    logger,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Completions can take a while; the provider client enforces its own timeout.
		WriteTimeout: cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("inkwell api listening", "addr", cfg.Addr, "instance", cfg.InstanceID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	reg.Close()
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
