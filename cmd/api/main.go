package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agora/api/internal/app"
	"agora/api/internal/auth"
	"agora/api/internal/cache"
	"agora/api/internal/config"
	"agora/api/internal/email"
	"agora/api/internal/gateway"
	"agora/api/internal/moderation"
	"agora/api/internal/search"
	"agora/api/internal/session"
	"agora/api/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)
	standard := gateway.StandardFunc(func(actor store.Actor) gateway.Executor {
		return dataStore.Scoped(actor, cfg.StandardDBRole)
	})

	var elevated gateway.ElevatedCredential
	if strings.TrimSpace(cfg.ServiceDatabaseURL) != "" {
		serviceDB, err := store.Open(ctx, cfg.ServiceDatabaseURL)
		if err != nil {
			// Writes still work under the standard credential.
			logger.Warn("elevated credential unavailable at startup", zap.Error(err))
		} else {
			defer serviceDB.Close()
			elevated = store.NewPostgresStore(serviceDB)
		}
	} else {
		logger.Info("no service database configured, all writes use the standard credential")
	}

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer sessions.Close()

	freshness := cache.NewFreshness(cfg.FreshnessCapacity, cfg.FreshnessTTL, cfg.RequestTimeout)

	writes := gateway.New(standard, elevated, freshness, logger)
	writes.StartHealthLoop(cfg.ElevatedHealth)
	defer writes.Close()

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		engine = meiliClient
	}
	searchService := search.NewService(engine, search.NewPgFTS(db), logger)
	go searchService.ReindexAll(ctx)

	var inviter moderation.Inviter
	mailer := email.NewService(email.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		InviteURL: cfg.InviteURL,
		InviteTTL: cfg.InviteTTL,
	}, cfg.InviteSecret)
	if mailer.IsConfigured() {
		inviter = mailer
	} else {
		logger.Info("smtp not configured, account provisioning disabled")
	}

	service := app.New(cfg, app.Deps{
		Store:    dataStore,
		Sessions: sessions,
		Tokens:   auth.NewValidator(cfg.JWTSecret, cfg.JWTAudience),
		Gateway:  writes,
		Cache:    freshness,
		Search:   searchService,
		Inviter:  inviter,
		Log:      logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", app.NewHTTPServer(service, cfg.CORSOrigin, logger).Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("agora api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
