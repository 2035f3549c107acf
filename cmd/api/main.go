package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/app"
	"coedit/api/internal/archive"
	"coedit/api/internal/autosave"
	"coedit/api/internal/config"
	"coedit/api/internal/email"
	"coedit/api/internal/gitrepo"
	"coedit/api/internal/logging"
	"coedit/api/internal/presence"
	"coedit/api/internal/replica"
	"coedit/api/internal/search"
	"coedit/api/internal/session"
	"coedit/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		logger.Fatal("failed to create repos dir", zap.Error(err))
	}

	deps := app.Deps{
		Store: store.NewPostgresStore(db),
		Git:   gitrepo.New(cfg.ReposDir),
		Email: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
		Logger: logger,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for session records")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
	} else {
		logger.Info("using postgres for session records")
	}

	if strings.TrimSpace(cfg.SyncURL) != "" {
		deps.Replica = replica.NewHTTPClient(cfg.SyncURL, cfg.SyncToken)
	} else {
		logger.Warn("no sync server configured, sessions read the file store directly")
	}

	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		archiveStore, err := archive.New(ctx, archive.Options{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		}, logger)
		if err != nil {
			logger.Fatal("snapshot archive unavailable", zap.Error(err))
		}
		deps.Archive = archiveStore
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	deps.Search = search.NewService(meiliClient, search.NewPgFTS(db), logger)
	go deps.Search.ReindexAllFromPG(ctx)

	service := app.New(cfg, deps)
	debouncer := autosave.New(service.SaveFile, cfg.AutosaveQuiet, logger)

	hub := presence.NewHub(presence.HubConfig{
		Service:  service,
		Replica:  deps.Replica,
		Autosave: debouncer,
		SyncWait: cfg.SessionSyncWait,
		PongWait: cfg.WSPongWait,
		Logger:   logger,
	})
	go hub.Run(ctx)
	service.SetPublisher(hub)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	httpServer.MountSocket(presence.NewHandler(hub, cfg.JWTSecret))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("coedit API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if err := debouncer.Stop(shutdownCtx); err != nil {
		logger.Warn("autosave flush incomplete", zap.Error(err))
	}
}
