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

	"linkstash/api/internal/app"
	"linkstash/api/internal/config"
	"linkstash/api/internal/feed"
	"linkstash/api/internal/oauth"
	"linkstash/api/internal/preview"
	"linkstash/api/internal/search"
	"linkstash/api/internal/session"
	"linkstash/api/internal/storage"
	"linkstash/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	sessionStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessionStore.Close()

	broker, err := feed.NewBroker(cfg.RedisURL)
	if err != nil {
		log.Fatalf("feed broker connection failed: %v", err)
	}
	defer broker.Close()

	pglike := search.NewPgLike(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pglike)
	go searchService.ReindexAll(ctx)

	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		log.Printf("WARNING: Google OAuth credentials not set; logins will fail")
	}
	provider := oauth.NewGoogle(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)

	service := app.NewService(cfg, dataStore, sessionStore, app.NewBrokerFeed(broker), provider, searchService)

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		service.UseObjects(objects)
	} else {
		log.Printf("MinIO not configured; avatars and snapshots disabled")
	}
	service.UsePreviews(preview.NewChrome())

	httpServer := app.NewHTTPServer(service, cfg)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: the SSE feed holds its response open for the
		// life of the client connection.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Linkstash API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
