package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bookstore/internal/app"
	"bookstore/internal/config"
	"bookstore/internal/security"
	"bookstore/internal/server"
	"bookstore/internal/util"
	"bookstore/pkg/events"
	"bookstore/pkg/storage"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	tokenLifetime, err := config.ParseTokenLifetime(cfg.TokenLifetime)
	if err != nil {
		log.Fatalf("failed to parse token lifetime: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var stream *events.Stream
	if cfg.RedisAddr != "" {
		stream, err = events.NewStream(events.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.EventsStream,
		})
		if err != nil {
			log.Fatalf("failed to init order event stream: %v", err)
		}
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		TokenSecret:   cfg.TokenSecret,
		TokenLifetime: tokenLifetime,
		Events:        stream,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var covers storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		covers, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init cover storage: %v", err)
		}
	}

	var proxies *util.TrustedProxies
	if cfg.TrustedProxies != "" {
		proxies, err = util.NewTrustedProxies(strings.Split(cfg.TrustedProxies, ","))
		if err != nil {
			log.Fatalf("failed to parse trusted proxies: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		Covers:                     covers,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		PasswordRateLimitPerMinute: cfg.PasswordRateLimitPerMinute,
		FundsRateLimitPerMinute:    cfg.FundsRateLimitPerMinute,
		Alerter:                    security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, ""),
		TrustedProxies:             proxies,
		CORSOrigin:                 cfg.CORSOrigin,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	if stream != nil {
		stream.Start(context.Background(), "notifier", func(_ context.Context, ev events.Event) {
			slog.Info("order event", "kind", ev.Kind, "order_id", ev.OrderID, "user_id", ev.UserID, "store_id", ev.StoreID)
		})
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("bookstore server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
