// Command loadbooks imports a SQLite catalog snapshot into the bookstore
// database and uploads cover images to object storage.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"

	"bookstore/internal/config"
	"bookstore/internal/loader"
	"bookstore/internal/util"
	"bookstore/pkg/storage"
	"bookstore/pkg/store"
)

func main() {
	snapshot := flag.String("snapshot", "book.db", "path to the SQLite catalog snapshot")
	workers := flag.Int("workers", 0, "concurrent cover uploads (0 uses the default)")
	flag.Parse()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}

	var covers storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		covers, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init cover storage: %v", err)
		}
	}

	res, err := loader.Run(context.Background(), loader.Config{
		SQLitePath:   *snapshot,
		Store:        dataStore,
		Covers:       covers,
		CoverWorkers: *workers,
	})
	if err != nil {
		log.Fatalf("catalog import failed: %v", err)
	}
	slog.Info("catalog import complete", "books", res.Books, "covers", res.Covers)
}
