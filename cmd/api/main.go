// Package main provides the entry point for the backup API server.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/khoskins-amp/supabase-backup-tool/internal/api"
	"github.com/khoskins-amp/supabase-backup-tool/internal/auth"
	"github.com/khoskins-amp/supabase-backup-tool/internal/backup"
	"github.com/khoskins-amp/supabase-backup-tool/internal/cleanup"
	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/projects"
	pgqueue "github.com/khoskins-amp/supabase-backup-tool/internal/queue/postgres"
	"github.com/khoskins-amp/supabase-backup-tool/internal/storage"
	pgstore "github.com/khoskins-amp/supabase-backup-tool/internal/store/postgres"
	"github.com/khoskins-amp/supabase-backup-tool/internal/vault"
	"github.com/khoskins-amp/supabase-backup-tool/pkg/config"
	"github.com/khoskins-amp/supabase-backup-tool/pkg/logger"
)

func main() {
	log := logger.New(slog.LevelInfo, true)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Separate connection for the job queue; the store manages its own pool.
	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		log.Error("failed to open database connection", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	storeCfg := pgstore.DefaultConfig(cfg.DatabaseDSN)
	st, err := pgstore.NewPostgresStore(storeCfg, log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	v, err := vault.New(cfg.MasterKey)
	if err != nil {
		log.Error("failed to initialize credential vault", "error", err)
		os.Exit(1)
	}

	registry := projects.NewService(st, v, log.Logger)

	pipeline, err := backup.NewPipeline(cfg.Backup.AgePublicKey, log.Logger)
	if err != nil {
		log.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	tokens := backup.NewTokenService(st, cfg.Backup.DownloadTokenTTL, log.Logger)
	dumper := backup.NewDumpRunner(cfg.Backup.DumpTimeout, log.Logger)

	router := storage.NewRouter()
	artifacts, err := storage.NewLocalDir(cfg.Backup.ArtifactDir)
	if err != nil {
		log.Error("failed to initialize artifact directory", "error", err)
		os.Exit(1)
	}
	router.Register(models.StorageLocalMapped, artifacts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.S3.Bucket != "" {
		s3dest, err := storage.NewS3(ctx, storage.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			log.Error("failed to initialize s3 destination", "error", err)
			os.Exit(1)
		}
		router.Register(models.StorageS3, s3dest)
	}

	orchestrator, err := backup.NewService(backup.Config{
		TempDir:     cfg.Backup.TempDir,
		ArtifactDir: cfg.Backup.ArtifactDir,
		MaxRetries:  cfg.Backup.MaxRetries,
	}, st, registry, dumper, pipeline, tokens, router, log.WithComponent("orchestrator").Logger)
	if err != nil {
		log.Error("failed to initialize backup orchestrator", "error", err)
		os.Exit(1)
	}

	q := pgqueue.NewPostgresQueue(db, log.WithComponent("queue").Logger)
	worker := backup.NewWorker(orchestrator, q, cfg.Worker.Concurrency, log.WithComponent("worker").Logger)
	worker.Start(ctx)
	defer worker.Stop()

	sweeper := cleanup.NewService(st, registry, tokens, orchestrator, cfg.Cleanup.Interval, log.WithComponent("cleanup").Logger)
	go sweeper.Run(ctx)

	authService := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, log.Logger)

	server := api.NewServer(api.Config{
		Host:            cfg.APIHost,
		Port:            cfg.APIPort,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, registry, orchestrator, worker, tokens, authService, log.WithComponent("api").Logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	log.Info("starting backup api server", "host", cfg.APIHost, "port", cfg.APIPort)
	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	// Let in-flight backup goroutines finish writing their final status.
	orchestrator.Wait()
	time.Sleep(100 * time.Millisecond)
	log.Info("server stopped")
}
