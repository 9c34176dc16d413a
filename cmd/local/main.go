package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cnn-backend/cmd"
	"cnn-backend/internal/api"
	"cnn-backend/internal/config"
	"cnn-backend/internal/core"
	"cnn-backend/internal/database"
	"cnn-backend/internal/messaging"
	"cnn-backend/internal/storage"

	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

const artifactBucket = "artifacts"

func setupLogging(cfg config.LocalConfig) io.Closer {
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Root, "backend.log"),
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     28,
		Compress:   true,
		LocalTime:  true,
	}

	out := io.MultiWriter(logFile, os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(out)
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})))

	return logFile
}

// startWorker starts consuming before requeueing so the bounded in-memory
// queue never fills up with nobody reading it.
func startWorker(ctx context.Context, db *gorm.DB, queue *messaging.InMemoryQueue, worker interface{ Start() }) error {
	go worker.Start()
	return cmd.RequeuePendingTasks(ctx, db, queue)
}

func main() {
	cmd.LoadEnvFile()

	cfg, err := config.Load[config.LocalConfig]()
	if err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(cfg.Root, "db"), os.ModePerm); err != nil {
		log.Fatalf("error creating app directory: %v", err)
	}

	logFile := setupLogging(cfg)
	defer logFile.Close()

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "train_dir", cfg.TrainDir, "test_dir", cfg.TestDir)

	db, err := database.NewSqliteDatabase(filepath.Join(cfg.Root, "db", "cnn-trainer.db"))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	storage := storage.NewLocalProvider(filepath.Join(cfg.Root, "storage"))
	if err := storage.CreateBucket(context.Background(), artifactBucket); err != nil {
		log.Fatalf("Failed to create storage bucket: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	worker := core.NewTaskProcessor(db, storage, queue, queue, core.ProcessorConfig{
		Bucket:          artifactBucket,
		Concurrency:     cfg.Concurrency,
		Workers:         cfg.TrainingWorkers,
		RescaleOnlyTest: cfg.RescaleOnlyTest,
	})

	service := api.NewBackendService(db, storage, queue, api.ServiceConfig{
		Bucket:          artifactBucket,
		DefaultTrainDir: cfg.TrainDir,
		DefaultTestDir:  cfg.TestDir,
		ImageSize:       cfg.ImageSize,
	})

	server := cmd.NewServer(cmd.NewRouter(service, true), fmt.Sprintf(":%d", cfg.Port))

	slog.Info("starting worker")
	if err := startWorker(context.Background(), db, queue, worker); err != nil {
		log.Fatalf("Failed to requeue pending tasks: %v", err)
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port, "url", fmt.Sprintf("http://localhost:%d/", cfg.Port))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
