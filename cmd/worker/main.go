package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cnn-backend/cmd"
	"cnn-backend/internal/config"
	"cnn-backend/internal/core"
	"cnn-backend/internal/database"
	"cnn-backend/internal/messaging"
	"cnn-backend/internal/storage"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.Load[config.WorkerProcessConfig]()
	if err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s3, err := storage.NewS3Provider(cfg.ProviderConfig())
	if err != nil {
		log.Fatalf("Worker: Failed to create S3 client: %v", err)
	}
	if err := s3.CreateBucket(context.Background(), cfg.ArtifactBucket); err != nil {
		log.Fatalf("Failed to create bucket %s: %v", cfg.ArtifactBucket, err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	worker := core.NewTaskProcessor(db, s3, publisher, reciever, core.ProcessorConfig{
		Bucket:          cfg.ArtifactBucket,
		Concurrency:     cfg.Concurrency,
		Workers:         cfg.TrainingWorkers,
		RescaleOnlyTest: cfg.RescaleOnlyTest,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutdown signal received, stopping worker")
		worker.Stop()
		os.Exit(0)
	}()

	slog.Info("worker started, waiting for tasks")
	worker.Start()
}
