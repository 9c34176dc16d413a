package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cnn-backend/cmd"
	"cnn-backend/internal/api"
	"cnn-backend/internal/config"
	"cnn-backend/internal/database"
	"cnn-backend/internal/messaging"
	"cnn-backend/internal/storage"
)

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	cfg, err := config.Load[config.APIConfig]()
	if err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s3, err := storage.NewS3Provider(cfg.ProviderConfig())
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}
	if err := s3.CreateBucket(context.Background(), cfg.ArtifactBucket); err != nil {
		log.Fatalf("Failed to create bucket %s: %v", cfg.ArtifactBucket, err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	service := api.NewBackendService(db, s3, publisher, api.ServiceConfig{
		Bucket:          cfg.ArtifactBucket,
		DefaultTrainDir: cfg.TrainDir,
		DefaultTestDir:  cfg.TestDir,
		ImageSize:       cfg.ImageSize,
	})

	server := cmd.NewServer(cmd.NewRouter(service, false), ":"+cfg.APIPort)

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
	}()

	slog.Info("API server listening", "port", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	slog.Info("server stopped")
}
