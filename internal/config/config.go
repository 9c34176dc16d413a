package config

import (
	"fmt"
	"log/slog"

	"cnn-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type S3Config struct {
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
}

func (c S3Config) ProviderConfig() *storage.S3ProviderConfig {
	if c.S3EndpointURL != "" && (c.S3AccessKeyID == "" || c.S3SecretAccessKey == "") {
		slog.Warn("S3_ENDPOINT_URL is set, but AWS_ACCESS_KEY_ID or AWS_SECRET_ACCESS_KEY are missing")
	}
	return &storage.S3ProviderConfig{
		S3EndpointURL:     c.S3EndpointURL,
		S3AccessKeyID:     c.S3AccessKeyID,
		S3SecretAccessKey: c.S3SecretAccessKey,
		S3Region:          c.S3Region,
	}
}

type DatasetConfig struct {
	TrainDir  string `env:"TRAIN_DIR" envDefault:"dataset/training_set"`
	TestDir   string `env:"TEST_DIR" envDefault:"dataset/test_set"`
	ImageSize int    `env:"IMAGE_SIZE" envDefault:"64"`
}

type WorkerConfig struct {
	// Tasks processed at once by one worker process.
	Concurrency int `env:"CONCURRENCY" envDefault:"1"`
	// Goroutines per training batch, 0 uses one per physical core.
	TrainingWorkers int `env:"TRAINING_WORKERS" envDefault:"0"`
	// Evaluate on unaugmented test images.
	RescaleOnlyTest bool `env:"RESCALE_ONLY_TEST" envDefault:"false"`
}

type APIConfig struct {
	DatabaseURL    string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL    string `env:"RABBITMQ_URL,notEmpty,required"`
	ArtifactBucket string `env:"ARTIFACT_BUCKET" envDefault:"cnn-artifacts"`
	APIPort        string `env:"API_PORT" envDefault:"8001"`

	S3Config
	DatasetConfig
}

type WorkerProcessConfig struct {
	DatabaseURL    string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL    string `env:"RABBITMQ_URL,notEmpty,required"`
	ArtifactBucket string `env:"ARTIFACT_BUCKET" envDefault:"cnn-artifacts"`

	S3Config
	WorkerConfig
}

type LocalConfig struct {
	Root string `env:"ROOT" envDefault:"./cnn-trainer"`
	Port int    `env:"PORT" envDefault:"3001"`

	LogMaxSizeMB  int `env:"LOG_MAX_SIZE_MB" envDefault:"50"`
	LogMaxBackups int `env:"LOG_MAX_BACKUPS" envDefault:"3"`

	DatasetConfig
	WorkerConfig
}

func Load[T any]() (T, error) {
	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}
