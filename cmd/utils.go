package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"cnn-backend/internal/api"
	"cnn-backend/internal/database"
	"cnn-backend/internal/messaging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// RequeuePendingTasks publishes a task for every dataset and model that was
// queued or running when the process last stopped.
func RequeuePendingTasks(ctx context.Context, db *gorm.DB, publisher messaging.Publisher) error {
	var datasets []database.Dataset
	if err := db.WithContext(ctx).Select("id").Where("status IN ?", []string{database.DatasetQueued, database.DatasetLoading}).Find(&datasets).Error; err != nil {
		return fmt.Errorf("error listing pending datasets: %w", err)
	}

	var models []database.Model
	if err := db.WithContext(ctx).Select("id").Where("status IN ?", []string{database.ModelQueued, database.ModelTraining}).Find(&models).Error; err != nil {
		return fmt.Errorf("error listing pending models: %w", err)
	}

	for _, ds := range datasets {
		if err := publisher.PublishDatasetTask(ctx, messaging.DatasetTaskPayload{DatasetId: ds.Id}); err != nil {
			return fmt.Errorf("error requeueing dataset %s: %w", ds.Id, err)
		}
	}
	for _, model := range models {
		if err := publisher.PublishTrainTask(ctx, messaging.TrainTaskPayload{ModelId: model.Id}); err != nil {
			return fmt.Errorf("error requeueing model %s: %w", model.Id, err)
		}
	}

	if len(datasets)+len(models) > 0 {
		slog.Info("requeued pending tasks", "datasets", len(datasets), "models", len(models))
	}
	return nil
}

// NewRouter mounts the REST routes under /api/v1 and the training page at /.
func NewRouter(service *api.BackendService, allowCORS bool) chi.Router {
	r := chi.NewRouter()

	if allowCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	// Progress streams end at the timeout and are resumed by the client.
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", service.AddRoutes)
	api.AddUIRoutes(r)

	return r
}

func NewServer(handler http.Handler, addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
