package api

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"path/filepath"
	"time"

	"cnn-backend/internal/core"
	"cnn-backend/internal/core/cnn"
	"cnn-backend/internal/core/dataset"
	"cnn-backend/internal/database"
	"cnn-backend/internal/messaging"
	"cnn-backend/internal/storage"
	"cnn-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	maxUploadBytes = 10 << 20

	defaultProgressInterval = time.Second
)

type ServiceConfig struct {
	Bucket          string
	DefaultTrainDir string
	DefaultTestDir  string
	// Side length images are resized to, defaults to cnn.DefaultImageSize.
	ImageSize int
	// How often the progress stream polls for new epochs.
	ProgressInterval time.Duration
}

type BackendService struct {
	db        *gorm.DB
	storage   storage.Provider
	publisher messaging.Publisher

	bucket           string
	defaultTrainDir  string
	defaultTestDir   string
	imageSize        int
	progressInterval time.Duration
}

func NewBackendService(db *gorm.DB, storage storage.Provider, pub messaging.Publisher, cfg ServiceConfig) *BackendService {
	interval := cfg.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	imageSize := cfg.ImageSize
	if imageSize <= 0 {
		imageSize = cnn.DefaultImageSize
	}
	return &BackendService{
		db:               db,
		storage:          storage,
		publisher:        pub,
		bucket:           cfg.Bucket,
		defaultTrainDir:  cfg.DefaultTrainDir,
		defaultTestDir:   cfg.DefaultTestDir,
		imageSize:        imageSize,
		progressInterval: interval,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Get("/options", RestHandler(s.GetOptions))

	r.Route("/datasets", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListDatasets))
		r.Post("/", RestHandler(s.CreateDataset))
		r.Get("/{dataset_id}", RestHandler(s.GetDataset))
		r.Delete("/{dataset_id}", RestHandler(s.DeleteDataset))
		r.Get("/{dataset_id}/samples", s.GetDatasetSamples)
	})

	r.Route("/models", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListModels))
		r.Post("/", RestHandler(s.TrainModel))
		r.Get("/{model_id}", RestHandler(s.GetModel))
		r.Delete("/{model_id}", RestHandler(s.DeleteModel))
		r.Post("/{model_id}/stop", RestHandler(s.StopModel))
		r.Get("/{model_id}/progress", RestStreamHandler(s.ModelProgress))
		r.Get("/{model_id}/plot", s.GetModelPlot)
		r.Post("/{model_id}/predict", RestHandler(s.Predict))
	})
}

func (s *BackendService) GetOptions(r *http.Request) (any, error) {
	return api.Options{
		HiddenActivation: api.ChoiceOption{Choices: cnn.HiddenActivations, Default: cnn.ReLU},
		OutputActivation: api.ChoiceOption{Choices: cnn.OutputActivations, Default: cnn.Sigmoid},
		Neurons:          api.IntRange{Min: cnn.MinNeurons, Max: cnn.MaxNeurons, Step: cnn.NeuronsStep, Default: cnn.DefaultNeurons},
		Epochs:           api.IntRange{Min: cnn.MinEpochs, Max: cnn.MaxEpochs, Step: cnn.EpochsStep, Default: cnn.DefaultEpochs},
		Help:             activationHelp,
		DefaultTrainDir:  s.defaultTrainDir,
		DefaultTestDir:   s.defaultTestDir,
	}, nil
}

func (s *BackendService) getDataset(r *http.Request) (database.Dataset, error) {
	datasetId, err := URLParamUUID(r, "dataset_id")
	if err != nil {
		return database.Dataset{}, err
	}

	var ds database.Dataset
	if err := s.db.WithContext(r.Context()).First(&ds, "id = ?", datasetId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Dataset{}, CodedErrorf(http.StatusNotFound, "dataset not found")
		}
		slog.Error("error getting dataset", "dataset_id", datasetId, "error", err)
		return database.Dataset{}, CodedErrorf(http.StatusInternalServerError, "error retrieving dataset record")
	}
	return ds, nil
}

func (s *BackendService) ListDatasets(r *http.Request) (any, error) {
	var datasets []database.Dataset
	if err := s.db.WithContext(r.Context()).Order("creation_time DESC").Find(&datasets).Error; err != nil {
		slog.Error("error listing datasets", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing datasets")
	}
	return convertDatasets(datasets), nil
}

func (s *BackendService) CreateDataset(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateDatasetRequest](r)
	if err != nil {
		return nil, err
	}

	if req.TrainDir == "" {
		req.TrainDir = s.defaultTrainDir
	}
	if req.TestDir == "" {
		req.TestDir = s.defaultTestDir
	}
	if req.TrainDir == "" || req.TestDir == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "training and test directories must be specified")
	}

	ds := database.Dataset{
		Id:           uuid.New(),
		TrainDir:     filepath.Clean(req.TrainDir),
		TestDir:      filepath.Clean(req.TestDir),
		Status:       database.DatasetQueued,
		CreationTime: time.Now().UTC(),
	}

	ctx := r.Context()
	if err := s.db.WithContext(ctx).Create(&ds).Error; err != nil {
		slog.Error("error creating dataset", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create dataset entry")
	}

	if err := s.publisher.PublishDatasetTask(ctx, messaging.DatasetTaskPayload{DatasetId: ds.Id}); err != nil {
		slog.Error("error publishing dataset task", "dataset_id", ds.Id, "error", err)
		database.SaveDatasetError(ctx, s.db, ds.Id, "failed to queue dataset loading task")
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue dataset loading task")
	}

	slog.Info("queued dataset loading", "dataset_id", ds.Id, "train_dir", ds.TrainDir, "test_dir", ds.TestDir)
	return api.CreateDatasetResponse{DatasetId: ds.Id}, nil
}

func (s *BackendService) GetDataset(r *http.Request) (any, error) {
	ds, err := s.getDataset(r)
	if err != nil {
		return nil, err
	}
	return convertDataset(ds), nil
}

func (s *BackendService) DeleteDataset(r *http.Request) (any, error) {
	ds, err := s.getDataset(r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var models []database.Model
	if err := s.db.WithContext(ctx).Select("id").Where("dataset_id = ?", ds.Id).Find(&models).Error; err != nil {
		slog.Error("error listing dataset models", "dataset_id", ds.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting dataset")
	}

	if err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		for _, model := range models {
			if err := txn.Delete(&database.EpochMetric{}, "model_id = ?", model.Id).Error; err != nil {
				return err
			}
		}
		if err := txn.Delete(&database.Model{}, "dataset_id = ?", ds.Id).Error; err != nil {
			return err
		}
		return txn.Delete(&database.Dataset{Id: ds.Id}).Error
	}); err != nil {
		slog.Error("error deleting dataset", "dataset_id", ds.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting dataset")
	}

	s.deleteArtifacts(r, storage.DatasetPrefix(ds.Id))
	for _, model := range models {
		s.deleteArtifacts(r, storage.ModelPrefix(model.Id))
	}

	slog.Info("deleted dataset", "dataset_id", ds.Id, "models", len(models))
	return nil, nil
}

func (s *BackendService) deleteArtifacts(r *http.Request, prefix string) {
	if err := s.storage.DeleteObjects(r.Context(), s.bucket, prefix); err != nil {
		slog.Warn("error deleting artifacts", "prefix", prefix, "error", err)
	}
}

func (s *BackendService) GetDatasetSamples(w http.ResponseWriter, r *http.Request) {
	ds, err := s.getDataset(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if ds.Status != database.DatasetReady {
		WriteError(w, CodedErrorf(http.StatusConflict, "dataset is not ready: dataset has status %s", ds.Status))
		return
	}
	s.serveObject(w, r, storage.DatasetSamplesKey(ds.Id))
}

func (s *BackendService) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	data, err := s.storage.GetObject(r.Context(), s.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			WriteError(w, CodedErrorf(http.StatusNotFound, "artifact not found"))
			return
		}
		slog.Error("error reading artifact", "key", key, "error", err)
		WriteError(w, CodedErrorf(http.StatusInternalServerError, "error reading artifact"))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("error writing artifact", "key", key, "error", err)
	}
}

func (s *BackendService) getModel(r *http.Request) (database.Model, error) {
	modelId, err := URLParamUUID(r, "model_id")
	if err != nil {
		return database.Model{}, err
	}

	var model database.Model
	if err := s.db.WithContext(r.Context()).Preload("Dataset").First(&model, "id = ?", modelId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Model{}, CodedErrorf(http.StatusNotFound, "model not found")
		}
		slog.Error("error getting model", "model_id", modelId, "error", err)
		return database.Model{}, CodedErrorf(http.StatusInternalServerError, "error retrieving model record")
	}
	return model, nil
}

func (s *BackendService) ListModels(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListModelsParams](r)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(r.Context()).Order("creation_time DESC")
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.DatasetId != "" {
		datasetId, err := uuid.Parse(params.DatasetId)
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid dataset_id '%s': %v", params.DatasetId, err)
		}
		query = query.Where("dataset_id = ?", datasetId)
	}

	var models []database.Model
	if err := query.Find(&models).Error; err != nil {
		slog.Error("error listing models", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing models")
	}
	return convertModels(models), nil
}

func (s *BackendService) TrainModel(r *http.Request) (any, error) {
	req, err := ParseRequest[api.TrainModelRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name != "" {
		if err := validateName(req.Name); err != nil {
			return nil, err
		}
	}

	cfg := cnn.Config{
		HiddenActivation: req.HiddenActivation,
		OutputActivation: req.OutputActivation,
		Neurons:          req.Neurons,
		ImageSize:        s.imageSize,
		Seed:             req.Seed,
	}
	if err := cfg.Validate(); err != nil {
		return nil, CodedError(http.StatusUnprocessableEntity, err)
	}
	if err := cnn.ValidateEpochs(req.Epochs); err != nil {
		return nil, CodedError(http.StatusUnprocessableEntity, err)
	}
	if cfg.Seed == 0 {
		cfg.Seed = rand.Int63()
	}

	ctx := r.Context()

	var ds database.Dataset
	if err := s.db.WithContext(ctx).First(&ds, "id = ?", req.DatasetId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "dataset not found")
		}
		slog.Error("error getting dataset", "dataset_id", req.DatasetId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving dataset record")
	}
	if ds.Status != database.DatasetReady {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "dataset is not ready: dataset has status %s", ds.Status)
	}

	model := database.Model{
		Id:               uuid.New(),
		Name:             req.Name,
		DatasetId:        ds.Id,
		HiddenActivation: cfg.HiddenActivation,
		OutputActivation: cfg.OutputActivation,
		Neurons:          cfg.Neurons,
		Epochs:           req.Epochs,
		ImageSize:        cfg.ImageSize,
		Seed:             cfg.Seed,
		Status:           database.ModelQueued,
		CreationTime:     time.Now().UTC(),
	}
	if model.Name == "" {
		model.Name = fmt.Sprintf("%s-%s-%d", cfg.HiddenActivation, cfg.OutputActivation, cfg.Neurons)
	}

	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		slog.Error("error creating model", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create model entry")
	}

	if err := s.publisher.PublishTrainTask(ctx, messaging.TrainTaskPayload{ModelId: model.Id}); err != nil {
		slog.Error("error publishing training task", "model_id", model.Id, "error", err)
		database.SaveModelError(ctx, s.db, model.Id, "failed to queue training task")
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue training task")
	}

	slog.Info("queued model training", "model_id", model.Id, "config", cfg, "epochs", model.Epochs)
	return api.TrainModelResponse{ModelId: model.Id}, nil
}

func (s *BackendService) GetModel(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}

	metrics, err := database.GetEpochMetrics(r.Context(), s.db, model.Id, 0)
	if err != nil {
		slog.Error("error getting epoch metrics", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving training history")
	}

	result := convertModel(model)
	result.History = convertMetrics(metrics)
	return result, nil
}

func (s *BackendService) StopModel(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}

	if model.IsTerminal() {
		return nil, CodedErrorf(http.StatusConflict, "model has already finished with status %s", model.Status)
	}

	ctx := r.Context()
	if err := s.db.WithContext(ctx).Model(&database.Model{Id: model.Id}).Update("stopped", true).Error; err != nil {
		slog.Error("error stopping model", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error stopping model")
	}

	// A queued model has no running training loop to observe the flag.
	if model.Status == database.ModelQueued {
		if err := database.UpdateModelStatus(ctx, s.db, model.Id, database.ModelStopped); err != nil {
			return nil, CodedErrorf(http.StatusInternalServerError, "error stopping model")
		}
	}

	slog.Info("requested model stop", "model_id", model.Id, "status", model.Status)
	return nil, nil
}

func (s *BackendService) DeleteModel(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(r.Context()).Transaction(func(txn *gorm.DB) error {
		if err := txn.Delete(&database.EpochMetric{}, "model_id = ?", model.Id).Error; err != nil {
			return err
		}
		return txn.Delete(&database.Model{Id: model.Id}).Error
	}); err != nil {
		slog.Error("error deleting model", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting model")
	}

	s.deleteArtifacts(r, storage.ModelPrefix(model.Id))

	slog.Info("deleted model", "model_id", model.Id)
	return nil, nil
}

type progressParams struct {
	After int `schema:"after"`
}

// ModelProgress streams the metrics of every completed epoch after the
// requested one and ends once the model reaches a terminal status.
func (s *BackendService) ModelProgress(r *http.Request) (StreamResponse, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[progressParams](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	return func(yield func(any, error) bool) {
		lastEpoch := params.After
		ticker := time.NewTicker(s.progressInterval)
		defer ticker.Stop()

		for {
			var current database.Model
			if err := s.db.WithContext(ctx).First(&current, "id = ?", model.Id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					yield(nil, CodedErrorf(http.StatusNotFound, "model was deleted"))
					return
				}
				yield(nil, CodedErrorf(http.StatusInternalServerError, "error retrieving model record"))
				return
			}

			metrics, err := database.GetEpochMetrics(ctx, s.db, model.Id, lastEpoch)
			if err != nil {
				yield(nil, CodedErrorf(http.StatusInternalServerError, "error retrieving training history"))
				return
			}

			for _, metric := range metrics {
				converted := convertMetric(metric)
				if !yield(api.ProgressUpdate{
					Status:          database.ModelTraining,
					CompletedEpochs: metric.Epoch,
					Epochs:          current.Epochs,
					Metric:          &converted,
				}, nil) {
					return
				}
				lastEpoch = metric.Epoch
			}

			if current.IsTerminal() {
				yield(api.ProgressUpdate{
					Status:          current.Status,
					CompletedEpochs: current.CompletedEpochs,
					Epochs:          current.Epochs,
					Error:           current.Error.String,
				}, nil)
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}, nil
}

func (s *BackendService) GetModelPlot(w http.ResponseWriter, r *http.Request) {
	model, err := s.getModel(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	s.serveObject(w, r, storage.ModelPlotKey(model.Id))
}

func (s *BackendService) Predict(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}
	if model.Status != database.ModelTrained {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "model is not ready: model has status %s", model.Status)
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form: %v", err)
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "missing 'image' file in form")
	}
	defer file.Close()

	img, err := dataset.LoadImage(file, model.ImageSize)
	if err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "unable to decode image: %v", err)
	}

	classifier, err := core.LoadClassifier(r.Context(), s.storage, s.bucket, model.Id)
	if err != nil {
		slog.Error("error loading classifier", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error loading trained model")
	}

	probability, err := classifier.Predict(dataset.RescaleGenerator().Standardize(img))
	if err != nil {
		return nil, CodedError(http.StatusUnprocessableEntity, err)
	}

	classIndex := cnn.PredictedClass(probability)

	var classNames []string
	if model.Dataset != nil {
		classNames = database.DecodeStrings(model.Dataset.ClassNames)
	}
	class := fmt.Sprintf("class %d", classIndex)
	if classIndex < len(classNames) {
		class = classNames[classIndex]
	}

	return api.PredictResponse{Class: class, ClassIndex: classIndex, Probability: probability}, nil
}
