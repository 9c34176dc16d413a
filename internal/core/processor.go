package core

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"cnn-backend/internal/core/cnn"
	"cnn-backend/internal/core/dataset"
	"cnn-backend/internal/core/plot"
	"cnn-backend/internal/core/utils"
	"cnn-backend/internal/database"
	"cnn-backend/internal/messaging"
	"cnn-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.Provider
	publisher messaging.Publisher
	reciever  messaging.Reciever

	bucket      string
	concurrency     int
	workers         int
	rescaleOnlyTest bool

	// Guards against a redelivered task training the same model twice.
	training *utils.MutexMap[uuid.UUID]
}

type ProcessorConfig struct {
	Bucket string
	// Number of tasks processed at once.
	Concurrency int
	// Goroutines used for a single training batch.
	Workers int
	// Skip augmentation on the test split.
	RescaleOnlyTest bool
}

func NewTaskProcessor(db *gorm.DB, storage storage.Provider, publisher messaging.Publisher, reciever messaging.Reciever, cfg ProcessorConfig) *TaskProcessor {
	return &TaskProcessor{
		db:          db,
		storage:     storage,
		publisher:   publisher,
		reciever:    reciever,
		bucket:      cfg.Bucket,
		concurrency: max(cfg.Concurrency, 1),
		workers:         cfg.Workers,
		rescaleOnlyTest: cfg.RescaleOnlyTest,
		training:    utils.NewMutexMap[uuid.UUID](1000),
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor", "concurrency", proc.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < proc.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range proc.reciever.Tasks() {
				proc.ProcessTask(task)
			}
		}()
	}
	wg.Wait()
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.DatasetQueue:
		var payload messaging.DatasetTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling dataset task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processDatasetTask(ctx, payload)

	case messaging.TrainingQueue:
		var payload messaging.TrainTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling training task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processTrainTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func iteratorOptions(imageSize int, seed int64, workers int) dataset.Options {
	opts := dataset.DefaultOptions()
	opts.TargetSize = imageSize
	opts.Seed = seed
	if workers > 0 {
		opts.Workers = workers
	}
	return opts
}

// LoadSplits opens the training and test directories the same way for
// dataset validation and for training. The test split is augmented like the
// training split unless rescaleOnlyTest is set.
func LoadSplits(trainDir, testDir string, imageSize int, seed int64, workers int, rescaleOnlyTest bool) (*dataset.DirectoryIterator, *dataset.DirectoryIterator, error) {
	opts := iteratorOptions(imageSize, seed, workers)

	testGen := dataset.TestGenerator()
	if rescaleOnlyTest {
		testGen = dataset.RescaleGenerator()
	}

	train, err := dataset.FlowFromDirectory(trainDir, dataset.TrainingGenerator(), opts)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading training set: %w", err)
	}

	test, err := dataset.FlowFromDirectory(testDir, testGen, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading test set: %w", err)
	}

	if !slices.Equal(train.ClassNames(), test.ClassNames()) {
		return nil, nil, fmt.Errorf("training classes %v do not match test classes %v", train.ClassNames(), test.ClassNames())
	}

	return train, test, nil
}

func (proc *TaskProcessor) getDataset(ctx context.Context, datasetId uuid.UUID) (database.Dataset, error) {
	var ds database.Dataset
	if err := proc.db.WithContext(ctx).First(&ds, "id = ?", datasetId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			slog.Error("dataset not found", "dataset_id", datasetId)
			return database.Dataset{}, fmt.Errorf("dataset not found: %w", err)
		}
		slog.Error("error getting dataset", "dataset_id", datasetId, "error", err)
		return database.Dataset{}, fmt.Errorf("error getting dataset: %w", err)
	}
	return ds, nil
}

func (proc *TaskProcessor) processDatasetTask(ctx context.Context, payload messaging.DatasetTaskPayload) error {
	datasetId := payload.DatasetId
	slog.Info("processing dataset task", "dataset_id", datasetId)

	ds, err := proc.getDataset(ctx, datasetId)
	if err != nil {
		return err
	}

	if err := database.UpdateDatasetStatus(ctx, proc.db, datasetId, database.DatasetLoading); err != nil {
		return fmt.Errorf("error updating dataset status: %w", err)
	}

	fail := func(err error) error {
		slog.Error("error loading dataset", "dataset_id", datasetId, "error", err)
		database.SaveDatasetError(ctx, proc.db, datasetId, err.Error())
		return err
	}

	train, test, err := LoadSplits(ds.TrainDir, ds.TestDir, cnn.DefaultImageSize, 0, proc.workers, proc.rescaleOnlyTest)
	if err != nil {
		return fail(err)
	}
	database.UpdateDatasetProgress(ctx, proc.db, datasetId, 50) //nolint:errcheck

	slog.Info("found images", "dataset_id", datasetId, "split", "train", "count", train.Samples(), "classes", train.ClassNames())
	slog.Info("found images", "dataset_id", datasetId, "split", "test", "count", test.Samples(), "classes", test.ClassNames())

	batch, err := train.Next()
	if err != nil {
		return fail(fmt.Errorf("error reading sample batch: %w", err))
	}
	database.UpdateDatasetProgress(ctx, proc.db, datasetId, 75) //nolint:errcheck

	var grid bytes.Buffer
	if err := plot.RenderSampleGrid(&grid, batch.Images, batch.Labels, train.ClassNames()); err != nil {
		return fail(err)
	}
	if err := proc.storage.PutObject(ctx, proc.bucket, storage.DatasetSamplesKey(datasetId), &grid); err != nil {
		return fail(fmt.Errorf("error uploading sample grid: %w", err))
	}

	if err := database.SaveDatasetSummary(ctx, proc.db, datasetId, train.ClassNames(),
		database.SplitSummary{Count: train.Samples(), ClassCounts: train.ClassCounts()},
		database.SplitSummary{Count: test.Samples(), ClassCounts: test.ClassCounts()},
	); err != nil {
		return fail(err)
	}

	slog.Info("dataset ready", "dataset_id", datasetId)
	return nil
}

func ModelConfig(model database.Model) cnn.Config {
	return cnn.Config{
		HiddenActivation: model.HiddenActivation,
		OutputActivation: model.OutputActivation,
		Neurons:          model.Neurons,
		ImageSize:        model.ImageSize,
		Seed:             model.Seed,
	}
}

func (proc *TaskProcessor) getModel(ctx context.Context, modelId uuid.UUID) (database.Model, error) {
	var model database.Model
	if err := proc.db.WithContext(ctx).Preload("Dataset").First(&model, "id = ?", modelId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			slog.Error("model not found", "model_id", modelId)
			return database.Model{}, fmt.Errorf("model not found: %w", err)
		}
		slog.Error("error getting model", "model_id", modelId, "error", err)
		return database.Model{}, fmt.Errorf("error getting model: %w", err)
	}
	return model, nil
}

func (proc *TaskProcessor) processTrainTask(ctx context.Context, payload messaging.TrainTaskPayload) error {
	modelId := payload.ModelId

	acquired, err := proc.training.TryLock(modelId)
	if err != nil {
		return fmt.Errorf("error locking model %s: %w", modelId, err)
	}
	if !acquired {
		slog.Warn("model is already being trained, skipping duplicate task", "model_id", modelId)
		return nil
	}
	defer proc.training.Unlock(modelId) //nolint:errcheck

	model, err := proc.getModel(ctx, modelId)
	if err != nil {
		return err
	}

	if model.IsTerminal() {
		slog.Info("model already finished, skipping training task", "model_id", modelId, "status", model.Status)
		return nil
	}
	if model.Stopped {
		slog.Info("model stopped before training started", "model_id", modelId)
		return database.UpdateModelStatus(ctx, proc.db, modelId, database.ModelStopped)
	}

	fail := func(err error) error {
		slog.Error("error training model", "model_id", modelId, "error", err)
		database.SaveModelError(ctx, proc.db, modelId, err.Error())
		return err
	}

	if model.Dataset == nil || model.Dataset.Status != database.DatasetReady {
		return fail(fmt.Errorf("dataset %s is not ready", model.DatasetId))
	}

	cfg := ModelConfig(model)
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	if err := cnn.ValidateEpochs(model.Epochs); err != nil {
		return fail(err)
	}

	classifier, err := cnn.BuildClassifier(cfg)
	if err != nil {
		return fail(fmt.Errorf("error building classifier: %w", err))
	}
	if proc.workers > 0 {
		classifier.SetWorkers(proc.workers)
	}

	train, test, err := LoadSplits(model.Dataset.TrainDir, model.Dataset.TestDir, cfg.ImageSize, cfg.Seed, proc.workers, proc.rescaleOnlyTest)
	if err != nil {
		return fail(err)
	}

	if err := database.UpdateModelStatus(ctx, proc.db, modelId, database.ModelTraining); err != nil {
		return fail(fmt.Errorf("error updating model status: %w", err))
	}

	slog.Info("training model", "model_id", modelId, "config", cfg, "epochs", model.Epochs, "params", classifier.CountParams(),
		"train_images", train.Samples(), "test_images", test.Samples())

	history, err := classifier.Fit(ctx, train, cnn.FitOptions{
		Epochs:          model.Epochs,
		Validation:      test,
		ValidationSteps: cnn.ValidationSteps,
		OnEpochEnd:      []cnn.EpochCallback{proc.epochCallback(ctx, modelId)},
	})

	stopped := errors.Is(err, cnn.ErrStopTraining)
	if err != nil && !stopped {
		return fail(fmt.Errorf("error fitting model: %w", err))
	}

	if stopped {
		var remaining int64
		if err := proc.db.WithContext(ctx).Model(&database.Model{}).Where("id = ?", modelId).Count(&remaining).Error; err != nil {
			return fmt.Errorf("error checking model: %w", err)
		}
		if remaining == 0 {
			slog.Info("model deleted during training", "model_id", modelId, "epochs", history.Epochs())
			return nil
		}
	}

	if history.Epochs() > 0 {
		if err := proc.uploadPlot(ctx, modelId, history); err != nil {
			return fail(err)
		}
	}

	if stopped {
		slog.Info("training stopped", "model_id", modelId, "epochs", history.Epochs())
		if err := database.UpdateModelStatus(ctx, proc.db, modelId, database.ModelStopped); err != nil {
			return fmt.Errorf("error updating model status: %w", err)
		}
		return nil
	}

	testLoss, testAccuracy, err := classifier.Evaluate(ctx, test)
	if err != nil {
		return fail(fmt.Errorf("error evaluating model: %w", err))
	}
	slog.Info(fmt.Sprintf("Test accuracy: %.4f", testAccuracy), "model_id", modelId, "test_loss", testLoss)

	var weights bytes.Buffer
	if err := classifier.Save(&weights); err != nil {
		return fail(err)
	}
	if err := proc.storage.PutObject(ctx, proc.bucket, storage.ModelWeightsKey(modelId), &weights); err != nil {
		return fail(fmt.Errorf("error uploading model weights: %w", err))
	}

	updates := map[string]any{
		"status":          database.ModelTrained,
		"test_loss":       sql.NullFloat64{Float64: testLoss, Valid: true},
		"test_accuracy":   sql.NullFloat64{Float64: testAccuracy, Valid: true},
		"completion_time": time.Now().UTC(),
	}
	if err := proc.db.WithContext(ctx).Model(&database.Model{Id: modelId}).Updates(updates).Error; err != nil {
		return fmt.Errorf("error saving training results: %w", err)
	}

	slog.Info("training completed", "model_id", modelId)
	return nil
}

func (proc *TaskProcessor) epochCallback(ctx context.Context, modelId uuid.UUID) cnn.EpochCallback {
	return func(logs cnn.EpochLogs) error {
		epoch := logs.Epoch + 1
		slog.Info(fmt.Sprintf("Epoch %d: loss = %.4f, accuracy = %.4f", epoch, logs.Loss, logs.Accuracy),
			"model_id", modelId, "val_loss", logs.ValLoss, "val_accuracy", logs.ValAccuracy)

		stopped, err := database.IsModelStopped(ctx, proc.db, modelId)
		if err != nil {
			return err
		}

		if err := database.SaveEpochMetric(ctx, proc.db, database.EpochMetric{
			ModelId:     modelId,
			Epoch:       epoch,
			Loss:        logs.Loss,
			Accuracy:    logs.Accuracy,
			ValLoss:     logs.ValLoss,
			ValAccuracy: logs.ValAccuracy,
			Timestamp:   time.Now().UTC(),
		}); err != nil {
			// A deleted model has no row to attach the metric to.
			if stopped {
				return cnn.ErrStopTraining
			}
			return err
		}

		if stopped {
			return cnn.ErrStopTraining
		}
		return nil
	}
}

func (proc *TaskProcessor) uploadPlot(ctx context.Context, modelId uuid.UUID, history *cnn.History) error {
	var buf bytes.Buffer
	if err := plot.RenderHistory(&buf, history); err != nil {
		return fmt.Errorf("error rendering history plot: %w", err)
	}
	if err := proc.storage.PutObject(ctx, proc.bucket, storage.ModelPlotKey(modelId), &buf); err != nil {
		return fmt.Errorf("error uploading history plot: %w", err)
	}
	return nil
}

// LoadClassifier downloads the trained weights of a model.
func LoadClassifier(ctx context.Context, provider storage.Provider, bucket string, modelId uuid.UUID) (*cnn.Sequential, error) {
	data, err := provider.GetObject(ctx, bucket, storage.ModelWeightsKey(modelId))
	if err != nil {
		return nil, fmt.Errorf("error downloading model weights: %w", err)
	}
	classifier, err := cnn.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error loading model weights: %w", err)
	}
	return classifier, nil
}
