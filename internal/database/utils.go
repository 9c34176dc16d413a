package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func UpdateModelStatus(ctx context.Context, txn *gorm.DB, modelId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	switch status {
	case ModelTraining:
		updates["start_time"] = time.Now().UTC()
	case ModelTrained, ModelFailed, ModelStopped:
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Model{Id: modelId}).Updates(updates).Error; err != nil {
		slog.Error("error updating model status", "model_id", modelId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveModelError(ctx context.Context, txn *gorm.DB, modelId uuid.UUID, message string) {
	updates := map[string]any{
		"status":          ModelFailed,
		"error":           sql.NullString{String: message, Valid: true},
		"completion_time": time.Now().UTC(),
	}
	if err := txn.WithContext(ctx).Model(&Model{Id: modelId}).Updates(updates).Error; err != nil {
		slog.Error("error saving model error", "model_id", modelId, "error", err)
	}
}

func UpdateDatasetStatus(ctx context.Context, txn *gorm.DB, datasetId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == DatasetReady || status == DatasetFailed {
		updates["completion_time"] = time.Now().UTC()
	}
	if status == DatasetReady {
		updates["progress"] = 100
	}

	if err := txn.WithContext(ctx).Model(&Dataset{Id: datasetId}).Updates(updates).Error; err != nil {
		slog.Error("error updating dataset status", "dataset_id", datasetId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateDatasetProgress(ctx context.Context, txn *gorm.DB, datasetId uuid.UUID, progress int) error {
	if err := txn.WithContext(ctx).Model(&Dataset{Id: datasetId}).Update("progress", progress).Error; err != nil {
		return fmt.Errorf("error updating dataset progress: %w", err)
	}
	return nil
}

func SaveDatasetError(ctx context.Context, txn *gorm.DB, datasetId uuid.UUID, message string) {
	updates := map[string]any{
		"status":          DatasetFailed,
		"error":           sql.NullString{String: message, Valid: true},
		"completion_time": time.Now().UTC(),
	}
	if err := txn.WithContext(ctx).Model(&Dataset{Id: datasetId}).Updates(updates).Error; err != nil {
		slog.Error("error saving dataset error", "dataset_id", datasetId, "error", err)
	}
}

type SplitSummary struct {
	Count       int
	ClassCounts map[string]int
}

// SaveDatasetSummary records the classes and image counts found while
// loading and marks the dataset ready.
func SaveDatasetSummary(ctx context.Context, txn *gorm.DB, datasetId uuid.UUID, classNames []string, train, test SplitSummary) error {
	classes, err := json.Marshal(classNames)
	if err != nil {
		return fmt.Errorf("error encoding class names: %w", err)
	}
	trainCounts, err := json.Marshal(train.ClassCounts)
	if err != nil {
		return fmt.Errorf("error encoding class counts: %w", err)
	}
	testCounts, err := json.Marshal(test.ClassCounts)
	if err != nil {
		return fmt.Errorf("error encoding class counts: %w", err)
	}

	updates := map[string]any{
		"class_names":        datatypes.JSON(classes),
		"train_count":        train.Count,
		"test_count":         test.Count,
		"train_class_counts": datatypes.JSON(trainCounts),
		"test_class_counts":  datatypes.JSON(testCounts),
		"status":             DatasetReady,
		"progress":           100,
		"completion_time":    time.Now().UTC(),
	}
	if err := txn.WithContext(ctx).Model(&Dataset{Id: datasetId}).Updates(updates).Error; err != nil {
		return fmt.Errorf("error saving dataset summary: %w", err)
	}
	return nil
}

// SaveEpochMetric upserts the metrics of one epoch and advances the
// completed epoch counter on the model.
func SaveEpochMetric(ctx context.Context, db *gorm.DB, metric EpochMetric) error {
	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Clauses(clause.OnConflict{UpdateAll: true}).Create(&metric).Error; err != nil {
			return fmt.Errorf("error saving epoch metric: %w", err)
		}
		if err := txn.Model(&Model{Id: metric.ModelId}).Update("completed_epochs", metric.Epoch).Error; err != nil {
			return fmt.Errorf("error updating completed epochs: %w", err)
		}
		return nil
	})
}

func GetEpochMetrics(ctx context.Context, db *gorm.DB, modelId uuid.UUID, afterEpoch int) ([]EpochMetric, error) {
	var metrics []EpochMetric
	if err := db.WithContext(ctx).Where("model_id = ? AND epoch > ?", modelId, afterEpoch).Order("epoch").Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("error listing epoch metrics: %w", err)
	}
	return metrics, nil
}

// IsModelStopped reports whether a stop was requested or the model was
// deleted while training.
func IsModelStopped(ctx context.Context, db *gorm.DB, modelId uuid.UUID) (bool, error) {
	var model Model
	if err := db.WithContext(ctx).Select("id", "stopped").First(&model, "id = ?", modelId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("error checking model stop flag: %w", err)
	}
	return model.Stopped, nil
}

func DecodeStrings(raw datatypes.JSON) []string {
	var out []string
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Warn("error decoding json string list", "error", err)
	}
	return out
}

func DecodeCounts(raw datatypes.JSON) map[string]int {
	out := map[string]int{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Warn("error decoding json counts", "error", err)
	}
	return out
}
