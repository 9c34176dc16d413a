package database_test

import (
	"context"
	"testing"
	"time"

	"cnn-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := database.NewSqliteDatabase(":memory:")
	require.NoError(t, err)
	return db
}

func createModel(t *testing.T, db *gorm.DB) (database.Dataset, database.Model) {
	ds := database.Dataset{Id: uuid.New(), TrainDir: "train", TestDir: "test", Status: database.DatasetQueued, CreationTime: time.Now()}
	require.NoError(t, db.Create(&ds).Error)

	model := database.Model{
		Id: uuid.New(), Name: "m", DatasetId: ds.Id,
		HiddenActivation: "relu", OutputActivation: "sigmoid", Neurons: 512, Epochs: 20, ImageSize: 64,
		Status: database.ModelQueued, CreationTime: time.Now(),
	}
	require.NoError(t, db.Create(&model).Error)
	return ds, model
}

func TestDatasetLifecycle(t *testing.T) {
	ctx := context.Background()
	db := createDB(t)
	ds, _ := createModel(t, db)

	require.NoError(t, database.UpdateDatasetStatus(ctx, db, ds.Id, database.DatasetLoading))
	require.NoError(t, database.UpdateDatasetProgress(ctx, db, ds.Id, 40))

	var loaded database.Dataset
	require.NoError(t, db.First(&loaded, "id = ?", ds.Id).Error)
	assert.Equal(t, database.DatasetLoading, loaded.Status)
	assert.Equal(t, 40, loaded.Progress)

	require.NoError(t, database.SaveDatasetSummary(ctx, db, ds.Id, []string{"cats", "dogs"},
		database.SplitSummary{Count: 10, ClassCounts: map[string]int{"cats": 5, "dogs": 5}},
		database.SplitSummary{Count: 4, ClassCounts: map[string]int{"cats": 2, "dogs": 2}},
	))

	require.NoError(t, db.First(&loaded, "id = ?", ds.Id).Error)
	assert.Equal(t, database.DatasetReady, loaded.Status)
	assert.Equal(t, 100, loaded.Progress)
	assert.Equal(t, 10, loaded.TrainCount)
	assert.Equal(t, 4, loaded.TestCount)
	assert.Equal(t, []string{"cats", "dogs"}, database.DecodeStrings(loaded.ClassNames))
	assert.Equal(t, map[string]int{"cats": 2, "dogs": 2}, database.DecodeCounts(loaded.TestClassCounts))
	assert.True(t, loaded.CompletionTime.Valid)

	database.SaveDatasetError(ctx, db, ds.Id, "boom")
	require.NoError(t, db.First(&loaded, "id = ?", ds.Id).Error)
	assert.Equal(t, database.DatasetFailed, loaded.Status)
	assert.Equal(t, "boom", loaded.Error.String)
}

func TestModelStatusAndMetrics(t *testing.T) {
	ctx := context.Background()
	db := createDB(t)
	_, model := createModel(t, db)

	require.NoError(t, database.UpdateModelStatus(ctx, db, model.Id, database.ModelTraining))

	for epoch := 1; epoch <= 3; epoch++ {
		require.NoError(t, database.SaveEpochMetric(ctx, db, database.EpochMetric{
			ModelId: model.Id, Epoch: epoch, Loss: 1 / float64(epoch), Accuracy: 0.5, Timestamp: time.Now(),
		}))
	}
	// Redelivered epochs overwrite the previous row.
	require.NoError(t, database.SaveEpochMetric(ctx, db, database.EpochMetric{ModelId: model.Id, Epoch: 3, Loss: 0.1, Accuracy: 0.9}))

	metrics, err := database.GetEpochMetrics(ctx, db, model.Id, 1)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, 2, metrics[0].Epoch)
	assert.Equal(t, 0.9, metrics[1].Accuracy)

	var loaded database.Model
	require.NoError(t, db.First(&loaded, "id = ?", model.Id).Error)
	assert.Equal(t, database.ModelTraining, loaded.Status)
	assert.Equal(t, 3, loaded.CompletedEpochs)
	assert.True(t, loaded.StartTime.Valid)
	assert.False(t, loaded.IsTerminal())

	stopped, err := database.IsModelStopped(ctx, db, model.Id)
	require.NoError(t, err)
	assert.False(t, stopped)

	require.NoError(t, db.Model(&database.Model{Id: model.Id}).Update("stopped", true).Error)
	stopped, err = database.IsModelStopped(ctx, db, model.Id)
	require.NoError(t, err)
	assert.True(t, stopped)

	stopped, err = database.IsModelStopped(ctx, db, uuid.New())
	require.NoError(t, err)
	assert.True(t, stopped)

	database.SaveModelError(ctx, db, model.Id, "out of memory")
	require.NoError(t, db.First(&loaded, "id = ?", model.Id).Error)
	assert.Equal(t, database.ModelFailed, loaded.Status)
	assert.Equal(t, "out of memory", loaded.Error.String)
	assert.True(t, loaded.IsTerminal())
}

func TestDeleteDatasetCascades(t *testing.T) {
	ctx := context.Background()
	db := createDB(t)
	ds, model := createModel(t, db)
	require.NoError(t, database.SaveEpochMetric(ctx, db, database.EpochMetric{ModelId: model.Id, Epoch: 1}))

	require.NoError(t, db.Delete(&database.Dataset{Id: ds.Id}).Error)

	var count int64
	require.NoError(t, db.Model(&database.Model{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, db.Model(&database.EpochMetric{}).Count(&count).Error)
	assert.Zero(t, count)
}
