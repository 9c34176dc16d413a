package api

import (
	"database/sql"
	"time"

	"cnn-backend/internal/database"
	"cnn-backend/pkg/api"
)

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	return &f.Float64
}

func convertDataset(d database.Dataset) api.Dataset {
	return api.Dataset{
		Id:               d.Id,
		TrainDir:         d.TrainDir,
		TestDir:          d.TestDir,
		Status:           d.Status,
		Progress:         d.Progress,
		Error:            d.Error.String,
		ClassNames:       database.DecodeStrings(d.ClassNames),
		TrainCount:       d.TrainCount,
		TestCount:        d.TestCount,
		TrainClassCounts: database.DecodeCounts(d.TrainClassCounts),
		TestClassCounts:  database.DecodeCounts(d.TestClassCounts),
		CreationTime:     d.CreationTime,
		CompletionTime:   nullTime(d.CompletionTime),
	}
}

func convertDatasets(ds []database.Dataset) []api.Dataset {
	datasets := make([]api.Dataset, 0, len(ds))
	for _, d := range ds {
		datasets = append(datasets, convertDataset(d))
	}
	return datasets
}

func convertModel(m database.Model) api.Model {
	var progress float64
	if m.Epochs > 0 {
		progress = 100 * float64(m.CompletedEpochs) / float64(m.Epochs)
	}
	if m.Status == database.ModelTrained {
		progress = 100
	}

	return api.Model{
		Id:               m.Id,
		Name:             m.Name,
		DatasetId:        m.DatasetId,
		HiddenActivation: m.HiddenActivation,
		OutputActivation: m.OutputActivation,
		Neurons:          m.Neurons,
		Epochs:           m.Epochs,
		ImageSize:        m.ImageSize,
		Status:           m.Status,
		Error:            m.Error.String,
		CompletedEpochs:  m.CompletedEpochs,
		Progress:         progress,
		TestLoss:         nullFloat(m.TestLoss),
		TestAccuracy:     nullFloat(m.TestAccuracy),
		CreationTime:     m.CreationTime,
		StartTime:        nullTime(m.StartTime),
		CompletionTime:   nullTime(m.CompletionTime),
	}
}

func convertModels(ms []database.Model) []api.Model {
	models := make([]api.Model, 0, len(ms))
	for _, m := range ms {
		models = append(models, convertModel(m))
	}
	return models
}

func convertMetric(m database.EpochMetric) api.EpochMetric {
	return api.EpochMetric{
		Epoch:       m.Epoch,
		Loss:        m.Loss,
		Accuracy:    m.Accuracy,
		ValLoss:     m.ValLoss,
		ValAccuracy: m.ValAccuracy,
		Timestamp:   m.Timestamp,
	}
}

func convertMetrics(ms []database.EpochMetric) []api.EpochMetric {
	metrics := make([]api.EpochMetric, 0, len(ms))
	for _, m := range ms {
		metrics = append(metrics, convertMetric(m))
	}
	return metrics
}
