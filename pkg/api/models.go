package api

import (
	"time"

	"github.com/google/uuid"
)

type Dataset struct {
	Id uuid.UUID

	TrainDir string
	TestDir  string

	Status   string
	Progress int
	Error    string `json:"Error,omitempty"`

	ClassNames       []string
	TrainCount       int
	TestCount        int
	TrainClassCounts map[string]int
	TestClassCounts  map[string]int

	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type CreateDatasetRequest struct {
	TrainDir string
	TestDir  string
}

type CreateDatasetResponse struct {
	DatasetId uuid.UUID
}

type EpochMetric struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
	Timestamp   time.Time
}

type Model struct {
	Id        uuid.UUID
	Name      string
	DatasetId uuid.UUID

	HiddenActivation string
	OutputActivation string
	Neurons          int
	Epochs           int
	ImageSize        int

	Status          string
	Error           string `json:"Error,omitempty"`
	CompletedEpochs int
	Progress        float64

	TestLoss     *float64 `json:"TestLoss,omitempty"`
	TestAccuracy *float64 `json:"TestAccuracy,omitempty"`

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	History []EpochMetric `json:"History,omitempty"`
}

type TrainModelRequest struct {
	Name      string
	DatasetId uuid.UUID

	HiddenActivation string
	OutputActivation string
	Neurons          int
	Epochs           int
	Seed             int64
}

type TrainModelResponse struct {
	ModelId uuid.UUID
}

type ListModelsParams struct {
	Status    string `schema:"status"`
	DatasetId string `schema:"dataset_id"`
}

// ProgressUpdate is one message of the training progress stream.
type ProgressUpdate struct {
	Status          string
	CompletedEpochs int
	Epochs          int
	Metric          *EpochMetric `json:"Metric,omitempty"`
	Error           string       `json:"Error,omitempty"`
}

type PredictResponse struct {
	Class       string
	ClassIndex  int
	Probability float64
}

type IntRange struct {
	Min     int
	Max     int
	Step    int
	Default int
}

type ChoiceOption struct {
	Choices []string
	Default string
}

// Options describes the hyperparameter widgets shown in the sidebar.
type Options struct {
	HiddenActivation ChoiceOption
	OutputActivation ChoiceOption
	Neurons          IntRange
	Epochs           IntRange
	Help             map[string]string
	DefaultTrainDir  string
	DefaultTestDir   string
}
