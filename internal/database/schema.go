package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	DatasetQueued  string = "QUEUED"
	DatasetLoading string = "LOADING"
	DatasetReady   string = "READY"
	DatasetFailed  string = "FAILED"
)

type Dataset struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	TrainDir string `gorm:"not null"`
	TestDir  string `gorm:"not null"`

	Status   string `gorm:"size:20;not null"`
	Progress int    `gorm:"default:0"`
	Error    sql.NullString

	ClassNames       datatypes.JSON // ["cats","dogs"]
	TrainCount       int            `gorm:"default:0"`
	TestCount        int            `gorm:"default:0"`
	TrainClassCounts datatypes.JSON // {"cats": 4000, "dogs": 4000}
	TestClassCounts  datatypes.JSON

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Models []Model `gorm:"foreignKey:DatasetId;constraint:OnDelete:CASCADE"`
}

const (
	ModelQueued   string = "QUEUED"
	ModelTraining string = "TRAINING"
	ModelTrained  string = "TRAINED"
	ModelFailed   string = "FAILED"
	ModelStopped  string = "STOPPED"
)

// Model is one training run of the classifier together with the
// hyperparameters it was configured with.
type Model struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string

	DatasetId uuid.UUID `gorm:"type:uuid;not null"`
	Dataset   *Dataset  `gorm:"foreignKey:DatasetId"`

	HiddenActivation string `gorm:"size:20;not null"`
	OutputActivation string `gorm:"size:20;not null"`
	Neurons          int    `gorm:"not null"`
	Epochs           int    `gorm:"not null"`
	ImageSize        int    `gorm:"not null"`
	Seed             int64

	Status          string `gorm:"size:20;not null"`
	Stopped         bool   `gorm:"default:false"`
	Error           sql.NullString
	CompletedEpochs int `gorm:"default:0"`

	TestLoss     sql.NullFloat64
	TestAccuracy sql.NullFloat64

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Metrics []EpochMetric `gorm:"foreignKey:ModelId;constraint:OnDelete:CASCADE"`
}

func (m *Model) IsTerminal() bool {
	return m.Status == ModelTrained || m.Status == ModelFailed || m.Status == ModelStopped
}

// EpochMetric is one row of the training history. Epoch is 1-based.
type EpochMetric struct {
	ModelId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Epoch   int       `gorm:"primaryKey"`

	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64

	Timestamp time.Time
}
