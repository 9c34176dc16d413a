package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Dataset struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	TrainDir string `gorm:"not null"`
	TestDir  string `gorm:"not null"`

	Status   string `gorm:"size:20;not null"`
	Progress int    `gorm:"default:0"`
	Error    sql.NullString

	ClassNames       datatypes.JSON
	TrainCount       int `gorm:"default:0"`
	TestCount        int `gorm:"default:0"`
	TrainClassCounts datatypes.JSON
	TestClassCounts  datatypes.JSON

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Models []Model `gorm:"foreignKey:DatasetId;constraint:OnDelete:CASCADE"`
}

type Model struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string

	DatasetId uuid.UUID `gorm:"type:uuid;not null"`

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

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Metrics []EpochMetric `gorm:"foreignKey:ModelId;constraint:OnDelete:CASCADE"`
}

type EpochMetric struct {
	ModelId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Epoch   int       `gorm:"primaryKey"`

	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64

	Timestamp time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&Dataset{}, &Model{}, &EpochMetric{}); err != nil {
		return fmt.Errorf("error creating initial schema: %w", err)
	}
	return nil
}
