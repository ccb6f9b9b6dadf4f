package ledger

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	RunTraining    string = "TRAINING"
	RunCompleted   string = "COMPLETED"
	RunFailed      string = "FAILED"
	RunInterrupted string = "INTERRUPTED"
)

type Run struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ModelName string `gorm:"not null"`
	Distilled bool
	Status    string `gorm:"size:20;not null"`
	Config    string

	StartTime      time.Time
	CompletionTime sql.NullTime
	FailureReason  sql.NullString

	BestEpoch       sql.NullInt64
	BestValAccuracy sql.NullFloat64
	TestAccuracy    sql.NullFloat64
	TestLoss        sql.NullFloat64

	Epochs []EpochResult `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type EpochResult struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Epoch int       `gorm:"primaryKey;autoIncrement:false"`

	TrainLoss    float64
	ValLoss      float64
	ValAccuracy  float64
	LearningRate float64
	SkippedSteps int

	CheckpointHandle sql.NullString
}
