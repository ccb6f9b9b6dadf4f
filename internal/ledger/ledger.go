// Package ledger keeps a SQLite history of training runs and their per-epoch
// validation results.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/23skdu/longbow-distill/internal/checkpoint"
	"github.com/23skdu/longbow-distill/internal/config"
	"github.com/23skdu/longbow-distill/internal/logger"
)

var ErrRunNotFound = errors.New("ledger: run not found")

type Ledger struct {
	db *gorm.DB
}

// Open connects to the SQLite file at path (":memory:" for a private
// in-memory database) and applies pending migrations.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// every new connection would see an empty database
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an open connection and migrates it.
func New(db *gorm.DB) (*Ledger, error) {
	if err := Migrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

func Migrator(db *gorm.DB) *gormigrate.Gormigrate {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "0",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Run{}, &EpochResult{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&EpochResult{}, &Run{})
			},
		},
	})

	m.InitSchema(func(tx *gorm.DB) error {
		if name := tx.Dialector.Name(); name == "sqlite" || name == "sqlite3" {
			if err := tx.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
				logger.Log.Warn("Could not enable SQLite foreign keys", "error", err)
			}
		}
		return tx.AutoMigrate(&Run{}, &EpochResult{})
	})
	return m
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StartRun records a new run in the TRAINING state with a YAML snapshot of cfg.
func (l *Ledger) StartRun(ctx context.Context, id uuid.UUID, cfg *config.TrainConfig) error {
	snapshot, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	run := Run{
		Id:        id,
		ModelName: cfg.ModelName,
		Distilled: cfg.Distilled(),
		Status:    RunTraining,
		Config:    string(snapshot),
		StartTime: time.Now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("create run %s: %w", id, err)
	}
	return nil
}

// RecordEpoch stores one epoch's results. handle is empty for epochs that
// were not checkpointed.
func (l *Ledger) RecordEpoch(ctx context.Context, id uuid.UUID, res EpochResult, handle string) error {
	res.RunId = id
	if handle != "" {
		res.CheckpointHandle = sql.NullString{String: handle, Valid: true}
	}
	if err := l.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&res).Error; err != nil {
		return fmt.Errorf("record epoch %d of run %s: %w", res.Epoch, id, err)
	}
	return nil
}

// Outcome is the final result written by FinishRun.
type Outcome struct {
	Best         checkpoint.Record
	TestAccuracy float64
	TestLoss     float64
}

func (l *Ledger) FinishRun(ctx context.Context, id uuid.UUID, out Outcome) error {
	return l.update(ctx, id, map[string]interface{}{
		"status":            RunCompleted,
		"completion_time":   sql.NullTime{Time: time.Now().UTC(), Valid: true},
		"best_epoch":        sql.NullInt64{Int64: int64(out.Best.Epoch), Valid: true},
		"best_val_accuracy": sql.NullFloat64{Float64: out.Best.Accuracy, Valid: true},
		"test_accuracy":     sql.NullFloat64{Float64: out.TestAccuracy, Valid: true},
		"test_loss":         sql.NullFloat64{Float64: out.TestLoss, Valid: true},
	})
}

func (l *Ledger) FailRun(ctx context.Context, id uuid.UUID, cause error) error {
	return l.update(ctx, id, map[string]interface{}{
		"status":          RunFailed,
		"completion_time": sql.NullTime{Time: time.Now().UTC(), Valid: true},
		"failure_reason":  sql.NullString{String: cause.Error(), Valid: true},
	})
}

// InterruptRun marks id interrupted if it is still training and reports
// whether it did. Runs that already completed or failed keep their status.
func (l *Ledger) InterruptRun(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	result := l.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status = ?", id, RunTraining).
		Updates(map[string]interface{}{
			"status":          RunInterrupted,
			"completion_time": sql.NullTime{Time: time.Now().UTC(), Valid: true},
			"failure_reason":  sql.NullString{String: reason, Valid: true},
		})
	if result.Error != nil {
		return false, fmt.Errorf("interrupt run %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (l *Ledger) update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	result := l.db.WithContext(ctx).Model(&Run{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("update run %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// GetRun loads a run with its epochs ordered by epoch.
func (l *Ledger) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var run Run
	err := l.db.WithContext(ctx).
		Preload("Epochs", func(tx *gorm.DB) *gorm.DB { return tx.Order("epoch") }).
		First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	return &run, nil
}

// Checkpoints returns the checkpoint records of a run, oldest first.
func (l *Ledger) Checkpoints(ctx context.Context, id uuid.UUID) ([]checkpoint.Record, error) {
	var epochs []EpochResult
	err := l.db.WithContext(ctx).
		Where("run_id = ? AND checkpoint_handle IS NOT NULL", id).
		Order("epoch").
		Find(&epochs).Error
	if err != nil {
		return nil, fmt.Errorf("list checkpoints of run %s: %w", id, err)
	}

	records := make([]checkpoint.Record, len(epochs))
	for i, e := range epochs {
		records[i] = checkpoint.Record{Epoch: e.Epoch, Accuracy: e.ValAccuracy, Handle: e.CheckpointHandle.String}
	}
	return records, nil
}

// Runs lists runs newest first.
func (l *Ledger) Runs(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := l.db.WithContext(ctx).Order("start_time desc").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
