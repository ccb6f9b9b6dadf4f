// Package teacher supplies precomputed teacher logits, either from a local
// Arrow file or from an Arrow Flight endpoint.
package teacher

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-distill/internal/config"
	"github.com/23skdu/longbow-distill/internal/dataset"
	"github.com/23skdu/longbow-distill/internal/logger"
	"github.com/23skdu/longbow-distill/internal/metrics"
	"github.com/23skdu/longbow-distill/internal/numeric"
)

// Source returns one logit row per training example, in example order.
type Source interface {
	Logits(ctx context.Context) ([][]float64, error)
	Close() error
}

// FileSource reads a stand-alone teacher_logits Arrow file.
type FileSource struct {
	Path string
}

func (s *FileSource) Logits(context.Context) ([][]float64, error) {
	return dataset.ReadTeacherFile(s.Path)
}

func (s *FileSource) Close() error { return nil }

// FromConfig picks the Flight endpoint when one is configured, otherwise the
// distilled data file. It returns nil for supervised runs.
func FromConfig(cfg *config.TrainConfig) Source {
	switch {
	case cfg.TeacherFlightAddr != "":
		return NewFlightSource(cfg.TeacherFlightAddr, cfg.TeacherTicket)
	case cfg.DistilledDataPath != "":
		return &FileSource{Path: cfg.DistilledDataPath}
	default:
		return nil
	}
}

// Attach loads logits from src and pairs them with ds. Every row must have
// numClasses entries.
func Attach(ctx context.Context, src Source, ds *dataset.Dataset, numClasses int) error {
	rows, err := src.Logits(ctx)
	if err != nil {
		return fmt.Errorf("teacher: fetch logits: %w", err)
	}
	for i, row := range rows {
		if len(row) != numClasses {
			metrics.RecordValidationError("attach", "teacher_width")
			return fmt.Errorf("teacher: row %d has %d logits, want %d", i, len(row), numClasses)
		}
		if err := numeric.ValidateFinite(fmt.Sprintf("teacher row %d", i), row); err != nil {
			metrics.RecordValidationError("attach", "non_finite")
			return fmt.Errorf("%w: %v", dataset.ErrNonFinite, err)
		}
	}
	if err := ds.AttachTeacherLogits(rows); err != nil {
		return err
	}
	logger.Log.Info("Teacher logits attached", "dataset", ds.Name, "rows", len(rows))
	return nil
}
