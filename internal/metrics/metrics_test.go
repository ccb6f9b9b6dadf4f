package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsExistence(t *testing.T) {
	// Verify our exported metrics functions exist and don't panic
	RecordStep(0.7, 0.4, 1.0, true, 5*time.Millisecond)
	RecordStep(0.9, 0, 0.9, false, 3*time.Millisecond)
	RecordSkippedStep()
	RecordPhaseTransition()
	RecordCheckpoint(20 * time.Millisecond)
	RecordBestCheckpoint(0.91)
	RecordTestAccuracy(0.9)
}

func TestRecordStepCountsSteps(t *testing.T) {
	before := testutil.ToFloat64(TrainStepsTotal)
	RecordStep(1, 1, 1, true, time.Millisecond)
	RecordStep(1, 0, 1, false, time.Millisecond)
	if got := testutil.ToFloat64(TrainStepsTotal) - before; got != 2 {
		t.Errorf("expected 2 new steps, got %v", got)
	}
}

func TestRecordLearningRateSingleActivePhase(t *testing.T) {
	RecordLearningRate(1e-5, "warmup")
	RecordLearningRate(6e-5, "cosine")

	if got := testutil.ToFloat64(LearningRate); got != 6e-5 {
		t.Errorf("expected lr 6e-5, got %v", got)
	}
	if got := testutil.ToFloat64(SchedulerPhase.WithLabelValues("cosine")); got != 1 {
		t.Errorf("expected cosine phase active, got %v", got)
	}
	if got := testutil.ToFloat64(SchedulerPhase.WithLabelValues("warmup")); got != 0 {
		t.Errorf("expected warmup phase inactive, got %v", got)
	}
}

func TestRecordEpoch(t *testing.T) {
	RecordEpoch(3, 0.42, 0.87)
	if got := testutil.ToFloat64(ValidationAccuracy.WithLabelValues("3")); got != 0.87 {
		t.Errorf("expected accuracy 0.87, got %v", got)
	}
	if got := testutil.ToFloat64(CurrentEpoch); got != 3 {
		t.Errorf("expected epoch 3, got %v", got)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	nanBefore := testutil.ToFloat64(NumericalInstability.WithLabelValues("nan"))
	infBefore := testutil.ToFloat64(NumericalInstability.WithLabelValues("inf"))

	RecordNumericalInstability(5, 0)
	RecordNumericalInstability(0, 3)

	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("nan")) - nanBefore; got != 5 {
		t.Errorf("expected 5 NaNs, got %v", got)
	}
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("inf")) - infBefore; got != 3 {
		t.Errorf("expected 3 Infs, got %v", got)
	}
}

func TestRecordValidationError(t *testing.T) {
	RecordValidationError("collate", "label_range")
	if got := testutil.ToFloat64(ValidationErrors.WithLabelValues("collate", "label_range")); got < 1 {
		t.Errorf("expected at least one validation error, got %v", got)
	}
}
