package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrainStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "distill_train_steps_total",
		Help: "The total number of optimizer steps taken",
	})

	SkippedStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "distill_skipped_steps_total",
		Help: "Optimizer updates skipped because the loss was not finite",
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "distill_step_duration_seconds",
		Help:    "Duration of a forward/backward/update step",
		Buckets: prometheus.DefBuckets,
	})

	StepLoss = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "distill_step_loss",
		Help:    "Per-step loss, split into blended, soft and hard terms",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
	}, []string{"term"})

	LearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "distill_learning_rate",
		Help: "Learning rate applied to the optimizer after the last step",
	})

	SchedulerPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "distill_scheduler_phase",
		Help: "1 for the active learning-rate phase, 0 otherwise",
	}, []string{"phase"})

	PhaseTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "distill_phase_transitions_total",
		Help: "Warmup to cosine-annealing transitions",
	})

	CurrentEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "distill_epoch",
		Help: "Index of the epoch being trained",
	})

	ValidationAccuracy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "distill_validation_accuracy",
		Help: "Validation accuracy measured at the end of each epoch",
	}, []string{"epoch"})

	ValidationLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "distill_validation_loss",
		Help: "Validation loss measured at the end of each epoch",
	}, []string{"epoch"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distill_nonfinite_loss_total",
		Help: "Total number of NaN/Inf losses detected",
	}, []string{"type"})

	CheckpointsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "distill_checkpoints_saved_total",
		Help: "Checkpoint records persisted",
	})

	CheckpointWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "distill_checkpoint_write_seconds",
		Help:    "Time to persist a checkpoint artifact",
		Buckets: prometheus.DefBuckets,
	})

	BestCheckpointAccuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "distill_best_checkpoint_accuracy",
		Help: "Validation accuracy of the selected checkpoint",
	})

	TestAccuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "distill_test_accuracy",
		Help: "Accuracy of the selected checkpoint on the held-out test set",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distill_validation_errors_total",
		Help: "Total number of input validation errors",
	}, []string{"operation", "error_type"})
)

// RecordStep observes one optimizer step. soft is ignored for supervised steps.
func RecordStep(loss, soft, hard float64, distilled bool, duration time.Duration) {
	TrainStepsTotal.Inc()
	StepDuration.Observe(duration.Seconds())
	StepLoss.WithLabelValues("blended").Observe(loss)
	StepLoss.WithLabelValues("hard").Observe(hard)
	if distilled {
		StepLoss.WithLabelValues("soft").Observe(soft)
	}
}

func RecordSkippedStep() {
	SkippedStepsTotal.Inc()
}

// RecordLearningRate publishes the current learning rate and marks phase as active.
func RecordLearningRate(lr float64, phase string) {
	LearningRate.Set(lr)
	SchedulerPhase.Reset()
	SchedulerPhase.WithLabelValues(phase).Set(1)
}

func RecordPhaseTransition() {
	PhaseTransitions.Inc()
}

func RecordEpoch(epoch int, valLoss, valAcc float64) {
	label := strconv.Itoa(epoch)
	CurrentEpoch.Set(float64(epoch))
	ValidationLoss.WithLabelValues(label).Set(valLoss)
	ValidationAccuracy.WithLabelValues(label).Set(valAcc)
}

func RecordNumericalInstability(nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues("nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues("inf").Add(float64(infCount))
	}
}

func RecordCheckpoint(duration time.Duration) {
	CheckpointsSaved.Inc()
	CheckpointWriteDuration.Observe(duration.Seconds())
}

func RecordBestCheckpoint(acc float64) {
	BestCheckpointAccuracy.Set(acc)
}

func RecordTestAccuracy(acc float64) {
	TestAccuracy.Set(acc)
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}
