package schedule

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-distill/internal/config"
	"github.com/23skdu/longbow-distill/internal/logger"
	"github.com/23skdu/longbow-distill/internal/metrics"
)

var (
	// ErrNotStarted is returned by OnStepEnd when OnStart was never called.
	ErrNotStarted = errors.New("schedule: OnStepEnd called before OnStart")
	// ErrPhaseRegression is returned when a warmup epoch arrives after the
	// scheduler already moved into cosine annealing.
	ErrPhaseRegression = errors.New("schedule: warmup epoch after transition to cosine")
)

// LRSetter is the optimizer surface the scheduler writes to.
type LRSetter interface {
	SetLearningRate(lr float64)
}

// State is a read-only view of the scheduler.
type State struct {
	Phase       Phase
	PhaseStep   int
	WarmupIter  int
	WarmupTotal int
	CosineIter  int
	CosineTotal int
	LR          float64
}

// PhaseScheduler owns one LinearWarmup and one CosineAnnealing and forwards
// each step to exactly one of them. It is not safe for concurrent use.
type PhaseScheduler struct {
	minLR        float64
	maxLR        float64
	floor        float64
	warmupEpochs int
	numEpochs    int

	opt LRSetter

	started    bool
	epochSteps int
	phase      Phase
	phaseStep  int
	warmup     LinearWarmup
	cosine     CosineAnnealing
	lr         float64
}

func New(cfg *config.TrainConfig, opt LRSetter) *PhaseScheduler {
	return &PhaseScheduler{
		minLR:        cfg.MinLR,
		maxLR:        cfg.MaxLR,
		floor:        cfg.EtaMin,
		warmupEpochs: cfg.WarmupEpochs,
		numEpochs:    cfg.NumEpochs,
		opt:          opt,
	}
}

// OnStart sizes both sub-schedules for epochSteps optimizer steps per epoch and
// applies the initial learning rate. Calling it again restarts from warmup.
func (s *PhaseScheduler) OnStart(epochSteps int) error {
	if epochSteps <= 0 {
		return fmt.Errorf("schedule: epoch steps must be positive, got %d", epochSteps)
	}

	s.epochSteps = epochSteps
	s.warmup = LinearWarmup{
		Start: s.minLR,
		End:   s.maxLR,
		Total: epochSteps * s.warmupEpochs,
	}
	s.cosine = CosineAnnealing{
		Max:   s.maxLR,
		Floor: s.floor,
		Total: epochSteps * (s.numEpochs - s.warmupEpochs),
	}
	s.phaseStep = 0
	s.started = true

	if s.warmupEpochs > 0 {
		s.phase = PhaseWarmup
		s.lr = s.warmup.LR()
	} else {
		s.phase = PhaseCosine
		s.lr = s.cosine.LR()
	}
	s.apply()

	logger.Log.Info("Learning-rate schedule started",
		"epoch_steps", epochSteps,
		"warmup_steps", s.warmup.Total,
		"cosine_steps", s.cosine.Total,
		"phase", s.phase.String(),
		"lr", s.lr)
	return nil
}

// OnStepEnd advances the sub-schedule that owns epoch. loss and acc are
// accepted for instrumentation only.
func (s *PhaseScheduler) OnStepEnd(epoch, step int, loss, acc float64) error {
	if !s.started {
		return ErrNotStarted
	}

	if epoch < s.warmupEpochs {
		if s.phase == PhaseCosine {
			return fmt.Errorf("%w: epoch %d, warmup_epochs %d", ErrPhaseRegression, epoch, s.warmupEpochs)
		}
		s.lr = s.warmup.Step()
	} else {
		if s.phase == PhaseWarmup {
			s.transition(epoch)
		}
		s.lr = s.cosine.Step()
	}
	s.phaseStep++
	s.apply()

	logger.Log.Debug("Scheduler step",
		"epoch", epoch,
		"step", step,
		"phase", s.phase.String(),
		"lr", s.lr,
		"loss", loss,
		"acc", acc)
	return nil
}

func (s *PhaseScheduler) transition(epoch int) {
	logger.Log.Info("Switching to cosine annealing",
		"epoch", epoch,
		"warmup_steps_taken", s.warmup.Iter,
		"lr", s.warmup.LR())
	s.phase = PhaseCosine
	s.phaseStep = 0
	metrics.RecordPhaseTransition()
}

func (s *PhaseScheduler) apply() {
	if s.opt != nil {
		s.opt.SetLearningRate(s.lr)
	}
	metrics.RecordLearningRate(s.lr, s.phase.String())
}

func (s *PhaseScheduler) LR() float64 {
	return s.lr
}

func (s *PhaseScheduler) Phase() Phase {
	return s.phase
}

func (s *PhaseScheduler) Started() bool {
	return s.started
}

func (s *PhaseScheduler) State() State {
	return State{
		Phase:       s.phase,
		PhaseStep:   s.phaseStep,
		WarmupIter:  s.warmup.Iter,
		WarmupTotal: s.warmup.Total,
		CosineIter:  s.cosine.Iter,
		CosineTotal: s.cosine.Total,
		LR:          s.lr,
	}
}
