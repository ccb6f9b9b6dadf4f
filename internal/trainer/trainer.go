// Package trainer drives a distillation run: epochs of blended-loss training
// under the phase scheduler, per-epoch validation and checkpointing, then
// selection of the best checkpoint and a final test pass.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/23skdu/longbow-distill/internal/checkpoint"
	"github.com/23skdu/longbow-distill/internal/config"
	"github.com/23skdu/longbow-distill/internal/dataset"
	"github.com/23skdu/longbow-distill/internal/distill"
	"github.com/23skdu/longbow-distill/internal/evaluate"
	"github.com/23skdu/longbow-distill/internal/ledger"
	"github.com/23skdu/longbow-distill/internal/logger"
	"github.com/23skdu/longbow-distill/internal/metrics"
	"github.com/23skdu/longbow-distill/internal/model"
	"github.com/23skdu/longbow-distill/internal/monitoring"
	"github.com/23skdu/longbow-distill/internal/numeric"
	"github.com/23skdu/longbow-distill/internal/optim"
	"github.com/23skdu/longbow-distill/internal/registry"
	"github.com/23skdu/longbow-distill/internal/schedule"
	"github.com/23skdu/longbow-distill/internal/teacher"
)

var (
	ErrMissingInput  = errors.New("trainer: input file missing")
	ErrNonFiniteLoss = errors.New("trainer: non-finite loss")
	ErrNoTeacher     = errors.New("trainer: variant needs teacher logits but none are configured")
)

// Options carries the optional collaborators of a run. Zero values disable
// the ledger, the monitor and the progress bar; Store defaults to a
// LocalStore under the configured checkpoint directory.
type Options struct {
	Ledger   *ledger.Ledger
	Monitor  *monitoring.HealthMonitor
	Store    checkpoint.Store
	Progress io.Writer
	RunID    uuid.UUID
}

// Result is what Run hands back once the test pass finished.
type Result struct {
	RunID   uuid.UUID
	Records []checkpoint.Record
	Best    checkpoint.Record
	Report  *evaluate.Report
}

type Trainer struct {
	cfg     *config.TrainConfig
	variant registry.Variant

	model    model.Model
	opt      *optim.AdamW
	sched    *schedule.PhaseScheduler
	blender  *distill.Blender
	collator dataset.Collator

	store    checkpoint.Store
	ledger   *ledger.Ledger
	monitor  *monitoring.HealthMonitor
	progress io.Writer

	runID uuid.UUID
	log   *logger.Logger

	train, val, test *dataset.Dataset

	records  []checkpoint.Record
	skipped  int
	bestVal  float64
	snapshot monitoring.Progress
}

// New builds the model, optimizer and scheduler of v for cfg. cfg must
// already be validated.
func New(cfg *config.TrainConfig, v registry.Variant, opts Options) (*Trainer, error) {
	blender, err := distill.NewBlender(cfg.Alpha, cfg.Temperature)
	if err != nil {
		return nil, err
	}

	m := v.NewModel(cfg)
	opt := optim.NewAdamW(m.Params(), cfg.MaxLR, cfg.WeightDecay)

	t := &Trainer{
		cfg:      cfg,
		variant:  v,
		model:    m,
		opt:      opt,
		sched:    v.NewScheduler(cfg, opt),
		blender:  blender,
		collator: dataset.NewCollator(cfg),
		store:    opts.Store,
		ledger:   opts.Ledger,
		monitor:  opts.Monitor,
		progress: opts.Progress,
		runID:    opts.RunID,
	}
	if t.store == nil {
		t.store = checkpoint.NewLocalStore(cfg.CheckpointDir())
	}
	if t.progress == nil {
		t.progress = io.Discard
	}
	if t.runID == uuid.Nil {
		t.runID = uuid.New()
	}
	t.log = logger.Log.With("run_id", t.runID.String(), "model", cfg.ModelName)
	t.snapshot = monitoring.Progress{
		RunID:     t.runID.String(),
		Model:     cfg.ModelName,
		State:     "starting",
		NumEpochs: cfg.NumEpochs,
	}
	return t, nil
}

func (t *Trainer) RunID() uuid.UUID                    { return t.runID }
func (t *Trainer) Model() model.Model                  { return t.model }
func (t *Trainer) Scheduler() *schedule.PhaseScheduler { return t.sched }
func (t *Trainer) Records() []checkpoint.Record        { return t.records }
func (t *Trainer) SkippedSteps() int                   { return t.skipped }

// CheckInputs fails with ErrMissingInput for the first configured data file
// that does not exist.
func CheckInputs(cfg *config.TrainConfig) error {
	paths := []string{cfg.DataPathTrain, cfg.DataPathVal, cfg.DataPathTest}
	if cfg.DistilledDataPath != "" && cfg.TeacherFlightAddr == "" {
		paths = append(paths, cfg.DistilledDataPath)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingInput, p)
		}
	}
	return nil
}

// Load reads the three splits and, for distillation variants, pairs the
// training split with teacher logits.
func (t *Trainer) Load(ctx context.Context) error {
	if err := CheckInputs(t.cfg); err != nil {
		return err
	}

	var err error
	if t.train, err = dataset.ReadFile(t.cfg.DataPathTrain); err != nil {
		return err
	}
	if t.val, err = dataset.ReadFile(t.cfg.DataPathVal); err != nil {
		return err
	}
	if t.test, err = dataset.ReadFile(t.cfg.DataPathTest); err != nil {
		return err
	}

	switch {
	case !t.variant.Distill:
		for i := range t.train.Examples {
			t.train.Examples[i].TeacherLogits = nil
		}
	case t.train.Distilled():
	case t.cfg.Distilled():
		src := teacher.FromConfig(t.cfg)
		defer src.Close()
		if err := teacher.Attach(ctx, src, t.train, t.cfg.NumClasses); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %s", ErrNoTeacher, t.variant.Name)
	}

	t.log.Info("Datasets loaded",
		"train", t.train.Len(),
		"val", t.val.Len(),
		"test", t.test.Len(),
		"distilled", t.train.Distilled())
	return nil
}

// SetData replaces the splits read by Load.
func (t *Trainer) SetData(train, val, test *dataset.Dataset) {
	t.train, t.val, t.test = train, val, test
}

// Train runs every epoch and returns the checkpoint records it saved.
func (t *Trainer) Train(ctx context.Context) ([]checkpoint.Record, error) {
	if t.train == nil || t.val == nil {
		return nil, fmt.Errorf("trainer: datasets not loaded")
	}

	trainLoader, err := dataset.NewShuffledLoader(t.train, t.cfg.BatchSize, t.collator, t.cfg.RandomSeed)
	if err != nil {
		return nil, err
	}
	valLoader, err := dataset.NewLoader(t.val, t.cfg.EvalBatchSize, t.collator)
	if err != nil {
		return nil, err
	}

	steps := trainLoader.Steps()
	if err := t.sched.OnStart(steps); err != nil {
		return nil, err
	}
	t.snapshot.EpochSteps = steps
	t.log.Info("Training started", "config", t.cfg.String(), "epoch_steps", steps)

	for epoch := 0; epoch < t.cfg.NumEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		res, err := t.trainEpoch(epoch, trainLoader, valLoader)
		if err != nil {
			return nil, err
		}

		t.publish("evaluating")
		report, err := evaluate.Evaluate(t.model, valLoader, t.cfg.ClassName, t.cfg.NumClasses)
		if err != nil {
			return nil, fmt.Errorf("validate epoch %d: %w", epoch, err)
		}
		res.ValLoss = report.Loss
		res.ValAccuracy = report.Accuracy
		res.LearningRate = t.sched.LR()
		metrics.RecordEpoch(epoch, report.Loss, report.Accuracy)
		if report.Accuracy > t.bestVal {
			t.bestVal = report.Accuracy
		}

		t.log.Info("Epoch finished",
			"epoch", epoch,
			"train_loss", res.TrainLoss,
			"val_loss", report.Loss,
			"val_acc", report.Accuracy,
			"lr", res.LearningRate,
			"skipped", res.SkippedSteps)

		handle := ""
		if epoch >= t.cfg.StartSavingEpoch {
			rec, err := t.store.Save(ctx, t.cfg.ModelName, epoch, report.Accuracy, t.model.Snapshot())
			if err != nil {
				return nil, fmt.Errorf("save epoch %d: %w", epoch, err)
			}
			t.records = append(t.records, rec)
			handle = rec.Handle
		}

		if t.ledger != nil {
			res.Epoch = epoch
			if err := t.ledger.RecordEpoch(ctx, t.runID, res, handle); err != nil {
				return nil, err
			}
		}
		t.snapshot.Checkpoints = len(t.records)
		t.publish("training")
	}
	return t.records, nil
}

func (t *Trainer) trainEpoch(epoch int, trainLoader, valLoader *dataset.Loader) (ledger.EpochResult, error) {
	t.model.Train()
	t.publish("training")

	bar := progressbar.NewOptions(trainLoader.Steps(),
		progressbar.OptionSetWriter(t.progress),
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch+1, t.cfg.NumEpochs)),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	var res ledger.EpochResult
	lossSum, finite := 0.0, 0
	correct, seen := 0, 0

	step := 0
	for trainLoader.Reset(); trainLoader.Next(); step++ {
		b := trainLoader.Batch()

		loss, ok, err := t.step(epoch, step, b, &correct, &seen)
		if err != nil {
			return res, err
		}
		if ok {
			lossSum += loss
			finite++
		} else {
			res.SkippedSteps++
		}

		if t.cfg.EvalBySteps > 0 && (step+1)%t.cfg.EvalBySteps == 0 {
			report, err := evaluate.Evaluate(t.model, valLoader, t.cfg.ClassName, t.cfg.NumClasses)
			if err != nil {
				return res, fmt.Errorf("validate epoch %d step %d: %w", epoch, step, err)
			}
			t.log.Info("Mid-epoch validation",
				"epoch", epoch,
				"step", step+1,
				"val_loss", report.Loss,
				"val_acc", report.Accuracy)
		}
		if err := bar.Add(1); err != nil {
			t.log.Debug("Progress bar update failed", "error", err)
		}
	}
	if err := trainLoader.Err(); err != nil {
		return res, fmt.Errorf("epoch %d: %w", epoch, err)
	}
	if err := bar.Finish(); err != nil {
		t.log.Debug("Progress bar finish failed", "error", err)
	}

	if finite > 0 {
		res.TrainLoss = lossSum / float64(finite)
	}
	return res, nil
}

// step runs one forward, loss, backward and optimizer update. ok is false
// when the loss or its gradient was not finite and the update was skipped.
func (t *Trainer) step(epoch, step int, b *dataset.Batch, correct, seen *int) (loss float64, ok bool, err error) {
	start := time.Now()

	logits, err := t.model.Forward(b)
	if err != nil {
		return 0, false, fmt.Errorf("forward epoch %d step %d: %w", epoch, step, err)
	}
	res, err := t.blender.Blend(logits, b.Labels, b.Teacher)
	if err != nil {
		return 0, false, fmt.Errorf("loss epoch %d step %d: %w", epoch, step, err)
	}

	*correct += evaluate.CountCorrect(logits, b.Labels)
	*seen += b.Size
	acc := float64(*correct) / float64(*seen)

	grad := numeric.DetectNaN(res.Grad.RawMatrix().Data, 8)
	if !numeric.IsFinite(res.Loss) || !grad.IsValid() {
		if err := t.skip(epoch, step, res.Loss, grad); err != nil {
			return 0, false, err
		}
		// keep the schedule aligned with step boundaries
		if err := t.sched.OnStepEnd(epoch, step, res.Loss, acc); err != nil {
			return 0, false, err
		}
		return res.Loss, false, nil
	}

	if err := t.model.Backward(res.Grad); err != nil {
		return 0, false, fmt.Errorf("backward epoch %d step %d: %w", epoch, step, err)
	}
	t.opt.Step()
	t.opt.ZeroGrad()

	if err := t.sched.OnStepEnd(epoch, step, res.Loss, acc); err != nil {
		return 0, false, err
	}
	metrics.RecordStep(res.Loss, res.Soft, res.Hard, res.Distilled, time.Since(start))

	t.snapshot.Epoch = epoch
	t.snapshot.Step = step + 1
	t.snapshot.Loss = res.Loss
	t.snapshot.RunningAcc = acc
	t.publish("training")
	return res.Loss, true, nil
}

func (t *Trainer) skip(epoch, step int, loss float64, grad *numeric.NaNInfo) error {
	nan, inf := numeric.CheckNumericalStability([]float64{loss})
	metrics.RecordNumericalInstability(nan+grad.Count, inf+grad.InfCount)
	metrics.RecordSkippedStep()
	t.skipped++
	t.snapshot.SkippedSteps = t.skipped

	msg := fmt.Sprintf("non-finite loss %v at epoch %d step %d", loss, epoch, step)
	if numeric.IsFinite(loss) {
		msg = fmt.Sprintf("non-finite gradient (%d NaN, %d Inf) at epoch %d step %d", grad.Count, grad.InfCount, epoch, step)
	}
	t.log.Error("Skipping optimizer update",
		"epoch", epoch,
		"step", step,
		"loss", strconv.FormatFloat(loss, 'g', -1, 64),
		"grad_nan", grad.Count,
		"grad_inf", grad.InfCount,
		"grad_positions", grad.Positions,
	)

	if t.cfg.HaltOnNonFinite {
		t.alert("critical", msg)
		return fmt.Errorf("%w: %s", ErrNonFiniteLoss, msg)
	}
	t.alert("warning", msg)
	return nil
}

// SelectBest picks the checkpoint the test pass reloads.
func (t *Trainer) SelectBest() (checkpoint.Record, error) {
	best, err := checkpoint.Selector{MinEpoch: t.cfg.StartSavingEpoch}.Best(t.records)
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("select best checkpoint (start_saving_epoch=%d): %w", t.cfg.StartSavingEpoch, err)
	}
	metrics.RecordBestCheckpoint(best.Accuracy)
	t.log.Info("Best checkpoint selected", "checkpoint", best.String())
	return best, nil
}

// Test reloads best into the model, scores the test split and writes the
// final weights and configuration tagged with the test accuracy.
func (t *Trainer) Test(ctx context.Context, best checkpoint.Record) (*evaluate.Report, error) {
	if t.test == nil {
		return nil, fmt.Errorf("trainer: datasets not loaded")
	}
	t.publish("testing")

	tensors, err := t.store.Load(ctx, best.Handle)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", best.Handle, err)
	}
	if err := t.model.Restore(tensors); err != nil {
		return nil, err
	}

	testLoader, err := dataset.NewLoader(t.test, t.cfg.TestBatchSize, t.collator)
	if err != nil {
		return nil, err
	}
	report, err := evaluate.Evaluate(t.model, testLoader, t.cfg.ClassName, t.cfg.NumClasses)
	if err != nil {
		return nil, fmt.Errorf("test: %w", err)
	}
	metrics.RecordTestAccuracy(report.Accuracy)

	t.log.Info("Test finished",
		"loss", report.Loss,
		"acc", report.Accuracy,
		"macro_f1", report.MacroF1(),
		"confidence", report.Confidence)
	t.log.Info("Classification report\n" + report.ClassificationReport())
	t.log.Info("Confusion matrix\n" + report.ConfusionString())

	meta := map[string]string{
		checkpoint.MetaModel:    t.cfg.ModelName,
		checkpoint.MetaEpoch:    strconv.Itoa(best.Epoch),
		checkpoint.MetaAccuracy: strconv.FormatFloat(report.Accuracy, 'g', -1, 64),
	}
	if err := checkpoint.WriteFile(t.cfg.ModelSavePath(report.Accuracy), t.model.Snapshot(), meta); err != nil {
		return nil, err
	}
	if err := t.cfg.Save(t.cfg.ConfigSavePathWithAcc(report.Accuracy)); err != nil {
		return nil, err
	}
	return report, nil
}

// Run executes Load, Train, SelectBest and Test, recording the outcome in
// the ledger when one is configured.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	if t.ledger != nil {
		if err := t.ledger.StartRun(ctx, t.runID, t.cfg); err != nil {
			return nil, err
		}
	}

	res, err := t.run(ctx)
	if err != nil {
		t.publish("failed")
		t.alert("critical", err.Error())
		if t.ledger != nil {
			if lerr := t.ledger.FailRun(ctx, t.runID, err); lerr != nil {
				t.log.Error("Could not mark run failed", "error", lerr)
			}
		}
		return nil, err
	}

	if t.ledger != nil {
		out := ledger.Outcome{Best: res.Best, TestAccuracy: res.Report.Accuracy, TestLoss: res.Report.Loss}
		if err := t.ledger.FinishRun(ctx, t.runID, out); err != nil {
			return nil, err
		}
	}
	t.publish("done")
	return res, nil
}

func (t *Trainer) run(ctx context.Context) (*Result, error) {
	if err := t.cfg.Save(t.cfg.ConfigSavePath()); err != nil {
		return nil, err
	}
	if t.train == nil {
		if err := t.Load(ctx); err != nil {
			return nil, err
		}
	}

	records, err := t.Train(ctx)
	if err != nil {
		return nil, err
	}
	best, err := t.SelectBest()
	if err != nil {
		return nil, err
	}
	report, err := t.Test(ctx, best)
	if err != nil {
		return nil, err
	}
	return &Result{RunID: t.runID, Records: records, Best: best, Report: report}, nil
}

func (t *Trainer) publish(state string) {
	if t.monitor == nil {
		return
	}
	t.snapshot.State = state
	t.snapshot.Phase = t.sched.Phase().String()
	t.snapshot.LearningRate = t.sched.LR()
	t.snapshot.BestValAcc = t.bestVal
	t.monitor.SetProgress(t.snapshot)
}

func (t *Trainer) alert(level, msg string) {
	if t.monitor != nil {
		t.monitor.AddAlert(level, "trainer", msg)
	}
}
