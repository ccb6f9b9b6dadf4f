package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is prepended to every environment override, e.g. DISTILL_MAX_LR.
const EnvPrefix = "DISTILL_"

// TrainConfig holds every hyperparameter of a training run. It is built once
// at start-up and passed by pointer; nothing mutates it after Validate.
type TrainConfig struct {
	ModelName  string `yaml:"model_name" env:"MODEL_NAME"`
	RandomSeed int64  `yaml:"random_seed" env:"RANDOM_SEED"`
	Device     string `yaml:"device" env:"DEVICE"`

	DataPathTrain     string   `yaml:"data_path_train" env:"DATA_PATH_TRAIN"`
	DataPathVal       string   `yaml:"data_path_val" env:"DATA_PATH_VAL"`
	DataPathTest      string   `yaml:"data_path_test" env:"DATA_PATH_TEST"`
	DistilledDataPath string   `yaml:"distilled_data_path" env:"DISTILLED_DATA_PATH"`
	OutputDir         string   `yaml:"output_dir" env:"OUTPUT_DIR"`
	ClassNames        []string `yaml:"class_names" env:"CLASS_NAMES" envSeparator:","`
	NumClasses        int      `yaml:"num_classes" env:"NUM_CLASSES"`

	TeacherModelName  string `yaml:"teacher_model_name" env:"TEACHER_MODEL_NAME"`
	TeacherModelAcc   string `yaml:"teacher_model_acc" env:"TEACHER_MODEL_ACC"`
	TeacherFlightAddr string `yaml:"teacher_flight_addr" env:"TEACHER_FLIGHT_ADDR"`
	TeacherTicket     string `yaml:"teacher_ticket" env:"TEACHER_TICKET"`

	StartSavingEpoch int `yaml:"start_saving_epoch" env:"START_SAVING_EPOCH"`
	NumEpochs        int `yaml:"num_epoches" env:"NUM_EPOCHES"`
	BatchSize        int `yaml:"batch_size" env:"BATCH_SIZE"`
	EvalBatchSize    int `yaml:"eval_batch_size" env:"EVAL_BATCH_SIZE"`
	TestBatchSize    int `yaml:"test_batch_size" env:"TEST_BATCH_SIZE"`
	EvalBySteps      int `yaml:"eval_by_steps" env:"EVAL_BY_STEPS"`

	MinLR        float64 `yaml:"min_lr" env:"MIN_LR"`
	MaxLR        float64 `yaml:"max_lr" env:"MAX_LR"`
	EtaMin       float64 `yaml:"eta_min" env:"ETA_MIN"`
	WarmupEpochs int     `yaml:"warmup_epochs" env:"WARMUP_EPOCHS"`
	WeightDecay  float64 `yaml:"weight_decay" env:"WEIGHT_DECAY"`

	Alpha       float64 `yaml:"alpha" env:"ALPHA"`
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`

	VocabSize  int     `yaml:"vocab_size" env:"VOCAB_SIZE"`
	HiddenSize int     `yaml:"hidden_size" env:"HIDDEN_SIZE"`
	Dropout    float64 `yaml:"dropout" env:"DROPOUT"`
	MaxSeqLen  int     `yaml:"max_seq_len" env:"MAX_SEQ_LEN"`
	PadTokenID int32   `yaml:"pad_token_id" env:"PAD_TOKEN_ID"`
	ClsTokenID int32   `yaml:"cls_token_id" env:"CLS_TOKEN_ID"`

	HaltOnNonFinite bool `yaml:"halt_on_nonfinite" env:"HALT_ON_NONFINITE"`

	S3Bucket   string `yaml:"s3_bucket" env:"S3_BUCKET"`
	S3Prefix   string `yaml:"s3_prefix" env:"S3_PREFIX"`
	S3Endpoint string `yaml:"s3_endpoint" env:"S3_ENDPOINT_URL"`
	S3Region   string `yaml:"s3_region" env:"AWS_REGION"`

	S3AccessKeyID     string `yaml:"-" env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `yaml:"-" env:"S3_SECRET_ACCESS_KEY"`

	LedgerPath string `yaml:"ledger_path" env:"LEDGER_PATH"`
}

func (c *TrainConfig) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("invalid model_name: must not be empty")
	}
	if c.Device != "cpu" {
		return fmt.Errorf("invalid device: %q (only cpu is supported)", c.Device)
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("invalid num_classes: %d (must be >= 2)", c.NumClasses)
	}
	if len(c.ClassNames) > 0 && len(c.ClassNames) != c.NumClasses {
		return fmt.Errorf("class_names has %d entries, num_classes is %d", len(c.ClassNames), c.NumClasses)
	}
	if c.NumEpochs <= 0 {
		return fmt.Errorf("invalid num_epoches: %d (must be positive)", c.NumEpochs)
	}
	if c.WarmupEpochs < 0 || c.WarmupEpochs > c.NumEpochs {
		return fmt.Errorf("invalid warmup_epochs: %d (must be in [0, %d])", c.WarmupEpochs, c.NumEpochs)
	}
	if c.StartSavingEpoch < 0 {
		return fmt.Errorf("invalid start_saving_epoch: %d (must be non-negative)", c.StartSavingEpoch)
	}
	if c.StartSavingEpoch >= c.NumEpochs {
		return fmt.Errorf("start_saving_epoch (%d) >= num_epoches (%d): no checkpoint would ever be saved", c.StartSavingEpoch, c.NumEpochs)
	}
	if c.BatchSize <= 0 || c.EvalBatchSize <= 0 || c.TestBatchSize <= 0 {
		return fmt.Errorf("invalid batch sizes: train=%d eval=%d test=%d (must be positive)", c.BatchSize, c.EvalBatchSize, c.TestBatchSize)
	}
	if c.EvalBySteps < 0 {
		return fmt.Errorf("invalid eval_by_steps: %d (must be non-negative)", c.EvalBySteps)
	}
	if c.MaxLR <= 0 {
		return fmt.Errorf("invalid max_lr: %g (must be positive)", c.MaxLR)
	}
	if c.MinLR <= 0 || c.MinLR > c.MaxLR {
		return fmt.Errorf("invalid min_lr: %g (must be in (0, max_lr=%g])", c.MinLR, c.MaxLR)
	}
	if c.EtaMin < 0 || c.EtaMin > c.MaxLR {
		return fmt.Errorf("invalid eta_min: %g (must be in [0, max_lr=%g])", c.EtaMin, c.MaxLR)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("invalid weight_decay: %g (must be non-negative)", c.WeightDecay)
	}
	if c.Alpha < 0 || c.Alpha > 1 {
		return fmt.Errorf("invalid alpha: %g (must be in [0, 1])", c.Alpha)
	}
	if c.Temperature <= 0 {
		return fmt.Errorf("invalid temperature: %g (must be positive)", c.Temperature)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("invalid dropout: %g (must be in [0, 1))", c.Dropout)
	}
	if c.MaxSeqLen < 0 {
		return fmt.Errorf("invalid max_seq_len: %d (must be non-negative)", c.MaxSeqLen)
	}
	if c.PadTokenID < 0 || int(c.PadTokenID) >= c.VocabSize {
		return fmt.Errorf("invalid pad_token_id: %d (vocab_size %d)", c.PadTokenID, c.VocabSize)
	}
	if c.ClsTokenID < 0 || int(c.ClsTokenID) >= c.VocabSize {
		return fmt.Errorf("invalid cls_token_id: %d (vocab_size %d)", c.ClsTokenID, c.VocabSize)
	}
	return nil
}

// Distilled reports whether the run reads teacher predictions from somewhere.
func (c *TrainConfig) Distilled() bool {
	return c.DistilledDataPath != "" || c.TeacherFlightAddr != ""
}

// ClassName returns the configured label for class i, or its index.
func (c *TrainConfig) ClassName(i int) string {
	if i >= 0 && i < len(c.ClassNames) {
		return c.ClassNames[i]
	}
	return fmt.Sprintf("%d", i)
}

func (c *TrainConfig) CheckpointDir() string {
	return filepath.Join(c.OutputDir, "checkpoints", c.ModelName)
}

func (c *TrainConfig) ModelSavePath(acc float64) string {
	return filepath.Join(c.OutputDir, fmt.Sprintf("%s_%.2f.arrow", c.ModelName, acc*100))
}

func (c *TrainConfig) ConfigSavePath() string {
	return filepath.Join(c.OutputDir, c.ModelName+"_config.yaml")
}

func (c *TrainConfig) ConfigSavePathWithAcc(acc float64) string {
	return filepath.Join(c.OutputDir, fmt.Sprintf("%s_config_%.2f.yaml", c.ModelName, acc*100))
}

// Save writes the configuration as YAML, creating parent directories.
func (c *TrainConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file keep their current value.
func (c *TrainConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadEnv overlays DISTILL_* environment variables onto c, after loading
// envFile (a dotenv file) into the process environment when it is non-empty.
func (c *TrainConfig) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

func (c *TrainConfig) String() string {
	return fmt.Sprintf("%s(epochs=%d warmup=%d lr=[%g,%g] batch=%d classes=%d distilled=%t)",
		strings.ToLower(c.ModelName), c.NumEpochs, c.WarmupEpochs, c.MinLR, c.MaxLR, c.BatchSize, c.NumClasses, c.Distilled())
}

// Default mirrors the reference distillation recipe: six epochs, one of
// warmup, checkpoints kept from epoch five, temperature 2 and alpha 0.5.
func Default() TrainConfig {
	return TrainConfig{
		ModelName:  "meanpool_dist",
		RandomSeed: 1,
		Device:     "cpu",

		DataPathTrain:     "data/train.arrow",
		DataPathVal:       "data/val.arrow",
		DataPathTest:      "data/test.arrow",
		DistilledDataPath: "data_distilled/distilled_teacher.arrow",
		OutputDir:         "models_saved",
		NumClasses:        10,

		TeacherModelName: "macbert",
		TeacherModelAcc:  "95.22",

		StartSavingEpoch: 5,
		NumEpochs:        6,
		BatchSize:        64,
		EvalBatchSize:    1024,
		TestBatchSize:    1024,
		EvalBySteps:      400,

		MinLR:        1e-9,
		MaxLR:        6e-5,
		WarmupEpochs: 1,
		WeightDecay:  0.06,

		Alpha:       0.5,
		Temperature: 2,

		VocabSize:  21128,
		HiddenSize: 128,
		Dropout:    0.1,
		MaxSeqLen:  512,
		PadTokenID: 0,
		ClsTokenID: 101,

		S3Region: "us-east-1",
	}
}
