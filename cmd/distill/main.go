package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-distill/internal/checkpoint"
	"github.com/23skdu/longbow-distill/internal/config"
	"github.com/23skdu/longbow-distill/internal/ledger"
	"github.com/23skdu/longbow-distill/internal/logger"
	"github.com/23skdu/longbow-distill/internal/monitoring"
	"github.com/23skdu/longbow-distill/internal/registry"
	"github.com/23skdu/longbow-distill/internal/trainer"
)

var (
	modelName   = flag.String("model", "meanpool_dist", "Model variant to train")
	configPath  = flag.String("config", "", "YAML config overlaid on the variant defaults")
	envFile     = flag.String("env", "", "Optional .env file loaded before DISTILL_* overrides")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve /metrics, /healthz and /status (empty disables)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")
	ledgerPath  = flag.String("ledger", "", "SQLite run ledger path (overrides ledger_path)")
	noProgress  = flag.Bool("no-progress", false, "Disable the per-epoch progress bar")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg, variant, err := loadConfig()
	if err != nil {
		logger.Log.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}
	logger.Log.Info("Configuration loaded", "variant", variant.Name, "config", cfg.String())

	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	mon := monitoring.NewHealthMonitor()
	if *metricsAddr != "" {
		go func() {
			if err := mon.Start(*metricsAddr); err != nil {
				logger.Log.Error("Monitor server error", "error", err)
			}
		}()
	}

	opts := trainer.Options{Monitor: mon, Progress: os.Stderr}
	if *noProgress {
		opts.Progress = nil
	}

	store := checkpoint.NewLocalStore(cfg.CheckpointDir())
	if cfg.S3Bucket != "" {
		mirror, err := checkpoint.NewS3Mirror(ctx, cfg)
		if err != nil {
			logger.Log.Error("Failed to configure checkpoint mirror", "error", err)
			os.Exit(1)
		}
		store.WithMirror(mirror)
	}
	opts.Store = store

	var led *ledger.Ledger
	if cfg.LedgerPath != "" {
		led, err = ledger.Open(cfg.LedgerPath)
		if err != nil {
			logger.Log.Error("Failed to open run ledger", "error", err)
			os.Exit(1)
		}
		opts.Ledger = led
	}

	tr, err := trainer.New(cfg, variant, opts)
	if err != nil {
		logger.Log.Error("Failed to build trainer", "error", err)
		os.Exit(1)
	}

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	type outcome struct {
		res *trainer.Result
		err error
	}
	doneChan := make(chan outcome, 1)

	go func() {
		start := time.Now()
		res, err := tr.Run(ctx)
		if err == nil {
			logger.Log.Info("Run complete", "run_id", res.RunID.String(), "duration", time.Since(start).String())
		}
		doneChan <- outcome{res, err}
	}()

	exitCode := 0
	select {
	case out := <-doneChan:
		if out.err != nil {
			logger.Log.Error("Training failed", "error", out.err)
			exitCode = 1
			break
		}
		r := out.res.Report
		fmt.Printf("best checkpoint: %s\n", out.res.Best)
		fmt.Printf("test loss: %.4f  test accuracy: %.4f  macro F1: %.4f\n\n", r.Loss, r.Accuracy, r.MacroF1())
		fmt.Println(r.ClassificationReport())
		fmt.Println(r.ConfusionString())
	case sig := <-sigChan:
		logger.Log.Warn("Interrupt received, shutting down...", "signal", sig.String())
		cancelRun()
		exitCode = 130
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if led != nil {
		if exitCode == 130 {
			if _, err := led.InterruptRun(shutdownCtx, tr.RunID(), "interrupted by signal"); err != nil {
				logger.Log.Warn("Failed to mark run interrupted", "run_id", tr.RunID().String(), "error", err)
			}
		}
		if err := led.Close(); err != nil {
			logger.Log.Warn("Ledger close error", "error", err)
		}
	}
	if err := mon.Stop(shutdownCtx); err != nil {
		logger.Log.Warn("Monitor shutdown error", "error", err)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// loadConfig layers the variant defaults, the YAML file, the environment and
// the command-line flags, in that order.
func loadConfig() (*config.TrainConfig, registry.Variant, error) {
	variant, err := registry.Lookup(*modelName)
	if err != nil {
		return nil, registry.Variant{}, err
	}

	cfg := variant.Defaults()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, variant, err
		}
	}
	if err := cfg.LoadEnv(*envFile); err != nil {
		return nil, variant, err
	}
	if *ledgerPath != "" {
		cfg.LedgerPath = *ledgerPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, variant, err
	}
	return &cfg, variant, nil
}
