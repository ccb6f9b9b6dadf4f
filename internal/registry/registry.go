// Package registry maps a model variant name to the factories that build its
// configuration, model and learning-rate scheduler.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-distill/internal/config"
	"github.com/23skdu/longbow-distill/internal/model"
	"github.com/23skdu/longbow-distill/internal/schedule"
)

var ErrUnknownVariant = errors.New("registry: unknown model variant")

// Variant is everything the trainer needs to run one model family.
type Variant struct {
	Name string
	// Distill is true when the variant trains against teacher logits.
	Distill bool

	Defaults     func() config.TrainConfig
	NewModel     func(cfg *config.TrainConfig) model.Model
	NewScheduler func(cfg *config.TrainConfig, opt schedule.LRSetter) *schedule.PhaseScheduler
}

var (
	mu       sync.RWMutex
	variants = map[string]Variant{}
)

// Register adds v, replacing any variant with the same name.
func Register(v Variant) {
	mu.Lock()
	defer mu.Unlock()
	variants[v.Name] = v
}

func Lookup(name string) (Variant, error) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownVariant, name, namesLocked())
	}
	return v, nil
}

func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(variants))
	for n := range variants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(Variant{
		Name: "meanpool",
		Defaults: func() config.TrainConfig {
			cfg := config.Default()
			cfg.ModelName = "meanpool"
			cfg.DistilledDataPath = ""
			cfg.TeacherFlightAddr = ""
			cfg.MaxLR = 1e-3
			return cfg
		},
		NewModel:     newMeanPool,
		NewScheduler: schedule.New,
	})

	Register(Variant{
		Name:    "meanpool_dist",
		Distill: true,
		Defaults: func() config.TrainConfig {
			cfg := config.Default()
			cfg.ModelName = "meanpool_dist"
			cfg.MaxLR = 1e-3
			return cfg
		},
		NewModel:     newMeanPool,
		NewScheduler: schedule.New,
	})
}

func newMeanPool(cfg *config.TrainConfig) model.Model {
	return model.NewMeanPoolFromConfig(cfg)
}
