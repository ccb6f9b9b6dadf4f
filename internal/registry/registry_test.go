package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-distill/internal/schedule"
)

func TestBuiltinVariants(t *testing.T) {
	assert.Subset(t, Names(), []string{"meanpool", "meanpool_dist"})

	for _, name := range []string{"meanpool", "meanpool_dist"} {
		t.Run(name, func(t *testing.T) {
			v, err := Lookup(name)
			require.NoError(t, err)

			cfg := v.Defaults()
			assert.Equal(t, name, cfg.ModelName)
			require.NoError(t, cfg.Validate())
			assert.Equal(t, v.Distill, cfg.Distilled())

			cfg.VocabSize = 50
			cfg.ClsTokenID = 1
			cfg.HiddenSize = 4
			m := v.NewModel(&cfg)
			require.NotNil(t, m)
			assert.NotEmpty(t, m.Params())

			s := v.NewScheduler(&cfg, nil)
			require.NoError(t, s.OnStart(3))
			assert.Equal(t, schedule.PhaseWarmup, s.Phase())
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("bert_large")
	assert.ErrorIs(t, err, ErrUnknownVariant)
	assert.Contains(t, err.Error(), "meanpool")
}

func TestRegisterReplaces(t *testing.T) {
	Register(Variant{Name: "scratch"})
	Register(Variant{Name: "scratch", Distill: true})
	v, err := Lookup("scratch")
	require.NoError(t, err)
	assert.True(t, v.Distill)
}
