package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func param(name string, vals ...float64) Param {
	return Param{
		Name:  name,
		Value: mat.NewDense(1, len(vals), vals),
		Grad:  mat.NewDense(1, len(vals), nil),
	}
}

func TestParameterGroups(t *testing.T) {
	params := []Param{
		param("dense.weight", 1),
		param("dense.bias", 1),
		param("norm.LayerNorm.weight", 1),
		param("embedding.weight", 1),
	}
	o := NewAdamW(params, 1e-3, 0.06)

	assert.True(t, o.Decayed("dense.weight"))
	assert.True(t, o.Decayed("embedding.weight"))
	assert.False(t, o.Decayed("dense.bias"))
	assert.False(t, o.Decayed("norm.LayerNorm.weight"))
	assert.False(t, o.Decayed("missing"))
}

func TestFirstStepMovesByLR(t *testing.T) {
	p := param("w.bias", 0.5, -0.5)
	p.Grad.Set(0, 0, 3)
	p.Grad.Set(0, 1, -0.01)
	o := NewAdamW([]Param{p}, 0.1, 0)

	o.Step()
	// bias-corrected Adam moves each coordinate by ~lr*sign(g) on step one
	assert.InDelta(t, 0.4, p.Value.At(0, 0), 1e-6)
	assert.InDelta(t, -0.4, p.Value.At(0, 1), 1e-5)
	assert.Equal(t, 1, o.Steps())
}

func TestDecoupledWeightDecay(t *testing.T) {
	w := param("dense.weight", 2)
	b := param("dense.bias", 2)
	o := NewAdamW([]Param{w, b}, 0.1, 0.5)

	// zero gradient isolates the decay term
	o.Step()
	assert.InDelta(t, 2*(1-0.1*0.5), w.Value.At(0, 0), 1e-12)
	assert.Equal(t, 2.0, b.Value.At(0, 0))
}

func TestMinimizesQuadratic(t *testing.T) {
	p := param("x.weight", 5, -3)
	o := NewAdamW([]Param{p}, 0.1, 0)

	for i := 0; i < 1000; i++ {
		o.ZeroGrad()
		// f(x) = sum(x²) ⇒ ∇f = 2x
		for j := 0; j < 2; j++ {
			p.Grad.Set(0, j, 2*p.Value.At(0, j))
		}
		o.Step()
	}
	assert.InDelta(t, 0, p.Value.At(0, 0), 0.1)
	assert.InDelta(t, 0, p.Value.At(0, 1), 0.1)
}

func TestSetLearningRate(t *testing.T) {
	p := param("w.bias", 1)
	p.Grad.Set(0, 0, 1)
	o := NewAdamW([]Param{p}, 0.1, 0)
	o.SetLearningRate(0)
	require.Equal(t, 0.0, o.LearningRate())

	o.Step()
	assert.Equal(t, 1.0, p.Value.At(0, 0))
}
