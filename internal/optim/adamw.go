// Package optim implements AdamW over gonum matrices.
package optim

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Param is a named trainable matrix and its gradient buffer.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NoDecay lists name fragments whose parameters are excluded from weight decay.
var NoDecay = []string{"bias", "LayerNorm.bias", "LayerNorm.weight"}

func decays(name string) bool {
	for _, nd := range NoDecay {
		if strings.Contains(name, nd) {
			return false
		}
	}
	return true
}

type moments struct {
	m, v  []float64
	decay bool
}

// AdamW applies Adam with decoupled weight decay. Parameters are split into
// a decayed group and a no-decay group by name, once at construction.
type AdamW struct {
	lr          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	params []Param
	state  []moments
	t      int
}

func NewAdamW(params []Param, lr, weightDecay float64) *AdamW {
	o := &AdamW{
		lr:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		params:      params,
		state:       make([]moments, len(params)),
	}
	for i, p := range params {
		n := len(p.Value.RawMatrix().Data)
		o.state[i] = moments{
			m:     make([]float64, n),
			v:     make([]float64, n),
			decay: decays(p.Name),
		}
	}
	return o
}

func (o *AdamW) SetLearningRate(lr float64) { o.lr = lr }

func (o *AdamW) LearningRate() float64 { return o.lr }

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int { return o.t }

// Decayed reports whether the named parameter is in the weight-decay group.
func (o *AdamW) Decayed(name string) bool {
	for i, p := range o.params {
		if p.Name == name {
			return o.state[i].decay
		}
	}
	return false
}

// Step updates every parameter in place from its current gradient.
func (o *AdamW) Step() {
	o.t++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.t))

	for i, p := range o.params {
		st := &o.state[i]
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data

		if st.decay && o.WeightDecay != 0 {
			shrink := 1 - o.lr*o.WeightDecay
			for j := range w {
				w[j] *= shrink
			}
		}
		for j := range w {
			st.m[j] = o.Beta1*st.m[j] + (1-o.Beta1)*g[j]
			st.v[j] = o.Beta2*st.v[j] + (1-o.Beta2)*g[j]*g[j]
			mHat := st.m[j] / bc1
			vHat := st.v[j] / bc2
			w[j] -= o.lr * mHat / (math.Sqrt(vHat) + o.Eps)
		}
	}
}

// ZeroGrad clears every gradient buffer.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.Grad.Zero()
	}
}
