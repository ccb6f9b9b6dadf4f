package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-distill/internal/checkpoint"
	"github.com/23skdu/longbow-distill/internal/config"
	"github.com/23skdu/longbow-distill/internal/dataset"
	"github.com/23skdu/longbow-distill/internal/optim"
)

const layerNormEps = 1e-12

// MeanPool embeds tokens, averages the unmasked positions and classifies the
// pooled vector through dropout, dense, LayerNorm, GELU, dropout, dense.
type MeanPool struct {
	vocab, hidden, classes int
	dropout                float64
	training               bool
	rng                    *rand.Rand

	embedding  optim.Param
	dense      optim.Param
	denseBias  optim.Param
	normWeight optim.Param
	normBias   optim.Param
	classifier optim.Param
	classBias  optim.Param

	cache *forwardCache
}

type forwardCache struct {
	ids    [][]int32
	mask   [][]bool
	counts []float64

	drop1  *mat.Dense // dropout scale per pooled unit, nil in eval
	pooled *mat.Dense // after dropout
	xhat   *mat.Dense
	invStd []float64
	normed *mat.Dense // LayerNorm output, GELU input
	drop2  *mat.Dense
	act    *mat.Dense // after GELU and dropout
}

var _ Model = (*MeanPool)(nil)

func newParam(name string, r, c int) optim.Param {
	return optim.Param{Name: name, Value: mat.NewDense(r, c, nil), Grad: mat.NewDense(r, c, nil)}
}

// NewMeanPool initializes weights from seed: embeddings N(0, 0.02²), dense
// layers Glorot-uniform, LayerNorm at identity, biases at zero.
func NewMeanPool(vocab, hidden, classes int, dropout float64, seed int64) *MeanPool {
	m := &MeanPool{
		vocab:   vocab,
		hidden:  hidden,
		classes: classes,
		dropout: dropout,
		rng:     rand.New(rand.NewSource(seed)),

		embedding:  newParam("embedding.weight", vocab, hidden),
		dense:      newParam("dense.weight", hidden, hidden),
		denseBias:  newParam("dense.bias", 1, hidden),
		normWeight: newParam("LayerNorm.weight", 1, hidden),
		normBias:   newParam("LayerNorm.bias", 1, hidden),
		classifier: newParam("classifier.weight", hidden, classes),
		classBias:  newParam("classifier.bias", 1, classes),
	}

	for i, data := 0, m.embedding.Value.RawMatrix().Data; i < len(data); i++ {
		data[i] = m.rng.NormFloat64() * 0.02
	}
	glorot(m.rng, m.dense.Value)
	glorot(m.rng, m.classifier.Value)
	for j := 0; j < hidden; j++ {
		m.normWeight.Value.Set(0, j, 1)
	}
	m.training = true
	return m
}

// NewMeanPoolFromConfig sizes the model from cfg and seeds it with RandomSeed.
func NewMeanPoolFromConfig(cfg *config.TrainConfig) *MeanPool {
	return NewMeanPool(cfg.VocabSize, cfg.HiddenSize, cfg.NumClasses, cfg.Dropout, cfg.RandomSeed)
}

func glorot(rng *rand.Rand, w *mat.Dense) {
	r, c := w.Dims()
	limit := math.Sqrt(6 / float64(r+c))
	data := w.RawMatrix().Data
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
}

func (m *MeanPool) Params() []optim.Param {
	return []optim.Param{
		m.embedding, m.dense, m.denseBias, m.normWeight, m.normBias, m.classifier, m.classBias,
	}
}

func (m *MeanPool) Train()         { m.training = true }
func (m *MeanPool) Eval()          { m.training = false }
func (m *MeanPool) Training() bool { return m.training }

func (m *MeanPool) Snapshot() []checkpoint.Tensor {
	return snapshot(m.Params())
}

func (m *MeanPool) Restore(tensors []checkpoint.Tensor) error {
	return restore(m.Params(), tensors)
}

// Forward returns batch x classes logits. In training mode it draws dropout
// masks and caches activations for Backward.
func (m *MeanPool) Forward(b *dataset.Batch) (*mat.Dense, error) {
	if b == nil || b.Size == 0 {
		return nil, dataset.ErrEmptyBatch
	}
	n := b.Size
	emb := m.embedding.Value

	pooled := mat.NewDense(n, m.hidden, nil)
	counts := make([]float64, n)
	for i := 0; i < n; i++ {
		row := pooled.RawRowView(i)
		for j, id := range b.InputIDs[i] {
			if !b.Mask[i][j] {
				continue
			}
			if id < 0 || int(id) >= m.vocab {
				return nil, fmt.Errorf("model: token id %d outside vocab of %d (row %d)", id, m.vocab, i)
			}
			floats.Add(row, emb.RawRowView(int(id)))
			counts[i]++
		}
		if counts[i] > 0 {
			floats.Scale(1/counts[i], row)
		}
	}

	var drop1 *mat.Dense
	if m.training {
		drop1 = m.dropoutMask(n, m.hidden)
		pooled.MulElem(pooled, drop1)
	}

	z := mat.NewDense(n, m.hidden, nil)
	z.Mul(pooled, m.dense.Value)
	addRowVector(z, m.denseBias.Value.RawRowView(0))

	xhat, invStd := layerNorm(z)
	normed := mat.NewDense(n, m.hidden, nil)
	gamma := m.normWeight.Value.RawRowView(0)
	beta := m.normBias.Value.RawRowView(0)
	for i := 0; i < n; i++ {
		out, in := normed.RawRowView(i), xhat.RawRowView(i)
		for j := range out {
			out[j] = gamma[j]*in[j] + beta[j]
		}
	}

	act := mat.NewDense(n, m.hidden, nil)
	act.Apply(func(_, _ int, v float64) float64 { return gelu(v) }, normed)

	var drop2 *mat.Dense
	if m.training {
		drop2 = m.dropoutMask(n, m.hidden)
		act.MulElem(act, drop2)
	}

	logits := mat.NewDense(n, m.classes, nil)
	logits.Mul(act, m.classifier.Value)
	addRowVector(logits, m.classBias.Value.RawRowView(0))

	if m.training {
		m.cache = &forwardCache{
			ids: b.InputIDs, mask: b.Mask, counts: counts,
			drop1: drop1, pooled: pooled,
			xhat: xhat, invStd: invStd, normed: normed,
			drop2: drop2, act: act,
		}
	} else {
		m.cache = nil
	}
	return logits, nil
}

// Backward writes parameter gradients for the loss whose gradient with
// respect to the last Forward's logits is gradLogits.
func (m *MeanPool) Backward(gradLogits *mat.Dense) error {
	c := m.cache
	if c == nil {
		return ErrNoForward
	}
	m.cache = nil
	n, _ := gradLogits.Dims()

	m.classifier.Grad.Mul(c.act.T(), gradLogits)
	colSum(m.classBias.Grad, gradLogits)

	dAct := mat.NewDense(n, m.hidden, nil)
	dAct.Mul(gradLogits, m.classifier.Value.T())
	if c.drop2 != nil {
		dAct.MulElem(dAct, c.drop2)
	}

	// through GELU
	dNormed := mat.NewDense(n, m.hidden, nil)
	dNormed.Apply(func(i, j int, v float64) float64 {
		return v * geluGrad(c.normed.At(i, j))
	}, dAct)

	// through the LayerNorm affine and normalization
	gamma := m.normWeight.Value.RawRowView(0)
	dGamma := m.normWeight.Grad.RawRowView(0)
	dBeta := m.normBias.Grad.RawRowView(0)
	for j := range dGamma {
		dGamma[j], dBeta[j] = 0, 0
	}
	dz := mat.NewDense(n, m.hidden, nil)
	dxhat := make([]float64, m.hidden)
	h := float64(m.hidden)
	for i := 0; i < n; i++ {
		dy, xh := dNormed.RawRowView(i), c.xhat.RawRowView(i)
		for j := range dy {
			dGamma[j] += dy[j] * xh[j]
			dBeta[j] += dy[j]
			dxhat[j] = dy[j] * gamma[j]
		}
		meanD := floats.Sum(dxhat) / h
		meanDX := floats.Dot(dxhat, xh) / h
		out := dz.RawRowView(i)
		for j := range out {
			out[j] = c.invStd[i] * (dxhat[j] - meanD - xh[j]*meanDX)
		}
	}

	m.dense.Grad.Mul(c.pooled.T(), dz)
	colSum(m.denseBias.Grad, dz)

	dPooled := mat.NewDense(n, m.hidden, nil)
	dPooled.Mul(dz, m.dense.Value.T())
	if c.drop1 != nil {
		dPooled.MulElem(dPooled, c.drop1)
	}

	m.embedding.Grad.Zero()
	for i := 0; i < n; i++ {
		if c.counts[i] == 0 {
			continue
		}
		g := dPooled.RawRowView(i)
		for j, id := range c.ids[i] {
			if !c.mask[i][j] {
				continue
			}
			floats.AddScaled(m.embedding.Grad.RawRowView(int(id)), 1/c.counts[i], g)
		}
	}
	return nil
}

// dropoutMask holds 0 for dropped units and 1/(1-p) for kept ones.
func (m *MeanPool) dropoutMask(r, c int) *mat.Dense {
	mask := mat.NewDense(r, c, nil)
	if m.dropout == 0 {
		for i, data := 0, mask.RawMatrix().Data; i < len(data); i++ {
			data[i] = 1
		}
		return mask
	}
	keep := 1 / (1 - m.dropout)
	for i, data := 0, mask.RawMatrix().Data; i < len(data); i++ {
		if m.rng.Float64() >= m.dropout {
			data[i] = keep
		}
	}
	return mask
}

func layerNorm(z *mat.Dense) (*mat.Dense, []float64) {
	n, h := z.Dims()
	xhat := mat.NewDense(n, h, nil)
	invStd := make([]float64, n)
	for i := 0; i < n; i++ {
		in, out := z.RawRowView(i), xhat.RawRowView(i)
		mean := floats.Sum(in) / float64(h)
		variance := 0.0
		for _, v := range in {
			d := v - mean
			variance += d * d
		}
		variance /= float64(h)
		invStd[i] = 1 / math.Sqrt(variance+layerNormEps)
		for j, v := range in {
			out[j] = (v - mean) * invStd[i]
		}
	}
	return xhat, invStd
}

func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

func geluGrad(x float64) float64 {
	return 0.5*(1+math.Erf(x/math.Sqrt2)) + x*math.Exp(-0.5*x*x)/math.Sqrt(2*math.Pi)
}

func addRowVector(m *mat.Dense, v []float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), v)
	}
}

// colSum writes the column sums of src into the 1 x c matrix dst.
func colSum(dst, src *mat.Dense) {
	out := dst.RawRowView(0)
	for j := range out {
		out[j] = 0
	}
	r, _ := src.Dims()
	for i := 0; i < r; i++ {
		floats.Add(out, src.RawRowView(i))
	}
}
