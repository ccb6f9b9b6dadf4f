// Package distill blends the temperature-softened teacher/student
// KL-divergence with the ground-truth cross-entropy.
package distill

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-distill/internal/numeric"
)

const (
	DefaultAlpha       = 0.5
	DefaultTemperature = 2.0
)

var (
	ErrEmptyBatch      = errors.New("distill: empty batch")
	ErrShapeMismatch   = errors.New("distill: shape mismatch")
	ErrLabelOutOfRange = errors.New("distill: label out of range")
)

// Blender computes alpha*soft + (1-alpha)*hard. The zero value is not usable;
// build one with NewBlender or Default.
type Blender struct {
	Alpha       float64
	Temperature float64
}

func NewBlender(alpha, temperature float64) (*Blender, error) {
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("distill: alpha %g outside [0, 1]", alpha)
	}
	if temperature <= 0 {
		return nil, fmt.Errorf("distill: temperature %g must be positive", temperature)
	}
	return &Blender{Alpha: alpha, Temperature: temperature}, nil
}

func Default() *Blender {
	return &Blender{Alpha: DefaultAlpha, Temperature: DefaultTemperature}
}

// Result carries the scalar loss, its two terms and the gradient of Loss
// with respect to the student logits.
type Result struct {
	Loss      float64
	Soft      float64
	Hard      float64
	Distilled bool
	Grad      *mat.Dense
}

// Blend returns the loss for student logits (batch x classes) against labels.
// With a nil teacher the result is plain cross-entropy; otherwise the
// temperature-scaled KL term is mixed in.
func (b *Blender) Blend(logits *mat.Dense, labels []int, teacher *mat.Dense) (Result, error) {
	rows, cols, err := checkShapes(logits, labels)
	if err != nil {
		return Result{}, err
	}
	grad := mat.NewDense(rows, cols, nil)

	if teacher == nil {
		hard, err := crossEntropy(logits, labels, grad, 1)
		if err != nil {
			return Result{}, err
		}
		return Result{Loss: hard, Hard: hard, Grad: grad}, nil
	}

	if tr, tc := teacher.Dims(); tr != rows || tc != cols {
		return Result{}, fmt.Errorf("%w: teacher logits %dx%d, student logits %dx%d", ErrShapeMismatch, tr, tc, rows, cols)
	}

	soft := klDivergence(logits, teacher, b.Temperature, grad, b.Alpha)
	hard, err := crossEntropy(logits, labels, grad, 1-b.Alpha)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Loss:      b.Alpha*soft + (1-b.Alpha)*hard,
		Soft:      soft,
		Hard:      hard,
		Distilled: true,
		Grad:      grad,
	}, nil
}

// CrossEntropy is the batch-mean negative log-likelihood of labels under softmax(logits).
func CrossEntropy(logits *mat.Dense, labels []int) (float64, error) {
	if _, _, err := checkShapes(logits, labels); err != nil {
		return 0, err
	}
	return crossEntropy(logits, labels, nil, 0)
}

// SoftLoss is KLDiv(log_softmax(L/T), softmax(teacher/T)) * T² with batch-mean reduction.
func SoftLoss(logits, teacher *mat.Dense, temperature float64) (float64, error) {
	r, c := logits.Dims()
	if r == 0 {
		return 0, ErrEmptyBatch
	}
	if tr, tc := teacher.Dims(); tr != r || tc != c {
		return 0, fmt.Errorf("%w: teacher logits %dx%d, student logits %dx%d", ErrShapeMismatch, tr, tc, r, c)
	}
	return klDivergence(logits, teacher, temperature, nil, 0), nil
}

func checkShapes(logits *mat.Dense, labels []int) (int, int, error) {
	if logits == nil || logits.IsEmpty() {
		return 0, 0, ErrEmptyBatch
	}
	rows, cols := logits.Dims()
	if len(labels) != rows {
		return 0, 0, fmt.Errorf("%w: %d labels for %d rows", ErrShapeMismatch, len(labels), rows)
	}
	for i, y := range labels {
		if y < 0 || y >= cols {
			return 0, 0, fmt.Errorf("%w: label %d at row %d, %d classes", ErrLabelOutOfRange, y, i, cols)
		}
	}
	return rows, cols, nil
}

// crossEntropy returns mean(logsumexp(row) - row[y]). When grad is non-nil,
// scale * (softmax(row) - onehot(y)) / rows is accumulated into it.
func crossEntropy(logits *mat.Dense, labels []int, grad *mat.Dense, scale float64) (float64, error) {
	rows, cols := logits.Dims()
	row := make([]float64, cols)
	total := 0.0
	n := float64(rows)

	for i := 0; i < rows; i++ {
		mat.Row(row, i, logits)
		lse := numeric.LogSumExp(row)
		total += lse - row[labels[i]]

		if grad == nil {
			continue
		}
		g := grad.RawRowView(i)
		for j := range row {
			g[j] += scale * math.Exp(row[j]-lse) / n
		}
		g[labels[i]] -= scale / n
	}
	return total / n, nil
}

// klDivergence returns T² * sum_i KL(p_i || q_i) / rows where p = softmax(teacher/T)
// and q = softmax(logits/T). Zero teacher probabilities contribute nothing; a
// NaN teacher probability is kept so it reaches the returned loss.
// When grad is non-nil, scale * T * (q - p) / rows is accumulated into it.
func klDivergence(logits, teacher *mat.Dense, temperature float64, grad *mat.Dense, scale float64) float64 {
	rows, cols := logits.Dims()
	logQ := make([]float64, cols)
	logP := make([]float64, cols)
	n := float64(rows)
	total := 0.0

	for i := 0; i < rows; i++ {
		mat.Row(logQ, i, logits)
		mat.Row(logP, i, teacher)
		numeric.Scale(logQ, temperature)
		numeric.Scale(logP, temperature)
		numeric.LogSoftmax(logQ)
		numeric.LogSoftmax(logP)

		var g []float64
		if grad != nil {
			g = grad.RawRowView(i)
		}
		for j := 0; j < cols; j++ {
			p := math.Exp(logP[j])
			if p != 0 {
				total += p * (logP[j] - logQ[j])
			}
			if g != nil {
				g[j] += scale * temperature * (math.Exp(logQ[j]) - p) / n
			}
		}
	}
	return total / n * temperature * temperature
}
