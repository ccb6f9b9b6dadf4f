// Package model holds the student classifiers trained by the distillation loop.
package model

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-distill/internal/checkpoint"
	"github.com/23skdu/longbow-distill/internal/dataset"
	"github.com/23skdu/longbow-distill/internal/optim"
)

var (
	ErrNoForward     = errors.New("model: Backward called without a training-mode Forward")
	ErrTensorMissing = errors.New("model: tensor missing from snapshot")
)

// Model is a trainable classifier. Forward caches what Backward needs, so
// calls must alternate Forward, Backward on the same batch.
type Model interface {
	Forward(b *dataset.Batch) (*mat.Dense, error)
	Backward(gradLogits *mat.Dense) error
	Params() []optim.Param
	Train()
	Eval()
	Training() bool
	Snapshot() []checkpoint.Tensor
	Restore(tensors []checkpoint.Tensor) error
}

// snapshot copies every parameter value into a tensor.
func snapshot(params []optim.Param) []checkpoint.Tensor {
	out := make([]checkpoint.Tensor, len(params))
	for i, p := range params {
		r, c := p.Value.Dims()
		data := make([]float64, r*c)
		copy(data, p.Value.RawMatrix().Data)
		out[i] = checkpoint.Tensor{Name: p.Name, Rows: r, Cols: c, Data: data}
	}
	return out
}

// restore overwrites params from tensors matched by name and shape.
func restore(params []optim.Param, tensors []checkpoint.Tensor) error {
	byName := make(map[string]checkpoint.Tensor, len(tensors))
	for _, t := range tensors {
		byName[t.Name] = t
	}
	for _, p := range params {
		t, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTensorMissing, p.Name)
		}
		r, c := p.Value.Dims()
		if t.Rows != r || t.Cols != c {
			return fmt.Errorf("model: tensor %s is %dx%d, parameter is %dx%d", p.Name, t.Rows, t.Cols, r, c)
		}
		copy(p.Value.RawMatrix().Data, t.Data)
	}
	return nil
}
