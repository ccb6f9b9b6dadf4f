// Package numeric holds the numerically stable row operations shared by the
// loss and evaluation code.
package numeric

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Softmax normalizes x in place. The row maximum is subtracted before
// exponentiating so arbitrarily large logits do not overflow.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := floats.Max(x)

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}

	for i := range x {
		x[i] /= sum
	}
}

// LogSumExp returns log(sum(exp(x))) computed around the row maximum.
func LogSumExp(x []float64) float64 {
	if len(x) == 0 {
		return math.Inf(-1)
	}
	return floats.LogSumExp(x)
}

// LogSoftmax replaces x with log(softmax(x)) in place.
func LogSoftmax(x []float64) {
	if len(x) == 0 {
		return
	}
	lse := LogSumExp(x)
	for i := range x {
		x[i] -= lse
	}
}

// Scale divides x by temperature in place.
func Scale(x []float64, temperature float64) {
	if temperature == 1 {
		return
	}
	floats.Scale(1/temperature, x)
}

// ArgMax returns the index of the largest element, the first one on ties.
func ArgMax(x []float64) int {
	if len(x) == 0 {
		return -1
	}
	return floats.MaxIdx(x)
}
