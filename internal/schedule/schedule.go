// Package schedule drives the learning rate through a linear warmup followed
// by cosine annealing, keyed on epoch index and per-step calls.
package schedule

import (
	"math"
)

// Phase tags which sub-schedule owns the learning rate.
type Phase int

const (
	PhaseWarmup Phase = iota
	PhaseCosine
)

func (p Phase) String() string {
	switch p {
	case PhaseWarmup:
		return "warmup"
	case PhaseCosine:
		return "cosine"
	default:
		return "unknown"
	}
}

// LinearWarmup interpolates from Start to End over Total calls to Step, then
// holds End.
type LinearWarmup struct {
	Start float64
	End   float64
	Total int
	Iter  int
}

func (w *LinearWarmup) Step() float64 {
	w.Iter++
	return w.LR()
}

func (w *LinearWarmup) LR() float64 {
	if w.Total <= 0 {
		return w.End
	}
	k := w.Iter
	if k > w.Total {
		k = w.Total
	}
	return w.Start + (w.End-w.Start)*float64(k)/float64(w.Total)
}

// CosineAnnealing decays from Max to Floor along half a cosine period over
// Total calls to Step and stays at Floor afterwards.
type CosineAnnealing struct {
	Max   float64
	Floor float64
	Total int
	Iter  int
}

func (c *CosineAnnealing) Step() float64 {
	c.Iter++
	return c.LR()
}

func (c *CosineAnnealing) LR() float64 {
	if c.Total <= 0 || c.Iter >= c.Total {
		if c.Iter == 0 {
			return c.Max
		}
		return c.Floor
	}
	return c.Floor + (c.Max-c.Floor)*(1+math.Cos(math.Pi*float64(c.Iter)/float64(c.Total)))/2
}
