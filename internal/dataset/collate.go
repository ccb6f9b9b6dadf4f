package dataset

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-distill/internal/config"
	"github.com/23skdu/longbow-distill/internal/metrics"
	"github.com/23skdu/longbow-distill/internal/numeric"
)

var (
	ErrEmptyBatch      = errors.New("dataset: empty batch")
	ErrLabelOutOfRange = errors.New("dataset: label out of range")
	ErrTeacherMismatch = errors.New("dataset: inconsistent teacher logits")
	ErrNonFinite       = errors.New("dataset: non-finite teacher logits")
)

// Batch holds equal-length token rows. Mask[i][j] is false exactly where
// InputIDs[i][j] equals the pad id. Teacher is nil for supervised batches.
type Batch struct {
	InputIDs [][]int32
	Mask     [][]bool
	Labels   []int
	Teacher  *mat.Dense
	Size     int
	SeqLen   int
}

func (b *Batch) Distilled() bool {
	return b.Teacher != nil
}

// Collator prefixes the CLS id, truncates to MaxSeqLen (0 means no limit)
// and right-pads with PadID.
type Collator struct {
	ClsID      int32
	PadID      int32
	MaxSeqLen  int
	NumClasses int
}

func NewCollator(cfg *config.TrainConfig) Collator {
	return Collator{
		ClsID:      cfg.ClsTokenID,
		PadID:      cfg.PadTokenID,
		MaxSeqLen:  cfg.MaxSeqLen,
		NumClasses: cfg.NumClasses,
	}
}

func (c Collator) Collate(examples []Example) (*Batch, error) {
	if len(examples) == 0 {
		return nil, ErrEmptyBatch
	}

	distilled := examples[0].TeacherLogits != nil
	seqLen := 0
	for i, ex := range examples {
		if ex.Label < 0 || ex.Label >= c.NumClasses {
			metrics.RecordValidationError("collate", "label_range")
			return nil, fmt.Errorf("%w: example %d has label %d, %d classes", ErrLabelOutOfRange, i, ex.Label, c.NumClasses)
		}
		if (ex.TeacherLogits != nil) != distilled {
			metrics.RecordValidationError("collate", "teacher_presence")
			return nil, fmt.Errorf("%w: example %d", ErrTeacherMismatch, i)
		}
		if distilled && len(ex.TeacherLogits) != c.NumClasses {
			metrics.RecordValidationError("collate", "teacher_width")
			return nil, fmt.Errorf("%w: example %d has %d logits, %d classes", ErrTeacherMismatch, i, len(ex.TeacherLogits), c.NumClasses)
		}
		if distilled {
			if err := numeric.ValidateFinite(fmt.Sprintf("example %d", i), ex.TeacherLogits); err != nil {
				metrics.RecordValidationError("collate", "non_finite")
				return nil, fmt.Errorf("%w: %v", ErrNonFinite, err)
			}
		}
		if n := c.rowLen(ex); n > seqLen {
			seqLen = n
		}
	}

	b := &Batch{
		InputIDs: make([][]int32, len(examples)),
		Mask:     make([][]bool, len(examples)),
		Labels:   make([]int, len(examples)),
		Size:     len(examples),
		SeqLen:   seqLen,
	}
	if distilled {
		b.Teacher = mat.NewDense(len(examples), c.NumClasses, nil)
	}

	for i, ex := range examples {
		ids := make([]int32, seqLen)
		mask := make([]bool, seqLen)
		ids[0] = c.ClsID
		copy(ids[1:c.rowLen(ex)], ex.Tokens)
		for j := c.rowLen(ex); j < seqLen; j++ {
			ids[j] = c.PadID
		}
		for j, id := range ids {
			mask[j] = id != c.PadID
		}
		b.InputIDs[i] = ids
		b.Mask[i] = mask
		b.Labels[i] = ex.Label
		if distilled {
			b.Teacher.SetRow(i, ex.TeacherLogits)
		}
	}
	return b, nil
}

// rowLen is the collated length of ex including the CLS prefix.
func (c Collator) rowLen(ex Example) int {
	n := len(ex.Tokens) + 1
	if c.MaxSeqLen > 0 && n > c.MaxSeqLen {
		n = c.MaxSeqLen
	}
	return n
}
