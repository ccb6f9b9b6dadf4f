// Package evaluate scores a model over a dataset and renders the
// classification report printed at the end of a run.
package evaluate

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-distill/internal/dataset"
	"github.com/23skdu/longbow-distill/internal/distill"
	"github.com/23skdu/longbow-distill/internal/model"
	"github.com/23skdu/longbow-distill/internal/numeric"
)

// Report aggregates one evaluation pass. Confusion is true class (row) by
// predicted class (column).
type Report struct {
	Loss       float64
	Accuracy   float64
	Total      int
	Correct    int
	Confidence float64 // mean softmax probability of the predicted class
	Confusion  *mat.Dense
	Classes    []ClassStats
}

type ClassStats struct {
	Name      string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Evaluate runs m in eval mode over every batch of l and restores the
// previous training mode on return. Loss is the example-weighted mean
// cross-entropy.
func Evaluate(m model.Model, l *dataset.Loader, classNames func(int) string, numClasses int) (*Report, error) {
	wasTraining := m.Training()
	m.Eval()
	defer func() {
		if wasTraining {
			m.Train()
		}
	}()

	confusion := mat.NewDense(numClasses, numClasses, nil)
	probs := make([]float64, numClasses)
	lossSum := 0.0
	confSum := 0.0
	total := 0

	for l.Reset(); l.Next(); {
		b := l.Batch()
		logits, err := m.Forward(b)
		if err != nil {
			return nil, err
		}
		loss, err := distill.CrossEntropy(logits, b.Labels)
		if err != nil {
			return nil, err
		}
		lossSum += loss * float64(b.Size)
		total += b.Size

		for i, pred := range Predictions(logits) {
			y := b.Labels[i]
			confusion.Set(y, pred, confusion.At(y, pred)+1)

			mat.Row(probs, i, logits)
			numeric.Softmax(probs)
			confSum += probs[pred]
		}
	}
	if err := l.Err(); err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("evaluate: no examples")
	}

	r := FromConfusion(confusion, lossSum/float64(total), classNames)
	r.Confidence = confSum / float64(total)
	return r, nil
}

// Predictions returns the argmax class of every logit row.
func Predictions(logits *mat.Dense) []int {
	rows, _ := logits.Dims()
	preds := make([]int, rows)
	for i := range preds {
		preds[i] = numeric.ArgMax(logits.RawRowView(i))
	}
	return preds
}

// CountCorrect is the number of rows whose argmax equals the label.
func CountCorrect(logits *mat.Dense, labels []int) int {
	n := 0
	for i, p := range Predictions(logits) {
		if p == labels[i] {
			n++
		}
	}
	return n
}

// FromConfusion rebuilds a report's derived fields from a confusion matrix.
func FromConfusion(confusion *mat.Dense, loss float64, classNames func(int) string) *Report {
	r := &Report{Loss: loss, Confusion: confusion, Total: int(mat.Sum(confusion))}
	r.fill(classNames)
	return r
}

func (r *Report) fill(classNames func(int) string) {
	n, _ := r.Confusion.Dims()
	r.Correct = 0
	for i := 0; i < n; i++ {
		r.Correct += int(r.Confusion.At(i, i))
	}
	if r.Total > 0 {
		r.Accuracy = float64(r.Correct) / float64(r.Total)
	}

	r.Classes = make([]ClassStats, n)
	for c := 0; c < n; c++ {
		tp := r.Confusion.At(c, c)
		support := mat.Sum(r.Confusion.RowView(c))
		predicted := mat.Sum(r.Confusion.ColView(c))

		st := ClassStats{Name: fmt.Sprint(c), Support: int(support)}
		if classNames != nil {
			st.Name = classNames(c)
		}
		if predicted > 0 {
			st.Precision = tp / predicted
		}
		if support > 0 {
			st.Recall = tp / support
		}
		if st.Precision+st.Recall > 0 {
			st.F1 = 2 * st.Precision * st.Recall / (st.Precision + st.Recall)
		}
		r.Classes[c] = st
	}
}

// MacroF1 is the unweighted mean F1 over classes.
func (r *Report) MacroF1() float64 {
	if len(r.Classes) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range r.Classes {
		sum += c.F1
	}
	return sum / float64(len(r.Classes))
}

// ClassificationReport renders per-class precision, recall, F1 and support
// followed by accuracy and macro/weighted averages.
func (r *Report) ClassificationReport() string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "\tprecision\trecall\tf1-score\tsupport\t")
	fmt.Fprintln(w, "\t\t\t\t\t")

	var macro, weighted ClassStats
	for _, c := range r.Classes {
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t%d\t\n", c.Name, c.Precision, c.Recall, c.F1, c.Support)
		macro.Precision += c.Precision
		macro.Recall += c.Recall
		macro.F1 += c.F1
		s := float64(c.Support)
		weighted.Precision += c.Precision * s
		weighted.Recall += c.Recall * s
		weighted.F1 += c.F1 * s
	}

	fmt.Fprintln(w, "\t\t\t\t\t")
	fmt.Fprintf(w, "accuracy\t\t\t%.4f\t%d\t\n", r.Accuracy, r.Total)
	if k := float64(len(r.Classes)); k > 0 {
		fmt.Fprintf(w, "macro avg\t%.4f\t%.4f\t%.4f\t%d\t\n", macro.Precision/k, macro.Recall/k, macro.F1/k, r.Total)
	}
	if t := float64(r.Total); t > 0 {
		fmt.Fprintf(w, "weighted avg\t%.4f\t%.4f\t%.4f\t%d\t\n", weighted.Precision/t, weighted.Recall/t, weighted.F1/t, r.Total)
	}
	w.Flush()
	return sb.String()
}

// ConfusionString formats the confusion matrix one true class per line.
func (r *Report) ConfusionString() string {
	return fmt.Sprintf("%v", mat.Formatted(r.Confusion, mat.Squeeze()))
}
