package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-distill/internal/checkpoint"
	"github.com/23skdu/longbow-distill/internal/numeric"
)

func main() {
	model := flag.String("model", "meanpool_dist", "Model name to scan for in directory mode")
	minEpoch := flag.Int("min-epoch", 0, "Ignore checkpoints before this epoch when picking the best one")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Println("usage: inspect_checkpoint [-model name] [-min-epoch n] <weights.arrow | checkpoint dir>")
		os.Exit(1)
	}
	path := flag.Arg(0)

	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if info.IsDir() {
		err = inspectDir(os.Stdout, path, *model, *minEpoch)
	} else {
		err = inspectFile(os.Stdout, path)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// inspectDir lists the per-epoch checkpoints of model under dir and the one
// a run would reload for testing.
func inspectDir(w io.Writer, dir, model string, minEpoch int) error {
	records, err := checkpoint.NewLocalStore(dir).Scan(model)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Checkpoints for %s in %s\n\n", model, dir)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "epoch\tacc\tfile")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%.4f\t%s\n", r.Epoch, r.Accuracy, r.Handle)
	}
	tw.Flush()

	best, err := checkpoint.Selector{MinEpoch: minEpoch}.Best(records)
	if err != nil {
		return fmt.Errorf("%d checkpoints, min epoch %d: %w", len(records), minEpoch, err)
	}
	fmt.Fprintf(w, "\nbest: %s\n", best)
	return nil
}

func inspectFile(w io.Writer, path string) error {
	tensors, meta, err := checkpoint.ReadFile(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Checkpoint: %s\n", path)
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", k, meta[k])
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "tensor\tshape\tmin\tmax\tnorm\tnan\tinf")
	total := 0
	for _, t := range tensors {
		nan, inf := numeric.CheckNumericalStability(t.Data)
		lo, hi := 0.0, 0.0
		if len(t.Data) > 0 {
			lo, hi = floats.Min(t.Data), floats.Max(t.Data)
		}
		fmt.Fprintf(tw, "%s\t%dx%d\t%.4g\t%.4g\t%.4g\t%d\t%d\n",
			t.Name, t.Rows, t.Cols, lo, hi, floats.Norm(t.Data, 2), nan, inf)
		total += len(t.Data)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d tensors, %d parameters\n", len(tensors), total)
	return nil
}
