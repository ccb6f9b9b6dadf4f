// gen_dataset writes synthetic train/val/test splits and a matching teacher
// logit file for smoke-testing the trainer without a real corpus.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-distill/internal/dataset"
	"github.com/23skdu/longbow-distill/internal/logger"
)

var (
	outDir     = flag.String("out", "data", "Directory for train.arrow, val.arrow and test.arrow")
	teacherOut = flag.String("teacher", "data_distilled/distilled_teacher.arrow", "Teacher logit file (empty to skip)")
	numClasses = flag.Int("classes", 10, "Number of classes")
	vocabSize  = flag.Int("vocab", 21128, "Vocabulary size")
	seqLen     = flag.Int("len", 32, "Maximum tokens per example")
	trainSize  = flag.Int("train", 2000, "Training examples")
	evalSize   = flag.Int("eval", 400, "Validation and test examples each")
	noise      = flag.Float64("noise", 0.2, "Fraction of tokens drawn from the whole vocabulary")
	seed       = flag.Int64("seed", 1, "Random seed")
)

// firstToken skips pad, CLS and the other reserved ids.
const firstToken = 200

func main() {
	flag.Parse()

	if *numClasses < 2 || *vocabSize <= firstToken+*numClasses {
		fmt.Println("Error: need at least 2 classes and a vocabulary larger than the reserved range")
		flag.Usage()
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))
	band := (*vocabSize - firstToken) / *numClasses

	gen := func(n int) []dataset.Example {
		out := make([]dataset.Example, n)
		for i := range out {
			label := rng.Intn(*numClasses)
			tokens := make([]int32, 1+rng.Intn(*seqLen))
			for j := range tokens {
				if rng.Float64() < *noise {
					tokens[j] = int32(firstToken + rng.Intn(*vocabSize-firstToken))
				} else {
					tokens[j] = int32(firstToken + label*band + rng.Intn(band))
				}
			}
			out[i] = dataset.Example{Tokens: tokens, Label: label}
		}
		return out
	}

	train := gen(*trainSize)
	splits := map[string][]dataset.Example{
		"train.arrow": train,
		"val.arrow":   gen(*evalSize),
		"test.arrow":  gen(*evalSize),
	}
	for name, examples := range splits {
		path := filepath.Join(*outDir, name)
		if err := dataset.WriteFile(path, &dataset.Dataset{Name: name, Examples: examples}); err != nil {
			logger.Log.Error("Failed to write split", "path", path, "error", err)
			os.Exit(1)
		}
		logger.Log.Info("Split written", "path", path, "examples", len(examples))
	}

	if *teacherOut == "" {
		return
	}
	// a confident but imperfect teacher: the true class leads by a random margin
	logits := make([][]float64, len(train))
	for i, ex := range train {
		row := make([]float64, *numClasses)
		for c := range row {
			row[c] = rng.NormFloat64()
		}
		row[ex.Label] += 1 + 3*rng.Float64()
		logits[i] = row
	}
	if err := dataset.WriteTeacherFile(*teacherOut, logits); err != nil {
		logger.Log.Error("Failed to write teacher logits", "path", *teacherOut, "error", err)
		os.Exit(1)
	}
	logger.Log.Info("Teacher logits written", "path", *teacherOut, "rows", len(logits))
}
