package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// NewSynthCommand builds the synth subcommand, which writes random shards
// in the training wire format. Useful for smoke runs and for benchmarking
// the driver without a real preprocessed corpus.
func NewSynthCommand() *cobra.Command {
	var (
		outputDir        string
		numShards        int
		examplesPerShard int
		seqLen           int
		maxPredictions   int
		vocabSize        int
		seed             int64
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Generate synthetic pretraining shards",
		RunE: func(cmd *cobra.Command, args []string) error {
			if numShards <= 0 || examplesPerShard <= 0 {
				return fmt.Errorf("synth: shard and example counts must be positive")
			}
			if maxPredictions > seqLen {
				return fmt.Errorf("synth: prediction budget %d exceeds sequence length %d", maxPredictions, seqLen)
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("synth: failed to create %s: %w", outputDir, err)
			}

			rng := rand.New(rand.NewSource(seed))
			for s := 0; s < numShards; s++ {
				path := filepath.Join(outputDir, fmt.Sprintf("part_%02d_training.bin", s))
				examples := synthesizeExamples(rng, examplesPerShard, seqLen, maxPredictions, vocabSize)
				if err := WriteShard(path, seqLen, maxPredictions, examples); err != nil {
					return err
				}
				log.Info("wrote shard", "file", path, "examples", examplesPerShard)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&outputDir, "output-dir", "", "directory receiving the shards")
	flags.IntVar(&numShards, "num-shards", 4, "number of shard files to write")
	flags.IntVar(&examplesPerShard, "examples-per-shard", 256, "examples per shard")
	flags.IntVar(&seqLen, "seq-len", 128, "tokens per sequence")
	flags.IntVar(&maxPredictions, "max-predictions", 20, "masked predictions per sequence")
	flags.IntVar(&vocabSize, "vocab-size", 30522, "vocabulary size for token draws")
	flags.Int64Var(&seed, "seed", 42, "generator seed")

	cobra.CheckErr(cmd.MarkFlagRequired("output-dir"))

	return cmd
}

// synthesizeExamples draws random but structurally valid examples: two
// segments, a contiguous padded tail, and masked positions inside the real
// token span.
func synthesizeExamples(rng *rand.Rand, count, seqLen, maxPredictions, vocabSize int) []Example {
	examples := make([]Example, count)

	for i := range examples {
		// Leave room for [CLS] and two [SEP] tokens plus at least one
		// real token per segment.
		realLen := 5 + rng.Intn(seqLen-4)
		segBoundary := 2 + rng.Intn(realLen-3)

		ex := Example{
			InputIDs:   make([]int, seqLen),
			SegmentIDs: make([]int, seqLen),
			InputMask:  make([]int, seqLen),
		}

		for p := 0; p < realLen; p++ {
			ex.InputIDs[p] = 104 + rng.Intn(vocabSize-104)
			if p >= segBoundary {
				ex.SegmentIDs[p] = 1
			}
			ex.InputMask[p] = 1
		}
		ex.InputIDs[0] = 101             // [CLS]
		ex.InputIDs[segBoundary-1] = 102 // [SEP]
		ex.InputIDs[realLen-1] = 102     // [SEP]

		numMasked := 1 + rng.Intn(maxPredictions)
		if max := realLen - 1; numMasked > max {
			numMasked = max
		}
		seen := make(map[int]bool)
		for len(ex.MaskedPositions) < numMasked {
			pos := 1 + rng.Intn(realLen-1)
			if seen[pos] {
				continue
			}
			seen[pos] = true
			ex.MaskedPositions = append(ex.MaskedPositions, pos)
			ex.MaskedLabels = append(ex.MaskedLabels, ex.InputIDs[pos])
			ex.InputIDs[pos] = 103 // [MASK]
		}

		ex.NextSentence = rng.Intn(2)
		examples[i] = ex
	}
	return examples
}
