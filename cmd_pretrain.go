package main

import (
	"github.com/spf13/cobra"
)

// NewPretrainCommand builds the pretrain subcommand. Flag defaults mirror
// the published BERT pretraining recipe; the four identity and filesystem
// flags have no sensible default and are required.
func NewPretrainCommand() *cobra.Command {
	cfg := &PretrainConfig{}

	cmd := &cobra.Command{
		Use:   "pretrain",
		Short: "Run BERT pretraining over a directory of shard files",
		Long: `Pretrain a BERT model with masked language modeling and next-sentence
prediction over binary shard files. Shards whose filename contains
"training" are visited in a seeded shuffle order each epoch, and the run
stops the moment the global step budget is reached.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunPretraining(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ModelType, "model-type", "", "model family to train (bert)")
	flags.StringVar(&cfg.ModelNameOrPath, "model", "", "registry name or directory with bert_config.json")
	flags.StringVar(&cfg.InputDir, "input-dir", "", "directory holding training shard files")
	flags.StringVar(&cfg.OutputDir, "output-dir", "", "directory receiving model_<step> checkpoints")

	flags.IntVar(&cfg.MaxPredictionsPerSeq, "max-predictions-per-seq", 80, "masked prediction budget per sequence")
	flags.IntVar(&cfg.BatchSize, "batch-size", 8, "examples per optimizer step")

	flags.Float64Var(&cfg.LearningRate, "learning-rate", 5e-5, "peak learning rate")
	flags.Float64Var(&cfg.WeightDecay, "weight-decay", 0.0, "decoupled weight decay coefficient")
	flags.Float64Var(&cfg.AdamEpsilon, "adam-epsilon", 1e-8, "Adam denominator epsilon")
	flags.Float64Var(&cfg.MaxGradNorm, "max-grad-norm", 1.0, "global gradient norm clip, 0 disables")
	flags.IntVar(&cfg.MaxSteps, "max-steps", -1, "total optimizer steps to run")
	flags.IntVar(&cfg.WarmupSteps, "warmup-steps", 0, "linear warmup steps")

	flags.IntVar(&cfg.LoggingSteps, "logging-steps", 500, "steps between progress log lines")
	flags.IntVar(&cfg.SaveSteps, "save-steps", 500, "steps between checkpoints")

	flags.Int64Var(&cfg.Seed, "seed", 42, "seed for initialization and shard shuffling")

	flags.BoolVar(&cfg.UseAMP, "amp", false, "enable loss scaling")
	flags.Float64Var(&cfg.ScaleLoss, "scale-loss", 1.0, "initial loss scale")
	flags.BoolVar(&cfg.DynamicLossScaling, "dynamic-loss-scaling", true, "adjust the loss scale during training")

	for _, name := range []string{"model-type", "model", "input-dir", "output-dir"} {
		cobra.CheckErr(cmd.MarkFlagRequired(name))
	}

	return cmd
}
