package main

// ===========================================================================
// PRETRAINING DRIVER
// ===========================================================================
//
// RunPretraining assembles every component from the validated config and
// drives the three nested loops: epochs over the input directory, shards
// within an epoch, batches within a shard. The global step counter advances
// once per optimizer step and controls logging cadence, checkpoint cadence,
// and termination. Termination is immediate: when the step budget is
// reached mid-shard, the remaining batches and shards are abandoned.
// ===========================================================================

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// PretrainingStep binds a model, criterion, optimizer and schedule into one
// executable training step. Build it once and call Run per batch.
type PretrainingStep struct {
	model     *BertForPretraining
	criterion *PretrainingCriterion
	opt       Optimizer
	sched     *LinearSchedule
	scaler    GradScaler // nil when loss scaling is off
}

// BuildPretrainingStep freezes the training graph. If the optimizer carries
// loss scaling it must already be wrapped; wrapping after the build leaves
// the step pointing at the bare optimizer.
func BuildPretrainingStep(m *BertForPretraining, criterion *PretrainingCriterion,
	opt Optimizer, sched *LinearSchedule) *PretrainingStep {

	step := &PretrainingStep{
		model:     m,
		criterion: criterion,
		opt:       opt,
		sched:     sched,
	}
	if scaler, ok := opt.(GradScaler); ok {
		step.scaler = scaler
	}
	return step
}

// Run executes one optimizer step over the batch and returns the batch
// loss in true (unscaled) units.
func (s *PretrainingStep) Run(batch *Batch) (float64, error) {
	s.opt.ZeroGrad()

	lossScale := 1.0
	if s.scaler != nil {
		lossScale = s.scaler.Scale()
	}

	totalLoss := 0.0
	for i := range batch.Examples {
		ex := &batch.Examples[i]

		out, cache := s.model.ForwardWithCache(ex)
		loss, gradScores, gradRel := s.criterion.LossAndGrad(
			out, ex, batch.MLMScale, len(batch.Examples), lossScale)

		s.model.Backward(gradScores, gradRel, cache)
		totalLoss += loss
	}

	if err := s.opt.Step(s.sched.LR()); err != nil {
		return 0, err
	}
	s.sched.Advance()

	return totalLoss, nil
}

// pretrainRun carries the mutable state of one pretraining run through the
// nested loops.
type pretrainRun struct {
	cfg   *PretrainConfig
	step  *PretrainingStep
	model *BertForPretraining
	tok   *WordPieceTokenizer

	globalStep int
	epoch      int
	tic        time.Time
}

// RunPretraining executes a full pretraining run from a validated config.
func RunPretraining(cfg *PretrainConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	rng := NewRunRNG(cfg.Seed)

	bertCfg, err := ResolveBertConfig(cfg.ModelNameOrPath)
	if err != nil {
		return err
	}
	// Pad the vocabulary to a multiple of 8 so the decoder projection stays
	// aligned for vectorized kernels. Padded rows are never valid labels.
	if rem := bertCfg.VocabSize % 8; rem != 0 {
		bertCfg.VocabSize += 8 - rem
	}

	tok, err := LoadTokenizer(cfg.ModelNameOrPath, bertCfg)
	if err != nil {
		return err
	}

	log.Info("building model",
		"model", cfg.ModelNameOrPath,
		"layers", bertCfg.NumLayers,
		"hidden", bertCfg.HiddenSize,
		"vocab", bertCfg.VocabSize)

	model := NewBertForPretraining(bertCfg, rng)
	criterion := NewPretrainingCriterion()
	sched := NewLinearSchedule(cfg.LearningRate, cfg.WarmupSteps, cfg.MaxSteps)

	params := model.NamedParameters()
	var opt Optimizer = NewAdamW(params, cfg.AdamEpsilon, cfg.WeightDecay, cfg.MaxGradNorm, DefaultDecayFilter)
	if cfg.UseAMP {
		opt = NewLossScaler(opt, params, cfg.ScaleLoss, cfg.DynamicLossScaling)
		log.Info("loss scaling enabled", "scale", cfg.ScaleLoss, "dynamic", cfg.DynamicLossScaling)
	}

	step := BuildPretrainingStep(model, criterion, opt, sched)

	ResetParameters(model, cfg.Seed)

	run := &pretrainRun{
		cfg:   cfg,
		step:  step,
		model: model,
		tok:   tok,
		tic:   time.Now(),
	}

	for epoch := 0; ; epoch++ {
		run.epoch = epoch

		files, err := ListShardFiles(cfg.InputDir)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("pretrain: no training shards found in %s", cfg.InputDir)
		}
		ShuffleShards(files, epochSeed(cfg.Seed, epoch))

		for _, file := range files {
			done, err := run.runShard(file)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// runShard consumes one shard batch by batch. It reports done=true once the
// step budget is reached, which abandons the rest of the shard.
func (r *pretrainRun) runShard(path string) (done bool, err error) {
	ds, err := OpenShardDataset(path, r.cfg.BatchSize, r.cfg.MaxPredictionsPerSeq)
	if err != nil {
		return false, err
	}
	defer ds.Close()

	log.Debug("opened shard", "file", path, "examples", ds.NumExamples(), "seq_len", ds.SeqLen())

	for batchIdx := 0; ; batchIdx++ {
		batch, err := ds.NextBatch()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}

		loss, err := r.step.Run(batch)
		if err != nil {
			return false, err
		}
		r.globalStep++

		if r.globalStep%r.cfg.LoggingSteps == 0 {
			elapsed := time.Since(r.tic).Seconds()
			speed := float64(r.cfg.LoggingSteps) / elapsed
			log.Infof("global step %d, epoch: %d, batch: %d, loss: %f, speed: %.2f step/s",
				r.globalStep, r.epoch, batchIdx, loss, speed)
			r.tic = time.Now()
		}

		if r.globalStep%r.cfg.SaveSteps == 0 {
			dir, err := SaveCheckpoint(r.cfg.OutputDir, r.globalStep, r.model, r.tok)
			if err != nil {
				return false, err
			}
			log.Info("saved checkpoint", "dir", dir, "step", r.globalStep)
		}

		if r.globalStep >= r.cfg.MaxSteps {
			return true, nil
		}
	}
}
