package main

import (
	"fmt"
	"strings"
)

// PretrainConfig carries every option of a pretraining run. It is built once
// by the CLI, validated, and then passed by pointer into each component;
// nothing mutates it after process start.
type PretrainConfig struct {
	// Model identity
	ModelType       string // model family; only "bert" is registered
	ModelNameOrPath string // registry shortcut or local config directory

	// Filesystem
	InputDir  string // directory holding "training" shard files
	OutputDir string // directory receiving step-indexed checkpoints

	// Data
	MaxPredictionsPerSeq int // masking budget per sequence
	BatchSize            int

	// Optimization
	LearningRate float64
	WeightDecay  float64
	AdamEpsilon  float64
	MaxGradNorm  float64
	MaxSteps     int
	WarmupSteps  int

	// Cadence
	LoggingSteps int
	SaveSteps    int

	// Reproducibility
	Seed int64

	// Mixed precision
	UseAMP             bool
	ScaleLoss          float64
	DynamicLossScaling bool
}

// modelTypes is the set of registered model families, mirroring the
// single-entry model class table of the benchmark.
var modelTypes = map[string]bool{
	"bert": true,
}

// Validate checks the configuration before any computation begins. Every
// violation is a configuration error surfaced at process start.
func (c *PretrainConfig) Validate() error {
	c.ModelType = strings.ToLower(c.ModelType)
	if !modelTypes[c.ModelType] {
		return fmt.Errorf("config: unknown model type %q (registered: bert)", c.ModelType)
	}
	if c.ModelNameOrPath == "" {
		return fmt.Errorf("config: model name or path is required")
	}
	if c.InputDir == "" {
		return fmt.Errorf("config: input directory is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config: output directory is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxPredictionsPerSeq <= 0 {
		return fmt.Errorf("config: max predictions per sequence must be positive, got %d", c.MaxPredictionsPerSeq)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("config: learning rate must be positive, got %g", c.LearningRate)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("config: max steps must be a positive step budget, got %d", c.MaxSteps)
	}
	if c.WarmupSteps < 0 {
		return fmt.Errorf("config: warmup steps cannot be negative, got %d", c.WarmupSteps)
	}
	if c.WarmupSteps >= c.MaxSteps {
		return fmt.Errorf("config: warmup steps (%d) must be below max steps (%d)", c.WarmupSteps, c.MaxSteps)
	}
	if c.LoggingSteps <= 0 {
		return fmt.Errorf("config: logging steps must be positive, got %d", c.LoggingSteps)
	}
	if c.SaveSteps <= 0 {
		return fmt.Errorf("config: save steps must be positive, got %d", c.SaveSteps)
	}
	if c.UseAMP && c.ScaleLoss <= 0 {
		return fmt.Errorf("config: loss scale must be positive, got %g", c.ScaleLoss)
	}
	return nil
}
