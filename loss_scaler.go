package main

import "math"

// GradScaler reports the factor the criterion must multiply gradients by
// before they reach the wrapped optimizer. The training step type-asserts
// for this interface to discover whether loss scaling is active.
type GradScaler interface {
	Scale() float64
}

// LossScaler wraps an optimizer with loss-scale management. The criterion
// scales gradients up by Scale(); Step unscales them, checks for overflow,
// and either applies the inner update or skips it and shrinks the scale.
//
// With dynamic scaling enabled the scale doubles after every growthInterval
// consecutive overflow-free steps and halves on each overflow, floored at 1.
// With it disabled the configured scale is used unchanged for the whole run.
type LossScaler struct {
	inner  Optimizer
	params []NamedParameter

	scale   float64
	dynamic bool

	goodSteps      int
	growthInterval int
}

const defaultGrowthInterval = 1000

// NewLossScaler wraps inner with loss scaling at the given initial scale.
func NewLossScaler(inner Optimizer, params []NamedParameter, initScale float64, dynamic bool) *LossScaler {
	return &LossScaler{
		inner:          inner,
		params:         params,
		scale:          initScale,
		dynamic:        dynamic,
		growthInterval: defaultGrowthInterval,
	}
}

// Scale returns the current loss scale.
func (ls *LossScaler) Scale() float64 {
	return ls.scale
}

// Step unscales the accumulated gradients and applies the inner update. If
// any gradient is NaN or infinite the update is skipped entirely; the
// parameters, moments and schedule position advance as usual on the next
// clean step.
func (ls *LossScaler) Step(lr float64) error {
	inv := 1.0 / ls.scale
	overflow := false

	for _, p := range ls.params {
		for i, g := range p.Tensor.grad {
			g *= inv
			p.Tensor.grad[i] = g
			if math.IsNaN(g) || math.IsInf(g, 0) {
				overflow = true
			}
		}
	}

	if overflow {
		if ls.dynamic {
			ls.scale *= 0.5
			if ls.scale < 1 {
				ls.scale = 1
			}
			ls.goodSteps = 0
		}
		ls.inner.ZeroGrad()
		return nil
	}

	if err := ls.inner.Step(lr); err != nil {
		return err
	}

	if ls.dynamic {
		ls.goodSteps++
		if ls.goodSteps >= ls.growthInterval {
			ls.scale *= 2.0
			ls.goodSteps = 0
		}
	}
	return nil
}

// ZeroGrad clears gradients through the wrapped optimizer.
func (ls *LossScaler) ZeroGrad() {
	ls.inner.ZeroGrad()
}
