package main

import (
	"fmt"
	"math"
	"strings"
)

// Optimizer applies accumulated gradients to parameters. The loss scaler
// wraps this interface, so the training step only ever talks to Optimizer.
type Optimizer interface {
	// Step applies one update at the given learning rate.
	Step(lr float64) error
	// ZeroGrad clears every parameter's gradient buffer.
	ZeroGrad()
}

// AdamW implements Adam with decoupled weight decay. Weight decay is applied
// directly to the parameter values, not folded into the gradient, and only
// to parameters the decay filter selects.
type AdamW struct {
	params []NamedParameter

	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64
	maxGradNorm float64 // <= 0 disables clipping

	applyDecay func(name string) bool

	m [][]float64 // first-moment estimates
	v [][]float64 // second-moment estimates
	t int         // update count, drives bias correction
}

// DefaultDecayFilter excludes bias vectors and normalization parameters
// from weight decay, matching the conventional BERT training recipe.
func DefaultDecayFilter(name string) bool {
	return !strings.Contains(name, "bias") && !strings.Contains(name, "norm")
}

// NewAdamW creates an AdamW optimizer over the given parameters with the
// standard beta values. A nil decay filter decays everything.
func NewAdamW(params []NamedParameter, epsilon, weightDecay, maxGradNorm float64,
	applyDecay func(string) bool) *AdamW {

	if applyDecay == nil {
		applyDecay = func(string) bool { return true }
	}

	opt := &AdamW{
		params:      params,
		beta1:       0.9,
		beta2:       0.999,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		maxGradNorm: maxGradNorm,
		applyDecay:  applyDecay,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}
	for i, p := range params {
		opt.m[i] = make([]float64, p.Tensor.Size())
		opt.v[i] = make([]float64, p.Tensor.Size())
	}
	return opt
}

// Step applies one AdamW update. Gradients are clipped by global norm
// first, then each parameter gets the bias-corrected Adam update followed
// by decoupled decay.
func (opt *AdamW) Step(lr float64) error {
	if lr < 0 {
		return fmt.Errorf("optimizer: negative learning rate %g", lr)
	}

	if opt.maxGradNorm > 0 {
		clipGradients(opt.params, opt.maxGradNorm)
	}

	opt.t++
	bc1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bc2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range opt.params {
		data := p.Tensor.data
		grad := p.Tensor.grad
		m, v := opt.m[i], opt.v[i]
		decay := opt.weightDecay > 0 && opt.applyDecay(p.Name)

		for j := range data {
			g := grad[j]

			m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*g
			v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*g*g

			mHat := m[j] / bc1
			vHat := v[j] / bc2

			data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
			if decay {
				data[j] -= lr * opt.weightDecay * data[j]
			}
		}
	}
	return nil
}

// ZeroGrad clears the gradients of every parameter.
func (opt *AdamW) ZeroGrad() {
	for _, p := range opt.params {
		p.Tensor.ZeroGrad()
	}
}

// clipGradients rescales all gradients in place so their global L2 norm
// does not exceed maxNorm.
func clipGradients(params []NamedParameter, maxNorm float64) {
	total := 0.0
	for _, p := range params {
		for _, g := range p.Tensor.grad {
			total += g * g
		}
	}
	norm := math.Sqrt(total)
	if norm <= maxNorm {
		return
	}

	scale := maxNorm / (norm + 1e-6)
	for _, p := range params {
		for i := range p.Tensor.grad {
			p.Tensor.grad[i] *= scale
		}
	}
}

// LinearSchedule ramps the learning rate linearly from zero to the base
// rate over the warmup steps, then decays it linearly back to zero at the
// total step budget.
type LinearSchedule struct {
	base   float64
	warmup int
	total  int
	step   int
}

// NewLinearSchedule creates a warmup-then-linear-decay schedule.
func NewLinearSchedule(base float64, warmup, total int) *LinearSchedule {
	return &LinearSchedule{base: base, warmup: warmup, total: total}
}

// LR returns the learning rate at the schedule's current position.
func (s *LinearSchedule) LR() float64 {
	return s.LRAt(s.step)
}

// LRAt returns the learning rate at an arbitrary step position.
func (s *LinearSchedule) LRAt(step int) float64 {
	if step < s.warmup {
		return s.base * float64(step) / float64(s.warmup)
	}
	remaining := float64(s.total - step)
	if remaining < 0 {
		remaining = 0
	}
	denom := float64(s.total - s.warmup)
	if denom < 1 {
		denom = 1
	}
	return s.base * remaining / denom
}

// Advance moves the schedule forward by one step.
func (s *LinearSchedule) Advance() {
	s.step++
}

// Position returns how many steps the schedule has advanced.
func (s *LinearSchedule) Position() int {
	return s.step
}
