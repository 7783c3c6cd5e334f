package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinearScheduleEndpoints(t *testing.T) {
	s := NewLinearSchedule(1e-4, 100, 1000)

	require.Equal(t, 0.0, s.LRAt(0))
	require.InDelta(t, 5e-5, s.LRAt(50), 1e-12)
	require.InDelta(t, 1e-4, s.LRAt(100), 1e-12)
	require.InDelta(t, 5e-5, s.LRAt(550), 1e-12)
	require.Equal(t, 0.0, s.LRAt(1000))
	require.Equal(t, 0.0, s.LRAt(1500))
}

func TestLinearScheduleNoWarmup(t *testing.T) {
	s := NewLinearSchedule(1e-3, 0, 10)

	require.InDelta(t, 1e-3, s.LRAt(0), 1e-12)
	require.InDelta(t, 5e-4, s.LRAt(5), 1e-12)
	require.Equal(t, 0.0, s.LRAt(10))
}

func TestLinearScheduleAdvance(t *testing.T) {
	s := NewLinearSchedule(1.0, 2, 4)

	require.Equal(t, 0, s.Position())
	s.Advance()
	s.Advance()
	require.Equal(t, 2, s.Position())
	require.InDelta(t, 1.0, s.LR(), 1e-12)
}

func TestDefaultDecayFilter(t *testing.T) {
	cases := map[string]bool{
		"bert.encoder.layer.0.attention.query.weight":  true,
		"bert.encoder.layer.0.intermediate.dense.bias": false,
		"bert.embeddings.layer_norm.weight":            false,
		"bert.embeddings.layer_norm.bias":              false,
		"cls.predictions.decoder.weight":               true,
		"cls.predictions.decoder.bias":                 false,
	}
	for name, want := range cases {
		require.Equal(t, want, DefaultDecayFilter(name), name)
	}
}

func TestClipGradients(t *testing.T) {
	p := NewTensor(4)
	p.grad[0] = 3
	p.grad[1] = 4 // norm 5
	params := []NamedParameter{{Name: "w", Tensor: p}}

	clipGradients(params, 1.0)

	norm := math.Sqrt(p.grad[0]*p.grad[0] + p.grad[1]*p.grad[1])
	require.InDelta(t, 1.0, norm, 1e-5)

	// Below the threshold nothing changes.
	q := NewTensor(2)
	q.grad[0] = 0.3
	clipGradients([]NamedParameter{{Name: "w", Tensor: q}}, 1.0)
	require.Equal(t, 0.3, q.grad[0])
}

func TestAdamWStepDirection(t *testing.T) {
	p := NewTensor(2)
	p.data[0] = 1.0
	p.data[1] = -1.0
	p.grad[0] = 0.5
	p.grad[1] = -0.5

	opt := NewAdamW([]NamedParameter{{Name: "w", Tensor: p}}, 1e-8, 0, 0, nil)
	require.NoError(t, opt.Step(0.01))

	// Each parameter moves opposite its gradient.
	require.Less(t, p.data[0], 1.0)
	require.Greater(t, p.data[1], -1.0)
}

func TestAdamWWeightDecayFilter(t *testing.T) {
	decayed := NewTensor(1)
	decayed.data[0] = 1.0
	skipped := NewTensor(1)
	skipped.data[0] = 1.0

	params := []NamedParameter{
		{Name: "dense.weight", Tensor: decayed},
		{Name: "dense.bias", Tensor: skipped},
	}

	// Zero gradients isolate the decay term.
	opt := NewAdamW(params, 1e-8, 0.1, 0, DefaultDecayFilter)
	require.NoError(t, opt.Step(0.1))

	require.InDelta(t, 1.0-0.1*0.1*1.0, decayed.data[0], 1e-12)
	require.Equal(t, 1.0, skipped.data[0])
}

func TestAdamWZeroGrad(t *testing.T) {
	p := NewTensor(3)
	p.grad[1] = 2.5

	opt := NewAdamW([]NamedParameter{{Name: "w", Tensor: p}}, 1e-8, 0, 0, nil)
	opt.ZeroGrad()

	for _, g := range p.grad {
		require.Equal(t, 0.0, g)
	}
}

func TestAdamWNegativeLR(t *testing.T) {
	opt := NewAdamW(nil, 1e-8, 0, 0, nil)
	require.Error(t, opt.Step(-1))
}
