package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCriterionUniformLogits(t *testing.T) {
	const vocab = 8

	out := &PretrainingOutput{
		PredictionScores: NewTensor(4, vocab),
		SeqRelationship:  NewTensor(1, 2),
	}
	ex := &Example{
		MaskedPositions: []int{1, 2},
		MaskedLabels:    []int{3, 5},
		NextSentence:    0,
	}

	c := NewPretrainingCriterion()
	loss, _, _ := c.LossAndGrad(out, ex, 2, 1, 1.0)

	// Uniform logits: each MLM term is log(vocab), each NSP term log(2).
	want := 2*math.Log(vocab)/2 + math.Log(2)
	require.InDelta(t, want, loss, 1e-9)
}

func TestCriterionGradientRowsSumToZero(t *testing.T) {
	const vocab = 6
	out := &PretrainingOutput{
		PredictionScores: NewTensor(3, vocab),
		SeqRelationship:  NewTensor(1, 2),
	}
	for i := range out.PredictionScores.data {
		out.PredictionScores.data[i] = float64(i%5) * 0.3
	}
	out.SeqRelationship.data[0] = 1.5

	ex := &Example{
		MaskedPositions: []int{0, 2},
		MaskedLabels:    []int{1, 4},
		NextSentence:    1,
	}

	c := NewPretrainingCriterion()
	_, gradScores, gradRel := c.LossAndGrad(out, ex, 2, 4, 1.0)

	// Softmax minus one-hot sums to zero along the class axis.
	for _, pos := range ex.MaskedPositions {
		sum := 0.0
		for v := 0; v < vocab; v++ {
			sum += gradScores.At(pos, v)
		}
		require.InDelta(t, 0.0, sum, 1e-12)
	}

	// Unmasked rows carry no MLM gradient.
	for v := 0; v < vocab; v++ {
		require.Equal(t, 0.0, gradScores.At(1, v))
	}

	require.InDelta(t, 0.0, gradRel.data[0]+gradRel.data[1], 1e-12)
}

func TestCriterionLossScaleAffectsGradOnly(t *testing.T) {
	const vocab = 4
	out := &PretrainingOutput{
		PredictionScores: NewTensor(2, vocab),
		SeqRelationship:  NewTensor(1, 2),
	}
	ex := &Example{
		MaskedPositions: []int{0},
		MaskedLabels:    []int{2},
		NextSentence:    0,
	}

	c := NewPretrainingCriterion()
	loss1, grad1, rel1 := c.LossAndGrad(out, ex, 1, 1, 1.0)
	loss2, grad2, rel2 := c.LossAndGrad(out, ex, 1, 1, 128.0)

	require.Equal(t, loss1, loss2)
	for i := range grad1.data {
		require.InDelta(t, grad1.data[i]*128.0, grad2.data[i], 1e-12)
	}
	for i := range rel1.data {
		require.InDelta(t, rel1.data[i]*128.0, rel2.data[i], 1e-12)
	}
}

func TestCriterionMatchesNumericalGradient(t *testing.T) {
	const vocab = 5
	scores := NewTensor(3, vocab)
	for i := range scores.data {
		scores.data[i] = 0.1 * float64(i%7)
	}
	rel := NewTensor(1, 2)
	rel.data[0] = 0.4

	ex := &Example{
		MaskedPositions: []int{1},
		MaskedLabels:    []int{3},
		NextSentence:    1,
	}
	c := NewPretrainingCriterion()

	loss := func() float64 {
		out := &PretrainingOutput{PredictionScores: scores, SeqRelationship: rel}
		l, _, _ := c.LossAndGrad(out, ex, 1, 1, 1.0)
		return l
	}

	out := &PretrainingOutput{PredictionScores: scores, SeqRelationship: rel}
	_, gradScores, gradRel := c.LossAndGrad(out, ex, 1, 1, 1.0)

	for i := range scores.data {
		want := numericalGrad(scores, i, loss)
		require.InDelta(t, want, gradScores.data[i], 1e-5)
	}
	for i := range rel.data {
		want := numericalGrad(rel, i, loss)
		require.InDelta(t, want, gradRel.data[i], 1e-5)
	}
}
