package main

import "math"

// PretrainingCriterion combines the two pretraining losses:
//
//   - cross-entropy over the vocabulary at each masked position, summed and
//     divided by the batch-wide masked prediction count (MLMScale)
//   - cross-entropy over the two next-sentence classes, averaged over the
//     batch
//
// Because the heads are simple softmax classifiers, the criterion also
// produces the loss gradients directly: softmax minus one-hot, divided by
// the same normalizers. That closed form replaces a separate backward pass
// through the loss.
type PretrainingCriterion struct{}

// NewPretrainingCriterion returns the combined MLM + NSP criterion.
func NewPretrainingCriterion() *PretrainingCriterion {
	return &PretrainingCriterion{}
}

// LossAndGrad computes one example's contribution to the batch loss and the
// gradients to feed Backward. mlmScale and batchSize normalize the two
// terms across the whole batch; lossScale multiplies the gradients only,
// leaving the returned loss in true units.
func (c *PretrainingCriterion) LossAndGrad(out *PretrainingOutput, ex *Example,
	mlmScale float64, batchSize int, lossScale float64) (float64, *Tensor, *Tensor) {

	scores := out.PredictionScores
	seqLen, vocab := scores.shape[0], scores.shape[1]
	gradScores := NewTensor(seqLen, vocab)

	loss := 0.0

	for i, pos := range ex.MaskedPositions {
		label := ex.MaskedLabels[i]
		probs := softmaxRow(scores.data[pos*vocab : (pos+1)*vocab])

		loss += -math.Log(probs[label]+1e-12) / mlmScale

		gradRow := gradScores.data[pos*vocab : (pos+1)*vocab]
		for v := 0; v < vocab; v++ {
			g := probs[v]
			if v == label {
				g -= 1.0
			}
			// Masked positions can repeat in malformed shards; accumulate
			// rather than overwrite so the gradient stays consistent with
			// the summed loss.
			gradRow[v] += g / mlmScale * lossScale
		}
	}

	rel := out.SeqRelationship
	relProbs := softmaxRow(rel.data)
	label := ex.NextSentence

	loss += -math.Log(relProbs[label]+1e-12) / float64(batchSize)

	gradRel := NewTensor(1, 2)
	for v := 0; v < 2; v++ {
		g := relProbs[v]
		if v == label {
			g -= 1.0
		}
		gradRel.data[v] = g / float64(batchSize) * lossScale
	}

	return loss, gradScores, gradRel
}

// softmaxRow computes a numerically stable softmax over one logit row.
func softmaxRow(logits []float64) []float64 {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	probs := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(v - maxVal)
		probs[i] = e
		sum += e
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
