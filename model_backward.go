package main

// ===========================================================================
// BERT BACKWARD PASS
// ===========================================================================
//
// Manually derived backpropagation mirroring ForwardWithCache in reverse.
// Every operation reads the activations the forward pass cached and writes
// parameter gradients into the tensors' grad buffers via AccumulateGrad, so
// gradients sum correctly across the examples of a batch.
//
// Shape conventions match the forward pass: per-example [seqLen, hidden]
// hidden states, [seqLen, vocab] prediction scores, [1, 2] NSP logits.
// ===========================================================================

import "math"

// Backward propagates the loss gradients for one example through both
// heads, the encoder stack, and the embeddings. gradScores is dLoss/dScores
// [seqLen, vocab]; gradRel is dLoss/dSeqRelationship [1, 2].
func (m *BertForPretraining) Backward(gradScores, gradRel *Tensor, cache *pretrainCache) {
	hidden := m.Config.HiddenSize

	// MLM head, in reverse: decoder, transform LayerNorm, GELU, dense.
	gradTrans, gradDecW := MatMulBackward(cache.mlmTrans, m.mlmDecoderW, gradScores)
	m.mlmDecoderW.AccumulateGrad(gradDecW)
	accumulateBiasGrad(m.mlmDecoderB, gradScores)

	gradAct, gradMLMGamma, gradMLMBeta := LayerNormBackward(cache.mlmAct, m.mlmNorm.gamma, gradTrans, m.mlmNorm.eps)
	m.mlmNorm.gamma.AccumulateGrad(gradMLMGamma)
	m.mlmNorm.beta.AccumulateGrad(gradMLMBeta)

	gradDense := GELUBackward(cache.mlmDense, gradAct)

	gradEncoder, gradTransformW := MatMulBackward(cache.encoderOut, m.mlmTransformW, gradDense)
	m.mlmTransformW.AccumulateGrad(gradTransformW)
	accumulateBiasGrad(m.mlmTransformB, gradDense)

	// NSP head: classifier, tanh pooler, then fold into the [CLS] row.
	gradPooled, gradNspW := MatMulBackward(cache.pooled, m.nspW, gradRel)
	m.nspW.AccumulateGrad(gradNspW)
	accumulateBiasGrad(m.nspB, gradRel)

	gradPoolPre := NewTensor(1, hidden)
	for i := range gradPoolPre.data {
		p := cache.pooled.data[i]
		gradPoolPre.data[i] = gradPooled.data[i] * (1.0 - p*p)
	}

	gradCls, gradPoolerW := MatMulBackward(cache.clsHidden, m.poolerW, gradPoolPre)
	m.poolerW.AccumulateGrad(gradPoolerW)
	accumulateBiasGrad(m.poolerB, gradPoolPre)

	for d := 0; d < hidden; d++ {
		gradEncoder.data[d] += gradCls.data[d]
	}

	// Encoder stack in reverse order. Each layer is post-LN, so the
	// gradient enters through the sublayer LayerNorm and then splits
	// between the residual branch and the sublayer itself.
	g := gradEncoder
	for li := len(m.layers) - 1; li >= 0; li-- {
		layer := m.layers[li]
		lc := cache.layers[li]

		gSum2, gFFNGamma, gFFNBeta := LayerNormBackward(lc.ffnSum, layer.ffnNorm.gamma, g, layer.ffnNorm.eps)
		layer.ffnNorm.gamma.AccumulateGrad(gFFNGamma)
		layer.ffnNorm.beta.AccumulateGrad(gFFNBeta)

		gA := Add(gSum2, layer.ffn.backward(lc.ffnCache, gSum2))

		gSum1, gAttnGamma, gAttnBeta := LayerNormBackward(lc.attnSum, layer.attnNorm.gamma, gA, layer.attnNorm.eps)
		layer.attnNorm.gamma.AccumulateGrad(gAttnGamma)
		layer.attnNorm.beta.AccumulateGrad(gAttnBeta)

		g = Add(gSum1, layer.attn.backward(lc.attnCache, gSum1))
	}

	// Embedding LayerNorm, then scatter-accumulate into the three tables.
	gEmb, gEmbGamma, gEmbBeta := LayerNormBackward(cache.embSum, m.embNorm.gamma, g, m.embNorm.eps)
	m.embNorm.gamma.AccumulateGrad(gEmbGamma)
	m.embNorm.beta.AccumulateGrad(gEmbBeta)

	seqLen := len(cache.inputIDs)
	for i := 0; i < seqLen; i++ {
		tok := cache.inputIDs[i]
		seg := cache.segmentIDs[i]
		for d := 0; d < hidden; d++ {
			gv := gEmb.data[i*hidden+d]
			m.wordEmb.grad[tok*hidden+d] += gv
			m.posEmb.grad[i*hidden+d] += gv
			m.segEmb.grad[seg*hidden+d] += gv
		}
	}
}

// backward propagates through the feed-forward sublayer and returns the
// gradient with respect to its input.
func (ff *bertFFN) backward(fc *ffnCache, gradOut *Tensor) *Tensor {
	gradHidden, gradW2 := MatMulBackward(fc.hidden, ff.w2, gradOut)
	ff.w2.AccumulateGrad(gradW2)
	accumulateBiasGrad(ff.b2, gradOut)

	gradPre := GELUBackward(fc.pre, gradHidden)

	gradIn, gradW1 := MatMulBackward(fc.input, ff.w1, gradPre)
	ff.w1.AccumulateGrad(gradW1)
	accumulateBiasGrad(ff.b1, gradPre)

	return gradIn
}

// backward propagates through multi-head attention and returns the gradient
// with respect to its input. The additive padding bias is a constant, so it
// contributes nothing beyond shaping the cached softmax weights.
func (attn *bertAttention) backward(ac *attentionCache, gradOut *Tensor) *Tensor {
	seqLen := gradOut.shape[0]
	hidden := gradOut.shape[1]

	gradContext, gradWo := MatMulBackward(ac.context, attn.wo, gradOut)
	attn.wo.AccumulateGrad(gradWo)

	gradQ := NewTensor(seqLen, hidden)
	gradK := NewTensor(seqLen, hidden)
	gradV := NewTensor(seqLen, hidden)
	scale := 1.0 / math.Sqrt(float64(attn.headDim))

	for h := 0; h < attn.numHeads; h++ {
		qHead := attn.extractHead(ac.q, h)
		kHead := attn.extractHead(ac.k, h)
		vHead := attn.extractHead(ac.v, h)
		weights := ac.headWeights[h]

		gradHeadOut := attn.extractHead(gradContext, h)

		gradWeights := MatMul(gradHeadOut, Transpose(vHead))
		gradVHead := MatMul(Transpose(weights), gradHeadOut)

		gradScores := Scale(SoftmaxBackward(weights, gradWeights), scale)

		gradQHead := MatMul(gradScores, kHead)
		gradKHead := MatMul(Transpose(gradScores), qHead)

		attn.placeHead(gradQ, gradQHead, h)
		attn.placeHead(gradK, gradKHead, h)
		attn.placeHead(gradV, gradVHead, h)
	}

	gradInQ, gradWq := MatMulBackward(ac.input, attn.wq, gradQ)
	attn.wq.AccumulateGrad(gradWq)
	gradInK, gradWk := MatMulBackward(ac.input, attn.wk, gradK)
	attn.wk.AccumulateGrad(gradWk)
	gradInV, gradWv := MatMulBackward(ac.input, attn.wv, gradV)
	attn.wv.AccumulateGrad(gradWv)

	return Add(gradInQ, Add(gradInK, gradInV))
}

// placeHead copies a [seqLen, headDim] head tensor into head h's columns of
// a full [seqLen, hidden] tensor.
func (attn *bertAttention) placeHead(full, head *Tensor, h int) {
	seqLen := head.shape[0]
	hidden := full.shape[1]
	for i := 0; i < seqLen; i++ {
		copy(full.data[i*hidden+h*attn.headDim:i*hidden+(h+1)*attn.headDim],
			head.data[i*attn.headDim:(i+1)*attn.headDim])
	}
}
