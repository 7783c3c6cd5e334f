package main

// ===========================================================================
// BERT FOR PRETRAINING
// ===========================================================================
//
// Bidirectional encoder with the two classic pretraining heads:
//
//   - masked language modeling (MLM): predict the original token at each
//     masked position, scored against the full vocabulary
//   - next-sentence prediction (NSP): binary classification over the pooled
//     [CLS] state, predicting whether segment B follows segment A
//
// The encoder is post-LN: each sublayer output is added to its input and
// then normalized, matching the original BERT arrangement. Attention is
// fully bidirectional; the only masking is the additive padding mask built
// from the per-example input mask.
//
// Construction only allocates and default-initializes parameters. Nothing
// here executes a training step; that is the job of the compiled
// PretrainingStep, which pairs ForwardWithCache with Backward.
// ===========================================================================

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// BertConfig holds the architecture hyperparameters of a BERT model.
// JSON tags match the bert_config.json layout used by published checkpoints.
type BertConfig struct {
	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	NumLayers             int     `json:"num_hidden_layers"`
	NumHeads              int     `json:"num_attention_heads"`
	IntermediateSize      int     `json:"intermediate_size"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	TypeVocabSize         int     `json:"type_vocab_size"`
	InitializerRange      float64 `json:"initializer_range"`
	LayerNormEps          float64 `json:"layer_norm_eps"`
	PadTokenID            int     `json:"pad_token_id"`
}

// pretrainedConfigs maps registry shortcut names to their architecture.
// bert-tiny matches the published 2-layer distillation target and keeps
// smoke runs of the benchmark fast on a laptop.
var pretrainedConfigs = map[string]BertConfig{
	"bert-base-uncased": {
		VocabSize:             30522,
		HiddenSize:            768,
		NumLayers:             12,
		NumHeads:              12,
		IntermediateSize:      3072,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		InitializerRange:      0.02,
		LayerNormEps:          1e-12,
	},
	"bert-large-uncased": {
		VocabSize:             30522,
		HiddenSize:            1024,
		NumLayers:             24,
		NumHeads:              16,
		IntermediateSize:      4096,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		InitializerRange:      0.02,
		LayerNormEps:          1e-12,
	},
	"bert-tiny-uncased": {
		VocabSize:             30522,
		HiddenSize:            128,
		NumLayers:             2,
		NumHeads:              2,
		IntermediateSize:      512,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		InitializerRange:      0.02,
		LayerNormEps:          1e-12,
	},
}

const bertConfigFile = "bert_config.json"

// ResolveBertConfig returns the architecture for a registry shortcut name or
// for a local directory containing bert_config.json. The returned config is
// a private copy the caller may adjust (e.g. vocab padding).
func ResolveBertConfig(nameOrPath string) (*BertConfig, error) {
	if cfg, ok := pretrainedConfigs[nameOrPath]; ok {
		c := cfg
		return &c, nil
	}

	path := filepath.Join(nameOrPath, bertConfigFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model: %q is not a registered model and %s could not be read: %w",
			nameOrPath, path, err)
	}

	cfg := BertConfig{
		InitializerRange: 0.02,
		LayerNormEps:     1e-12,
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("model: failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// LayerNorm normalizes each row of a 2D input over its last dimension and
// applies a learned gain and bias.
type LayerNorm struct {
	gamma *Tensor
	beta  *Tensor
	eps   float64
}

// NewLayerNorm creates a LayerNorm with gain 1 and bias 0, the framework
// default that parameter reset deliberately leaves untouched.
func NewLayerNorm(dim int, eps float64) *LayerNorm {
	ln := &LayerNorm{
		gamma: NewTensor(dim),
		beta:  NewTensor(dim),
		eps:   eps,
	}
	for i := range ln.gamma.data {
		ln.gamma.data[i] = 1.0
	}
	return ln
}

// Forward applies layer normalization row-wise.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("layernorm: requires 2D input")
	}

	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)
	n := float64(cols)

	for r := 0; r < rows; r++ {
		mean := 0.0
		for c := 0; c < cols; c++ {
			mean += x.data[r*cols+c]
		}
		mean /= n

		variance := 0.0
		for c := 0; c < cols; c++ {
			diff := x.data[r*cols+c] - mean
			variance += diff * diff
		}
		variance /= n

		invStd := 1.0 / math.Sqrt(variance+ln.eps)
		for c := 0; c < cols; c++ {
			norm := (x.data[r*cols+c] - mean) * invStd
			out.data[r*cols+c] = norm*ln.gamma.data[c] + ln.beta.data[c]
		}
	}
	return out
}

// bertAttention is multi-head bidirectional self-attention without
// projection biases.
type bertAttention struct {
	wq, wk, wv, wo *Tensor
	numHeads       int
	headDim        int
}

func newBertAttention(cfg *BertConfig, rng *rand.Rand) *bertAttention {
	if cfg.HiddenSize%cfg.NumHeads != 0 {
		panic(fmt.Sprintf("model: hidden size %d not divisible by %d heads", cfg.HiddenSize, cfg.NumHeads))
	}
	h := cfg.HiddenSize
	return &bertAttention{
		wq:       NewTensorNormal(rng, cfg.InitializerRange, h, h),
		wk:       NewTensorNormal(rng, cfg.InitializerRange, h, h),
		wv:       NewTensorNormal(rng, cfg.InitializerRange, h, h),
		wo:       NewTensorNormal(rng, cfg.InitializerRange, h, h),
		numHeads: cfg.NumHeads,
		headDim:  h / cfg.NumHeads,
	}
}

// bertFFN is the position-wise feed-forward sublayer: dense, GELU, dense.
type bertFFN struct {
	w1, b1 *Tensor
	w2, b2 *Tensor
}

func newBertFFN(cfg *BertConfig, rng *rand.Rand) *bertFFN {
	return &bertFFN{
		w1: NewTensorNormal(rng, cfg.InitializerRange, cfg.HiddenSize, cfg.IntermediateSize),
		b1: NewTensor(cfg.IntermediateSize),
		w2: NewTensorNormal(rng, cfg.InitializerRange, cfg.IntermediateSize, cfg.HiddenSize),
		b2: NewTensor(cfg.HiddenSize),
	}
}

// bertEncoderLayer is one post-LN transformer layer.
type bertEncoderLayer struct {
	attn     *bertAttention
	attnNorm *LayerNorm
	ffn      *bertFFN
	ffnNorm  *LayerNorm
}

// BertForPretraining is a BERT encoder with MLM and NSP heads attached.
type BertForPretraining struct {
	Config *BertConfig

	// Embeddings
	wordEmb *Tensor // [vocab, hidden]
	posEmb  *Tensor // [maxPositions, hidden]
	segEmb  *Tensor // [typeVocab, hidden]
	embNorm *LayerNorm

	layers []*bertEncoderLayer

	// Pooler over the [CLS] state feeding the NSP head
	poolerW *Tensor // [hidden, hidden]
	poolerB *Tensor // [hidden]

	// MLM head: dense + GELU + LayerNorm transform, then vocab decoder
	mlmTransformW *Tensor // [hidden, hidden]
	mlmTransformB *Tensor // [hidden]
	mlmNorm       *LayerNorm
	mlmDecoderW   *Tensor // [hidden, vocab]
	mlmDecoderB   *Tensor // [vocab]

	// NSP head
	nspW *Tensor // [hidden, 2]
	nspB *Tensor // [2]
}

// NewBertForPretraining builds the model and applies the default
// normal-distribution initialization to every weight matrix. LayerNorm
// parameters start at their identity values, biases at zero.
func NewBertForPretraining(cfg *BertConfig, rng *rand.Rand) *BertForPretraining {
	m := &BertForPretraining{
		Config:  cfg,
		wordEmb: NewTensorNormal(rng, cfg.InitializerRange, cfg.VocabSize, cfg.HiddenSize),
		posEmb:  NewTensorNormal(rng, cfg.InitializerRange, cfg.MaxPositionEmbeddings, cfg.HiddenSize),
		segEmb:  NewTensorNormal(rng, cfg.InitializerRange, cfg.TypeVocabSize, cfg.HiddenSize),
		embNorm: NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEps),

		poolerW: NewTensorNormal(rng, cfg.InitializerRange, cfg.HiddenSize, cfg.HiddenSize),
		poolerB: NewTensor(cfg.HiddenSize),

		mlmTransformW: NewTensorNormal(rng, cfg.InitializerRange, cfg.HiddenSize, cfg.HiddenSize),
		mlmTransformB: NewTensor(cfg.HiddenSize),
		mlmNorm:       NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEps),
		mlmDecoderW:   NewTensorNormal(rng, cfg.InitializerRange, cfg.HiddenSize, cfg.VocabSize),
		mlmDecoderB:   NewTensor(cfg.VocabSize),

		nspW: NewTensorNormal(rng, cfg.InitializerRange, cfg.HiddenSize, 2),
		nspB: NewTensor(2),
	}

	m.layers = make([]*bertEncoderLayer, cfg.NumLayers)
	for i := range m.layers {
		m.layers[i] = &bertEncoderLayer{
			attn:     newBertAttention(cfg, rng),
			attnNorm: NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEps),
			ffn:      newBertFFN(cfg, rng),
			ffnNorm:  NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEps),
		}
	}
	return m
}

// NamedParameter pairs a parameter tensor with its stable name. Names drive
// the weight-decay filter, the parameter-reset filter, and the checkpoint
// layout, so they must not change between releases.
type NamedParameter struct {
	Name   string
	Tensor *Tensor
}

// NamedParameters returns every trainable parameter in a fixed order.
func (m *BertForPretraining) NamedParameters() []NamedParameter {
	params := []NamedParameter{
		{"bert.embeddings.word_embeddings.weight", m.wordEmb},
		{"bert.embeddings.position_embeddings.weight", m.posEmb},
		{"bert.embeddings.token_type_embeddings.weight", m.segEmb},
		{"bert.embeddings.layer_norm.weight", m.embNorm.gamma},
		{"bert.embeddings.layer_norm.bias", m.embNorm.beta},
	}

	for i, layer := range m.layers {
		prefix := fmt.Sprintf("bert.encoder.layer.%d", i)
		params = append(params,
			NamedParameter{prefix + ".attention.query.weight", layer.attn.wq},
			NamedParameter{prefix + ".attention.key.weight", layer.attn.wk},
			NamedParameter{prefix + ".attention.value.weight", layer.attn.wv},
			NamedParameter{prefix + ".attention.output.weight", layer.attn.wo},
			NamedParameter{prefix + ".attention.layer_norm.weight", layer.attnNorm.gamma},
			NamedParameter{prefix + ".attention.layer_norm.bias", layer.attnNorm.beta},
			NamedParameter{prefix + ".intermediate.dense.weight", layer.ffn.w1},
			NamedParameter{prefix + ".intermediate.dense.bias", layer.ffn.b1},
			NamedParameter{prefix + ".output.dense.weight", layer.ffn.w2},
			NamedParameter{prefix + ".output.dense.bias", layer.ffn.b2},
			NamedParameter{prefix + ".output.layer_norm.weight", layer.ffnNorm.gamma},
			NamedParameter{prefix + ".output.layer_norm.bias", layer.ffnNorm.beta},
		)
	}

	params = append(params,
		NamedParameter{"bert.pooler.dense.weight", m.poolerW},
		NamedParameter{"bert.pooler.dense.bias", m.poolerB},
		NamedParameter{"cls.predictions.transform.dense.weight", m.mlmTransformW},
		NamedParameter{"cls.predictions.transform.dense.bias", m.mlmTransformB},
		NamedParameter{"cls.predictions.transform.layer_norm.weight", m.mlmNorm.gamma},
		NamedParameter{"cls.predictions.transform.layer_norm.bias", m.mlmNorm.beta},
		NamedParameter{"cls.predictions.decoder.weight", m.mlmDecoderW},
		NamedParameter{"cls.predictions.decoder.bias", m.mlmDecoderB},
		NamedParameter{"cls.seq_relationship.weight", m.nspW},
		NamedParameter{"cls.seq_relationship.bias", m.nspB},
	)
	return params
}

// ResetParameters redraws every parameter whose name does not mark it as a
// normalization parameter from N(0, InitializerRange), leaving LayerNorm
// gains and biases at their default-initialized values.
//
// The default initializer cannot skip normalization parameters selectively,
// so initialization is two-pass: default fill at construction, then this
// selective overwrite. Skipping the second pass changes training behavior.
func ResetParameters(m *BertForPretraining, seed int64) {
	dist := distuv.Normal{
		Mu:    0,
		Sigma: m.Config.InitializerRange,
		Src:   exprand.NewSource(uint64(seed)),
	}

	for _, p := range m.NamedParameters() {
		if strings.Contains(p.Name, "norm") {
			continue
		}
		for i := range p.Tensor.data {
			p.Tensor.data[i] = dist.Rand()
		}
	}
}

// PretrainingOutput is the forward result for one example.
type PretrainingOutput struct {
	// PredictionScores holds per-token vocabulary logits, [seqLen, vocab].
	PredictionScores *Tensor
	// SeqRelationship holds the next-sentence logits, [1, 2].
	SeqRelationship *Tensor
}

// Activation caches for the backward pass. One cache tree per example; the
// step discards it as soon as Backward has consumed it.
type pretrainCache struct {
	inputIDs   []int
	segmentIDs []int
	attnBias   []float64 // 0 for real tokens, -1e9 for padding columns

	embSum *Tensor // embeddings sum, before the embedding LayerNorm

	layers     []*encoderLayerCache
	encoderOut *Tensor // final hidden states, [seqLen, hidden]

	// MLM head
	mlmDense *Tensor // transform pre-activation
	mlmAct   *Tensor // after GELU, before transform LayerNorm
	mlmTrans *Tensor // decoder input

	// NSP head
	clsHidden *Tensor // [1, hidden] copy of the [CLS] state
	pooled    *Tensor // [1, hidden] after tanh
}

type encoderLayerCache struct {
	input     *Tensor // layer input x
	attnCache *attentionCache
	attnSum   *Tensor // x + attention(x), pre-norm
	attnOut   *Tensor // normalized attention sublayer output a
	ffnCache  *ffnCache
	ffnSum    *Tensor // a + ffn(a), pre-norm
}

type attentionCache struct {
	input       *Tensor
	q, k, v     *Tensor   // full projections, [seqLen, hidden]
	headWeights []*Tensor // post-softmax attention weights per head
	context     *Tensor   // concatenated head outputs, pre-output-projection
}

type ffnCache struct {
	input  *Tensor
	pre    *Tensor // first dense output, pre-GELU
	hidden *Tensor // after GELU
}

// paddingBias converts a 0/1 input mask into the additive attention bias:
// attending to a padding position costs -1e9, pushing its softmax weight
// to zero.
func paddingBias(inputMask []int) []float64 {
	bias := make([]float64, len(inputMask))
	for i, m := range inputMask {
		if m == 0 {
			bias[i] = -1e9
		}
	}
	return bias
}

// ForwardWithCache runs the full forward pass for one example and records
// the activations Backward needs. The returned cache is valid until the
// model's parameters change.
func (m *BertForPretraining) ForwardWithCache(ex *Example) (*PretrainingOutput, *pretrainCache) {
	seqLen := len(ex.InputIDs)
	if seqLen > m.Config.MaxPositionEmbeddings {
		panic(fmt.Sprintf("model: sequence length %d exceeds %d position embeddings",
			seqLen, m.Config.MaxPositionEmbeddings))
	}
	hidden := m.Config.HiddenSize

	cache := &pretrainCache{
		inputIDs:   ex.InputIDs,
		segmentIDs: ex.SegmentIDs,
		attnBias:   paddingBias(ex.InputMask),
		layers:     make([]*encoderLayerCache, len(m.layers)),
	}

	// Sum the three embeddings, then normalize.
	x := NewTensor(seqLen, hidden)
	for i := 0; i < seqLen; i++ {
		tok := ex.InputIDs[i]
		seg := ex.SegmentIDs[i]
		for d := 0; d < hidden; d++ {
			x.data[i*hidden+d] = m.wordEmb.data[tok*hidden+d] +
				m.posEmb.data[i*hidden+d] +
				m.segEmb.data[seg*hidden+d]
		}
	}
	cache.embSum = x.Clone()
	x = m.embNorm.Forward(x)

	for li, layer := range m.layers {
		lc := &encoderLayerCache{input: x.Clone()}

		attnOut, ac := layer.attn.forward(x, cache.attnBias)
		lc.attnCache = ac
		sum1 := Add(x, attnOut)
		lc.attnSum = sum1.Clone()
		a := layer.attnNorm.Forward(sum1)
		lc.attnOut = a.Clone()

		ffnOut, fc := layer.ffn.forward(a)
		lc.ffnCache = fc
		sum2 := Add(a, ffnOut)
		lc.ffnSum = sum2.Clone()
		x = layer.ffnNorm.Forward(sum2)

		cache.layers[li] = lc
	}
	cache.encoderOut = x

	// MLM head: transform every position, decode against the vocabulary.
	dense := addRowBias(MatMul(x, m.mlmTransformW), m.mlmTransformB)
	cache.mlmDense = dense
	act := GELU(dense)
	cache.mlmAct = act
	trans := m.mlmNorm.Forward(act)
	cache.mlmTrans = trans
	scores := addRowBias(MatMul(trans, m.mlmDecoderW), m.mlmDecoderB)

	// NSP head: pool the [CLS] state through tanh, then classify.
	cls := NewTensor(1, hidden)
	copy(cls.data, x.data[:hidden])
	cache.clsHidden = cls

	pooled := addRowBias(MatMul(cls, m.poolerW), m.poolerB)
	for i := range pooled.data {
		pooled.data[i] = math.Tanh(pooled.data[i])
	}
	cache.pooled = pooled

	rel := addRowBias(MatMul(pooled, m.nspW), m.nspB)

	return &PretrainingOutput{PredictionScores: scores, SeqRelationship: rel}, cache
}

// forward computes multi-head attention over x with the additive padding
// bias applied to every score column.
func (attn *bertAttention) forward(x *Tensor, bias []float64) (*Tensor, *attentionCache) {
	seqLen := x.shape[0]
	hidden := x.shape[1]

	cache := &attentionCache{
		input:       x.Clone(),
		headWeights: make([]*Tensor, attn.numHeads),
	}

	cache.q = MatMul(x, attn.wq)
	cache.k = MatMul(x, attn.wk)
	cache.v = MatMul(x, attn.wv)

	context := NewTensor(seqLen, hidden)
	scale := 1.0 / math.Sqrt(float64(attn.headDim))

	for h := 0; h < attn.numHeads; h++ {
		qHead, kHead, vHead := attn.extractHead(cache.q, h), attn.extractHead(cache.k, h), attn.extractHead(cache.v, h)

		scores := Scale(MatMul(qHead, Transpose(kHead)), scale)
		for i := 0; i < seqLen; i++ {
			for j := 0; j < seqLen; j++ {
				scores.data[i*seqLen+j] += bias[j]
			}
		}

		weights := Softmax(scores)
		cache.headWeights[h] = weights

		headOut := MatMul(weights, vHead)
		for i := 0; i < seqLen; i++ {
			for d := 0; d < attn.headDim; d++ {
				context.data[i*hidden+h*attn.headDim+d] = headOut.data[i*attn.headDim+d]
			}
		}
	}
	cache.context = context.Clone()

	return MatMul(context, attn.wo), cache
}

// extractHead copies head h of a full [seqLen, hidden] projection into a
// [seqLen, headDim] tensor.
func (attn *bertAttention) extractHead(full *Tensor, h int) *Tensor {
	seqLen := full.shape[0]
	hidden := full.shape[1]
	out := NewTensor(seqLen, attn.headDim)
	for i := 0; i < seqLen; i++ {
		copy(out.data[i*attn.headDim:(i+1)*attn.headDim],
			full.data[i*hidden+h*attn.headDim:i*hidden+(h+1)*attn.headDim])
	}
	return out
}

func (ff *bertFFN) forward(x *Tensor) (*Tensor, *ffnCache) {
	cache := &ffnCache{input: x.Clone()}

	pre := addRowBias(MatMul(x, ff.w1), ff.b1)
	cache.pre = pre

	hidden := GELU(pre)
	cache.hidden = hidden

	return addRowBias(MatMul(hidden, ff.w2), ff.b2), cache
}

// addRowBias adds a [cols] bias vector to every row of a [rows, cols]
// tensor, in place, and returns the tensor.
func addRowBias(x, bias *Tensor) *Tensor {
	cols := bias.Size()
	if x.shape[len(x.shape)-1] != cols {
		panic("model: bias length does not match last dimension")
	}
	for i := range x.data {
		x.data[i] += bias.data[i%cols]
	}
	return x
}

// accumulateBiasGrad adds the column sums of grad into the bias gradient.
func accumulateBiasGrad(bias, grad *Tensor) {
	cols := bias.Size()
	for i := range grad.data {
		bias.grad[i%cols] += grad.data[i]
	}
}
