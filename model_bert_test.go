package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// tinyBertConfig keeps forward/backward tests fast.
func tinyBertConfig() *BertConfig {
	return &BertConfig{
		VocabSize:             120,
		HiddenSize:            16,
		NumLayers:             2,
		NumHeads:              2,
		IntermediateSize:      32,
		MaxPositionEmbeddings: 32,
		TypeVocabSize:         2,
		InitializerRange:      0.02,
		LayerNormEps:          1e-12,
	}
}

func tinyExample(seqLen, numMasked int) *Example {
	ex := &Example{
		InputIDs:   make([]int, seqLen),
		SegmentIDs: make([]int, seqLen),
		InputMask:  make([]int, seqLen),
	}
	for i := 0; i < seqLen-2; i++ {
		ex.InputIDs[i] = 104 + i
		ex.InputMask[i] = 1
		if i > seqLen/2 {
			ex.SegmentIDs[i] = 1
		}
	}
	for m := 0; m < numMasked; m++ {
		pos := 1 + m
		ex.MaskedPositions = append(ex.MaskedPositions, pos)
		ex.MaskedLabels = append(ex.MaskedLabels, ex.InputIDs[pos])
		ex.InputIDs[pos] = 103
	}
	ex.NextSentence = 1
	return ex
}

func TestResolveBertConfigRegistry(t *testing.T) {
	cfg, err := ResolveBertConfig("bert-base-uncased")
	require.NoError(t, err)
	require.Equal(t, 768, cfg.HiddenSize)
	require.Equal(t, 12, cfg.NumLayers)

	// Returned config is a copy; mutating it must not poison the registry.
	cfg.HiddenSize = 1
	again, err := ResolveBertConfig("bert-base-uncased")
	require.NoError(t, err)
	require.Equal(t, 768, again.HiddenSize)
}

func TestResolveBertConfigFromDir(t *testing.T) {
	dir := t.TempDir()
	raw, err := json.Marshal(tinyBertConfig())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, bertConfigFile), raw, 0o644))

	cfg, err := ResolveBertConfig(dir)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.HiddenSize)
	require.Equal(t, 120, cfg.VocabSize)
}

func TestResolveBertConfigUnknown(t *testing.T) {
	_, err := ResolveBertConfig("no-such-model")
	require.Error(t, err)
}

func TestForwardShapes(t *testing.T) {
	cfg := tinyBertConfig()
	m := NewBertForPretraining(cfg, NewRunRNG(1))

	out, cache := m.ForwardWithCache(tinyExample(12, 3))

	require.Equal(t, []int{12, cfg.VocabSize}, out.PredictionScores.Shape())
	require.Equal(t, []int{1, 2}, out.SeqRelationship.Shape())
	require.NotNil(t, cache)
	require.Len(t, cache.layers, cfg.NumLayers)
}

func TestNamedParameterNames(t *testing.T) {
	m := NewBertForPretraining(tinyBertConfig(), NewRunRNG(1))
	params := m.NamedParameters()

	// 5 embedding params + 12 per layer + 10 head params.
	require.Len(t, params, 5+12*2+10)

	seen := make(map[string]bool)
	for _, p := range params {
		require.False(t, seen[p.Name], "duplicate name %s", p.Name)
		seen[p.Name] = true
	}
	require.True(t, seen["bert.embeddings.word_embeddings.weight"])
	require.True(t, seen["bert.encoder.layer.1.attention.query.weight"])
	require.True(t, seen["cls.seq_relationship.bias"])
}

func TestResetParametersPreservesNorms(t *testing.T) {
	m := NewBertForPretraining(tinyBertConfig(), NewRunRNG(1))

	before := make(map[string][]float64)
	for _, p := range m.NamedParameters() {
		before[p.Name] = append([]float64(nil), p.Tensor.data...)
	}

	ResetParameters(m, 99)

	for _, p := range m.NamedParameters() {
		if strings.Contains(p.Name, "norm") {
			require.Equal(t, before[p.Name], p.Tensor.data, "%s should be untouched", p.Name)
		} else {
			require.NotEqual(t, before[p.Name], p.Tensor.data, "%s should be redrawn", p.Name)
		}
	}
}

func TestResetParametersDeterministic(t *testing.T) {
	a := NewBertForPretraining(tinyBertConfig(), NewRunRNG(1))
	b := NewBertForPretraining(tinyBertConfig(), NewRunRNG(2))

	ResetParameters(a, 7)
	ResetParameters(b, 7)

	pa, pb := a.NamedParameters(), b.NamedParameters()
	for i := range pa {
		if strings.Contains(pa[i].Name, "norm") {
			continue
		}
		require.Equal(t, pa[i].Tensor.data, pb[i].Tensor.data, pa[i].Name)
	}
}

func TestBackwardProducesGradients(t *testing.T) {
	cfg := tinyBertConfig()
	m := NewBertForPretraining(cfg, NewRunRNG(1))
	ex := tinyExample(10, 2)

	out, cache := m.ForwardWithCache(ex)

	criterion := NewPretrainingCriterion()
	_, gradScores, gradRel := criterion.LossAndGrad(out, ex, 2, 1, 1.0)
	m.Backward(gradScores, gradRel, cache)

	// Every non-positional parameter that participates should have some
	// gradient signal.
	for _, name := range []string{
		"bert.embeddings.layer_norm.weight",
		"bert.encoder.layer.0.attention.query.weight",
		"bert.encoder.layer.1.output.dense.bias",
		"cls.predictions.decoder.weight",
		"cls.seq_relationship.weight",
		"bert.pooler.dense.weight",
	} {
		p := findParam(t, m, name)
		nonzero := false
		for _, g := range p.grad {
			if g != 0 {
				nonzero = true
				break
			}
		}
		require.True(t, nonzero, "%s has all-zero gradient", name)
	}
}

func TestPaddingMaskBlocksAttention(t *testing.T) {
	cfg := tinyBertConfig()
	m := NewBertForPretraining(cfg, NewRunRNG(1))

	ex := tinyExample(8, 1)
	out1, _ := m.ForwardWithCache(ex)

	// Changing a padded token's id must not change any output: attention
	// cannot see it and no masked position points at it.
	ex.InputIDs[7] = 110
	out2, _ := m.ForwardWithCache(ex)

	// Padded rows themselves differ, so compare only real token rows.
	vocab := cfg.VocabSize
	for i := 0; i < 6; i++ {
		for v := 0; v < vocab; v++ {
			require.Equal(t, out1.PredictionScores.At(i, v), out2.PredictionScores.At(i, v),
				"row %d changed", i)
		}
	}
	require.Equal(t, out1.SeqRelationship.data, out2.SeqRelationship.data)
}

func findParam(t *testing.T, m *BertForPretraining, name string) *Tensor {
	t.Helper()
	for _, p := range m.NamedParameters() {
		if p.Name == name {
			return p.Tensor
		}
	}
	t.Fatalf("parameter %s not found", name)
	return nil
}
