package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyntheticTokenizerSpecialIDs(t *testing.T) {
	tok := newSyntheticTokenizer(30522)

	require.Equal(t, 0, tok.padID)
	require.Equal(t, 100, tok.unkID)
	require.Equal(t, 101, tok.clsID)
	require.Equal(t, 102, tok.sepID)
	require.Equal(t, 103, tok.maskID)
	require.Equal(t, 30522, tok.VocabSize())
}

func TestTokenizerEncodeDecode(t *testing.T) {
	vocab := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
		"hello", "world", "play", "##ing", "##ed"}
	tok, err := newTokenizerFromVocab(vocab)
	require.NoError(t, err)

	ids := tok.Encode("Hello playing world")
	require.Equal(t, []int{5, 7, 8, 6}, ids)
	require.Equal(t, "hello playing world", tok.Decode(ids))

	// Words with no covering pieces collapse to [UNK].
	require.Equal(t, []int{tok.unkID}, tok.Encode("zzz"))
}

func TestTokenizerMissingSpecialToken(t *testing.T) {
	_, err := newTokenizerFromVocab([]string{"[PAD]", "[UNK]", "hello"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "[CLS]")
}

func TestTokenizerSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	tok := newSyntheticTokenizer(200)
	require.NoError(t, tok.SavePretrained(dir))

	raw, err := os.ReadFile(filepath.Join(dir, vocabFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 200)
	require.Equal(t, "[PAD]", lines[0])
	require.Equal(t, "[MASK]", lines[103])

	reloaded, err := LoadTokenizer(dir, nil)
	require.NoError(t, err)
	require.Equal(t, tok.VocabSize(), reloaded.VocabSize())
	require.Equal(t, tok.maskID, reloaded.maskID)
}

func TestLoadTokenizerRegistryName(t *testing.T) {
	cfg, err := ResolveBertConfig("bert-base-uncased")
	require.NoError(t, err)

	tok, err := LoadTokenizer("bert-base-uncased", cfg)
	require.NoError(t, err)
	require.Equal(t, cfg.VocabSize, tok.VocabSize())
}

func TestLoadTokenizerMissingDir(t *testing.T) {
	_, err := LoadTokenizer(filepath.Join(t.TempDir(), "nope"), nil)
	require.Error(t, err)
}
