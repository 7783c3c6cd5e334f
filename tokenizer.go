package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WordPieceTokenizer maps between text and the vocabulary ids the shards
// are encoded with. The training loop itself never tokenizes text; the
// tokenizer rides along so each checkpoint directory is self-contained and
// usable for fine-tuning without hunting down the original vocab.
type WordPieceTokenizer struct {
	vocab []string
	ids   map[string]int

	padID, unkID, clsID, sepID, maskID int
	doLowerCase                        bool
}

const (
	vocabFile           = "vocab.txt"
	tokenizerConfigFile = "tokenizer_config.json"
)

type tokenizerConfig struct {
	DoLowerCase bool   `json:"do_lower_case"`
	UnkToken    string `json:"unk_token"`
	SepToken    string `json:"sep_token"`
	PadToken    string `json:"pad_token"`
	ClsToken    string `json:"cls_token"`
	MaskToken   string `json:"mask_token"`
}

// LoadTokenizer loads the vocabulary for a registry shortcut or from a
// local directory's vocab.txt. Registry names synthesize the standard
// uncased vocabulary layout sized to the model config, good enough for
// benchmark runs where the shards carry pre-tokenized ids anyway.
func LoadTokenizer(nameOrPath string, cfg *BertConfig) (*WordPieceTokenizer, error) {
	if _, ok := pretrainedConfigs[nameOrPath]; ok {
		return newSyntheticTokenizer(cfg.VocabSize), nil
	}

	path := filepath.Join(nameOrPath, vocabFile)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: failed to open %s: %w", path, err)
	}
	defer f.Close()

	var vocab []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		vocab = append(vocab, strings.TrimRight(scanner.Text(), "\n"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tokenizer: failed to read %s: %w", path, err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer: %s is empty", path)
	}

	return newTokenizerFromVocab(vocab)
}

// newSyntheticTokenizer builds the conventional uncased vocabulary skeleton:
// [PAD] at 0, unused slots, then the special tokens at their published ids.
func newSyntheticTokenizer(vocabSize int) *WordPieceTokenizer {
	vocab := make([]string, vocabSize)
	vocab[0] = "[PAD]"
	for i := 1; i < 100 && i < vocabSize; i++ {
		vocab[i] = fmt.Sprintf("[unused%d]", i)
	}
	if vocabSize > 100 {
		vocab[100] = "[UNK]"
	}
	if vocabSize > 101 {
		vocab[101] = "[CLS]"
	}
	if vocabSize > 102 {
		vocab[102] = "[SEP]"
	}
	if vocabSize > 103 {
		vocab[103] = "[MASK]"
	}
	for i := 104; i < vocabSize; i++ {
		vocab[i] = fmt.Sprintf("[unused%d]", i)
	}

	t, err := newTokenizerFromVocab(vocab)
	if err != nil {
		panic(fmt.Sprintf("tokenizer: synthetic vocabulary invalid: %v", err))
	}
	return t
}

func newTokenizerFromVocab(vocab []string) (*WordPieceTokenizer, error) {
	t := &WordPieceTokenizer{
		vocab:       vocab,
		ids:         make(map[string]int, len(vocab)),
		doLowerCase: true,
	}
	for i, token := range vocab {
		t.ids[token] = i
	}

	lookup := func(token string) (int, error) {
		id, ok := t.ids[token]
		if !ok {
			return 0, fmt.Errorf("tokenizer: vocabulary is missing %s", token)
		}
		return id, nil
	}

	var err error
	if t.padID, err = lookup("[PAD]"); err != nil {
		return nil, err
	}
	if t.unkID, err = lookup("[UNK]"); err != nil {
		return nil, err
	}
	if t.clsID, err = lookup("[CLS]"); err != nil {
		return nil, err
	}
	if t.sepID, err = lookup("[SEP]"); err != nil {
		return nil, err
	}
	if t.maskID, err = lookup("[MASK]"); err != nil {
		return nil, err
	}
	return t, nil
}

// VocabSize returns the number of entries in the vocabulary.
func (t *WordPieceTokenizer) VocabSize() int { return len(t.vocab) }

// PadID returns the id of the padding token.
func (t *WordPieceTokenizer) PadID() int { return t.padID }

// Encode tokenizes text into vocabulary ids using greedy longest-match
// wordpiece segmentation. Unknown words map to [UNK].
func (t *WordPieceTokenizer) Encode(text string) []int {
	if t.doLowerCase {
		text = strings.ToLower(text)
	}

	var ids []int
	for _, word := range strings.Fields(text) {
		ids = append(ids, t.encodeWord(word)...)
	}
	return ids
}

func (t *WordPieceTokenizer) encodeWord(word string) []int {
	var pieces []int
	runes := []rune(word)
	start := 0

	for start < len(runes) {
		end := len(runes)
		found := -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.ids[piece]; ok {
				found = id
				break
			}
			end--
		}
		if found < 0 {
			return []int{t.unkID}
		}
		pieces = append(pieces, found)
		start = end
	}
	return pieces
}

// Decode maps ids back to their tokens, joining continuation pieces.
func (t *WordPieceTokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for i, id := range ids {
		if id < 0 || id >= len(t.vocab) {
			continue
		}
		token := t.vocab[id]
		if cont, ok := strings.CutPrefix(token, "##"); ok {
			sb.WriteString(cont)
			continue
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(token)
	}
	return sb.String()
}

// SavePretrained writes vocab.txt and tokenizer_config.json into dir,
// making the directory loadable as a tokenizer source.
func (t *WordPieceTokenizer) SavePretrained(dir string) error {
	vocabPath := filepath.Join(dir, vocabFile)
	f, err := os.Create(vocabPath)
	if err != nil {
		return fmt.Errorf("tokenizer: failed to create %s: %w", vocabPath, err)
	}
	w := bufio.NewWriter(f)
	for _, token := range t.vocab {
		if _, err := w.WriteString(token + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("tokenizer: failed to write %s: %w", vocabPath, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("tokenizer: failed to flush %s: %w", vocabPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("tokenizer: failed to close %s: %w", vocabPath, err)
	}

	cfg, err := json.MarshalIndent(tokenizerConfig{
		DoLowerCase: t.doLowerCase,
		UnkToken:    "[UNK]",
		SepToken:    "[SEP]",
		PadToken:    "[PAD]",
		ClsToken:    "[CLS]",
		MaskToken:   "[MASK]",
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenizer: failed to encode config: %w", err)
	}

	cfgPath := filepath.Join(dir, tokenizerConfigFile)
	if err := os.WriteFile(cfgPath, cfg, 0o644); err != nil {
		return fmt.Errorf("tokenizer: failed to write %s: %w", cfgPath, err)
	}
	return nil
}
