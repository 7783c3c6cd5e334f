package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Checkpoint layout: each save creates outputDir/model_<step>/ containing
//
//	model.bin               architecture config + all parameter tensors
//	vocab.txt               tokenizer vocabulary
//	tokenizer_config.json   tokenizer settings
//
// model.bin starts with a little-endian uint32 length followed by the JSON
// BertConfig, then each parameter in NamedParameters order: name length and
// bytes, rank, dimensions, and the float64 values. Gradients and optimizer
// state are not persisted; a checkpoint is a model snapshot, not a resume
// point.

const modelFile = "model.bin"

// SaveCheckpoint writes the model and tokenizer into a step-indexed
// subdirectory of outputDir and returns its path.
func SaveCheckpoint(outputDir string, step int, m *BertForPretraining, tok *WordPieceTokenizer) (string, error) {
	dir := filepath.Join(outputDir, fmt.Sprintf("model_%d", step))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: failed to create %s: %w", dir, err)
	}

	if err := saveModel(filepath.Join(dir, modelFile), m); err != nil {
		return "", err
	}
	if err := tok.SavePretrained(dir); err != nil {
		return "", err
	}
	return dir, nil
}

func saveModel(path string, m *BertForPretraining) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)

	cfgBytes, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("checkpoint: failed to encode config: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(cfgBytes))); err != nil {
		return err
	}
	if _, err := w.Write(cfgBytes); err != nil {
		return err
	}

	for _, p := range m.NamedParameters() {
		if err := writeTensor(w, p); err != nil {
			return fmt.Errorf("checkpoint: failed to write %s: %w", p.Name, err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("checkpoint: failed to flush %s: %w", path, err)
	}
	return nil
}

func writeTensor(w io.Writer, p NamedParameter) error {
	name := []byte(p.Name)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(name))); err != nil {
		return err
	}
	if _, err := w.Write(name); err != nil {
		return err
	}

	shape := p.Tensor.Shape()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(shape))); err != nil {
		return err
	}
	for _, dim := range shape {
		if err := binary.Write(w, binary.LittleEndian, uint32(dim)); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.LittleEndian, p.Tensor.data)
}

// LoadModel reads a model.bin written by SaveCheckpoint. The file's config
// rebuilds the architecture, then every stored tensor overwrites the
// matching parameter. Name or shape mismatches are errors.
func LoadModel(path string) (*BertForPretraining, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)

	var cfgLen uint32
	if err := binary.Read(r, binary.LittleEndian, &cfgLen); err != nil {
		return nil, fmt.Errorf("checkpoint: failed to read config length: %w", err)
	}
	cfgBytes := make([]byte, cfgLen)
	if _, err := io.ReadFull(r, cfgBytes); err != nil {
		return nil, fmt.Errorf("checkpoint: failed to read config: %w", err)
	}

	var cfg BertConfig
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, fmt.Errorf("checkpoint: failed to parse config: %w", err)
	}

	m := NewBertForPretraining(&cfg, NewRunRNG(0))

	byName := make(map[string]*Tensor)
	for _, p := range m.NamedParameters() {
		byName[p.Name] = p.Tensor
	}

	for {
		name, shape, data, err := readTensor(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("checkpoint: failed to read tensor from %s: %w", path, err)
		}

		t, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("checkpoint: unknown parameter %q in %s", name, path)
		}
		if !shapeEqual(t.shape, shape) {
			return nil, fmt.Errorf("checkpoint: parameter %q has shape %v, expected %v", name, shape, t.shape)
		}
		copy(t.data, data)
	}

	return m, nil
}

func readTensor(r io.Reader) (string, []int, []float64, error) {
	var nameLen uint32
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return "", nil, nil, err
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", nil, nil, err
	}

	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return "", nil, nil, err
	}
	shape := make([]int, rank)
	size := 1
	for i := range shape {
		var dim uint32
		if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
			return "", nil, nil, err
		}
		shape[i] = int(dim)
		size *= int(dim)
	}

	data := make([]float64, size)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return "", nil, nil, err
	}
	return string(name), shape, data, nil
}
