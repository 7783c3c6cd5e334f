package main

// ===========================================================================
// PRETRAINING SHARD DATASET
// ===========================================================================
//
// Shards are self-describing binary files produced offline by the data
// preparation pipeline (or by the synth subcommand for smoke runs):
//
//	[4]byte   magic "BSHD"
//	uint32    JSON header length (little-endian)
//	[]byte    JSON header: num_examples, seq_len, max_predictions_per_seq
//	then per example, all int32 little-endian:
//	  input ids          [seq_len]
//	  segment ids        [seq_len]
//	  input mask         [seq_len]
//	  masked positions   [max_predictions_per_seq], -1 padded
//	  masked labels      [max_predictions_per_seq], -1 padded
//	  next-sentence label [1]
//
// A dataset streams one shard sequentially; random access is never needed
// because shard order, not example order, is what gets shuffled between
// epochs.
// ===========================================================================

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

const shardMagic = "BSHD"

// shardHeader describes the fixed geometry of every example in a shard.
type shardHeader struct {
	NumExamples          int `json:"num_examples"`
	SeqLen               int `json:"seq_len"`
	MaxPredictionsPerSeq int `json:"max_predictions_per_seq"`
}

// Example is one pretraining sequence with its masking metadata.
type Example struct {
	InputIDs        []int // token ids, padded to seq_len
	SegmentIDs      []int // 0 for segment A, 1 for segment B
	InputMask       []int // 1 for real tokens, 0 for padding
	MaskedPositions []int // positions predicted by the MLM head
	MaskedLabels    []int // original token ids at those positions
	NextSentence    int   // 1 if segment B follows segment A
}

// Batch groups examples for one optimizer step. MLMScale is the number of
// valid masked predictions across the batch, clamped to at least one so the
// MLM loss normalizer never divides by zero on a degenerate batch.
type Batch struct {
	Examples []Example
	MLMScale float64
}

// ShardDataset reads batches from one open shard file.
type ShardDataset struct {
	f      *os.File
	r      *bufio.Reader
	header shardHeader

	batchSize int
	maxPred   int // effective prediction budget, min(configured, shard)
	read      int // examples consumed so far
}

// OpenShardDataset opens a shard and validates its header against the run
// configuration. maxPredictions caps how many masked positions per example
// reach the model; shards written with a larger budget are truncated to it.
func OpenShardDataset(path string, batchSize, maxPredictions int) (*ShardDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: failed to open shard %s: %w", path, err)
	}

	r := bufio.NewReaderSize(f, 1<<20)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		f.Close()
		return nil, fmt.Errorf("dataset: failed to read magic from %s: %w", path, err)
	}
	if string(magic) != shardMagic {
		f.Close()
		return nil, fmt.Errorf("dataset: %s is not a shard file (magic %q)", path, magic)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		f.Close()
		return nil, fmt.Errorf("dataset: failed to read header length from %s: %w", path, err)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("dataset: failed to read header from %s: %w", path, err)
	}

	var header shardHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("dataset: failed to parse header of %s: %w", path, err)
	}
	if header.SeqLen <= 0 || header.MaxPredictionsPerSeq <= 0 || header.NumExamples < 0 {
		f.Close()
		return nil, fmt.Errorf("dataset: %s has invalid header %+v", path, header)
	}

	maxPred := maxPredictions
	if header.MaxPredictionsPerSeq < maxPred {
		maxPred = header.MaxPredictionsPerSeq
	}

	return &ShardDataset{
		f:         f,
		r:         r,
		header:    header,
		batchSize: batchSize,
		maxPred:   maxPred,
	}, nil
}

// SeqLen returns the sequence length declared by the shard header.
func (d *ShardDataset) SeqLen() int { return d.header.SeqLen }

// NumExamples returns the example count declared by the shard header.
func (d *ShardDataset) NumExamples() int { return d.header.NumExamples }

// NextBatch returns the next full batch, or io.EOF once the shard cannot
// supply one. A trailing partial batch is dropped; every optimizer step
// sees exactly batchSize examples.
func (d *ShardDataset) NextBatch() (*Batch, error) {
	if d.header.NumExamples-d.read < d.batchSize {
		return nil, io.EOF
	}

	batch := &Batch{Examples: make([]Example, 0, d.batchSize)}
	validPredictions := 0

	for i := 0; i < d.batchSize; i++ {
		ex, err := d.readExample()
		if err != nil {
			return nil, fmt.Errorf("dataset: failed to read example %d of %s: %w",
				d.read, d.f.Name(), err)
		}
		d.read++
		validPredictions += len(ex.MaskedPositions)
		batch.Examples = append(batch.Examples, *ex)
	}

	batch.MLMScale = float64(validPredictions)
	if batch.MLMScale < 1 {
		batch.MLMScale = 1
	}
	return batch, nil
}

func (d *ShardDataset) readExample() (*Example, error) {
	seqLen := d.header.SeqLen
	shardPred := d.header.MaxPredictionsPerSeq

	inputIDs, err := d.readInts(seqLen)
	if err != nil {
		return nil, err
	}
	segmentIDs, err := d.readInts(seqLen)
	if err != nil {
		return nil, err
	}
	inputMask, err := d.readInts(seqLen)
	if err != nil {
		return nil, err
	}
	positions, err := d.readInts(shardPred)
	if err != nil {
		return nil, err
	}
	labels, err := d.readInts(shardPred)
	if err != nil {
		return nil, err
	}
	nsp, err := d.readInts(1)
	if err != nil {
		return nil, err
	}

	// Keep only valid (position, label) pairs within the effective budget.
	var maskedPositions, maskedLabels []int
	for i := 0; i < shardPred && len(maskedPositions) < d.maxPred; i++ {
		if positions[i] < 0 || labels[i] < 0 {
			continue
		}
		if positions[i] >= seqLen {
			return nil, fmt.Errorf("masked position %d outside sequence of length %d", positions[i], seqLen)
		}
		maskedPositions = append(maskedPositions, positions[i])
		maskedLabels = append(maskedLabels, labels[i])
	}

	return &Example{
		InputIDs:        inputIDs,
		SegmentIDs:      segmentIDs,
		InputMask:       inputMask,
		MaskedPositions: maskedPositions,
		MaskedLabels:    maskedLabels,
		NextSentence:    nsp[0],
	}, nil
}

func (d *ShardDataset) readInts(n int) ([]int, error) {
	buf := make([]int32, n)
	if err := binary.Read(d.r, binary.LittleEndian, buf); err != nil {
		return nil, err
	}
	out := make([]int, n)
	for i, v := range buf {
		out[i] = int(v)
	}
	return out, nil
}

// Close releases the underlying file.
func (d *ShardDataset) Close() error {
	return d.f.Close()
}

// WriteShard writes examples to path in the shard wire format. Masked
// position and label slices shorter than maxPredictions are -1 padded.
func WriteShard(path string, seqLen, maxPredictions int, examples []Example) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dataset: failed to create shard %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)

	header, err := json.Marshal(shardHeader{
		NumExamples:          len(examples),
		SeqLen:               seqLen,
		MaxPredictionsPerSeq: maxPredictions,
	})
	if err != nil {
		return fmt.Errorf("dataset: failed to encode shard header: %w", err)
	}

	if _, err := w.WriteString(shardMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(header))); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}

	writeInts := func(vals []int, width int) error {
		buf := make([]int32, width)
		for i := range buf {
			buf[i] = -1
		}
		for i, v := range vals {
			buf[i] = int32(v)
		}
		return binary.Write(w, binary.LittleEndian, buf)
	}

	for i, ex := range examples {
		if len(ex.InputIDs) != seqLen || len(ex.SegmentIDs) != seqLen || len(ex.InputMask) != seqLen {
			return fmt.Errorf("dataset: example %d does not match sequence length %d", i, seqLen)
		}
		if len(ex.MaskedPositions) > maxPredictions || len(ex.MaskedLabels) != len(ex.MaskedPositions) {
			return fmt.Errorf("dataset: example %d has inconsistent masking metadata", i)
		}

		if err := writeInts(ex.InputIDs, seqLen); err != nil {
			return err
		}
		if err := writeInts(ex.SegmentIDs, seqLen); err != nil {
			return err
		}
		if err := writeInts(ex.InputMask, seqLen); err != nil {
			return err
		}
		if err := writeInts(ex.MaskedPositions, maxPredictions); err != nil {
			return err
		}
		if err := writeInts(ex.MaskedLabels, maxPredictions); err != nil {
			return err
		}
		if err := writeInts([]int{ex.NextSentence}, 1); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("dataset: failed to flush shard %s: %w", path, err)
	}
	return nil
}
