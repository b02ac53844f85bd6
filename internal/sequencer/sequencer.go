// Package sequencer rearranges a flat token stream into batch-major blocks
// so that a stateful recurrent model can carry hidden state across batches.
//
// Given the stream [1..13] with batch size 2 and unroll length 3 (twelve
// usable tokens), the rows are laid out so that
//
//	             batch 0     batch 1
//	           ----------------------
//	lane 0     [1, 2, 3]   [4, 5, 6]
//	lane 1     [7, 8, 9]   [10, 11, 12]
//
// i.e. row j of batch k is the direct time-continuation of row j of batch
// k-1, which lets the last hidden state of batch k-1 initialise batch k.
package sequencer

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData means the corpus is shorter than one
	// batchSize*seqLen block, so no complete batch can be formed.
	ErrInsufficientData = errors.New("sequencer: token stream shorter than one batch block")

	// ErrShapeMismatch means the emitted input/target arrays disagree with
	// the declared (rows, seqLen) shape. It indicates a sequencer defect.
	ErrShapeMismatch = errors.New("sequencer: input/target shape mismatch")
)

// Batches holds the reordered inputs and their shifted-by-one targets as two
// flat int32 arrays of shape (NumRows, SeqLen). Batches are immutable once
// built; the training loop consumes them in order 0..NumBatches-1.
type Batches struct {
	BatchSize  int
	SeqLen     int
	NumRows    int // total rows, NumRows % BatchSize == 0
	NumBatches int // NumRows / BatchSize

	inputs  []int32
	targets []int32
}

// Reorder transforms a flat token stream into sequential batches.
//
// The stream is truncated to a whole number of batchSize*seqLen blocks (one
// trailing element is dropped first when the length divides evenly, so a
// shift-by-one target exists for every input position), chunked into rows of
// seqLen tokens with targets shifted by one, and the rows are permuted so
// that lane j of successive batches carries one contiguous sub-stream:
// the row placed at lane j of batch k is chunk j*NumBatches+k.
func Reorder(stream []int32, batchSize, seqLen int) (*Batches, error) {
	if batchSize <= 0 || seqLen <= 0 {
		return nil, fmt.Errorf("sequencer: batch size %d and unroll length %d must be positive", batchSize, seqLen)
	}
	block := batchSize * seqLen
	if len(stream) <= block {
		return nil, fmt.Errorf("%w: have %d tokens, need more than %d",
			ErrInsufficientData, len(stream), block)
	}

	if len(stream)%block == 0 {
		stream = stream[:len(stream)-1]
	}
	usable := (len(stream) / block) * block
	numRows := usable / seqLen
	numBatches := numRows / batchSize

	b := &Batches{
		BatchSize:  batchSize,
		SeqLen:     seqLen,
		NumRows:    numRows,
		NumBatches: numBatches,
		inputs:     make([]int32, numRows*seqLen),
		targets:    make([]int32, numRows*seqLen),
	}

	// Chunk contiguously, then place chunk j*numBatches+k at row k*batchSize+j.
	for k := 0; k < numBatches; k++ {
		for j := 0; j < batchSize; j++ {
			row := k*batchSize + j
			chunk := j*numBatches + k
			copy(b.inputs[row*seqLen:(row+1)*seqLen], stream[chunk*seqLen:chunk*seqLen+seqLen])
			copy(b.targets[row*seqLen:(row+1)*seqLen], stream[chunk*seqLen+1:chunk*seqLen+1+seqLen])
		}
	}
	return b, nil
}

// Batch returns the input and target rows of batch k as views into the
// underlying arrays. Row j is lane j.
func (b *Batches) Batch(k int) (inputs, targets [][]int32) {
	if k < 0 || k >= b.NumBatches {
		panic("sequencer: batch index out of range")
	}
	inputs = make([][]int32, b.BatchSize)
	targets = make([][]int32, b.BatchSize)
	for j := 0; j < b.BatchSize; j++ {
		row := k*b.BatchSize + j
		inputs[j] = b.inputs[row*b.SeqLen : (row+1)*b.SeqLen]
		targets[j] = b.targets[row*b.SeqLen : (row+1)*b.SeqLen]
	}
	return inputs, targets
}

// Validate checks the shape invariants the training loop relies on.
func (b *Batches) Validate() error {
	want := b.NumRows * b.SeqLen
	if len(b.inputs) != want || len(b.targets) != want {
		return fmt.Errorf("%w: inputs %d targets %d want %d",
			ErrShapeMismatch, len(b.inputs), len(b.targets), want)
	}
	if b.NumRows%b.BatchSize != 0 {
		return fmt.Errorf("%w: %d rows not divisible by batch size %d",
			ErrShapeMismatch, b.NumRows, b.BatchSize)
	}
	if b.NumBatches*b.BatchSize != b.NumRows {
		return fmt.Errorf("%w: %d batches of %d rows != %d rows",
			ErrShapeMismatch, b.NumBatches, b.BatchSize, b.NumRows)
	}
	return nil
}

// Tokens returns the number of token positions covered by the batches.
func (b *Batches) Tokens() int {
	return b.NumRows * b.SeqLen
}
