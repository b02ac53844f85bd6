package model

import "errors"

var (
	// ErrNonFinite means a NaN or Inf appeared in the loss or gradients.
	// Clipping does not guarantee finite values, so the run must stop.
	ErrNonFinite = errors.New("model: non-finite loss or gradient")

	// ErrShapeMismatch means a batch disagrees with the configured
	// (batchSize, seqLen) or metadata dimensions.
	ErrShapeMismatch = errors.New("model: batch shape mismatch")
)
