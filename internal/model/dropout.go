package model

import "math/rand"

// dropoutMask fills mask with inverted-dropout coefficients: kept positions
// get 1/(1-p) so activations keep their expected scale, dropped positions
// get 0. With p <= 0 the mask is all ones.
func dropoutMask(mask []float32, p float32, rng *rand.Rand) {
	if p <= 0 {
		for i := range mask {
			mask[i] = 1
		}
		return
	}
	keep := 1 / (1 - p)
	for i := range mask {
		if rng.Float32() < p {
			mask[i] = 0
		} else {
			mask[i] = keep
		}
	}
}

// applyMask computes dst[i] = src[i] * mask[i].
func applyMask(dst, src, mask []float32) {
	for i := range dst {
		dst[i] = src[i] * mask[i]
	}
}
