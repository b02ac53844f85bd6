// Package sample draws tokens from a trained network, one step at a time.
package sample

import (
	"math"
	"math/rand"
	"sort"
)

// Config controls sampling behaviour.
type Config struct {
	Seed        int64
	Temperature float32 // <= 0 selects greedy decoding
	TopK        int     // 0 means the full vocabulary
}

// Sampler draws a token index from a logits vector.
type Sampler struct {
	rng    *rand.Rand
	cfg    Config
	greedy bool

	topIdx []int
	prob   []float64
}

func NewSampler(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws one index from logits. Greedy mode returns the argmax;
// otherwise logits are scaled by the inverse temperature, the top-k values
// are shortlisted and one is drawn from their softmax.
func (s *Sampler) Sample(logits []float32) int {
	if len(logits) == 0 {
		return 0
	}
	if s.greedy {
		return argmax(logits)
	}

	k := s.cfg.TopK
	if k <= 0 || k > len(logits) {
		k = len(logits)
	}
	if cap(s.topIdx) < len(logits) {
		s.topIdx = make([]int, len(logits))
		s.prob = make([]float64, len(logits))
	}
	idx := s.topIdx[:len(logits)]
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return logits[idx[a]] > logits[idx[b]] })
	idx = idx[:k]

	invTemp := 1 / float64(s.cfg.Temperature)
	maxLogit := float64(logits[idx[0]])
	var sum float64
	probs := s.prob[:k]
	for i, id := range idx {
		p := math.Exp((float64(logits[id]) - maxLogit) * invTemp)
		probs[i] = p
		sum += p
	}

	r := s.rng.Float64() * sum
	var acc float64
	for i, p := range probs {
		acc += p
		if r < acc {
			return idx[i]
		}
	}
	return idx[k-1]
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
