// Package model implements the recurrent language model: an embedding layer
// feeding two GRU layers with dropout between them, an optional metadata
// projection concatenated with the recurrent output, and a dense softmax
// over the vocabulary. A step is a pure function of the batch, the prior
// hidden states and the parameters; in train mode its only side effect is
// the parameter update.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/cadence-lm/cadence/internal/tensor"
)

// tol is added to predicted probabilities before the log so cross-entropy
// stays finite when the network assigns a target probability of zero.
const tol = 1e-6

type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

// StepResult reports one batch evaluation.
type StepResult struct {
	// Loss is the mean cross-entropy per token position.
	Loss float64
	// GradNorm is the global gradient norm after element-wise clipping and
	// before rescaling. Zero in eval mode.
	GradNorm float64
}

// Network bundles the parameters with their gradient accumulators and the
// dropout RNG.
type Network struct {
	cfg Config
	P   *Params
	g   *Params
	rng *rand.Rand
}

// New builds a network with freshly initialised parameters.
func New(cfg Config) *Network {
	if cfg.MetaDim == 0 {
		cfg.MetaProj = 0
	}
	return &Network{
		cfg: cfg,
		P:   NewParams(cfg),
		g:   allocParams(cfg),
		rng: rand.New(rand.NewSource(cfg.Seed + 1)),
	}
}

// Config returns the network configuration.
func (n *Network) Config() Config { return n.cfg }

// Params exposes the trainable parameters for checkpointing.
func (n *Network) Params() *Params { return n.P }

// TrainStep evaluates one batch with dropout enabled, backpropagates through
// the unroll and applies a clipped SGD update with learning rate lr. The
// hidden state in st is consumed as the initial state and overwritten with
// the final-time-step state of each recurrent layer.
func (n *Network) TrainStep(inputs, targets [][]int32, meta [][]float32, st *State, lr float32) (StepResult, error) {
	return n.step(inputs, targets, meta, st, ModeTrain, lr)
}

// EvalStep evaluates one batch deterministically (dropout disabled) without
// touching the parameters. State threading matches TrainStep.
func (n *Network) EvalStep(inputs, targets [][]int32, meta [][]float32, st *State) (StepResult, error) {
	return n.step(inputs, targets, meta, st, ModeEval, 0)
}

func (n *Network) step(inputs, targets [][]int32, meta [][]float32, st *State, mode Mode, lr float32) (StepResult, error) {
	if err := n.checkShapes(inputs, targets, meta, st); err != nil {
		return StepResult{}, err
	}
	var (
		cfg   = n.cfg
		batch = len(inputs)
		steps = len(inputs[0])
		em    = cfg.EmbedSize
		hid   = cfg.HiddenSize
		mp    = cfg.MetaProj
		train = mode == ModeTrain
	)

	// Metadata projection, once per lane.
	var metaP tensor.Mat
	if mp > 0 {
		metaP = tensor.NewMat(batch, mp)
		for b := 0; b < batch; b++ {
			affine(metaP.Row(b), n.P.MetaB, meta[b], &n.P.MetaW)
		}
	}

	// Forward caches. hs*[0] holds the incoming state so the unroll can be
	// walked backwards; the initial state itself is treated as constant
	// (gradients are truncated at the batch boundary).
	var (
		xs  = newMats(steps, batch, em) // embedding after dropout, GRU1 input
		z1  = newMats(steps, batch, hid)
		r1  = newMats(steps, batch, hid)
		hc1 = newMats(steps, batch, hid)
		hs1 = newMats(steps+1, batch, hid)
		x2s = newMats(steps, batch, hid) // GRU1 output after dropout, GRU2 input
		z2  = newMats(steps, batch, hid)
		r2  = newMats(steps, batch, hid)
		hc2 = newMats(steps, batch, hid)
		hs2 = newMats(steps+1, batch, hid)
		h2d = newMats(steps, batch, hid) // GRU2 output after dropout, dense input
	)
	copy(hs1[0].Data, st.Layers[0].Data)
	copy(hs2[0].Data, st.Layers[1].Data)

	var m0, m1, m2 []tensor.Mat
	if train {
		m0 = newMats(steps, batch, em)
		m1 = newMats(steps, batch, hid)
		m2 = newMats(steps, batch, hid)
	}

	for t := 0; t < steps; t++ {
		if train {
			dropoutMask(m0[t].Data, cfg.Dropout, n.rng)
			dropoutMask(m1[t].Data, cfg.Dropout, n.rng)
			dropoutMask(m2[t].Data, cfg.Dropout, n.rng)
		}
		for b := 0; b < batch; b++ {
			x := xs[t].Row(b)
			emb := n.P.Emb.Row(int(inputs[b][t]))
			if train {
				applyMask(x, emb, m0[t].Row(b))
			} else {
				copy(x, emb)
			}
			n.P.GRU1.stepInto(x, hs1[t].Row(b), z1[t].Row(b), r1[t].Row(b), hc1[t].Row(b), hs1[t+1].Row(b))

			x2 := x2s[t].Row(b)
			if train {
				applyMask(x2, hs1[t+1].Row(b), m1[t].Row(b))
			} else {
				copy(x2, hs1[t+1].Row(b))
			}
			n.P.GRU2.stepInto(x2, hs2[t].Row(b), z2[t].Row(b), r2[t].Row(b), hc2[t].Row(b), hs2[t+1].Row(b))

			if train {
				applyMask(h2d[t].Row(b), hs2[t+1].Row(b), m2[t].Row(b))
			} else {
				copy(h2d[t].Row(b), hs2[t+1].Row(b))
			}
		}
	}

	// Output layer: softmax cross-entropy against the shifted targets. The
	// cost is summed over the unroll and averaged over lanes, so each
	// position contributes 1/batch to the gradients.
	var (
		lossSum float64
		zin     = make([]float32, hid+mp)
		logits  = make([]float32, cfg.VocabSize)
		scale   = 1 / float32(batch)
		dOut2   []tensor.Mat
		dMetaP  tensor.Mat
	)
	if train {
		n.g.zero()
		dOut2 = newMats(steps, batch, hid)
		if mp > 0 {
			dMetaP = tensor.NewMat(batch, mp)
		}
	}
	for t := 0; t < steps; t++ {
		for b := 0; b < batch; b++ {
			copy(zin[:hid], h2d[t].Row(b))
			if mp > 0 {
				copy(zin[hid:], metaP.Row(b))
			}
			affine(logits, n.P.OutB, zin, &n.P.OutW)
			tensor.Softmax(logits)
			tgt := int(targets[b][t])
			lossSum += -math.Log(float64(logits[tgt]) + tol)

			if !train {
				continue
			}
			logits[tgt] -= 1 // now the gradient w.r.t. the logits
			tensor.Axpy(n.g.OutB, scale, logits)
			for i, zv := range zin {
				if zv != 0 {
					tensor.Axpy(n.g.OutW.Row(i), zv*scale, logits)
				}
			}
			d := dOut2[t].Row(b)
			for i := 0; i < hid; i++ {
				d[i] = scale * tensor.Dot(n.P.OutW.Row(i), logits)
			}
			if mp > 0 {
				dm := dMetaP.Row(b)
				for i := 0; i < mp; i++ {
					dm[i] += scale * tensor.Dot(n.P.OutW.Row(hid+i), logits)
				}
			}
		}
	}

	res := StepResult{Loss: lossSum / float64(batch*steps)}
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		return StepResult{}, fmt.Errorf("%w: loss %v", ErrNonFinite, res.Loss)
	}

	if train {
		n.backward(inputs, meta, metaP, dMetaP, xs, x2s, z1, r1, hc1, hs1, z2, r2, hc2, hs2, dOut2, m0, m1, m2)
		norm, err := n.applyUpdate(lr)
		if err != nil {
			return StepResult{}, err
		}
		res.GradNorm = norm
	}

	// Hand the final pre-dropout hidden vectors to the next batch.
	copy(st.Layers[0].Data, hs1[steps].Data)
	copy(st.Layers[1].Data, hs2[steps].Data)
	return res, nil
}

// backward runs truncated backpropagation through time over both GRU layers
// and accumulates the embedding and metadata gradients.
func (n *Network) backward(inputs [][]int32, meta [][]float32, metaP, dMetaP tensor.Mat,
	xs, x2s, z1, r1, hc1, hs1, z2, r2, hc2, hs2, dOut2, m0, m1, m2 []tensor.Mat,
) {
	var (
		batch = len(inputs)
		steps = len(xs)
		em    = n.cfg.EmbedSize
		hid   = n.cfg.HiddenSize

		dh     = make([]float32, hid)
		dhPrev = make([]float32, hid)
		daZ    = make([]float32, hid)
		daR    = make([]float32, hid)
		daH    = make([]float32, hid)
		gradRH = make([]float32, hid)
		dx1    = make([]float32, em)
	)

	// Layer 2 first, recording the gradient w.r.t. its inputs per step.
	dX2 := newMats(steps, batch, hid)
	carry := tensor.NewMat(batch, hid)
	for t := steps - 1; t >= 0; t-- {
		for b := 0; b < batch; b++ {
			d2 := dOut2[t].Row(b)
			mk := m2[t].Row(b)
			cr := carry.Row(b)
			for i := range dh {
				dh[i] = d2[i]*mk[i] + cr[i]
			}
			gruBackStep(&n.P.GRU2, &n.g.GRU2,
				x2s[t].Row(b), hs2[t].Row(b), z2[t].Row(b), r2[t].Row(b), hc2[t].Row(b),
				dh, dX2[t].Row(b), dhPrev, daZ, daR, daH, gradRH)
			copy(cr, dhPrev)
		}
	}

	// Layer 1, feeding the embedding gradients.
	carry.Zero()
	for t := steps - 1; t >= 0; t-- {
		for b := 0; b < batch; b++ {
			dx2 := dX2[t].Row(b)
			mk := m1[t].Row(b)
			cr := carry.Row(b)
			for i := range dh {
				dh[i] = dx2[i]*mk[i] + cr[i]
			}
			gruBackStep(&n.P.GRU1, &n.g.GRU1,
				xs[t].Row(b), hs1[t].Row(b), z1[t].Row(b), r1[t].Row(b), hc1[t].Row(b),
				dh, dx1, dhPrev, daZ, daR, daH, gradRH)
			copy(cr, dhPrev)

			gEmb := n.g.Emb.Row(int(inputs[b][t]))
			em0 := m0[t].Row(b)
			for i := range dx1 {
				gEmb[i] += dx1[i] * em0[i]
			}
		}
	}

	if n.cfg.MetaProj > 0 {
		for b := 0; b < batch; b++ {
			dm := dMetaP.Row(b)
			for f, mv := range meta[b] {
				if mv != 0 {
					tensor.Axpy(n.g.MetaW.Row(f), mv, dm)
				}
			}
			tensor.Add(n.g.MetaB, dm)
		}
	}
}

// applyUpdate clips gradients element-wise, rescales them to the configured
// global norm ceiling and applies the SGD step. It returns the post-clip,
// pre-rescale norm.
func (n *Network) applyUpdate(lr float32) (float64, error) {
	grads := n.g.tensors()
	var sq float64
	for _, rec := range grads {
		tensor.Clamp(rec.Data, -n.cfg.ClipRange, n.cfg.ClipRange)
		sq += tensor.SumSquares(rec.Data)
	}
	norm := math.Sqrt(sq)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return 0, fmt.Errorf("%w: gradient norm %v", ErrNonFinite, norm)
	}
	if n.cfg.MaxGradNorm > 0 && norm > float64(n.cfg.MaxGradNorm) {
		factor := float32(float64(n.cfg.MaxGradNorm) / norm)
		for _, rec := range grads {
			tensor.Scale(rec.Data, factor)
		}
	}
	params := n.P.tensors()
	for i := range params {
		tensor.Axpy(params[i].Data, -lr, grads[i].Data)
	}
	return norm, nil
}

func (n *Network) checkShapes(inputs, targets [][]int32, meta [][]float32, st *State) error {
	if len(inputs) == 0 || len(inputs) != len(targets) {
		return fmt.Errorf("%w: %d input rows, %d target rows", ErrShapeMismatch, len(inputs), len(targets))
	}
	if st.Lanes() != len(inputs) {
		return fmt.Errorf("%w: %d input rows, state has %d lanes", ErrShapeMismatch, len(inputs), st.Lanes())
	}
	steps := len(inputs[0])
	for b := range inputs {
		if len(inputs[b]) != steps || len(targets[b]) != steps {
			return fmt.Errorf("%w: row %d has %d inputs, %d targets, want %d",
				ErrShapeMismatch, b, len(inputs[b]), len(targets[b]), steps)
		}
	}
	if n.cfg.MetaDim > 0 {
		if len(meta) != len(inputs) {
			return fmt.Errorf("%w: %d metadata vectors for %d lanes", ErrShapeMismatch, len(meta), len(inputs))
		}
		for b := range meta {
			if len(meta[b]) != n.cfg.MetaDim {
				return fmt.Errorf("%w: lane %d metadata width %d, want %d",
					ErrShapeMismatch, b, len(meta[b]), n.cfg.MetaDim)
			}
		}
	}
	return nil
}

func newMats(n, r, c int) []tensor.Mat {
	out := make([]tensor.Mat, n)
	for i := range out {
		out[i] = tensor.NewMat(r, c)
	}
	return out
}
