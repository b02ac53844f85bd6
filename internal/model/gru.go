package model

import "github.com/cadence-lm/cadence/internal/tensor"

// RecurrentCell evaluates one time step of a recurrent layer.
type RecurrentCell interface {
	// Step consumes one input vector and the prior hidden state and returns
	// the step output and the new hidden state.
	Step(x, prior []float32) (out, next []float32)
}

// GRUCell is a gated recurrent unit over a GRUParams weight set.
//
//	z = sigmoid(x·Wz + h·Uz + bz)
//	r = sigmoid(x·Wr + h·Ur + br)
//	hc = tanh(x·Wh + (r ⊙ h)·Uh + bh)
//	h' = (1-z) ⊙ h + z ⊙ hc
type GRUCell struct {
	P *GRUParams
}

func (c *GRUCell) Step(x, prior []float32) (out, next []float32) {
	h := len(c.P.Bz)
	z := make([]float32, h)
	r := make([]float32, h)
	hc := make([]float32, h)
	hNew := make([]float32, h)
	c.P.stepInto(x, prior, z, r, hc, hNew)
	return hNew, hNew
}

// stepInto computes one GRU step, writing the gate activations and the new
// hidden state into caller-provided buffers so the training forward pass can
// cache them for backpropagation.
func (g *GRUParams) stepInto(x, hPrev, z, r, hc, hNew []float32) {
	// Pre-activations via row-major accumulation: a = b + x·W + h·U.
	affine(z, g.Bz, x, &g.Wz)
	affine(r, g.Br, x, &g.Wr)
	addMatVec(z, hPrev, &g.Uz)
	addMatVec(r, hPrev, &g.Ur)
	for u := range z {
		z[u] = tensor.Sigmoid(z[u])
		r[u] = tensor.Sigmoid(r[u])
	}

	affine(hc, g.Bh, x, &g.Wh)
	for h, hv := range hPrev {
		if rh := r[h] * hv; rh != 0 {
			tensor.Axpy(hc, rh, g.Uh.Row(h))
		}
	}
	for u := range hc {
		hc[u] = tensor.Tanh(hc[u])
		hNew[u] = (1-z[u])*hPrev[u] + z[u]*hc[u]
	}
}

// affine computes dst = bias + x·W, accumulating row-by-row so access stays
// sequential in W.
func affine(dst, bias, x []float32, w *tensor.Mat) {
	copy(dst, bias)
	addMatVec(dst, x, w)
}

// addMatVec computes dst += x·W for a row-major W of shape len(x) x len(dst).
func addMatVec(dst, x []float32, w *tensor.Mat) {
	for f, xv := range x {
		if xv != 0 {
			tensor.Axpy(dst, xv, w.Row(f))
		}
	}
}

// gruBackStep backpropagates one time step. Inputs are the cached forward
// values; dh is the loss gradient w.r.t. the step's hidden output. It
// accumulates weight gradients into gg and writes the gradients w.r.t. the
// step input and the prior hidden state into dx and dhPrev.
//
// Scratch buffers daZ, daR, daH, gradRH must have hidden width.
func gruBackStep(g, gg *GRUParams, x, hPrev, z, r, hc, dh, dx, dhPrev, daZ, daR, daH, gradRH []float32) {
	hidden := len(dh)

	for u := 0; u < hidden; u++ {
		daH[u] = dh[u] * z[u] * (1 - hc[u]*hc[u])
		daZ[u] = dh[u] * (hc[u] - hPrev[u]) * z[u] * (1 - z[u])
	}

	// Gradient reaching r ⊙ hPrev through the candidate pre-activation.
	for h := 0; h < hidden; h++ {
		gradRH[h] = tensor.Dot(g.Uh.Row(h), daH)
	}
	for u := 0; u < hidden; u++ {
		daR[u] = gradRH[u] * hPrev[u] * r[u] * (1 - r[u])
	}

	for h := 0; h < hidden; h++ {
		dhPrev[h] = dh[h]*(1-z[h]) +
			tensor.Dot(g.Uz.Row(h), daZ) +
			tensor.Dot(g.Ur.Row(h), daR) +
			gradRH[h]*r[h]
	}

	for f := range dx {
		dx[f] = tensor.Dot(g.Wz.Row(f), daZ) +
			tensor.Dot(g.Wr.Row(f), daR) +
			tensor.Dot(g.Wh.Row(f), daH)
	}

	for f, xv := range x {
		if xv != 0 {
			tensor.Axpy(gg.Wz.Row(f), xv, daZ)
			tensor.Axpy(gg.Wr.Row(f), xv, daR)
			tensor.Axpy(gg.Wh.Row(f), xv, daH)
		}
	}
	for h, hv := range hPrev {
		if hv != 0 {
			tensor.Axpy(gg.Uz.Row(h), hv, daZ)
			tensor.Axpy(gg.Ur.Row(h), hv, daR)
		}
		if rh := r[h] * hv; rh != 0 {
			tensor.Axpy(gg.Uh.Row(h), rh, daH)
		}
	}
	tensor.Add(gg.Bz, daZ)
	tensor.Add(gg.Br, daR)
	tensor.Add(gg.Bh, daH)
}
