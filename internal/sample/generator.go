package sample

import (
	"fmt"

	"github.com/cadence-lm/cadence/internal/model"
	"github.com/cadence-lm/cadence/internal/tensor"
)

// Generator steps the recurrent network one token at a time, threading a
// single hidden-state lane, and samples the next token from the output
// distribution.
type Generator struct {
	cfg     model.Config
	p       *model.Params
	cell1   model.RecurrentCell
	cell2   model.RecurrentCell
	sampler *Sampler

	h1, h2 []float32
	metaP  []float32
	zin    []float32
	logits []float32
}

// NewGenerator builds a generator over trained parameters. The hidden state
// starts at zero.
func NewGenerator(cfg model.Config, p *model.Params, s *Sampler) *Generator {
	g := &Generator{
		cfg:     cfg,
		p:       p,
		cell1:   &model.GRUCell{P: &p.GRU1},
		cell2:   &model.GRUCell{P: &p.GRU2},
		sampler: s,
		h1:      make([]float32, cfg.HiddenSize),
		h2:      make([]float32, cfg.HiddenSize),
		zin:     make([]float32, cfg.HiddenSize+cfg.MetaProj),
		logits:  make([]float32, cfg.VocabSize),
	}
	if cfg.MetaProj > 0 {
		g.metaP = make([]float32, cfg.MetaProj)
		copy(g.metaP, p.MetaB) // zero metadata vector projects to the bias
	}
	return g
}

// SetMeta projects a metadata vector for the generated lane.
func (g *Generator) SetMeta(meta []float32) error {
	if g.cfg.MetaDim == 0 {
		return fmt.Errorf("sample: model has no metadata path")
	}
	if len(meta) != g.cfg.MetaDim {
		return fmt.Errorf("sample: metadata width %d, want %d", len(meta), g.cfg.MetaDim)
	}
	copy(g.metaP, g.p.MetaB)
	for f, mv := range meta {
		if mv != 0 {
			tensor.Axpy(g.metaP, mv, g.p.MetaW.Row(f))
		}
	}
	return nil
}

// Reset zeroes the hidden state.
func (g *Generator) Reset() {
	clear(g.h1)
	clear(g.h2)
}

// Feed advances the hidden state by one token and returns the logits over
// the vocabulary for the following position.
func (g *Generator) Feed(tok int32) ([]float32, error) {
	if tok < 0 || int(tok) >= g.cfg.VocabSize {
		return nil, fmt.Errorf("sample: token %d outside vocabulary of %d", tok, g.cfg.VocabSize)
	}
	_, g.h1 = g.cell1.Step(g.p.Emb.Row(int(tok)), g.h1)
	_, g.h2 = g.cell2.Step(g.h1, g.h2)

	copy(g.zin[:g.cfg.HiddenSize], g.h2)
	if g.cfg.MetaProj > 0 {
		copy(g.zin[g.cfg.HiddenSize:], g.metaP)
	}
	copy(g.logits, g.p.OutB)
	for i, zv := range g.zin {
		if zv != 0 {
			tensor.Axpy(g.logits, zv, g.p.OutW.Row(i))
		}
	}
	return g.logits, nil
}

// Next feeds tok and samples the next token.
func (g *Generator) Next(tok int32) (int32, error) {
	logits, err := g.Feed(tok)
	if err != nil {
		return 0, err
	}
	return int32(g.sampler.Sample(logits)), nil
}
