package model

import "github.com/cadence-lm/cadence/internal/tensor"

// State holds the per-layer, per-lane hidden vectors carried from one batch
// to the next. The training loop owns it for the whole epoch: it is zeroed
// at epoch start and otherwise fully overwritten by every step.
type State struct {
	Layers []tensor.Mat // one lanes x hidden matrix per recurrent layer
}

// NewState allocates zeroed hidden state for the two recurrent layers.
func NewState(lanes, hidden int) *State {
	return &State{
		Layers: []tensor.Mat{
			tensor.NewMat(lanes, hidden),
			tensor.NewMat(lanes, hidden),
		},
	}
}

// Lanes returns the number of batch rows the state tracks.
func (s *State) Lanes() int {
	if len(s.Layers) == 0 {
		return 0
	}
	return s.Layers[0].R
}

// Zero resets every hidden vector, as required at an epoch boundary.
func (s *State) Zero() {
	for i := range s.Layers {
		s.Layers[i].Zero()
	}
}
