package sample

import (
	"testing"

	"github.com/cadence-lm/cadence/internal/model"
)

func TestGreedySampling(t *testing.T) {
	t.Parallel()

	s := NewSampler(Config{Temperature: 0})
	logits := []float32{0.1, 2.5, -1, 0.4}
	for i := 0; i < 10; i++ {
		if got := s.Sample(logits); got != 1 {
			t.Fatalf("greedy: got %d want 1", got)
		}
	}
}

func TestTopKRestrictsChoices(t *testing.T) {
	t.Parallel()

	s := NewSampler(Config{Seed: 1, Temperature: 1, TopK: 2})
	logits := []float32{5, 4, -100, -100, -100}
	for i := 0; i < 50; i++ {
		got := s.Sample(logits)
		if got != 0 && got != 1 {
			t.Fatalf("top-2 sample outside shortlist: %d", got)
		}
	}
}

func TestSamplingDeterministicPerSeed(t *testing.T) {
	t.Parallel()

	logits := []float32{1, 2, 3, 2, 1}
	a := NewSampler(Config{Seed: 42, Temperature: 0.8, TopK: 3})
	b := NewSampler(Config{Seed: 42, Temperature: 0.8, TopK: 3})
	for i := 0; i < 20; i++ {
		if x, y := a.Sample(logits), b.Sample(logits); x != y {
			t.Fatalf("draw %d: %d != %d with the same seed", i, x, y)
		}
	}
}

func TestGeneratorProducesValidTokens(t *testing.T) {
	t.Parallel()

	cfg := model.Config{
		VocabSize:  6,
		EmbedSize:  4,
		HiddenSize: 5,
		InitScale:  0.1,
		Seed:       9,
	}
	g := NewGenerator(cfg, model.NewParams(cfg), NewSampler(Config{Seed: 1, Temperature: 1, TopK: 3}))

	tok := int32(0)
	for i := 0; i < 20; i++ {
		next, err := g.Next(tok)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if next < 0 || int(next) >= cfg.VocabSize {
			t.Fatalf("token %d outside vocabulary", next)
		}
		tok = next
	}

	if _, err := g.Feed(99); err == nil {
		t.Fatal("expected error for out-of-vocabulary token")
	}
}

func TestGeneratorStateAdvances(t *testing.T) {
	t.Parallel()

	cfg := model.Config{
		VocabSize:  6,
		EmbedSize:  4,
		HiddenSize: 5,
		InitScale:  0.1,
		Seed:       9,
	}
	g := NewGenerator(cfg, model.NewParams(cfg), NewSampler(Config{Temperature: 0}))

	first, err := g.Feed(1)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	cold := append([]float32(nil), first...)
	second, err := g.Feed(1)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	var differs bool
	for i := range cold {
		if second[i] != cold[i] {
			differs = true
			break
		}
	}
	if !differs {
		t.Fatal("hidden state did not influence the second step")
	}

	g.Reset()
	again, err := g.Feed(1)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	for i := range cold {
		if again[i] != cold[i] {
			t.Fatalf("reset did not restore the cold-start distribution at %d", i)
		}
	}
}

func TestGeneratorMetadata(t *testing.T) {
	t.Parallel()

	cfg := model.Config{
		VocabSize:  6,
		EmbedSize:  4,
		HiddenSize: 5,
		MetaDim:    3,
		MetaProj:   2,
		InitScale:  0.1,
		Seed:       9,
	}
	g := NewGenerator(cfg, model.NewParams(cfg), NewSampler(Config{Temperature: 0}))
	if err := g.SetMeta([]float32{0.5, 0.1, 0.9}); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	if err := g.SetMeta([]float32{0.5}); err == nil {
		t.Fatal("expected error for wrong metadata width")
	}

	noMeta := NewGenerator(model.Config{
		VocabSize:  6,
		EmbedSize:  4,
		HiddenSize: 5,
		InitScale:  0.1,
		Seed:       9,
	}, model.NewParams(model.Config{
		VocabSize:  6,
		EmbedSize:  4,
		HiddenSize: 5,
		InitScale:  0.1,
		Seed:       9,
	}), NewSampler(Config{Temperature: 0}))
	if err := noMeta.SetMeta([]float32{1, 2, 3}); err == nil {
		t.Fatal("expected error when the model has no metadata path")
	}
}
