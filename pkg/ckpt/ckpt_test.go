package ckpt

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.ckpt")

	records := []TensorRecord{
		{Name: "emb.w", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "out.b", Shape: []int{4}, Data: []float32{-1.5, 0, 2.25, 7}},
	}
	manifest := []byte(`{"epoch":3}`)

	w, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.WriteSection(SectionManifest, 1, manifest); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := w.WriteTensors(records); err != nil {
		t.Fatalf("write tensors: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			t.Fatalf("close: %v", cerr)
		}
	}()

	if got := f.SectionData(SectionManifest); string(got) != string(manifest) {
		t.Fatalf("manifest mismatch: got %q want %q", got, manifest)
	}

	ix, err := f.Index()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(ix.Entries) != len(records) {
		t.Fatalf("entry count: got %d want %d", len(ix.Entries), len(records))
	}
	for i, rec := range records {
		if ix.Entries[i].Name != rec.Name {
			t.Fatalf("entry %d order: got %q want %q", i, ix.Entries[i].Name, rec.Name)
		}
		vals, info, err := f.TensorF32(rec.Name)
		if err != nil {
			t.Fatalf("tensor %q: %v", rec.Name, err)
		}
		if len(info.Shape) != len(rec.Shape) {
			t.Fatalf("tensor %q rank: got %v want %v", rec.Name, info.Shape, rec.Shape)
		}
		for j := range rec.Shape {
			if info.Shape[j] != rec.Shape[j] {
				t.Fatalf("tensor %q shape: got %v want %v", rec.Name, info.Shape, rec.Shape)
			}
		}
		for j := range rec.Data {
			if vals[j] != rec.Data[j] {
				t.Fatalf("tensor %q value %d: got %v want %v", rec.Name, j, vals[j], rec.Data[j])
			}
		}
	}
}

func TestOverwriteIsAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.ckpt")
	writeOne := func(val float32) {
		t.Helper()
		w, err := Create(path)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := w.WriteTensors([]TensorRecord{{Name: "w", Shape: []int{1}, Data: []float32{val}}}); err != nil {
			t.Fatalf("write tensors: %v", err)
		}
		if err := w.Finalise(); err != nil {
			t.Fatalf("finalise: %v", err)
		}
	}
	writeOne(1)
	writeOne(2)

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()
	vals, _, err := f.TensorF32("w")
	if err != nil {
		t.Fatalf("tensor: %v", err)
	}
	if vals[0] != 2 {
		t.Fatalf("got %v want 2", vals[0])
	}
}

func TestAbortRemovesTemp(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.ckpt")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("target should not exist: %v", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.ckpt")
	if err := os.WriteFile(path, []byte("not a checkpoint at all, just text padding to pass size"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for garbage file")
	}
}
