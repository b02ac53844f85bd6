// Package ckpt implements the Cadence checkpoint container: a sectioned
// binary file holding an ordered set of named parameter tensors plus JSON
// metadata. A checkpoint is written once per training epoch and overwrites
// the previous one atomically.
package ckpt

const (
	Magic = "CKPT"

	// CurrentMajor changes only on breaking format changes.
	CurrentMajor uint16 = 1
	CurrentMinor uint16 = 0
)

// Header is the fixed-size file header. SectionDirOff and FileSize are
// patched during Finalise.
type Header struct {
	Magic         [4]byte
	Major         uint16
	Minor         uint16
	HeaderSize    uint32
	SectionCount  uint32
	SectionDirOff uint64
	FileSize      uint64
}

const headerSize = 4 + 2 + 2 + 4 + 4 + 8 + 8

// Sections are aligned so tensor data can be cast directly out of an mmap.
const fileAlign = 64

func (h *Header) Valid() bool {
	if string(h.Magic[:]) != Magic {
		return false
	}
	if h.HeaderSize < headerSize {
		return false
	}
	return h.SectionCount != 0
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

type SectionType uint32

const (
	SectionManifest    SectionType = 0x0001
	SectionVocabulary  SectionType = 0x0002
	SectionTensorIndex SectionType = 0x0003
	SectionTensorData  SectionType = 0x0004
)

// Section is the on-disk section directory record.
type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

const sectionSize = 4 + 4 + 8 + 8

func (s *Section) End() uint64 {
	return s.Offset + s.Size
}

// TensorDType identifies the tensor element encoding. Values are stable;
// new encodings may only be appended.
type TensorDType uint32

const (
	DTypeUnknown TensorDType = iota
	DTypeF32
	DTypeI32
)

// ElemSize returns the byte width of one element, or 0 if unknown.
func (d TensorDType) ElemSize() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	default:
		return 0
	}
}
