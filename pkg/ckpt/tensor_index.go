package ckpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// TensorIndexVersion is the on-disk version of the tensor index payload.
const TensorIndexVersion uint32 = 1

// TensorRecord is the input to the writer: one named parameter array.
type TensorRecord struct {
	Name  string
	Shape []int
	Data  []float32
}

// Elems returns the element count implied by the shape.
func (r *TensorRecord) Elems() int {
	n := 1
	for _, d := range r.Shape {
		n *= d
	}
	return n
}

// TensorInfo describes one tensor as parsed from the index section.
// DataOff is an absolute file offset so data slices straight out of the mmap.
type TensorInfo struct {
	Name     string
	DType    TensorDType
	Shape    []int
	DataOff  uint64
	DataSize uint64
}

// TensorIndex is the parsed view of the tensor index section. Entry order
// matches write order, so iterating Entries reproduces the snapshot order.
type TensorIndex struct {
	Entries []TensorInfo
	byName  map[string]int
}

// Find returns the entry index for name.
func (ix *TensorIndex) Find(name string) (int, bool) {
	i, ok := ix.byName[name]
	return i, ok
}

// encodeTensorIndex serialises the index entries.
//
// Layout per entry: nameLen u16, name bytes, dtype u32, rank u32,
// dims []u64, dataOff u64, dataSize u64. A u32 entry count precedes
// the entries.
func encodeTensorIndex(infos []TensorInfo) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(infos))); err != nil {
		return nil, err
	}
	for _, ti := range infos {
		if len(ti.Name) > math.MaxUint16 {
			return nil, fmt.Errorf("ckpt: tensor name too long: %d bytes", len(ti.Name))
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint16(len(ti.Name))); err != nil {
			return nil, err
		}
		buf.WriteString(ti.Name)
		if err := binary.Write(&buf, binary.LittleEndian, uint32(ti.DType)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(ti.Shape))); err != nil {
			return nil, err
		}
		for _, d := range ti.Shape {
			if d < 0 {
				return nil, fmt.Errorf("ckpt: negative dim for tensor %q", ti.Name)
			}
			if err := binary.Write(&buf, binary.LittleEndian, uint64(d)); err != nil {
				return nil, err
			}
		}
		if err := binary.Write(&buf, binary.LittleEndian, ti.DataOff); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, ti.DataSize); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ParseTensorIndex decodes a tensor index section payload.
func ParseTensorIndex(data []byte) (*TensorIndex, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, ErrCorruptFile
	}
	ix := &TensorIndex{
		Entries: make([]TensorInfo, 0, count),
		byName:  make(map[string]int, count),
	}
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, ErrCorruptFile
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, ErrCorruptFile
		}
		var dtype, rank uint32
		if err := binary.Read(r, binary.LittleEndian, &dtype); err != nil {
			return nil, ErrCorruptFile
		}
		if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
			return nil, ErrCorruptFile
		}
		if rank > 8 {
			return nil, ErrCorruptFile
		}
		shape := make([]int, rank)
		for j := range shape {
			var d uint64
			if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
				return nil, ErrCorruptFile
			}
			if d > uint64(int(^uint(0)>>1)) {
				return nil, ErrCorruptFile
			}
			shape[j] = int(d)
		}
		ti := TensorInfo{
			Name:  string(name),
			DType: TensorDType(dtype),
			Shape: shape,
		}
		if err := binary.Read(r, binary.LittleEndian, &ti.DataOff); err != nil {
			return nil, ErrCorruptFile
		}
		if err := binary.Read(r, binary.LittleEndian, &ti.DataSize); err != nil {
			return nil, ErrCorruptFile
		}
		if _, dup := ix.byName[ti.Name]; dup {
			return nil, fmt.Errorf("ckpt: duplicate tensor name %q: %w", ti.Name, ErrCorruptFile)
		}
		ix.byName[ti.Name] = len(ix.Entries)
		ix.Entries = append(ix.Entries, ti)
	}
	return ix, nil
}
