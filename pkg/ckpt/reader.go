package ckpt

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// File is a read-only view of a checkpoint. Section payloads are slices of
// the underlying mapping, so they stay valid only until Close.
type File struct {
	Data     []byte
	Header   *Header
	Sections []Section
	index    *TensorIndex
	mmapped  bool
}

// Open maps a checkpoint read-only and validates its structure. If mmap is
// unavailable it falls back to reading the whole file. The returned file
// must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerSize {
		return nil, ErrCorruptFile
	}
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		cf, parseErr := parseFileData(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return cf, nil
	}

	data = make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, size64), data); err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

func parseFileData(data []byte, mmapped bool) (*File, error) {
	var hdr Header
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, ErrCorruptFile
	}
	if string(hdr.Magic[:]) != Magic {
		return nil, ErrInvalidMagic
	}
	if !hdr.Compatible() {
		return nil, ErrUnsupportedMajor
	}
	if !hdr.Valid() {
		return nil, ErrCorruptFile
	}
	if hdr.FileSize != uint64(len(data)) {
		return nil, ErrCorruptFile
	}
	dirSize := uint64(hdr.SectionCount) * sectionSize
	if hdr.SectionDirOff+dirSize > uint64(len(data)) {
		return nil, ErrCorruptFile
	}
	sections := make([]Section, hdr.SectionCount)
	dir := bytes.NewReader(data[hdr.SectionDirOff : hdr.SectionDirOff+dirSize])
	if err := binary.Read(dir, binary.LittleEndian, sections); err != nil {
		return nil, ErrCorruptFile
	}
	for i := range sections {
		if sections[i].End() > uint64(len(data)) || sections[i].End() < sections[i].Offset {
			return nil, ErrCorruptFile
		}
	}
	return &File{
		Data:     data,
		Header:   &hdr,
		Sections: sections,
		mmapped:  mmapped,
	}, nil
}

// Close releases the mapping. Safe to call multiple times.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.index = nil
	return err
}

// Section returns the directory record for typ, or nil if absent.
func (f *File) Section(typ SectionType) *Section {
	for i := range f.Sections {
		if f.Sections[i].Type == uint32(typ) {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns the payload for typ, or nil if the section is absent.
func (f *File) SectionData(typ SectionType) []byte {
	s := f.Section(typ)
	if s == nil || f.Data == nil {
		return nil
	}
	return f.Data[s.Offset:s.End()]
}

// Index parses (and caches) the tensor index section.
func (f *File) Index() (*TensorIndex, error) {
	if f.index != nil {
		return f.index, nil
	}
	data := f.SectionData(SectionTensorIndex)
	if len(data) == 0 {
		return nil, ErrCorruptFile
	}
	ix, err := ParseTensorIndex(data)
	if err != nil {
		return nil, err
	}
	f.index = ix
	return ix, nil
}

// Tensor returns metadata for the named tensor.
func (f *File) Tensor(name string) (TensorInfo, error) {
	ix, err := f.Index()
	if err != nil {
		return TensorInfo{}, err
	}
	i, ok := ix.Find(name)
	if !ok {
		return TensorInfo{}, ErrTensorNotFound
	}
	return ix.Entries[i], nil
}

// TensorF32 decodes the named float32 tensor into a fresh slice.
func (f *File) TensorF32(name string) ([]float32, TensorInfo, error) {
	info, err := f.Tensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	if info.DType != DTypeF32 {
		return nil, TensorInfo{}, ErrCorruptFile
	}
	if info.DataOff+info.DataSize > uint64(len(f.Data)) || info.DataSize%4 != 0 {
		return nil, TensorInfo{}, ErrCorruptFile
	}
	raw := f.Data[info.DataOff : info.DataOff+info.DataSize]
	vals := make([]float32, len(raw)/4)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vals, info, nil
}
