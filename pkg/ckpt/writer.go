package ckpt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Writer builds a checkpoint file. It writes to a temporary file next to the
// target path and renames it into place on Finalise, so a crash mid-write
// never clobbers the previous epoch's checkpoint.
//
// The header is reserved up-front and patched during Finalise.
type Writer struct {
	f        *os.File
	path     string
	tmpPath  string
	sections []Section
	seen     map[SectionType]struct{}
	closed   bool
	padBuf   []byte
}

// Create opens a writer targeting path.
func Create(path string) (*Writer, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		f:       f,
		path:    path,
		tmpPath: tmp,
		seen:    make(map[SectionType]struct{}),
		padBuf:  make([]byte, fileAlign),
	}
	if err := writeFull(f, make([]byte, headerSize)); err != nil {
		_ = w.abort()
		return nil, err
	}
	if err := w.alignTo(fileAlign); err != nil {
		_ = w.abort()
		return nil, err
	}
	return w, nil
}

// WriteSection appends a section payload and records it in the directory.
// A section type may only be written once.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	if w.closed {
		return errors.New("ckpt: writer already finalised")
	}
	if _, ok := w.seen[typ]; ok {
		return errors.New("ckpt: duplicate section type")
	}
	if err := w.alignTo(fileAlign); err != nil {
		return err
	}
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if err := writeFull(w.f, data); err != nil {
			return err
		}
	}
	w.sections = append(w.sections, Section{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(offset),
		Size:    uint64(len(data)),
	})
	w.seen[typ] = struct{}{}
	return nil
}

// WriteTensors writes the tensor data section followed by its index. Record
// order is preserved in the index, so the snapshot is an ordered list of
// named arrays. Data is float32 little-endian, each tensor 64-byte aligned.
func (w *Writer) WriteTensors(records []TensorRecord) error {
	if w.closed {
		return errors.New("ckpt: writer already finalised")
	}
	if _, ok := w.seen[SectionTensorData]; ok {
		return errors.New("ckpt: tensors already written")
	}
	if err := w.alignTo(fileAlign); err != nil {
		return err
	}
	dataStart, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	infos := make([]TensorInfo, 0, len(records))
	for i := range records {
		rec := &records[i]
		if rec.Name == "" {
			return errors.New("ckpt: tensor with empty name")
		}
		if rec.Elems() != len(rec.Data) {
			return fmt.Errorf("ckpt: tensor %q: shape %v does not match %d elements",
				rec.Name, rec.Shape, len(rec.Data))
		}
		if err := w.alignTo(fileAlign); err != nil {
			return err
		}
		off, err := w.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		if err := writeF32(w.f, rec.Data); err != nil {
			return err
		}
		infos = append(infos, TensorInfo{
			Name:     rec.Name,
			DType:    DTypeF32,
			Shape:    append([]int(nil), rec.Shape...),
			DataOff:  uint64(off),
			DataSize: uint64(len(rec.Data) * 4),
		})
	}
	dataEnd, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	w.sections = append(w.sections, Section{
		Type:    uint32(SectionTensorData),
		Version: 1,
		Offset:  uint64(dataStart),
		Size:    uint64(dataEnd - dataStart),
	})
	w.seen[SectionTensorData] = struct{}{}

	index, err := encodeTensorIndex(infos)
	if err != nil {
		return err
	}
	return w.WriteSection(SectionTensorIndex, TensorIndexVersion, index)
}

// Finalise writes the section directory, patches the header and renames the
// temporary file onto the target path.
func (w *Writer) Finalise() error {
	if w.closed {
		return errors.New("ckpt: writer already finalised")
	}
	if len(w.sections) == 0 {
		return errors.New("ckpt: no sections written")
	}
	if err := w.alignTo(fileAlign); err != nil {
		return err
	}
	dirOff, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	var dir bytes.Buffer
	for _, s := range w.sections {
		if err := binary.Write(&dir, binary.LittleEndian, s); err != nil {
			return err
		}
	}
	if err := writeFull(w.f, dir.Bytes()); err != nil {
		return err
	}
	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	hdr := Header{
		Major:         CurrentMajor,
		Minor:         CurrentMinor,
		HeaderSize:    headerSize,
		SectionCount:  uint32(len(w.sections)),
		SectionDirOff: uint64(dirOff),
		FileSize:      uint64(fileSize),
	}
	copy(hdr.Magic[:], Magic)
	var hb bytes.Buffer
	if err := binary.Write(&hb, binary.LittleEndian, hdr); err != nil {
		return err
	}
	if _, err := w.f.WriteAt(hb.Bytes(), 0); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	w.closed = true
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(w.path))
}

// Abort discards the temporary file. Safe to call after Finalise (no-op).
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	return w.abort()
}

func (w *Writer) abort() error {
	w.closed = true
	err := w.f.Close()
	if rmErr := os.Remove(w.tmpPath); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

func (w *Writer) alignTo(align int) error {
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	pad := (align - int(pos)%align) % align
	if pad == 0 {
		return nil
	}
	return writeFull(w.f, w.padBuf[:pad])
}

func writeFull(f *os.File, data []byte) error {
	for len(data) > 0 {
		n, err := f.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func writeF32(f *os.File, vals []float32) error {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return writeFull(f, buf)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}
