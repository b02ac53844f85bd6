package ckpt

import "errors"

var (
	ErrInvalidMagic     = errors.New("ckpt: invalid magic")
	ErrUnsupportedMajor = errors.New("ckpt: unsupported major version")
	ErrCorruptFile      = errors.New("ckpt: corrupt file")
	ErrTensorNotFound   = errors.New("ckpt: tensor not found")
)
