package corpus

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var ErrEmptyCorpus = errors.New("corpus: no tokens in corpus file")

// LoadTokens reads a newline-delimited text file, splits it on whitespace and
// maps every word to its token ID via the builder, assigning new IDs in
// first-seen order. Files ending in .gz are decompressed transparently.
func LoadTokens(path string, b *Builder) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("corpus: open gzip %s: %w", path, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	return ReadTokens(r, b)
}

// ReadTokens tokenizes r on whitespace and maps words through the builder.
func ReadTokens(r io.Reader, b *Builder) ([]int32, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	var stream []int32
	for sc.Scan() {
		stream = append(stream, b.Add(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("corpus: scan: %w", err)
	}
	if len(stream) == 0 {
		return nil, ErrEmptyCorpus
	}
	return stream, nil
}
