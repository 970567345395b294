package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// nopCloser keeps stdout open when the output is closed.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// compressedFile closes the encoder before the file it writes to.
type compressedFile struct {
	io.WriteCloser
	file *os.File
}

func (c *compressedFile) Close() error {
	return errors.Join(c.WriteCloser.Close(), c.file.Close())
}

// createOutput opens path for writing, compressing by extension: ".gz"
// selects gzip and ".zst" zstd. An empty path or "-" writes to stdout.
func createOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return &compressedFile{WriteCloser: gzip.NewWriter(f), file: f}, nil
	case ".zst":
		enc, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return &compressedFile{WriteCloser: enc, file: f}, nil
	}
	return f, nil
}

// writeOutput writes through createOutput and removes a partial file when
// write fails.
func writeOutput(path string, write func(io.Writer) error) error {
	out, err := createOutput(path)
	if err != nil {
		return err
	}
	if err := errors.Join(write(out), out.Close()); err != nil {
		if path != "" && path != "-" {
			_ = os.Remove(path)
		}
		return err
	}
	return nil
}

// siblingOutput names the output written next to input: the input's
// extension is replaced by ext.
func siblingOutput(input, ext string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + ext
}
