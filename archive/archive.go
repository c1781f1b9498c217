// archive/archive.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package archive wraps a single file in an uncompressed zip container.
// Chunks of the container can be reassembled and opened with any unzip
// tool, and the container's size is a function of the file's name and
// size alone.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
	u "github.com/mmp/bksplit/util"
)

var ErrNotSingleEntry = errors.New("archive does not hold exactly one file")

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// placeholderTime stands in for the entry's modification time when only
// the container size is needed; any non-zero time gives the same layout.
var placeholderTime = time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC)

func header(name string, modTime time.Time) *zip.FileHeader {
	return &zip.FileHeader{
		Name:     name,
		Method:   zip.Store,
		Modified: modTime,
	}
}

// write stores r as the single entry name in a zip container written to w.
func write(w io.Writer, r io.Reader, name string, modTime time.Time) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	ew, err := zw.CreateHeader(header(name, modTime))
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(ew, r); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return cw.n, nil
}

// Create writes a zip container holding src to dst and returns its size.
// The container is written under a temporary name and renamed into place.
func Create(src, dst string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	modTime := info.ModTime()
	if modTime.IsZero() {
		modTime = placeholderTime
	}

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	r := &u.ReportingReader{R: f, Msg: "Archived " + filepath.Base(src), Log: log}
	n, err := write(out, r, filepath.Base(src), modTime)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("%s: %w", dst, err)
	}
	if r.BytesRead() != info.Size() {
		os.Remove(dst)
		return 0, fmt.Errorf("%s: changed size while archiving (%d, was %d)", src,
			r.BytesRead(), info.Size())
	}
	log.Debug("%s: archived into %s (%s)", src, dst, u.FmtBytes(n))
	return n, nil
}

// Size returns the size of the container Create would produce for a
// file with the given base name and size. It runs the same writer over
// size zero bytes, so the CRC-32 makes it cost CPU time in proportion to
// size; callers with a ledger reuse the recorded payload size instead.
func Size(name string, size int64) (int64, error) {
	if size < 0 {
		return 0, fmt.Errorf("negative size %d", size)
	}
	return write(io.Discard, io.LimitReader(zeroReader{}, size), name, placeholderTime)
}

// Extract copies the single file stored in the container at path to w.
// It returns the name and size of the stored file.
func Extract(path string, w io.Writer) (string, int64, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", 0, err
	}
	defer zr.Close()
	if len(zr.File) != 1 {
		return "", 0, ErrNotSingleEntry
	}
	f := zr.File[0]
	r, err := f.Open()
	if err != nil {
		return "", 0, err
	}
	defer r.Close()
	n, err := io.Copy(w, r)
	return f.Name, n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

type zeroReader struct{}

func (zeroReader) Read(b []byte) (int, error) {
	clear(b)
	return len(b), nil
}
