// chunk/split.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
)

const splitBufferSize = 4 * 1024 * 1024

// Split cuts src into chunks of chunkSize bytes named after item in the
// given style, writing them into dir. Only the last chunk may be shorter;
// an empty src gives a single empty chunk. Each chunk is written under a
// temporary name and renamed once complete.
//
// On error, the chunks completed so far are returned along with a
// KindSplit error; the caller should Discard them.
func Split(src io.Reader, dir, item string, style Style, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, Errorf(KindPlan, "", "chunk size must be positive, got %d", chunkSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, Wrap(KindSplit, dir, err)
	}

	br := bufio.NewReaderSize(src, splitBufferSize)
	var chunks []Chunk
	for ord := 1; ; ord++ {
		if ord > 1 {
			// Don't leave an empty trailing chunk when the source is a
			// multiple of the chunk size.
			if _, err := br.Peek(1); err == io.EOF {
				break
			} else if err != nil {
				return chunks, Wrap(KindSplit, item, err)
			}
		}

		c, err := writeChunk(br, dir, Name{Item: item, Style: style, Ordinal: ord}, chunkSize)
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
		if c.Size < chunkSize {
			break
		}
	}
	return chunks, nil
}

func writeChunk(r io.Reader, dir string, name Name, chunkSize int64) (Chunk, error) {
	path := filepath.Join(dir, name.String())
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return Chunk{}, Wrap(KindSplit, tmp, err)
	}

	n, err := io.CopyN(f, r, chunkSize)
	if err != nil && err != io.EOF {
		f.Close()
		os.Remove(tmp)
		return Chunk{}, Wrap(KindSplit, path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return Chunk{}, Wrap(KindSplit, path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Chunk{}, Wrap(KindSplit, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Chunk{}, Wrap(KindSplit, path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Chunk{}, Wrap(KindSplit, path, err)
	}
	return Chunk{Name: name, Path: path, Size: n, ModTime: info.ModTime()}, nil
}

// Discard removes the given chunk files, ignoring ones that are already
// gone. It returns the first other error encountered.
func Discard(chunks []Chunk) error {
	var firstErr error
	for _, c := range chunks {
		if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

///////////////////////////////////////////////////////////////////////////
// Reassembly

// NewReader returns a reader that yields the concatenation of the chunks
// of set in ordinal order. Sets that are not a contiguous sequence are
// refused.
func NewReader(set *Set) (io.ReadCloser, error) {
	if set.Empty() {
		return nil, Errorf(KindScan, set.Dir, "no chunks of %s", set.Item)
	}
	if err := set.CheckSequence(); err != nil {
		return nil, Wrap(KindScan, set.Dir, err)
	}
	paths := make([]string, len(set.Chunks))
	for i, c := range set.Chunks {
		paths[i] = c.Path
	}
	return &setReader{paths: paths}, nil
}

type setReader struct {
	paths []string
	cur   *os.File
}

func (r *setReader) Read(b []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.paths) == 0 {
				return 0, io.EOF
			}
			f, err := os.Open(r.paths[0])
			if err != nil {
				return 0, err
			}
			r.cur, r.paths = f, r.paths[1:]
		}
		n, err := r.cur.Read(b)
		if errors.Is(err, io.EOF) {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *setReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

// Reassemble writes the concatenation of the chunks of set to w and
// returns the number of bytes written.
func Reassemble(w io.Writer, set *Set) (int64, error) {
	r, err := NewReader(set)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(w, r)
}
