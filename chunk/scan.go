// chunk/scan.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Chunk is one chunk file on local disk.
type Chunk struct {
	Name    Name
	Path    string
	Size    int64
	ModTime time.Time
}

// Set is the collection of chunk files for one item found in a sidecar
// directory, ordered by ordinal.
type Set struct {
	Item      string
	Dir       string
	Chunks    []Chunk
	TotalSize int64
}

func (s *Set) Count() int { return len(s.Chunks) }

func (s *Set) Empty() bool { return len(s.Chunks) == 0 }

// Leading returns the chunk with the lowest ordinal.
func (s *Set) Leading() (Chunk, bool) {
	if len(s.Chunks) == 0 {
		return Chunk{}, false
	}
	return s.Chunks[0], true
}

// Names returns the file names of the chunks in order.
func (s *Set) Names() []string {
	n := make([]string, len(s.Chunks))
	for i, c := range s.Chunks {
		n[i] = c.Name.String()
	}
	return n
}

// CheckSequence returns ErrBadSequence unless the ordinals are exactly
// 1..n and all chunks share one style.
func (s *Set) CheckSequence() error {
	for i, c := range s.Chunks {
		if c.Name.Ordinal != i+1 || c.Name.Style != s.Chunks[0].Name.Style {
			return ErrBadSequence
		}
	}
	return nil
}

// Scan finds the chunks of item in dir. Files that are not chunks of item
// are ignored; a missing directory yields an empty set.
func Scan(dir, item string) (*Set, error) {
	set := &Set{Item: item, Dir: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, Wrap(KindScan, dir, err)
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name, ok := ParseName(item, e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, Wrap(KindScan, filepath.Join(dir, e.Name()), err)
		}
		set.Chunks = append(set.Chunks, Chunk{
			Name:    name,
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		set.TotalSize += info.Size()
	}

	sort.Slice(set.Chunks, func(i, j int) bool {
		a, b := set.Chunks[i].Name, set.Chunks[j].Name
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		return a.Style < b.Style
	})
	return set, nil
}
