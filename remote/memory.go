// remote/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a Mover that keeps everything in RAM. It's really only useful
// for testing code built on top of Mover; it records every operation and
// can be told to fail specific ones.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memObject
	ops     []string

	// If set, called before each operation; a non-nil return value makes
	// the operation fail with that error.
	FailCopy   func(remotePath string) error
	FailDelete func(remotePath string) error
}

type memObject struct {
	data    []byte
	modTime time.Time
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) String() string {
	return "memory"
}

func (m *Memory) Copy(ctx context.Context, localPath, remoteDir string) error {
	p := Join(remoteDir, filepath.Base(localPath))
	m.mu.Lock()
	m.ops = append(m.ops, "copy "+p)
	fail := m.FailCopy
	m.mu.Unlock()

	if fail != nil {
		if err := fail(p); err != nil {
			return &CopyError{Local: localPath, Remote: p, Err: err}
		}
	}
	b, err := os.ReadFile(localPath)
	if err != nil {
		return &CopyError{Local: localPath, Remote: p, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[p] = memObject{data: b, modTime: time.Now()}
	return nil
}

func (m *Memory) Delete(ctx context.Context, remotePath string) error {
	m.mu.Lock()
	m.ops = append(m.ops, "delete "+remotePath)
	fail := m.FailDelete
	m.mu.Unlock()

	if fail != nil {
		if err := fail(remotePath); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, remotePath)
	return nil
}

func (m *Memory) List(ctx context.Context, remoteDir string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []Entry
	for p, o := range m.objects {
		if path.Dir(p) == dirOrDot(remoteDir) {
			entries = append(entries, Entry{Name: path.Base(p), Size: int64(len(o.data)), ModTime: o.modTime})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func dirOrDot(d string) string {
	if d == "" {
		return "."
	}
	return d
}

// Object returns the contents of the object at p.
func (m *Memory) Object(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[p]
	return o.data, ok
}

// Objects returns the sorted paths of all stored objects.
func (m *Memory) Objects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var p []string
	for k := range m.objects {
		p = append(p, k)
	}
	sort.Strings(p)
	return p
}

// Ops returns the operations performed so far, such as "copy a/b.zip.001"
// or "delete a/b.zip.001", and clears the record.
func (m *Memory) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.ops
	m.ops = nil
	return ops
}

// OpsWithPrefix filters Ops by operation.
func OpsWithPrefix(ops []string, prefix string) []string {
	var r []string
	for _, o := range ops {
		if strings.HasPrefix(o, prefix) {
			r = append(r, o)
		}
	}
	return r
}
