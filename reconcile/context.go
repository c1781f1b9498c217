// reconcile/context.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package reconcile

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/mmp/bksplit/chunk"
	u "github.com/mmp/bksplit/util"
)

// SourceItem is a regular file found under the backup root.
type SourceItem struct {
	Path    string
	Dir     string
	Name    string
	Size    int64
	ModTime time.Time
}

func NewSourceItem(path string, info fs.FileInfo) SourceItem {
	return SourceItem{
		Path:    path,
		Dir:     filepath.Dir(path),
		Name:    filepath.Base(path),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

// Context carries everything one reconciliation needs; nothing about a
// run is kept in package state.
type Context struct {
	Item  SourceItem
	Spec  chunk.Spec
	Root  string
	Stats *Stats
	// Log may be nil, in which case the Reconciler's logger is used.
	Log *u.Logger
}

// Stats accumulates counts over a run. It is safe for concurrent use.
type Stats struct {
	Files                atomic.Int64
	Folders              atomic.Int64
	Bytes                atomic.Int64
	Chunks               atomic.Int64
	DirectTransfers      atomic.Int64
	ChunkedItems         atomic.Int64
	Unchanged            atomic.Int64
	Invalidations        atomic.Int64
	Resplits             atomic.Int64
	Skipped              atomic.Int64
	TransferFailures     atomic.Int64
	RemoteDeleteFailures atomic.Int64
}

// Summary is a snapshot of Stats.
type Summary struct {
	Files, Folders, Bytes, Chunks            int64
	DirectTransfers, ChunkedItems, Unchanged int64
	Invalidations, Resplits, Skipped         int64
	TransferFailures, RemoteDeleteFailures   int64
}

func (s *Stats) Summary() Summary {
	return Summary{
		Files:                s.Files.Load(),
		Folders:              s.Folders.Load(),
		Bytes:                s.Bytes.Load(),
		Chunks:               s.Chunks.Load(),
		DirectTransfers:      s.DirectTransfers.Load(),
		ChunkedItems:         s.ChunkedItems.Load(),
		Unchanged:            s.Unchanged.Load(),
		Invalidations:        s.Invalidations.Load(),
		Resplits:             s.Resplits.Load(),
		Skipped:              s.Skipped.Load(),
		TransferFailures:     s.TransferFailures.Load(),
		RemoteDeleteFailures: s.RemoteDeleteFailures.Load(),
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("%d files (%s), %d chunks, %d folders; %d direct, %d chunked, "+
		"%d unchanged; %d invalidated, %d resplit, %d skipped; "+
		"%d transfer failures, %d remote delete failures",
		s.Files, u.FmtBytes(s.Bytes), s.Chunks, s.Folders, s.DirectTransfers,
		s.ChunkedItems, s.Unchanged, s.Invalidations, s.Resplits, s.Skipped,
		s.TransferFailures, s.RemoteDeleteFailures)
}

// Failures is the number of recoverable failures.
func (s Summary) Failures() int64 {
	return s.TransferFailures + s.RemoteDeleteFailures
}
