// reconcile/reconcile.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package reconcile brings the remote copy of a single file up to date.
//
// Files no larger than the chunk size are copied as they are. Larger
// files are kept as a set of chunks in a sidecar directory next to them;
// each run checks that set against the current chunk size and the file
// itself, deletes and regenerates it (locally and on the remote) when it
// no longer matches, and uploads it.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mmp/bksplit/archive"
	"github.com/mmp/bksplit/chunk"
	"github.com/mmp/bksplit/ledger"
	"github.com/mmp/bksplit/rdso"
	"github.com/mmp/bksplit/remote"
	u "github.com/mmp/bksplit/util"
)

// State is a step of a reconciliation.
type State int

const (
	Discovered State = iota
	DirectTransfer
	ChunkCheck
	Invalidate
	Resplit
	Upload
	Done
)

var stateNames = [...]string{"discovered", "direct transfer", "chunk check",
	"invalidate", "resplit", "upload", "done"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome reports what a reconciliation did.
type Outcome struct {
	Item SourceItem
	// States lists the states visited, in order.
	States []State
	// Skipped is set if the item disappeared before it was processed.
	Skipped bool
	// Plan and Verdict are set for items that need chunking; Verdict is
	// the result of the check made before any regeneration.
	Plan    chunk.Plan
	Verdict chunk.Verdict
	// SourceChanged is set when the chunks verify but the ledger says they
	// were made from a different version of the item.
	SourceChanged bool
	Chunks        int
	// Transferred is set when everything was uploaded.
	Transferred bool
}

func (o *Outcome) enter(s State) {
	o.States = append(o.States, s)
}

// Visited reports whether the reconciliation passed through s.
func (o Outcome) Visited(s State) bool {
	for _, st := range o.States {
		if st == s {
			return true
		}
	}
	return false
}

// Options configures a Reconciler.
type Options struct {
	// SidecarDir is the name of the per-directory chunk directory.
	SidecarDir string
	// MinFreePercent is the free space below which archiving and
	// splitting refuse to start. Zero disables the check.
	MinFreePercent float64
	// Parity, if non-nil, adds a Reed-Solomon ".rs" file for every chunk.
	Parity *rdso.Options
	// DiskSpace defaults to util.DiskSpace.
	DiskSpace func(path string) (u.Space, error)
}

const DefaultSidecarDir = ".rclone"

// Reconciler drives items through the reconciliation states. It holds no
// per-run state and may be used by multiple goroutines, as long as no
// two of them reconcile items in the same directory with the same name.
type Reconciler struct {
	mover  remote.Mover
	ledger *ledger.Ledger
	log    *u.Logger
	opts   Options
}

// New returns a Reconciler that uploads with mover. The ledger may be
// nil, in which case chunks are uploaded on every run and remote
// cleanup only covers chunks that still exist locally.
func New(mover remote.Mover, l *ledger.Ledger, log *u.Logger, opts Options) *Reconciler {
	if opts.SidecarDir == "" {
		opts.SidecarDir = DefaultSidecarDir
	}
	if opts.DiskSpace == nil {
		opts.DiskSpace = u.DiskSpace
	}
	return &Reconciler{mover: mover, ledger: l, log: log, opts: opts}
}

// SidecarDir returns the name of the chunk directory.
func (r *Reconciler) SidecarDir() string {
	return r.opts.SidecarDir
}

// item is the state shared by the steps of one reconciliation.
type item struct {
	rc        *Context
	log       *u.Logger
	remoteDir string
	rel       string
	sidecar   string
	style     chunk.Style
	record    *ledger.Record
	// Remote paths whose deletion failed.
	pending []string
	// Set when record.Pending changed.
	dirty bool
	out   Outcome
}

// Reconcile brings the remote copy of rc.Item up to date. Recoverable
// failures (remote deletes and transfers) are logged and counted in
// rc.Stats; the returned error is always fatal for the run.
func (r *Reconciler) Reconcile(ctx context.Context, rc *Context) (Outcome, error) {
	it, err := r.discover(ctx, rc)
	if err != nil || it.out.Skipped {
		return it.out, err
	}

	if !rc.Spec.NeedsChunking(rc.Item.Size) {
		err = r.direct(ctx, it)
	} else {
		err = r.chunked(ctx, it)
	}
	if err == nil {
		it.out.enter(Done)
		rc.Stats.Files.Add(1)
	}
	return it.out, err
}

// Check reports what Reconcile would do with rc.Item without changing
// anything locally or remotely.
func (r *Reconciler) Check(ctx context.Context, rc *Context) (Outcome, error) {
	it, err := r.discover(ctx, rc)
	if err != nil || it.out.Skipped {
		return it.out, err
	}
	if !rc.Spec.NeedsChunking(rc.Item.Size) {
		it.out.enter(DirectTransfer)
		return it.out, nil
	}
	it.out.enter(ChunkCheck)
	_, _, err = r.verify(it)
	return it.out, err
}

func (r *Reconciler) discover(ctx context.Context, rc *Context) (*item, error) {
	it := &item{rc: rc, log: rc.Log, out: Outcome{Item: rc.Item}}
	if it.log == nil {
		it.log = r.log.With("item", rc.Item.Path)
	}
	it.out.enter(Discovered)
	if err := rc.Spec.Validate(); err != nil {
		return it, err
	}

	info, err := os.Stat(rc.Item.Path)
	if os.IsNotExist(err) {
		it.log.Verbose("vanished; skipping")
		rc.Stats.Skipped.Add(1)
		it.out.Skipped = true
		return it, nil
	} else if err != nil {
		// Unreadable items are reported but don't stop the run.
		it.log.Error("%v; skipping", err)
		rc.Stats.Skipped.Add(1)
		it.out.Skipped = true
		return it, nil
	}
	rc.Item = NewSourceItem(rc.Item.Path, info)
	it.out.Item = rc.Item

	it.remoteDir, err = remote.Resolve(rc.Item.Dir, rc.Root)
	if err != nil {
		return it, chunk.Wrap(chunk.KindPlan, rc.Item.Path, err)
	}
	it.rel = remote.Join(it.remoteDir, rc.Item.Name)
	it.sidecar = filepath.Join(rc.Item.Dir, r.opts.SidecarDir)
	it.style = chunk.StyleFor(rc.Item.Name)

	if r.ledger != nil {
		if it.record, err = r.ledger.Get(ctx, it.rel); err != nil {
			it.log.Error("ledger: %v", err)
		}
	}
	return it, nil
}

///////////////////////////////////////////////////////////////////////////
// Direct transfer

func (r *Reconciler) direct(ctx context.Context, it *item) error {
	it.out.enter(DirectTransfer)
	r.retryPending(ctx, it)

	// Chunks left over from a smaller chunk size are stale now.
	set, err := chunk.Scan(it.sidecar, it.rc.Item.Name)
	if err != nil {
		return err
	}
	if !set.Empty() || (it.record != nil && len(it.record.Chunks) > 0) {
		it.log.Verbose("removing %d stale chunks", set.Count())
		if err := r.invalidate(ctx, it, set); err != nil {
			return err
		}
	}

	if err := r.mover.Copy(ctx, it.rc.Item.Path, it.remoteDir); err != nil {
		r.transferFailed(it, err)
		r.saveFailure(ctx, it)
		return nil
	}
	it.rc.Stats.DirectTransfers.Add(1)
	it.rc.Stats.Bytes.Add(it.rc.Item.Size)
	it.out.Transferred = true
	it.log.Verbose("copied to %q", it.remoteDir)

	if r.ledger != nil && (it.record != nil || len(it.pending) > 0) {
		var err error
		if len(it.pending) > 0 {
			err = r.ledger.Put(ctx, &ledger.Record{Path: it.rel, Pending: it.pending})
		} else {
			err = r.ledger.Delete(ctx, it.rel)
		}
		if err != nil {
			it.log.Error("ledger: %v", err)
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Chunked transfer

func (r *Reconciler) chunked(ctx context.Context, it *item) error {
	it.out.enter(ChunkCheck)
	r.retryPending(ctx, it)

	set, v, err := r.verify(it)
	if err != nil {
		return err
	}

	stale := !v.Valid() || it.out.SourceChanged
	switch {
	case !stale:
		it.log.Debug("%d chunks valid", set.Count())
	case v.Missing:
		it.log.Verbose("no chunks yet")
	default:
		if it.out.SourceChanged {
			it.log.Print("changed since its chunks were made")
		} else {
			it.log.Print("chunks %s", v)
		}
		if err := r.invalidate(ctx, it, set); err != nil {
			return err
		}
	}

	if stale {
		if set, err = r.resplit(it); err != nil {
			return err
		}
	}
	it.out.Chunks = set.Count()

	if r.unchanged(it, set) {
		it.log.Debug("already uploaded")
		it.rc.Stats.Unchanged.Add(1)
		it.out.Transferred = true
		if it.dirty && r.ledger != nil {
			it.record.Pending = it.pending
			if err := r.ledger.Put(ctx, it.record); err != nil {
				it.log.Error("ledger: %v", err)
			}
		}
		return nil
	}
	return r.upload(ctx, it, set)
}

// payloadSize returns the size of the data that is split: the zip
// container for most files, the file itself for zip files.
func (r *Reconciler) payloadSize(it *item) (int64, error) {
	item := it.rc.Item
	if it.style == chunk.Raw {
		return item.Size, nil
	}
	if rec := it.record; rec != nil && rec.PayloadSize > 0 && rec.SourceSize == item.Size &&
		rec.SourceModTime.Equal(item.ModTime) && rec.Style == it.style.String() {
		return rec.PayloadSize, nil
	}
	n, err := archive.Size(item.Name, item.Size)
	return n, chunk.Wrap(chunk.KindArchive, item.Path, err)
}

// verify scans the sidecar directory and checks the item's chunks
// against the plan for the current chunk size.
func (r *Reconciler) verify(it *item) (*chunk.Set, chunk.Verdict, error) {
	payload, err := r.payloadSize(it)
	if err != nil {
		return nil, chunk.Verdict{}, err
	}
	plan, err := chunk.NewPlan(payload, it.rc.Spec.ChunkSize)
	if err != nil {
		return nil, chunk.Verdict{}, chunk.Wrap(chunk.KindPlan, it.rc.Item.Path, err)
	}

	set, err := chunk.Scan(it.sidecar, it.rc.Item.Name)
	if err != nil {
		return nil, chunk.Verdict{}, err
	}
	v := chunk.Verify(set, plan)
	it.out.Plan, it.out.Verdict = plan, v
	it.out.SourceChanged = v.Valid() && r.sourceChanged(it)
	return set, v, nil
}

// sourceChanged reports whether the ledger's record of the item's chunks
// is for a different size or modification time than the item has now.
// Without a ledger, a rewrite that keeps the size goes unnoticed.
func (r *Reconciler) sourceChanged(it *item) bool {
	rec := it.record
	if rec == nil || len(rec.Chunks) == 0 {
		return false
	}
	return rec.SourceSize != it.rc.Item.Size || !rec.SourceModTime.Equal(it.rc.Item.ModTime)
}

///////////////////////////////////////////////////////////////////////////
// Invalidate

// invalidate deletes the chunks of set locally, which must succeed, and
// then remotely, along with any chunks the ledger knows about; remote
// failures are recorded and retried by later runs.
func (r *Reconciler) invalidate(ctx context.Context, it *item, set *chunk.Set) error {
	it.out.enter(Invalidate)
	it.rc.Stats.Invalidations.Add(1)

	for _, c := range set.Chunks {
		for _, p := range []string{c.Path, c.Path + ".rs"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return chunk.Wrap(chunk.KindInvalidate, p, err)
			}
		}
	}

	var paths []string
	seen := make(map[string]bool)
	add := func(dir, name string, parity bool) {
		for _, n := range []string{name, name + ".rs"} {
			p := remote.Join(dir, n)
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
			if !parity {
				break
			}
		}
	}
	for _, name := range set.Names() {
		add(it.remoteDir, name, r.opts.Parity != nil || (it.record != nil && it.record.Parity))
	}
	if rec := it.record; rec != nil {
		for _, c := range rec.Chunks {
			add(rec.RemoteDir, c.Name, rec.Parity)
		}
		// The remote no longer holds what the record describes.
		rec.Chunks = nil
	}
	r.deleteRemote(ctx, it, paths)
	return nil
}

func (r *Reconciler) deleteRemote(ctx context.Context, it *item, paths []string) {
	for _, p := range paths {
		if err := r.mover.Delete(ctx, p); err != nil {
			err = chunk.Wrap(chunk.KindRemoteDelete, p, err)
			it.log.Error("%v", err)
			it.rc.Stats.RemoteDeleteFailures.Add(1)
			it.pending = append(it.pending, p)
		} else {
			it.log.Debug("deleted %s from remote", p)
		}
	}
}

// retryPending retries remote deletions that failed in earlier runs.
// Paths that now hold chunks of the recorded upload are left alone.
func (r *Reconciler) retryPending(ctx context.Context, it *item) {
	rec := it.record
	if rec == nil || len(rec.Pending) == 0 {
		return
	}
	live := make(map[string]bool)
	for _, c := range rec.Chunks {
		live[remote.Join(rec.RemoteDir, c.Name)] = true
		live[remote.Join(rec.RemoteDir, c.Name+".rs")] = rec.Parity
	}
	var paths []string
	for _, p := range rec.Pending {
		if !live[p] {
			paths = append(paths, p)
		}
	}
	it.log.Verbose("retrying %d remote deletions", len(paths))
	r.deleteRemote(ctx, it, paths)
	rec.Pending = nil
	it.dirty = true
}

///////////////////////////////////////////////////////////////////////////
// Resplit

func (r *Reconciler) checkSpace(it *item, need int64) error {
	if r.opts.MinFreePercent <= 0 {
		return nil
	}
	dir := it.rc.Item.Dir
	s, err := r.opts.DiskSpace(dir)
	if err != nil {
		it.log.Warning("can't determine free space: %v", err)
		return nil
	}
	if pct := s.FreePercent(); pct < r.opts.MinFreePercent {
		return chunk.Errorf(chunk.KindSpace, dir, "%s, below the %.0f%% minimum", s,
			r.opts.MinFreePercent)
	}
	if need > 0 && uint64(need) > s.Free {
		return chunk.Errorf(chunk.KindSpace, dir, "%s, %s needed", s, u.FmtBytes(need))
	}
	return nil
}

// resplit regenerates the item's chunks with the current chunk size and
// verifies the result.
func (r *Reconciler) resplit(it *item) (*chunk.Set, error) {
	it.out.enter(Resplit)
	item := it.rc.Item
	spec := it.rc.Spec

	if err := os.MkdirAll(it.sidecar, 0755); err != nil {
		return nil, chunk.Wrap(chunk.KindSplit, it.sidecar, err)
	}

	payloadPath := item.Path
	need := item.Size
	if it.style == chunk.Archived {
		// The container and its chunks exist side by side for a while.
		need = 2 * it.out.Plan.PayloadSize
	}
	if err := r.checkSpace(it, need); err != nil {
		return nil, err
	}
	if it.style == chunk.Archived {
		payloadPath = filepath.Join(it.sidecar, "."+item.Name+".zip")
		start := time.Now()
		if _, err := archive.Create(item.Path, payloadPath); err != nil {
			return nil, chunk.Wrap(chunk.KindArchive, item.Path, err)
		}
		defer os.Remove(payloadPath)
		it.log.Verbose("archived in %s", time.Since(start).Round(time.Millisecond))
	}

	f, err := os.Open(payloadPath)
	if err != nil {
		return nil, chunk.Wrap(chunk.KindSplit, payloadPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, chunk.Wrap(chunk.KindSplit, payloadPath, err)
	}

	rr := &u.ReportingReader{R: f, Msg: "Split " + item.Name, Log: it.log}
	chunks, err := chunk.Split(rr, it.sidecar, item.Name, it.style, spec.ChunkSize)
	if err != nil {
		if derr := chunk.Discard(chunks); derr != nil {
			it.log.Warning("removing partial chunks: %v", derr)
		}
		return nil, err
	}
	it.rc.Stats.Resplits.Add(1)
	it.log.Verbose("split into %d chunks of %s", len(chunks), u.FmtBytes(spec.ChunkSize))

	if p := r.opts.Parity; p != nil {
		for _, c := range chunks {
			if err := rdso.EncodeFile(c.Path, c.Path+".rs", *p); err != nil {
				return nil, chunk.Wrap(chunk.KindSplit, c.Path+".rs", err)
			}
		}
	}

	// Check what was written against what was actually read, so that a
	// source that changed underneath us is caught here.
	plan, err := chunk.NewPlan(info.Size(), spec.ChunkSize)
	if err != nil {
		return nil, err
	}
	set, err := chunk.Scan(it.sidecar, item.Name)
	if err != nil {
		return nil, err
	}
	if v := chunk.Verify(set, plan); !v.Valid() {
		chunk.Discard(set.Chunks)
		return nil, chunk.Errorf(chunk.KindSplit, item.Path, "regenerated chunks are %s", v)
	}
	it.out.Plan.PayloadSize = info.Size()
	return set, nil
}

///////////////////////////////////////////////////////////////////////////
// Upload

// unchanged reports whether the ledger says set was already uploaded to
// the item's remote directory.
func (r *Reconciler) unchanged(it *item, set *chunk.Set) bool {
	rec := it.record
	if rec == nil || len(it.pending) > 0 || rec.RemoteDir != it.remoteDir ||
		rec.ChunkSize != it.rc.Spec.ChunkSize || rec.Parity != (r.opts.Parity != nil) ||
		r.sourceChanged(it) || len(rec.Chunks) != set.Count() {
		return false
	}
	for i, c := range set.Chunks {
		if rec.Chunks[i].Name != c.Name.String() || rec.Chunks[i].Size != c.Size {
			return false
		}
	}
	return true
}

func (r *Reconciler) upload(ctx context.Context, it *item, set *chunk.Set) error {
	it.out.enter(Upload)
	failed := false
	for _, c := range set.Chunks {
		files := []string{c.Path}
		if r.opts.Parity != nil {
			files = append(files, c.Path+".rs")
		}
		ok := true
		for _, f := range files {
			if err := r.mover.Copy(ctx, f, it.remoteDir); err != nil {
				r.transferFailed(it, err)
				ok = false
			}
		}
		if ok {
			it.log.Debug("uploaded %s", c.Name)
		}
		failed = failed || !ok
	}
	if failed {
		r.saveFailure(ctx, it)
		return nil
	}

	stats := it.rc.Stats
	stats.ChunkedItems.Add(1)
	stats.Chunks.Add(int64(set.Count()))
	stats.Bytes.Add(set.TotalSize)
	it.out.Transferred = true
	it.log.Verbose("uploaded %d chunks to %q", set.Count(), it.remoteDir)

	current := make(map[string]bool)
	for _, n := range set.Names() {
		current[remote.Join(it.remoteDir, n)] = true
		if r.opts.Parity != nil {
			current[remote.Join(it.remoteDir, n+".rs")] = true
		}
	}
	// Deletions that failed earlier in this run are moot for paths that
	// were just overwritten.
	var pending []string
	for _, p := range it.pending {
		if !current[p] {
			pending = append(pending, p)
		}
	}
	it.pending = pending

	// Chunks of the previous upload that this one didn't overwrite.
	if rec := it.record; rec != nil {
		var orphans []string
		for _, c := range rec.Chunks {
			names := []string{c.Name}
			if rec.Parity {
				names = append(names, c.Name+".rs")
			}
			for _, n := range names {
				if p := remote.Join(rec.RemoteDir, n); !current[p] {
					orphans = append(orphans, p)
				}
			}
		}
		r.deleteRemote(ctx, it, orphans)
	}

	if r.ledger == nil {
		return nil
	}
	rec := &ledger.Record{
		Path:          it.rel,
		SourceSize:    it.rc.Item.Size,
		SourceModTime: it.rc.Item.ModTime,
		ChunkSize:     it.rc.Spec.ChunkSize,
		PayloadSize:   it.out.Plan.PayloadSize,
		Style:         it.style.String(),
		RemoteDir:     it.remoteDir,
		Parity:        r.opts.Parity != nil,
		Pending:       it.pending,
		Uploaded:      time.Now(),
	}
	for _, c := range set.Chunks {
		rec.Chunks = append(rec.Chunks, ledger.Chunk{Name: c.Name.String(), Size: c.Size})
	}
	if err := r.ledger.Put(ctx, rec); err != nil {
		it.log.Error("ledger: %v", err)
	}
	return nil
}

func (r *Reconciler) transferFailed(it *item, err error) {
	err = chunk.Wrap(chunk.KindTransfer, it.rc.Item.Path, err)
	it.log.Error("%v", err)
	it.rc.Stats.TransferFailures.Add(1)
}

// saveFailure keeps the record of what is on the remote, plus any
// deletions still owed, after a failed transfer.
func (r *Reconciler) saveFailure(ctx context.Context, it *item) {
	if r.ledger == nil {
		return
	}
	rec := it.record
	if rec == nil {
		if len(it.pending) == 0 {
			return
		}
		rec = &ledger.Record{Path: it.rel}
	}
	rec.Pending = append(rec.Pending, it.pending...)
	if err := r.ledger.Put(ctx, rec); err != nil {
		it.log.Error("ledger: %v", err)
	}
}
