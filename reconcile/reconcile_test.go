// reconcile/reconcile_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package reconcile

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmp/bksplit/archive"
	"github.com/mmp/bksplit/chunk"
	"github.com/mmp/bksplit/ledger"
	"github.com/mmp/bksplit/rdso"
	"github.com/mmp/bksplit/remote"
	u "github.com/mmp/bksplit/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	archive.SetLogger(u.Nop())
	remote.SetLogger(u.Nop())
	os.Exit(m.Run())
}

type fixture struct {
	root   string
	mem    *remote.Memory
	ledger *ledger.Ledger
	r      *Reconciler
	stats  *Stats
	data   map[string][]byte
}

func newFixture(t *testing.T, opts Options) *fixture {
	f := &fixture{
		root:   t.TempDir(),
		mem:    remote.NewMemory(),
		ledger: ledger.NewMemory(),
		stats:  &Stats{},
		data:   make(map[string][]byte),
	}
	f.r = New(f.mem, f.ledger, u.Nop(), opts)
	return f
}

// write creates rel under the root with n random bytes and returns its
// path.
func (f *fixture) write(t *testing.T, rel string, n int) string {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	p := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, b, 0644))
	f.data[p] = b
	return p
}

func (f *fixture) context(t *testing.T, path string, chunkSize int64) *Context {
	info, err := os.Stat(path)
	require.NoError(t, err)
	return &Context{
		Item:  NewSourceItem(path, info),
		Spec:  chunk.Spec{ChunkSize: chunkSize},
		Root:  f.root,
		Stats: f.stats,
	}
}

func (f *fixture) reconcile(t *testing.T, path string, chunkSize int64) Outcome {
	out, err := f.r.Reconcile(context.Background(), f.context(t, path, chunkSize))
	require.NoError(t, err)
	return out
}

// plan returns the plan an archived item of the given size should get.
func plan(t *testing.T, name string, size int, chunkSize int64) chunk.Plan {
	payload, err := archive.Size(name, int64(size))
	require.NoError(t, err)
	p, err := chunk.NewPlan(payload, chunkSize)
	require.NoError(t, err)
	return p
}

func remoteNames(dir, item string, style chunk.Style, n int) []string {
	var r []string
	for _, name := range chunk.Names(item, style, n) {
		r = append(r, remote.Join(dir, name.String()))
	}
	return r
}

func prefixed(prefix string, s []string) []string {
	var r []string
	for _, e := range s {
		r = append(r, prefix+e)
	}
	return r
}

// remoteContents reassembles the archived item from the remote chunks
// and extracts it.
func (f *fixture) remoteContents(t *testing.T, names []string) []byte {
	var zipped bytes.Buffer
	for _, n := range names {
		b, ok := f.mem.Object(n)
		require.True(t, ok, n)
		zipped.Write(b)
	}
	tmp := filepath.Join(t.TempDir(), "payload.zip")
	require.NoError(t, os.WriteFile(tmp, zipped.Bytes(), 0644))
	var out bytes.Buffer
	_, _, err := archive.Extract(tmp, &out)
	require.NoError(t, err)
	return out.Bytes()
}

func localChunks(t *testing.T, dir, item string) *chunk.Set {
	set, err := chunk.Scan(filepath.Join(dir, DefaultSidecarDir), item)
	require.NoError(t, err)
	return set
}

///////////////////////////////////////////////////////////////////////////

func TestDirectTransfer(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "sub/a.bin", 300)

	out := f.reconcile(t, p, 300)
	assert.Equal(t, []State{Discovered, DirectTransfer, Done}, out.States)
	assert.True(t, out.Transferred)
	assert.Equal(t, []string{"copy sub/a.bin"}, f.mem.Ops())

	b, ok := f.mem.Object("sub/a.bin")
	require.True(t, ok)
	assert.Equal(t, f.data[p], b)
	_, err := os.Stat(filepath.Join(f.root, "sub", DefaultSidecarDir))
	assert.True(t, os.IsNotExist(err))

	s := f.stats.Summary()
	assert.EqualValues(t, 1, s.Files)
	assert.EqualValues(t, 1, s.DirectTransfers)
	assert.EqualValues(t, 300, s.Bytes)
	assert.EqualValues(t, 0, s.ChunkedItems)
}

func TestChunkedFirstRun(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "sub/big.bin", 1000)
	want := plan(t, "big.bin", 1000, 300)

	out := f.reconcile(t, p, 300)
	assert.Equal(t, []State{Discovered, ChunkCheck, Resplit, Upload, Done}, out.States)
	assert.True(t, out.Verdict.Missing)
	assert.Equal(t, want.Count, out.Chunks)
	assert.Equal(t, want.PayloadSize, out.Plan.PayloadSize)

	names := remoteNames("sub", "big.bin", chunk.Archived, want.Count)
	assert.Equal(t, prefixed("copy ", names), f.mem.Ops())
	assert.Equal(t, names, f.mem.Objects())
	assert.Equal(t, f.data[p], f.remoteContents(t, names))

	// Only the chunks remain in the sidecar directory.
	entries, err := os.ReadDir(filepath.Join(f.root, "sub", DefaultSidecarDir))
	require.NoError(t, err)
	assert.Len(t, entries, want.Count)

	rec, err := f.ledger.Get(context.Background(), "sub/big.bin")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, rec.Chunks, want.Count)
	assert.Equal(t, "sub", rec.RemoteDir)
	assert.Equal(t, want.PayloadSize, rec.PayloadSize)
	assert.EqualValues(t, 300, rec.ChunkSize)

	s := f.stats.Summary()
	assert.EqualValues(t, 1, s.ChunkedItems)
	assert.EqualValues(t, want.Count, s.Chunks)
	assert.EqualValues(t, 1, s.Resplits)
	assert.EqualValues(t, 0, s.Invalidations)
}

// With a ledger, the container size of an unchanged item comes from its
// record rather than from archiving zeros again.
func TestRecordedPayloadSize(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "big.bin", 1000)
	f.reconcile(t, p, 300)

	ctx := context.Background()
	rec, err := f.ledger.Get(ctx, "big.bin")
	require.NoError(t, err)
	require.NotNil(t, rec)
	rec.PayloadSize += 1000
	require.NoError(t, f.ledger.Put(ctx, rec))

	out, err := f.r.Check(ctx, f.context(t, p, 300))
	require.NoError(t, err)
	assert.Equal(t, rec.PayloadSize, out.Plan.PayloadSize)
	assert.False(t, out.Verdict.Valid())

	// Once the item changes, the record's size no longer applies.
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(p, later, later))
	out, err = f.r.Check(ctx, f.context(t, p, 300))
	require.NoError(t, err)
	assert.Equal(t, plan(t, "big.bin", 1000, 300).PayloadSize, out.Plan.PayloadSize)
}

func TestIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "big.bin", 1000)
	f.reconcile(t, p, 300)
	f.mem.Ops()
	before := localChunks(t, f.root, "big.bin")

	out := f.reconcile(t, p, 300)
	assert.Equal(t, []State{Discovered, ChunkCheck, Done}, out.States)
	assert.True(t, out.Verdict.Valid())
	assert.Empty(t, f.mem.Ops())
	assert.EqualValues(t, 1, f.stats.Summary().Unchanged)

	after := localChunks(t, f.root, "big.bin")
	require.Equal(t, before.Count(), after.Count())
	for i := range before.Chunks {
		assert.True(t, before.Chunks[i].ModTime.Equal(after.Chunks[i].ModTime))
	}
}

func TestWithoutLedgerReuploads(t *testing.T) {
	f := newFixture(t, Options{})
	f.r = New(f.mem, nil, u.Nop(), Options{})
	p := f.write(t, "big.bin", 1000)
	f.reconcile(t, p, 300)
	f.mem.Ops()

	out := f.reconcile(t, p, 300)
	assert.False(t, out.Visited(Resplit))
	assert.True(t, out.Visited(Upload))
	assert.Len(t, f.mem.Ops(), plan(t, "big.bin", 1000, 300).Count)
}

func TestChunkSizeChange(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "sub/big.bin", 1000)
	old := plan(t, "big.bin", 1000, 300)
	f.reconcile(t, p, 300)
	f.mem.Ops()

	cur := plan(t, "big.bin", 1000, 225)
	require.NotEqual(t, old.Count, cur.Count)
	out := f.reconcile(t, p, 225)
	assert.Equal(t, []State{Discovered, ChunkCheck, Invalidate, Resplit, Upload, Done}, out.States)
	assert.True(t, out.Verdict.Failed(chunk.CheckCount))
	assert.True(t, out.Verdict.Failed(chunk.CheckLeadingSize))

	oldNames := remoteNames("sub", "big.bin", chunk.Archived, old.Count)
	newNames := remoteNames("sub", "big.bin", chunk.Archived, cur.Count)
	ops := f.mem.Ops()
	assert.Equal(t, prefixed("delete ", oldNames), remote.OpsWithPrefix(ops, "delete "))
	assert.Equal(t, prefixed("copy ", newNames), remote.OpsWithPrefix(ops, "copy "))
	assert.Equal(t, newNames, f.mem.Objects())
	assert.Equal(t, f.data[p], f.remoteContents(t, newNames))

	set := localChunks(t, filepath.Join(f.root, "sub"), "big.bin")
	assert.Equal(t, cur.Count, set.Count())
	lead, _ := set.Leading()
	assert.EqualValues(t, 225, lead.Size)
	assert.EqualValues(t, 1, f.stats.Summary().Invalidations)
}

func TestShrinkDeletesOrphans(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "big.bin", 1000)
	old := plan(t, "big.bin", 1000, 260)
	f.reconcile(t, p, 260)

	// The local chunks disappear, so only the ledger knows what is on
	// the remote.
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, DefaultSidecarDir)))
	f.mem.Ops()

	cur := plan(t, "big.bin", 1000, 600)
	require.Less(t, cur.Count, old.Count)
	out := f.reconcile(t, p, 600)
	assert.True(t, out.Verdict.Missing)
	assert.Equal(t, remoteNames("", "big.bin", chunk.Archived, cur.Count), f.mem.Objects())
}

func TestRawStyle(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "photos.zip", 1000)

	out := f.reconcile(t, p, 300)
	assert.EqualValues(t, 1000, out.Plan.PayloadSize)
	assert.Equal(t, 4, out.Chunks)
	names := remoteNames("", "photos.zip", chunk.Raw, 4)
	assert.Equal(t, []string{"photos.zip.001", "photos.zip.002", "photos.zip.003", "photos.zip.004"}, names)
	assert.Equal(t, names, f.mem.Objects())

	var b bytes.Buffer
	for _, n := range names {
		o, _ := f.mem.Object(n)
		b.Write(o)
	}
	assert.Equal(t, f.data[p], b.Bytes())
}

// The raw chunks of "d.zip.zip" look like archived chunks of "d.zip"; each
// item must only see its own.
func TestZipNamedZip(t *testing.T) {
	f := newFixture(t, Options{})
	inner := f.write(t, "d.zip.zip", 700)
	outer := f.write(t, "d.zip", 1000)

	assert.Equal(t, 3, f.reconcile(t, inner, 300).Chunks)
	assert.Equal(t, 4, f.reconcile(t, outer, 300).Chunks)
	f.mem.Ops()

	for _, p := range []string{inner, outer} {
		out := f.reconcile(t, p, 300)
		assert.Equal(t, []State{Discovered, ChunkCheck, Done}, out.States, p)
		assert.True(t, out.Verdict.Valid(), p)
	}
	assert.Empty(t, f.mem.Ops())
	assert.Equal(t, []string{"d.zip.001", "d.zip.002", "d.zip.003", "d.zip.004"},
		localChunks(t, f.root, "d.zip").Names())
	assert.Equal(t, []string{"d.zip.zip.001", "d.zip.zip.002", "d.zip.zip.003"},
		localChunks(t, f.root, "d.zip.zip").Names())

	var b bytes.Buffer
	for _, n := range remoteNames("", "d.zip.zip", chunk.Raw, 3) {
		o, ok := f.mem.Object(n)
		require.True(t, ok, n)
		b.Write(o)
	}
	assert.Equal(t, f.data[inner], b.Bytes())
}

func TestVanished(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "gone.bin", 1000)
	rc := f.context(t, p, 300)
	require.NoError(t, os.Remove(p))

	out, err := f.r.Reconcile(context.Background(), rc)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, []State{Discovered}, out.States)
	assert.Empty(t, f.mem.Ops())
	assert.EqualValues(t, 1, f.stats.Summary().Skipped)
	assert.EqualValues(t, 0, f.stats.Summary().Files)
}

func TestOutsideRoot(t *testing.T) {
	f := newFixture(t, Options{})
	other := t.TempDir()
	p := filepath.Join(other, "a.bin")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0644))

	_, err := f.r.Reconcile(context.Background(), f.context(t, p, 300))
	require.Error(t, err)
	assert.Equal(t, chunk.KindPlan, chunk.KindOf(err))
	assert.True(t, chunk.IsFatal(err))
}

func TestRemoteDeleteFailure(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "big.bin", 1000)
	old := plan(t, "big.bin", 1000, 260)
	f.reconcile(t, p, 260)

	f.mem.FailDelete = func(string) error { return errors.New("remote unavailable") }
	cur := plan(t, "big.bin", 1000, 600)
	require.Less(t, cur.Count, old.Count)
	out := f.reconcile(t, p, 600)
	assert.True(t, out.Transferred)
	assert.EqualValues(t, old.Count, f.stats.Summary().RemoteDeleteFailures)

	// Only deletions of paths that weren't overwritten are still owed.
	rec, err := f.ledger.Get(context.Background(), "big.bin")
	require.NoError(t, err)
	orphans := remoteNames("", "big.bin", chunk.Archived, old.Count)[cur.Count:]
	assert.Equal(t, orphans, rec.Pending)
	assert.Len(t, f.mem.Objects(), old.Count)

	f.mem.FailDelete = nil
	f.mem.Ops()
	out = f.reconcile(t, p, 600)
	assert.False(t, out.Visited(Upload))
	assert.Equal(t, prefixed("delete ", orphans), f.mem.Ops())
	assert.Equal(t, remoteNames("", "big.bin", chunk.Archived, cur.Count), f.mem.Objects())

	rec, err = f.ledger.Get(context.Background(), "big.bin")
	require.NoError(t, err)
	assert.Empty(t, rec.Pending)
}

func TestUploadFailure(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "big.bin", 1000)
	want := plan(t, "big.bin", 1000, 300)

	f.mem.FailCopy = func(p string) error {
		if strings.HasSuffix(p, ".002") {
			return errors.New("connection reset")
		}
		return nil
	}
	out, err := f.r.Reconcile(context.Background(), f.context(t, p, 300))
	require.NoError(t, err)
	assert.False(t, out.Transferred)
	assert.True(t, out.Visited(Done))
	assert.Len(t, f.mem.Ops(), want.Count)
	assert.EqualValues(t, 1, f.stats.Summary().TransferFailures)
	assert.EqualValues(t, 0, f.stats.Summary().ChunkedItems)

	rec, err := f.ledger.Get(context.Background(), "big.bin")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// The next run uploads everything again, without resplitting.
	f.mem.FailCopy = nil
	out = f.reconcile(t, p, 300)
	assert.False(t, out.Visited(Resplit))
	assert.True(t, out.Transferred)
	assert.Len(t, f.mem.Ops(), want.Count)
	assert.Equal(t, f.data[p], f.remoteContents(t, remoteNames("", "big.bin", chunk.Archived, want.Count)))
}

func TestStaleChunksOnDirectTransfer(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "sub/big.bin", 1000)
	want := plan(t, "big.bin", 1000, 300)
	f.reconcile(t, p, 300)
	f.mem.Ops()

	out := f.reconcile(t, p, 2000)
	assert.Equal(t, []State{Discovered, DirectTransfer, Invalidate, Done}, out.States)
	ops := f.mem.Ops()
	assert.Equal(t, prefixed("delete ", remoteNames("sub", "big.bin", chunk.Archived, want.Count)),
		remote.OpsWithPrefix(ops, "delete "))
	assert.Equal(t, []string{"copy sub/big.bin"}, remote.OpsWithPrefix(ops, "copy "))
	assert.Equal(t, []string{"sub/big.bin"}, f.mem.Objects())
	assert.True(t, localChunks(t, filepath.Join(f.root, "sub"), "big.bin").Empty())

	rec, err := f.ledger.Get(context.Background(), "sub/big.bin")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// A source stamped in the future (clock skew, a copy that kept its
// times) is newer than its chunks; that alone must not regenerate them.
func TestFutureModTime(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "big.bin", 1000)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(p, future, future))

	out := f.reconcile(t, p, 300)
	assert.True(t, out.Visited(Upload))
	f.mem.Ops()

	for i := 0; i < 2; i++ {
		out = f.reconcile(t, p, 300)
		assert.Equal(t, []State{Discovered, ChunkCheck, Done}, out.States)
		assert.True(t, out.Verdict.Valid())
		assert.False(t, out.SourceChanged)
		assert.Empty(t, f.mem.Ops())
	}
}

func TestSourceChanged(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "big.bin", 1000)
	want := plan(t, "big.bin", 1000, 300)
	f.reconcile(t, p, 300)
	f.mem.Ops()

	// Same size, so the old chunks still pass every check.
	b := bytes.Repeat([]byte{7}, 1000)
	require.NoError(t, os.WriteFile(p, b, 0644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(p, later, later))

	out := f.reconcile(t, p, 300)
	assert.True(t, out.Verdict.Valid())
	assert.True(t, out.SourceChanged)
	assert.Equal(t, []State{Discovered, ChunkCheck, Invalidate, Resplit, Upload, Done}, out.States)
	names := remoteNames("", "big.bin", chunk.Archived, want.Count)
	assert.Equal(t, b, f.remoteContents(t, names))
	f.mem.Ops()

	out = f.reconcile(t, p, 300)
	assert.Equal(t, []State{Discovered, ChunkCheck, Done}, out.States)
	assert.Empty(t, f.mem.Ops())
}

func TestInsufficientSpace(t *testing.T) {
	for _, tc := range []struct {
		name  string
		space u.Space
		fail  bool
	}{
		{"below minimum", u.Space{Free: 5, Total: 100}, true},
		{"payload too big", u.Space{Free: 500, Total: 1000}, true},
		{"plenty", u.Space{Free: 1 << 40, Total: 1 << 41}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{
				MinFreePercent: 10,
				DiskSpace:      func(string) (u.Space, error) { return tc.space, nil },
			})
			p := f.write(t, "big.bin", 1000)
			_, err := f.r.Reconcile(context.Background(), f.context(t, p, 300))
			if !tc.fail {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, chunk.KindSpace, chunk.KindOf(err))
			assert.True(t, chunk.IsFatal(err))
			assert.Empty(t, f.mem.Ops())
		})
	}
}

func TestSpaceUnknown(t *testing.T) {
	f := newFixture(t, Options{
		MinFreePercent: 10,
		DiskSpace:      func(string) (u.Space, error) { return u.Space{}, errors.New("no statfs") },
	})
	p := f.write(t, "big.bin", 1000)
	out := f.reconcile(t, p, 300)
	assert.True(t, out.Transferred)
}

func TestCheckIsDryRun(t *testing.T) {
	f := newFixture(t, Options{})
	p := f.write(t, "sub/big.bin", 1000)

	out, err := f.r.Check(context.Background(), f.context(t, p, 300))
	require.NoError(t, err)
	assert.Equal(t, []State{Discovered, ChunkCheck}, out.States)
	assert.True(t, out.Verdict.Missing)
	assert.Equal(t, plan(t, "big.bin", 1000, 300).Count, out.Plan.Count)
	assert.Empty(t, f.mem.Ops())
	_, err = os.Stat(filepath.Join(f.root, "sub", DefaultSidecarDir))
	assert.True(t, os.IsNotExist(err))

	f.reconcile(t, p, 300)
	out, err = f.r.Check(context.Background(), f.context(t, p, 225))
	require.NoError(t, err)
	assert.False(t, out.Verdict.Valid())
	assert.False(t, out.Verdict.Missing)
	assert.Equal(t, plan(t, "big.bin", 1000, 300).Count,
		localChunks(t, filepath.Join(f.root, "sub"), "big.bin").Count())
}

func TestParity(t *testing.T) {
	f := newFixture(t, Options{Parity: &rdso.Options{DataShards: 2, ParityShards: 1, HashRate: 64}})
	p := f.write(t, "big.bin", 1000)
	want := plan(t, "big.bin", 1000, 300)

	f.reconcile(t, p, 300)
	var names []string
	for _, n := range remoteNames("", "big.bin", chunk.Archived, want.Count) {
		names = append(names, n, n+".rs")
	}
	assert.ElementsMatch(t, names, f.mem.Objects())

	for _, c := range localChunks(t, f.root, "big.bin").Chunks {
		assert.NoError(t, rdso.CheckFile(c.Path, c.Path+".rs", nil))
	}

	// Dropping parity removes the remote parity files too.
	f.r = New(f.mem, f.ledger, u.Nop(), Options{})
	f.reconcile(t, p, 225)
	for _, o := range f.mem.Objects() {
		assert.False(t, strings.HasSuffix(o, ".rs"), o)
	}
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "chunk check", ChunkCheck.String())
	assert.Equal(t, "State(42)", State(42).String())
}
