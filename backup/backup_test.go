// backup/backup_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmp/bksplit/archive"
	"github.com/mmp/bksplit/chunk"
	"github.com/mmp/bksplit/ledger"
	"github.com/mmp/bksplit/reconcile"
	"github.com/mmp/bksplit/remote"
	u "github.com/mmp/bksplit/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	archive.SetLogger(u.Nop())
	os.Exit(m.Run())
}

// makeTree creates the given files under a new directory; sizes are
// file lengths in bytes.
func makeTree(t *testing.T, files map[string]int) string {
	root := t.TempDir()
	for rel, n := range files {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(i * 7)
		}
		require.NoError(t, os.WriteFile(p, b, 0644))
	}
	return root
}

func walkAll(t *testing.T, root string, opts WalkOptions) ([]string, int) {
	var items []string
	folders, err := Walk(root, opts, u.Nop(), func(item reconcile.SourceItem) error {
		rel, err := filepath.Rel(root, item.Path)
		require.NoError(t, err)
		items = append(items, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	return items, folders
}

func TestWalk(t *testing.T) {
	root := makeTree(t, map[string]int{
		"b.txt":                     1,
		"a/x.mov":                   1,
		"a/.rclone/x.mov.zip.001":   1,
		"a/download.part":           1,
		"a/deep/y.JPG":              1,
		"Photos.bundle/db.sqlite":   1,
		"notes.TMP":                 1,
		"c/empty/.keep":             0,
		"c/.rclone/nested/other.go": 1,
	})
	require.NoError(t, os.Symlink(filepath.Join(root, "b.txt"), filepath.Join(root, "link")))

	items, folders := walkAll(t, root, WalkOptions{
		SidecarDir:     ".rclone",
		SkipExtensions: []string{".part", ".tmp"},
		SkipDirs:       []string{"*.bundle"},
	})
	assert.Equal(t, []string{"a/deep/y.JPG", "a/x.mov", "b.txt", "c/empty/.keep"}, items)
	// root, a, a/deep, c, c/empty
	assert.Equal(t, 5, folders)
}

func TestWalkStop(t *testing.T) {
	root := makeTree(t, map[string]int{"a": 1, "b": 1, "c": 1})
	n := 0
	_, err := Walk(root, WalkOptions{}, u.Nop(), func(reconcile.SourceItem) error {
		n++
		if n == 2 {
			return ErrStop
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, n)

	boom := errors.New("boom")
	_, err = Walk(root, WalkOptions{}, u.Nop(), func(reconcile.SourceItem) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = Walk(filepath.Join(root, "a"), WalkOptions{}, u.Nop(), nil)
	assert.Error(t, err)
}

func TestWalkCollision(t *testing.T) {
	root := makeTree(t, map[string]int{"a": 100, "a.zip": 10, "b": 100, "c": 10, "c.zip": 10,
		"d.zip": 100, "d.zip.zip": 100})
	items, _ := walkAll(t, root, WalkOptions{ChunkSize: 50})
	// d.zip.001 and d.zip.zip.001 are distinct, so both zips are kept.
	assert.Equal(t, []string{"a.zip", "b", "c", "c.zip", "d.zip", "d.zip.zip"}, items)

	// Without a chunk size nothing can collide.
	items, _ = walkAll(t, root, WalkOptions{})
	assert.Len(t, items, 7)
}

///////////////////////////////////////////////////////////////////////////

type fixture struct {
	root   string
	mem    *remote.Memory
	ledger *ledger.Ledger
}

func newFixture(t *testing.T, files map[string]int) *fixture {
	return &fixture{root: makeTree(t, files), mem: remote.NewMemory(), ledger: ledger.NewMemory()}
}

func (f *fixture) runner(opts reconcile.Options, ro Options) *Runner {
	rec := reconcile.New(f.mem, f.ledger, u.Nop(), opts)
	ro.Root = f.root
	if ro.Spec.ChunkSize == 0 {
		ro.Spec.ChunkSize = 300
	}
	if ro.FinishHour == 0 {
		ro.FinishHour = -1
	}
	return NewRunner(rec, u.Nop(), ro)
}

var testTree = map[string]int{
	"small.txt":           100,
	"exact.bin":           300,
	"docs/big.pdf":        1000,
	"docs/archive.zip":    700,
	"media/clip.mov":      2000,
	"media/.rclone/junk":  5,
	"media/thumb.jpg.tmp": 5000,
}

func TestRunner(t *testing.T) {
	f := newFixture(t, testTree)
	r := f.runner(reconcile.Options{}, Options{Walk: WalkOptions{SkipExtensions: []string{".tmp"}}})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Stopped)
	s := res.Summary
	assert.EqualValues(t, 5, s.Files)
	assert.EqualValues(t, 2, s.DirectTransfers)
	assert.EqualValues(t, 3, s.ChunkedItems)
	assert.EqualValues(t, 3, s.Folders)
	assert.Zero(t, s.Failures())

	objs := f.mem.Objects()
	assert.Contains(t, objs, "small.txt")
	assert.Contains(t, objs, "exact.bin")
	assert.Contains(t, objs, "docs/archive.zip.003")
	assert.Contains(t, objs, "docs/big.pdf.zip.001")
	assert.Contains(t, objs, "media/clip.mov.zip.007")
	for _, o := range objs {
		assert.False(t, strings.Contains(o, "tmp"), o)
		assert.False(t, strings.Contains(o, "junk"), o)
	}

	// A second run over an unchanged tree re-copies the small files and
	// nothing else.
	f.mem.Ops()
	res, err = f.runner(reconcile.Options{}, Options{Walk: WalkOptions{SkipExtensions: []string{".tmp"}}}).
		Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Summary.Unchanged)
	assert.ElementsMatch(t, []string{"copy exact.bin", "copy small.txt"}, f.mem.Ops())
}

func TestRunnerWorkers(t *testing.T) {
	files := make(map[string]int)
	for i := 0; i < 20; i++ {
		files[fmt.Sprintf("d%d/f%02d", i%3, i)] = 100 * (i + 1)
	}
	f := newFixture(t, files)
	var maxActive, active atomic.Int32
	f.mem.FailCopy = func(string) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return nil
	}

	res, err := f.runner(reconcile.Options{}, Options{Workers: 4}).Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 20, res.Summary.Files)
	assert.LessOrEqual(t, maxActive.Load(), int32(4))

	for rel, n := range files {
		if n <= 300 {
			assert.Contains(t, f.mem.Objects(), rel)
		} else {
			assert.Contains(t, f.mem.Objects(), rel+".zip.001")
		}
	}
}

func TestRunnerFatal(t *testing.T) {
	f := newFixture(t, map[string]int{"a.bin": 1000, "b.bin": 1000, "c.txt": 10})
	r := f.runner(reconcile.Options{
		MinFreePercent: 10,
		DiskSpace:      func(string) (u.Space, error) { return u.Space{Free: 1, Total: 100}, nil },
	}, Options{})

	res, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, chunk.KindSpace, chunk.KindOf(err))
	assert.Equal(t, Failed, res.Stopped)
	// Nothing after the failing item is started.
	assert.Empty(t, f.mem.Objects())
	assert.Zero(t, res.Summary.Files)
}

func TestRunnerRecoverable(t *testing.T) {
	f := newFixture(t, map[string]int{"a.txt": 10, "b.txt": 10})
	f.mem.FailCopy = func(p string) error {
		if p == "a.txt" {
			return errors.New("quota exceeded")
		}
		return nil
	}
	res, err := f.runner(reconcile.Options{}, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Stopped)
	assert.EqualValues(t, 1, res.Summary.TransferFailures)
	assert.Equal(t, []string{"b.txt"}, f.mem.Objects())
}

func TestRunnerInterrupted(t *testing.T) {
	f := newFixture(t, map[string]int{"a.txt": 10})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.runner(reconcile.Options{}, Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Interrupted, res.Stopped)
	assert.Empty(t, f.mem.Objects())
}

func TestRunnerFinishHour(t *testing.T) {
	start := time.Date(2024, time.March, 3, 5, 30, 0, 0, time.Local)

	t.Run("reached", func(t *testing.T) {
		f := newFixture(t, map[string]int{"a.txt": 10, "b.txt": 10})
		calls := 0
		now := func() time.Time {
			calls++
			if calls <= 2 {
				return start
			}
			return start.Add(31 * time.Minute)
		}
		res, err := f.runner(reconcile.Options{}, Options{FinishHour: 6, Now: now}).
			Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FinishHour, res.Stopped)
		assert.Equal(t, []string{"a.txt"}, f.mem.Objects())
	})

	t.Run("next day", func(t *testing.T) {
		f := newFixture(t, map[string]int{"a.txt": 10, "b.txt": 10})
		now := func() time.Time { return start.Add(time.Hour) }
		res, err := f.runner(reconcile.Options{}, Options{FinishHour: 5, Now: now}).
			Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Completed, res.Stopped)
		assert.Len(t, f.mem.Objects(), 2)
	})
}

func TestDeadline(t *testing.T) {
	r := &Runner{opts: Options{FinishHour: 6}}
	start := time.Date(2024, time.March, 3, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, time.March, 4, 6, 0, 0, 0, time.UTC), r.deadline(start))

	start = time.Date(2024, time.March, 3, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, time.March, 3, 6, 0, 0, 0, time.UTC), r.deadline(start))

	r.opts.FinishHour = -1
	assert.True(t, r.deadline(start).IsZero())
}
