// archive/archive_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package archive

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateExtract(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed %d", seed)
	r := rand.New(rand.NewSource(seed))

	for _, size := range []int{0, 1, 4096, 100000 + r.Intn(100000)} {
		dir := t.TempDir()
		src := filepath.Join(dir, "report final.pdf")
		data := make([]byte, size)
		r.Read(data)
		require.NoError(t, os.WriteFile(src, data, 0644))

		dst := filepath.Join(dir, "out.zip")
		n, err := Create(src, dst)
		require.NoError(t, err)
		info, err := os.Stat(dst)
		require.NoError(t, err)
		assert.Equal(t, info.Size(), n)
		_, err = os.Stat(dst + ".tmp")
		assert.True(t, os.IsNotExist(err))

		// The predicted size matches the real container exactly.
		predicted, err := Size("report final.pdf", int64(size))
		require.NoError(t, err)
		assert.Equal(t, n, predicted, "size %d", size)

		var buf bytes.Buffer
		name, m, err := Extract(dst, &buf)
		require.NoError(t, err)
		assert.Equal(t, "report final.pdf", name)
		assert.EqualValues(t, size, m)
		assert.True(t, bytes.Equal(data, buf.Bytes()))
	}
}

func TestSizeDependsOnName(t *testing.T) {
	a, err := Size("a", 1000)
	require.NoError(t, err)
	b, err := Size("abcd", 1000)
	require.NoError(t, err)
	// The name is stored in both the local and the central header.
	assert.EqualValues(t, 6, b-a)

	c, err := Size("a", 2000)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, c-a)

	_, err = Size("a", -1)
	assert.Error(t, err)
}

func TestCreateMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(filepath.Join(dir, "nope"), filepath.Join(dir, "nope.zip"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractNotSingle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0644))
	_, _, err := Extract(path, &bytes.Buffer{})
	assert.Error(t, err)
}
