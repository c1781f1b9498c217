// rdso/rdso_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRandom(t *testing.T) *rand.Rand {
	seed := time.Now().UnixNano()
	t.Logf("Seed = %d", seed)
	return rand.New(rand.NewSource(seed))
}

func TestE2E(t *testing.T) {
	r := getRandom(t)

	// Make a buffer full of random bytes.
	buf := make([]byte, 1+r.Intn(8*1024*1024))
	t.Logf("Length %d", len(buf))
	r.Read(buf)
	origBuf := dupe(buf)

	nShards := 1 + r.Intn(24)
	nParity := 1 + r.Intn(8)
	hashRate := 1 << uint(10+r.Intn(10))
	t.Logf("%d data shards, %d parity, %d hash rate", nShards, nParity, hashRate)

	// Encode the bytes.
	var rs bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(buf), int64(len(buf)), &rs, nShards, nParity, hashRate))
	origRs := dupe(rs.Bytes())

	// The initial check should pass!
	require.NoError(t, Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), nil))

	// Introduce as many errors as possible to the data and the encoded
	// bytes while still being able to recover.
	nErrors := nParity
	t.Logf("Introducing %d errors", nErrors)

	de := r.Intn(nErrors)
	corrupt(r, buf, de, nShards*hashRate)
	require.NoError(t, corruptRS(r, origBuf, rs.Bytes(), nErrors-de))

	// Make sure that the check fails now.
	assert.Equal(t, ErrFileCorrupt, Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), nil))

	// Restore it.
	var restored, restoredRs bytes.Buffer
	require.NoError(t, Restore(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()),
		int64(len(buf)), &restored, &restoredRs, nil))

	// Make sure that the recovered data matches the original
	assert.True(t, bytes.Equal(origBuf, restored.Bytes()), "original bytes don't match restored")
	assert.True(t, bytes.Equal(origRs, restoredRs.Bytes()), "original rs bytes don't match restored")
}

func TestTooManyErrors(t *testing.T) {
	r := getRandom(t)
	buf := make([]byte, 64*1024)
	r.Read(buf)

	var rs bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(buf), int64(len(buf)), &rs, 4, 1, 1024))

	// Two data shards of the first segment.
	buf[0]++
	buf[1024]++
	var restored, restoredRs bytes.Buffer
	err := Restore(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), int64(len(buf)),
		&restored, &restoredRs, nil)
	assert.ErrorIs(t, err, ErrFileCorrupt)
}

func TestFiles(t *testing.T) {
	r := getRandom(t)
	dir := t.TempDir()
	fn := filepath.Join(dir, "movie.mkv.zip.003")
	data := make([]byte, 300000+r.Intn(100000))
	r.Read(data)
	require.NoError(t, os.WriteFile(fn, data, 0644))

	opts := Options{DataShards: 5, ParityShards: 2, HashRate: 4096}
	require.NoError(t, EncodeFile(fn, fn+".rs", opts))
	require.NoError(t, CheckFile(fn, fn+".rs", nil))

	// Flip a byte and truncate the end.
	bad := dupe(data[:len(data)-100])
	bad[1234] ^= 0xff
	require.NoError(t, os.WriteFile(fn, bad, 0644))
	assert.Equal(t, ErrFileCorrupt, CheckFile(fn, fn+".rs", nil))

	require.NoError(t, RestoreFile(fn, fn+".rs", nil))
	got, err := os.ReadFile(fn)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	require.NoError(t, CheckFile(fn, fn+".rs", nil))

	_, err = os.Stat(fn + ".recovered")
	assert.True(t, os.IsNotExist(err))
}

func TestBadOptions(t *testing.T) {
	assert.Error(t, Encode(bytes.NewReader(nil), 0, &bytes.Buffer{}, 0, 1, 1024))
}

func dupe(b []byte) []byte {
	r := make([]byte, len(b))
	copy(r, b)
	return r
}

// Corrupt the given data.
func corrupt(r *rand.Rand, b []byte, n int, sz int) {
	// Take advantage of the fact that we know how the file is segmented and
	// sharded; introduce n errors in each segment.
	for len(b) > 0 {
		if sz > len(b) {
			// Last time through
			sz = len(b)
		}

		for i := 0; i < n; i++ {
			offset := r.Intn(sz)
			b[offset] += byte(1 + r.Intn(254))
		}
		b = b[sz:]
	}
}

// Corrupt n random bytes of the given .rs file, being careful to not
// clobber any of the hashes.
func corruptRS(r *rand.Rand, data, rs []byte, n int) error {
	if n == 0 {
		return nil
	}

	var w bytes.Buffer
	enc := gob.NewEncoder(&w)
	first := true

	err := forEachSegment(bytes.NewReader(data), bytes.NewReader(rs), nil,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			if first {
				if err := enc.Encode(h); err != nil {
					return err
				}
				first = false
			}

			// Add n errors in the current segment
			parity := shards[h.NDataShards:]
			for i := 0; i < n; i++ {
				target := r.Intn(len(parity))
				off := r.Intn(len(parity[target]))
				parity[target][off] += byte(1 + r.Intn(254))
			}

			// In any case, write out the segment.
			return enc.Encode(rsFileSegment{hashes, parity})
		})
	if err != nil {
		return err
	}
	copy(rs, w.Bytes())

	return nil
}
