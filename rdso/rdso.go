// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Reed-Solomon parity for chunk files, based on
// github.com/klauspost/reedsolomon. A chunk's parity lives next to it in
// a ".rs" file, so that a chunk damaged at rest can be detected and, up
// to the number of parity shards per segment, repaired.
//
// The data is processed in segments of NDataShards*HashRate bytes; each
// segment is split into NDataShards shards of HashRate bytes, and
// NParityShards parity shards are computed for it. The .rs file is a gob
// stream: an rsFileHeader followed by one rsFileSegment per segment.
// Memory use is bounded by the segment size rather than the file size.

package rdso

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/bksplit/util"
	"golang.org/x/crypto/sha3"
)

var ErrFileCorrupt = errors.New("file is corrupt")

// HashSize is the number of bytes in the hash of each shard.
const HashSize = 32

type hash [HashSize]byte

func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type rsFileHeader struct {
	NDataShards, NParityShards int
	HashRate                   int
	FileSize                   int64
}

func (h rsFileHeader) segmentSize() int {
	return h.NDataShards * h.HashRate
}

type rsFileSegment struct {
	// First the data hashes, then the parity hashes.
	Hashes []hash
	Parity [][]byte
}

// Options controls the encoding.
type Options struct {
	DataShards, ParityShards int
	// HashRate is the shard size in bytes.
	HashRate int
}

var DefaultOptions = Options{DataShards: 17, ParityShards: 3, HashRate: 1024 * 1024}

// Encode reads size bytes from r and writes their parity to w.
func Encode(r io.Reader, size int64, w io.Writer, nDataShards, nParityShards, hashRate int) error {
	if nDataShards <= 0 || nParityShards <= 0 || hashRate <= 0 {
		return fmt.Errorf("invalid encoding parameters %d/%d/%d", nDataShards,
			nParityShards, hashRate)
	}
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}

	h := rsFileHeader{NDataShards: nDataShards, NParityShards: nParityShards,
		HashRate: hashRate, FileSize: size}
	genc := gob.NewEncoder(w)
	if err := genc.Encode(h); err != nil {
		return err
	}

	buf := make([]byte, h.segmentSize())
	shards := allocShards(h)
	for remaining := size; remaining > 0; {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return err
		}
		remaining -= n

		loadShards(h, buf, int(n), shards)
		if err := enc.Encode(shards); err != nil {
			return err
		}
		seg := rsFileSegment{Hashes: make([]hash, len(shards)), Parity: shards[nDataShards:]}
		for i, s := range shards {
			seg.Hashes[i] = hashBytes(s)
		}
		if err := genc.Encode(seg); err != nil {
			return err
		}
	}
	return nil
}

func allocShards(h rsFileHeader) [][]byte {
	shards := make([][]byte, h.NDataShards+h.NParityShards)
	for i := range shards {
		shards[i] = make([]byte, h.HashRate)
	}
	return shards
}

// loadShards copies the first n bytes of buf into the data shards,
// zero-padding the rest.
func loadShards(h rsFileHeader, buf []byte, n int, shards [][]byte) {
	clear(buf[n:])
	for i := 0; i < h.NDataShards; i++ {
		copy(shards[i], buf[i*h.HashRate:(i+1)*h.HashRate])
	}
}

// forEachSegment reads the parity stream rs and the data it protects,
// calling f with the header, the stored hashes and the data shards
// followed by the stored parity shards of each segment.
func forEachSegment(data, rs io.Reader, log *u.Logger,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rs)
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return err
	}
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 {
		return fmt.Errorf("invalid header %+v", h)
	}

	buf := make([]byte, h.segmentSize())
	for i := 0; ; i++ {
		var seg rsFileSegment
		if err := dec.Decode(&seg); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if len(seg.Hashes) != h.NDataShards+h.NParityShards ||
			len(seg.Parity) != h.NParityShards {
			return fmt.Errorf("segment %d: malformed", i)
		}

		n, err := io.ReadFull(data, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return err
		}
		shards := make([][]byte, h.NDataShards, h.NDataShards+h.NParityShards)
		for j := range shards {
			shards[j] = make([]byte, h.HashRate)
		}
		loadShards(h, buf, n, shards)
		shards = append(shards, seg.Parity...)

		if err := f(h, seg.Hashes, shards); err != nil {
			return err
		}
	}
}

// badShards reports the shards whose hashes don't match; it logs each
// one if log is non-nil.
func badShards(h rsFileHeader, hashes []hash, shards [][]byte, seg int, log *u.Logger) []int {
	var bad []int
	for s, shard := range shards {
		if len(shard) != h.HashRate || hashBytes(shard) != hashes[s] {
			bad = append(bad, s)
			if log == nil {
				continue
			}
			if s < h.NDataShards {
				log.Warning("segment %d: data shard %d hash mismatch", seg, s)
			} else {
				log.Warning("segment %d: parity shard %d hash mismatch", seg, s-h.NDataShards)
			}
		}
	}
	return bad
}

// Check verifies data against its parity stream rs, returning
// ErrFileCorrupt if any shard doesn't match its hash.
func Check(data, rs io.Reader, log *u.Logger) error {
	corrupt := false
	seg := 0
	err := forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		if len(badShards(h, hashes, shards, seg, log)) > 0 {
			corrupt = true
		}
		seg++
		return nil
	})
	if err != nil {
		return err
	}
	if corrupt {
		return ErrFileCorrupt
	}
	return nil
}

// Restore repairs data using rs, writing size bytes of restored data to
// wData and a repaired parity stream to wRs.
func Restore(data, rs io.Reader, size int64, wData, wRs io.Writer, log *u.Logger) error {
	w := &limitedWriter{W: wData, N: size}
	genc := gob.NewEncoder(wRs)
	var enc reedsolomon.Encoder
	seg := 0
	err := forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		if enc == nil {
			var err error
			if enc, err = reedsolomon.New(h.NDataShards, h.NParityShards); err != nil {
				return err
			}
			if err := genc.Encode(h); err != nil {
				return err
			}
		}

		if bad := badShards(h, hashes, shards, seg, log); len(bad) > 0 {
			if len(bad) > h.NParityShards {
				return fmt.Errorf("segment %d: %d bad shards, at most %d can be restored: %w",
					seg, len(bad), h.NParityShards, ErrFileCorrupt)
			}
			for _, s := range bad {
				shards[s] = nil
			}
			if err := enc.Reconstruct(shards); err != nil {
				return err
			}
			if log != nil {
				log.Verbose("segment %d: restored %d shards", seg, len(bad))
			}
		}
		seg++

		for _, s := range shards[:h.NDataShards] {
			if _, err := w.Write(s); err != nil {
				return err
			}
		}
		return genc.Encode(rsFileSegment{Hashes: hashes, Parity: shards[h.NDataShards:]})
	})
	if err != nil {
		return err
	}
	if w.N > 0 {
		return fmt.Errorf("parity covers %d fewer bytes than expected", w.N)
	}
	return nil
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the parity of the file fn to rsfn.
func EncodeFile(fn, rsfn string, opts Options) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	tmp := rsfn + ".tmp"
	fout, err := os.Create(tmp)
	if err != nil {
		return err
	}
	err = Encode(f, fi.Size(), fout, opts.DataShards, opts.ParityShards, opts.HashRate)
	if cerr := fout.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, rsfn)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

func readHeader(rsfn string) (rsFileHeader, error) {
	var h rsFileHeader
	f, err := os.Open(rsfn)
	if err != nil {
		return h, err
	}
	defer f.Close()
	err = gob.NewDecoder(f).Decode(&h)
	return h, err
}

// CheckFile checks the file fn against the parity in rsfn.
func CheckFile(fn, rsfn string, log *u.Logger) error {
	h, err := readHeader(rsfn)
	if err != nil {
		return err
	}
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	if fi, err := f.Stat(); err != nil {
		return err
	} else if fi.Size() != h.FileSize {
		if log != nil {
			log.Warning("%s: size %d, parity was computed for %d", fn, fi.Size(), h.FileSize)
		}
		return ErrFileCorrupt
	}
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()
	return Check(f, rs, log)
}

// RestoreFile repairs fn and rsfn in place, including a fn that was
// truncated or extended. The repaired versions are written to temporary
// files first and only replace the originals once restoration has
// succeeded.
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	h, err := readHeader(rsfn)
	if err != nil {
		return err
	}
	if h.FileSize == 0 {
		// Nothing is protected; truncate to match.
		return os.Truncate(fn, 0)
	}
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()

	dataTmp, rsTmp := fn+".recovered", rsfn+".recovered"
	wData, err := os.Create(dataTmp)
	if err != nil {
		return err
	}
	defer os.Remove(dataTmp)
	wRs, err := os.Create(rsTmp)
	if err != nil {
		wData.Close()
		return err
	}
	defer os.Remove(rsTmp)

	err = Restore(f, rs, h.FileSize, wData, wRs, log)
	for _, c := range []*os.File{wData, wRs} {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return err
	}
	if err := os.Rename(dataTmp, fn); err != nil {
		return err
	}
	return os.Rename(rsTmp, rsfn)
}
