// chunk/plan.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import "fmt"

// Spec is the chunking configuration for a run.
type Spec struct {
	ChunkSize int64
}

func (s Spec) Validate() error {
	if s.ChunkSize <= 0 {
		return Errorf(KindPlan, "", "chunk size must be positive, got %d", s.ChunkSize)
	}
	return nil
}

// NeedsChunking reports whether a file of the given size must be split.
// A file exactly the size of a chunk is transferred whole.
func (s Spec) NeedsChunking(size int64) bool {
	return size > s.ChunkSize
}

// Plan describes the chunk set expected for a payload.
type Plan struct {
	PayloadSize int64
	ChunkSize   int64
	Count       int
}

// NewPlan returns the plan for splitting payloadSize bytes into chunks
// of chunkSize bytes.
func NewPlan(payloadSize, chunkSize int64) (Plan, error) {
	if chunkSize <= 0 {
		return Plan{}, Errorf(KindPlan, "", "chunk size must be positive, got %d", chunkSize)
	}
	if payloadSize < 0 {
		return Plan{}, Errorf(KindPlan, "", "negative payload size %d", payloadSize)
	}
	count := (payloadSize + chunkSize - 1) / chunkSize
	if count < 1 {
		count = 1
	}
	return Plan{PayloadSize: payloadSize, ChunkSize: chunkSize, Count: int(count)}, nil
}

// FirstChunkSize is the expected size of the leading chunk.
func (p Plan) FirstChunkSize() int64 {
	return p.ChunkSize
}

// SizeAt returns the expected size of the chunk with the given 1-based
// ordinal.
func (p Plan) SizeAt(ordinal int) int64 {
	if ordinal < 1 || ordinal > p.Count {
		return 0
	}
	if ordinal < p.Count {
		return p.ChunkSize
	}
	return p.PayloadSize - int64(p.Count-1)*p.ChunkSize
}

// Sizes returns the expected size of every chunk, in order.
func (p Plan) Sizes() []int64 {
	s := make([]int64, p.Count)
	for i := range s {
		s[i] = p.SizeAt(i + 1)
	}
	return s
}

func (p Plan) String() string {
	return fmt.Sprintf("%d bytes in %d chunk(s) of %d", p.PayloadSize, p.Count, p.ChunkSize)
}
