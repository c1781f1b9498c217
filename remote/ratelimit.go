// remote/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Taken from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).
// Updated to use time.Ticker

package remote

import (
	"io"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Limiter doles out an upload budget of bytesPerSecond; readers returned
// by its Reader method share that budget.
type Limiter struct {
	bytesPerSecond int

	// Maximum number of bytes that we are currently allowed to upload.
	// Reduced by rateLimitedReader.Read() and periodically increased by
	// the goroutine launched by NewLimiter().
	mu        sync.Mutex
	cond      *sync.Cond
	available int
	stop      chan struct{}
}

// NewLimiter returns a Limiter for the given rate, or nil if the rate is
// zero (unlimited). A nil *Limiter passes readers through unchanged.
func NewLimiter(bytesPerSecond int) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	l := &Limiter{bytesPerSecond: bytesPerSecond, stop: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)

	// 1/8th of a second
	ticker := time.NewTicker(125 * time.Millisecond)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
			}

			l.mu.Lock()
			// Release 1/8th of the per-second limit every 8th of a second.
			// The 94/100 factor in the amount released adds some slop to
			// account for protocol overhead in an effort to have the
			// actual bandwidth used not exceed the desired limit.
			l.available += l.bytesPerSecond * 94 / 100 / 8
			if l.available > l.bytesPerSecond {
				// Don't ever queue up more than one second's worth of
				// transmission.
				l.available = l.bytesPerSecond
			}

			// Wake up any readers that are waiting for more bandwidth now
			// that we've doled some more out.
			l.cond.Broadcast()
			l.mu.Unlock()
		}
	}()
	return l
}

// Stop ends the goroutine that refills the budget.
func (l *Limiter) Stop() {
	if l != nil {
		close(l.stop)
	}
}

// Reader returns r limited to the Limiter's budget.
func (l *Limiter) Reader(r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return rateLimitedReader{R: r, l: l}
}

// rateLimitedReader is an io.Reader implementation that returns no more
// bytes than its Limiter currently has available.
type rateLimitedReader struct {
	R io.Reader
	l *Limiter
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	l := lr.l
	// Loop until some amount of bandwidth is available.
	l.mu.Lock()
	for l.available <= 0 {
		// No further uploading is possible at the moment; wait for the
		// goroutine that periodically doles out more bandwidth to do its
		// thing, at which point it will signal the condition variable.
		l.cond.Wait()
	}

	// The caller would like us to return up to this many bytes...
	n := len(dst)

	// but don't do more than we're allowed to...
	if n > l.available {
		n = l.available
	}

	// Update the budget and relinquish the lock so that other readers
	// can claim bandwidth.
	l.available -= n
	l.mu.Unlock()

	read, err := lr.R.Read(dst[:n])
	if read < n {
		// We give back the bandwidth that we reserved but didn't use.
		l.mu.Lock()
		l.available += n - read
		l.mu.Unlock()
	}

	return read, err
}
