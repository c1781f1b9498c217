// util/space.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"errors"
	"fmt"
)

var ErrLocked = errors.New("lock is held by another process")

// Space describes the capacity of the file system holding a path.
type Space struct {
	Free, Total uint64
}

// FreePercent returns the available space as a percentage of the total.
func (s Space) FreePercent() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.Free) / float64(s.Total)
}

func (s Space) String() string {
	return fmt.Sprintf("%s free of %s (%.1f%%)", FmtBytes(int64(s.Free)),
		FmtBytes(int64(s.Total)), s.FreePercent())
}

// DiskSpace reports the space available to unprivileged users on the file
// system containing path.
func DiskSpace(path string) (Space, error) {
	return diskSpace(path)
}
