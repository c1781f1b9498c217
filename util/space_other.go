// util/space_other.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

//go:build !linux && !darwin && !freebsd

package util

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("not supported on this platform")

func diskSpace(path string) (Space, error) {
	return Space{}, &os.PathError{Op: "statfs", Path: path, Err: errUnsupported}
}

// Lock always succeeds here; there is no portable advisory lock.
func Lock(path string) (func() error, error) {
	return func() error { return nil }, nil
}
