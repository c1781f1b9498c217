// chunk/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how a run must react to them.
type Kind int

const (
	KindPlan Kind = iota + 1
	KindScan
	KindSplit
	KindArchive
	KindInvalidate
	KindSpace
	KindRemoteDelete
	KindTransfer
)

var kindNames = map[Kind]string{
	KindPlan:         "plan",
	KindScan:         "scan",
	KindSplit:        "split",
	KindArchive:      "archive",
	KindInvalidate:   "invalidate",
	KindSpace:        "insufficient space",
	KindRemoteDelete: "remote delete",
	KindTransfer:     "transfer",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Fatal reports whether an error of this kind must stop the run. Remote
// deletes and transfers are retried by the next run, so they are only
// logged and counted.
func (k Kind) Fatal() bool {
	return k != KindRemoteDelete && k != KindTransfer
}

// Error is returned by the chunk engine and its collaborators.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf returns an *Error of the given kind.
func Errorf(kind Kind, path string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Path: path, Err: fmt.Errorf(format, args...)}
}

// Wrap returns err as an *Error of the given kind; nil stays nil.
func Wrap(kind Kind, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Path: path, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal reports whether err must stop the run. Errors without a kind
// are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == 0 || k.Fatal()
}

var ErrBadSequence = errors.New("chunk ordinals are not contiguous")
