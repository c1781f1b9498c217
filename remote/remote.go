// remote/remote.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package remote moves files to the backup destination. Paths on the
// remote side are always slash-separated and relative to the
// destination's base.
package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	u "github.com/mmp/bksplit/util"
)

var (
	ErrNotFound     = errors.New("not found on remote")
	ErrOutsideRoot  = errors.New("directory is not under the backup root")
	ErrUnknownMover = errors.New("unknown remote type")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Interfaces

// Mover transfers files to the remote and removes them from it.
type Mover interface {
	// String returns a description of the destination.
	String() string

	// Copy uploads the local file into remoteDir, keeping its base name
	// and replacing any existing object of that name. A failure carries
	// whatever diagnostics the transfer produced; see CopyError.
	Copy(ctx context.Context, localPath, remoteDir string) error

	// Delete removes a single object. Deleting an object that does not
	// exist succeeds.
	Delete(ctx context.Context, remotePath string) error
}

// Entry describes an object on the remote.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Lister is implemented by movers that can enumerate a remote directory.
type Lister interface {
	// List returns the objects directly in remoteDir. A directory that
	// does not exist has no entries.
	List(ctx context.Context, remoteDir string) ([]Entry, error)
}

// CopyError is returned by Mover.Copy.
type CopyError struct {
	Local, Remote string
	// Diagnostics holds messages reported by the transfer tool, if any.
	Diagnostics []string
	Err         error
}

func (e *CopyError) Error() string {
	s := fmt.Sprintf("copy %s to %s: %v", e.Local, e.Remote, e.Err)
	if len(e.Diagnostics) > 0 {
		s += " (" + strings.Join(e.Diagnostics, "; ") + ")"
	}
	return s
}

func (e *CopyError) Unwrap() error { return e.Err }

///////////////////////////////////////////////////////////////////////////
// Paths

// Resolve returns the location of parentDir below root as a
// slash-separated path, or "" if parentDir is root itself. The result is
// computed from cleaned path components, so "a/./b" and "a/b/" resolve
// alike, and a directory that only shares a name prefix with root
// ("/data2" for root "/data") is rejected.
func Resolve(parentDir, root string) (string, error) {
	if filepath.IsAbs(parentDir) != filepath.IsAbs(root) {
		return "", fmt.Errorf("%s: %w %s", parentDir, ErrOutsideRoot, root)
	}
	p, r := components(parentDir), components(root)
	if len(p) < len(r) {
		return "", fmt.Errorf("%s: %w %s", parentDir, ErrOutsideRoot, root)
	}
	for i := range r {
		if p[i] != r[i] {
			return "", fmt.Errorf("%s: %w %s", parentDir, ErrOutsideRoot, root)
		}
	}
	return strings.Join(p[len(r):], "/"), nil
}

func components(p string) []string {
	var c []string
	for _, s := range strings.Split(filepath.ToSlash(filepath.Clean(p)), "/") {
		if s != "" && s != "." {
			c = append(c, s)
		}
	}
	return c
}

// Join joins remote path elements, dropping empty ones.
func Join(elem ...string) string {
	return strings.TrimPrefix(path.Join(elem...), "/")
}

///////////////////////////////////////////////////////////////////////////

// retry calls f until it succeeds, up to maxTries additional times,
// sleeping a little longer after each failure. Errors that can't get
// better by retrying are returned immediately.
func retry(ctx context.Context, n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries || errors.Is(err, ErrNotFound) ||
			errors.Is(err, context.Canceled) {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(100*(tries+1)) * time.Millisecond):
		}
	}
}
