// backup/walk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmp/bksplit/chunk"
	"github.com/mmp/bksplit/reconcile"
	u "github.com/mmp/bksplit/util"
)

// WalkOptions controls which parts of the tree are backed up.
type WalkOptions struct {
	// SidecarDir is never descended into, wherever it appears.
	SidecarDir string
	// Files whose names end with one of these (case-insensitively) are
	// skipped, e.g. ".tmp" or ".part".
	SkipExtensions []string
	// Directories whose base name matches one of these globs are
	// skipped, e.g. "*.bundle".
	SkipDirs []string
	// If positive, an item larger than ChunkSize whose name plus ".zip"
	// also exists in the same directory is skipped: the chunks of both
	// would have the same names.
	ChunkSize int64
}

// ErrStop may be returned by a WalkFunc to end the walk early; Walk then
// returns nil.
var ErrStop = errors.New("stop walking")

// WalkFunc is called for every file to be backed up.
type WalkFunc func(item reconcile.SourceItem) error

// Walk calls fn for each regular file under root, in lexical order, and
// returns the number of directories visited. Directories and files that
// can't be read are logged and skipped; an error from fn stops the walk
// and is returned.
func Walk(root string, opts WalkOptions, log *u.Logger, fn WalkFunc) (int, error) {
	if fi, err := os.Stat(root); err != nil {
		return 0, err
	} else if !fi.IsDir() {
		return 0, errors.New(root + ": not a directory")
	}

	folders := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			log.Error("%s: %s", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if path != root && skipDir(name, opts) {
				log.Debug("%s: skipping directory", path)
				return filepath.SkipDir
			}
			folders++
			return nil
		}

		if !d.Type().IsRegular() {
			log.Debug("%s: not a regular file; skipping", path)
			return nil
		}
		if skipFile(name, opts) {
			log.Debug("%s: skipping", path)
			return nil
		}

		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		} else if err != nil {
			log.Error("%s: %s", path, err)
			return nil
		}
		item := reconcile.NewSourceItem(path, info)
		if collides(item, opts) {
			log.Error("%s: chunks would collide with those of %s.zip; skipping", path, name)
			return nil
		}
		return fn(item)
	})
	if errors.Is(err, ErrStop) {
		err = nil
	}
	return folders, err
}

func skipDir(name string, opts WalkOptions) bool {
	if name == opts.SidecarDir {
		return true
	}
	for _, pat := range opts.SkipDirs {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
	}
	return false
}

func skipFile(name string, opts WalkOptions) bool {
	lower := strings.ToLower(name)
	for _, ext := range opts.SkipExtensions {
		if ext != "" && strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// collides reports whether the archived chunks of item would be named like
// the raw chunks of its sibling item.Name+".zip". Archive names are split
// raw, and chunk.ParseName only accepts an item's own style, so "a.zip"
// and "a.zip.zip" never share names.
func collides(item reconcile.SourceItem, opts WalkOptions) bool {
	if opts.ChunkSize <= 0 || item.Size <= opts.ChunkSize || chunk.IsArchiveName(item.Name) {
		return false
	}
	_, err := os.Lstat(item.Path + ".zip")
	return err == nil
}
