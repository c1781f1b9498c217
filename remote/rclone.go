// remote/rclone.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// rclone exit codes for a missing directory and a missing file.
const (
	rcloneDirNotFound  = 3
	rcloneFileNotFound = 4
)

type RcloneOptions struct {
	// Binary defaults to "rclone" on $PATH.
	Binary string
	// Remote is the configured rclone remote, e.g. "gdrive".
	Remote string
	// Base is the destination directory on the remote.
	Base string
	// Extra arguments passed to every command.
	ExtraArgs []string
}

// Rclone is a Mover that runs the rclone command line tool.
type Rclone struct {
	opts RcloneOptions
}

func NewRclone(opts RcloneOptions) *Rclone {
	if opts.Binary == "" {
		opts.Binary = "rclone"
	}
	opts.Remote = strings.TrimSuffix(opts.Remote, ":")
	return &Rclone{opts: opts}
}

func (r *Rclone) String() string {
	return r.target("")
}

// target returns the rclone path for p below the base directory.
func (r *Rclone) target(p string) string {
	return r.opts.Remote + ":" + Join(r.opts.Base, p)
}

// run executes rclone with the given arguments, returning its standard
// output, the lines it printed on standard error, and its exit code.
func (r *Rclone) run(ctx context.Context, args ...string) ([]byte, []string, int, error) {
	args = append(append([]string{}, r.opts.ExtraArgs...), args...)
	cmd := exec.CommandContext(ctx, r.opts.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	log.Debug("%s %s: %s", r.opts.Binary, strings.Join(args, " "), time.Since(start))

	var diag []string
	sc := bufio.NewScanner(&stderr)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			diag = append(diag, line)
		}
	}

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return stdout.Bytes(), diag, code, err
}

func (r *Rclone) Copy(ctx context.Context, localPath, remoteDir string) error {
	dst := r.target(remoteDir)
	_, diag, _, err := r.run(ctx, "copy", localPath, dst)
	if err != nil {
		return &CopyError{Local: localPath, Remote: dst, Diagnostics: diag, Err: err}
	}
	log.Verbose("%s: copied to %s", filepath.Base(localPath), dst)
	return nil
}

func (r *Rclone) Delete(ctx context.Context, remotePath string) error {
	dst := r.target(remotePath)
	_, diag, code, err := r.run(ctx, "deletefile", dst)
	if err != nil {
		if code == rcloneFileNotFound || code == rcloneDirNotFound {
			log.Debug("%s: already absent", dst)
			return nil
		}
		return diagError(dst, diag, err)
	}
	log.Verbose("%s: deleted", dst)
	return nil
}

func diagError(dst string, diag []string, err error) error {
	if len(diag) == 0 {
		return fmt.Errorf("%s: %w", dst, err)
	}
	return fmt.Errorf("%s: %w (%s)", dst, err, strings.Join(diag, "; "))
}

type lsjsonEntry struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

func (r *Rclone) List(ctx context.Context, remoteDir string) ([]Entry, error) {
	dst := r.target(remoteDir)
	out, diag, code, err := r.run(ctx, "lsjson", dst)
	if err != nil {
		if code == rcloneDirNotFound {
			return nil, nil
		}
		return nil, diagError(dst, diag, err)
	}

	var ls []lsjsonEntry
	if err := json.Unmarshal(out, &ls); err != nil {
		return nil, err
	}
	var entries []Entry
	for _, e := range ls {
		if !e.IsDir {
			entries = append(entries, Entry{Name: e.Name, Size: e.Size, ModTime: e.ModTime})
		}
	}
	return entries, nil
}
