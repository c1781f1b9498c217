// remote/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Disk is a Mover whose destination is a local directory, such as a NAS
// mount or a removable drive.
type Disk struct {
	dir     string
	limiter *Limiter
}

// NewDisk returns a Mover that stores files under dir, which must exist.
func NewDisk(dir string, maxUploadBytesPerSecond int) (*Disk, error) {
	// Make sure that the backup directory exists and is in fact a directory.
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%s: is a regular file", dir)
	}
	return &Disk{dir: dir, limiter: NewLimiter(maxUploadBytesPerSecond)}, nil
}

func (d *Disk) String() string {
	return "disk: " + d.dir
}

func (d *Disk) path(p string) string {
	return filepath.Join(d.dir, filepath.FromSlash(p))
}

func (d *Disk) Copy(ctx context.Context, localPath, remoteDir string) error {
	dst := d.path(Join(remoteDir, filepath.Base(localPath)))
	if err := d.copy(ctx, localPath, dst); err != nil {
		return &CopyError{Local: localPath, Remote: dst, Err: err}
	}
	log.Verbose("%s: copied to %s", filepath.Base(localPath), dst)
	return nil
}

// copy writes to a temporary file next to dst and renames it once the
// data is safely on disk.
func (d *Disk) copy(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, d.limiter.Reader(ctxReader{ctx: ctx, r: in}))
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

func (d *Disk) Delete(ctx context.Context, remotePath string) error {
	err := os.Remove(d.path(remotePath))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *Disk) List(ctx context.Context, remoteDir string) ([]Entry, error) {
	des, err := os.ReadDir(d.path(remoteDir))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, de := range des {
		if !de.Type().IsRegular() || strings.HasSuffix(de.Name(), ".tmp") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: de.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return entries, nil
}

func (d *Disk) Close() error {
	d.limiter.Stop()
	return nil
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
