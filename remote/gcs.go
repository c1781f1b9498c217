// remote/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

var ErrChecksumMismatch = errors.New("CRC32C checksum mismatch")

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Prefix is prepended to every object name.
	Prefix string
	// Optional; application default credentials are used otherwise.
	CredentialsFile string
	// Optional; the bucket's default class is used otherwise.
	StorageClass string

	// zero -> unlimited
	MaxUploadBytesPerSecond int
}

// GCS is a Mover that stores chunks in a Google Cloud Storage bucket.
type GCS struct {
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	opts    GCSOptions
	limiter *Limiter
}

func NewGCS(ctx context.Context, opts GCSOptions) (*GCS, error) {
	var copts []option.ClientOption
	if opts.CredentialsFile != "" {
		copts = append(copts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, copts...)
	if err != nil {
		return nil, err
	}
	g := &GCS{client: client, bucket: client.Bucket(opts.BucketName), opts: opts}

	// Create the bucket if it doesn't exist.
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := opts.Location
		if loc == "" {
			loc = "us-central1"
		}
		if opts.ProjectId == "" {
			client.Close()
			return nil, fmt.Errorf("%s: bucket does not exist and no project id given", opts.BucketName)
		}
		log.Verbose("%s: creating bucket @ %s", opts.BucketName, loc)
		if err := g.bucket.Create(ctx, opts.ProjectId, &gcs.BucketAttrs{Location: loc}); err != nil {
			client.Close()
			return nil, err
		}
	} else if err != nil {
		client.Close()
		return nil, err
	}

	g.limiter = NewLimiter(opts.MaxUploadBytesPerSecond)
	return g, nil
}

func (g *GCS) String() string {
	return "gs://" + Join(g.opts.BucketName, g.opts.Prefix)
}

func (g *GCS) Close() error {
	g.limiter.Stop()
	return g.client.Close()
}

func (g *GCS) objectName(p string) string {
	return Join(g.opts.Prefix, p)
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *GCS) Copy(ctx context.Context, localPath, remoteDir string) error {
	name := g.objectName(Join(remoteDir, filepath.Base(localPath)))
	err := retry(ctx, name, func() error {
		return g.upload(ctx, localPath, name)
	})
	if err != nil {
		return &CopyError{Local: localPath, Remote: "gs://" + g.opts.BucketName + "/" + name, Err: err}
	}
	return nil
}

// upload writes the file to a temporary object, checks its CRC32C against
// the one computed locally, and then copies it to its final name.
func (g *GCS) upload(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tmpObj := g.bucket.Object(name + ".tmp-" + uuid.NewString())
	log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(context.Background())

	crc := crc32.New(castagnoliTable)
	r := g.limiter.Reader(io.TeeReader(f, crc))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is.
	if local, remote := crc.Sum32(), w.Attrs().CRC32C; local != remote {
		return fmt.Errorf("%s: %w: local %d, GCS %d", name, ErrChecksumMismatch, local, remote)
	}

	// Make the final object by copying from the temporary one.
	copier := g.bucket.Object(name).CopierFrom(tmpObj)
	copier.StorageClass = g.opts.StorageClass
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	if _, err := copier.Run(ctx); err != nil {
		return err
	}
	log.Verbose("%s: finished upload", name)
	return nil
}

func (g *GCS) Delete(ctx context.Context, remotePath string) error {
	name := g.objectName(remotePath)
	err := retry(ctx, name, func() error {
		err := g.bucket.Object(name).Delete(ctx)
		if err == gcs.ErrObjectNotExist {
			return ErrNotFound
		}
		return err
	})
	if errors.Is(err, ErrNotFound) {
		log.Debug("%s: already absent", name)
		return nil
	}
	return err
}

func (g *GCS) List(ctx context.Context, remoteDir string) ([]Entry, error) {
	prefix := g.objectName(remoteDir)
	if prefix != "" {
		prefix += "/"
	}
	var entries []Entry
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix, Delimiter: "/"})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		// Synthetic directory entries only carry a prefix.
		if obj.Name == "" || strings.Contains(obj.Name, ".tmp-") {
			continue
		}
		entries = append(entries, Entry{
			Name:    strings.TrimPrefix(obj.Name, prefix),
			Size:    obj.Size,
			ModTime: obj.Updated,
		})
	}
}
