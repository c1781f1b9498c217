// cmd/bksplit/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReadmeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readme",
		Short: "Describe the backup format and configuration in detail",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), readmeText)
		},
	}
}

var readmeText = `
This document describes the way that bksplit stores data in sufficient
detail that it's possible to restore a backup without the bksplit source
code; nothing more than a zip extractor and "cat" is needed.

# Layout on the remote

The remote mirrors the local tree: a file at <root>/a/b/c.txt is stored
at a/b/c.txt under the remote's base directory. Files no larger than the
chunk size are copied as they are.

# Chunks

A file larger than the chunk size is first stored, uncompressed, as the
only entry of a zip container. The entry's name is the file's base name
and its modification time is the file's. The container is then cut into
pieces of exactly the chunk size; only the last piece may be shorter.
The pieces are named

	<name>.zip.001, <name>.zip.002, ...

with at least three digits of ordinal, counting from one. A file that
already is a zip archive ("photos.zip") isn't wrapped again; its bytes are
cut directly into photos.zip.001, photos.zip.002, ...

The chunks live locally in a hidden directory next to the file, ".rclone"
by default, and are uploaded next to where the file itself would be:

	local:  <root>/a/b/.rclone/video.mp4.zip.001
	remote: a/b/video.mp4.zip.001

To restore, download all the chunks of a file, concatenate them in order
of ordinal and, unless the file was a zip archive to begin with, extract
the single entry of the resulting zip file:

	cat video.mp4.zip.??? > video.mp4.zip && unzip video.mp4.zip

"bksplit reassemble" does the same, checking that no chunk is missing.

Every run checks each file's chunks against the current chunk size and
their own sequence: if their number, total size or first chunk's size
don't match, or an ordinal is missing, all of the file's chunks are
deleted locally and on the remote and regenerated. With a ledger, the same
happens when the file's size or modification time differs from those of
the version the chunks were made from.

# Reed-Solomon parity

If parity is enabled, each chunk has a ".rs" file next to it, locally and
on the remote, holding Reed-Solomon parity that allows detecting and
repairing damage to the chunk ("bksplit fsck --repair"). The .rs files are
a stream of values written with Go's "gob" encoding package: first a
header

	type rsFileHeader struct {
		NDataShards, NParityShards int
		HashRate                   int
		FileSize                   int64
	}

and then one segment for each NDataShards*HashRate bytes of the chunk:

	type rsFileSegment struct {
		Hashes [][32]byte // First the data hashes, then the parity hashes.
		Parity [][]byte
	}

Each segment's data is split into NDataShards shards of HashRate bytes
(the last segment is zero-padded) and its parity was computed with
github.com/klauspost/reedsolomon. The hashes are 32 bytes of SHAKE256 of
each shard, used to find which shards are damaged.

# Ledger

If a ledger is configured, bksplit records which chunks of each file it
uploaded (a LevelDB database of JSON records keyed by the file's remote
path). With it, unchanged chunks aren't uploaded again, chunks that are
no longer needed are deleted from the remote even when they're gone
locally, and remote deletions that failed are retried on the next run.
The ledger isn't needed for restoring.

# Configuration

The configuration file is YAML; every setting can also be given in the
environment, e.g. BKSPLIT_CHUNK_SIZE=1G or BKSPLIT_REMOTE_TYPE=disk.

	root: /srv/share             # tree to back up
	sidecar_dir: .rclone         # chunk directory name
	chunk_size: 1.2G
	skip_extensions: [.part, .crdownload]
	skip_dirs: ["*.bundle"]
	workers: 1                   # items processed concurrently
	min_free_percent: 10         # stop if the disk is fuller than this
	finish_hour: -1              # stop starting new items at this hour
	lock_file: /var/run/bksplit.lock
	if_running: skip             # or "continue"
	ledger: /var/lib/bksplit/ledger
	parity:
	  enabled: false
	  data_shards: 17
	  parity_shards: 3
	  hash_rate: 1M
	log:
	  dir: /var/log/bksplit
	  upload: true               # copy each run's logs to the remote
	  remote_dir: logs
	metrics:
	  textfile: /var/lib/node_exporter/bksplit.prom
	remote:
	  type: rclone               # or "gcs" or "disk"
	  rclone:
	    remote: "b2:"
	    dest: backups/share
	  gcs:
	    bucket: my-backups
	    project_id: my-project
	  disk:
	    dir: /mnt/backup
`
