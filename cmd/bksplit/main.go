// cmd/bksplit/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// bksplit backs up a directory tree to a remote that limits object
// sizes, cutting files over the limit into fixed-size chunks.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mmp/bksplit/archive"
	"github.com/mmp/bksplit/config"
	"github.com/mmp/bksplit/ledger"
	"github.com/mmp/bksplit/reconcile"
	"github.com/mmp/bksplit/remote"
	u "github.com/mmp/bksplit/util"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the global flags.
type app struct {
	cfgFile        string
	verbose, debug bool
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "bksplit",
		Short: "Back up a tree to a size-limited remote",
		Long: `bksplit copies a directory tree to a remote store (through rclone, to
Google Cloud Storage, or to another directory). Files larger than the
configured chunk size are stored in a zip container, cut into chunks kept
in a hidden directory next to them, and uploaded chunk by chunk. Every run
checks existing chunks against the current chunk size and regenerates them
if they no longer match.

Configuration is read from the file given with --config and from
BKSPLIT_* environment variables; see "bksplit readme".`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", os.Getenv("BKSPLIT_CONFIG"),
		"configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "debugging output")

	root.AddCommand(a.newRunCmd(), a.newCheckCmd(), a.newPlanCmd(), a.newReassembleCmd(),
		a.newAuditCmd(), a.newFsckCmd(), a.newStatusCmd(), newReadmeCmd())
	return root
}

// loadConfig reads the configuration; it is validated only if validate
// is set, so tools that don't need all of it still work.
func (a *app) loadConfig(validate bool) (*config.Config, error) {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.Log.Verbose = cfg.Log.Verbose || a.verbose
	cfg.Log.Debug = cfg.Log.Debug || a.debug
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", a.cfgFile, err)
		}
	}
	return cfg, nil
}

// consoleLogger returns a logger for the interactive tools.
func consoleLogger(cmd *cobra.Command, cfg *config.Config) *u.Logger {
	log, _ := u.NewFileLogger(u.LogOptions{
		Verbose: cfg.Log.Verbose,
		Debug:   cfg.Log.Debug,
		Console: cmd.ErrOrStderr(),
	})
	setLoggers(log)
	return log
}

func setLoggers(log *u.Logger) {
	archive.SetLogger(log)
	remote.SetLogger(log)
}

func newMover(ctx context.Context, cfg *config.Config) (remote.Mover, error) {
	r := cfg.Remote
	switch r.Type {
	case "rclone":
		return remote.NewRclone(remote.RcloneOptions{
			Binary:    r.Rclone.Binary,
			Remote:    r.Rclone.Remote,
			Base:      r.Rclone.Dest,
			ExtraArgs: r.Rclone.ExtraArgs,
		}), nil
	case "gcs":
		return remote.NewGCS(ctx, remote.GCSOptions{
			BucketName:              r.GCS.Bucket,
			ProjectId:               r.GCS.ProjectId,
			Location:                r.GCS.Location,
			Prefix:                  r.GCS.Prefix,
			CredentialsFile:         r.GCS.CredentialsFile,
			StorageClass:            r.GCS.StorageClass,
			MaxUploadBytesPerSecond: int(r.GCS.MaxUploadBytesPerSecond),
		})
	case "disk":
		return remote.NewDisk(r.Disk.Dir, int(r.Disk.MaxUploadBytesPerSecond))
	default:
		return nil, fmt.Errorf("%q: %w", r.Type, remote.ErrUnknownMover)
	}
}

func closeMover(m remote.Mover, log *u.Logger) {
	if c, ok := m.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warning("%s: %v", m, err)
		}
	}
}

// openLedger returns nil if no ledger is configured.
func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	if cfg.Ledger == "" {
		return nil, nil
	}
	return ledger.Open(cfg.Ledger)
}

func newReconciler(cfg *config.Config, m remote.Mover, l *ledger.Ledger, log *u.Logger) *reconcile.Reconciler {
	return reconcile.New(m, l, log, reconcile.Options{
		SidecarDir:     cfg.SidecarDir,
		MinFreePercent: cfg.MinFreePercent,
		Parity:         cfg.ParityOptions(),
	})
}
