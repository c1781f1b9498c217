// cmd/bksplit/run.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mmp/bksplit/backup"
	"github.com/mmp/bksplit/config"
	"github.com/mmp/bksplit/metrics"
	"github.com/mmp/bksplit/remote"
	u "github.com/mmp/bksplit/util"
	"github.com/spf13/cobra"
)

func (a *app) newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Back up the configured tree",
		Long: `Back up the configured tree. Interrupting the run (SIGINT or SIGTERM)
stops it from starting new items; items already underway are finished.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(true)
			if err != nil {
				return err
			}
			return runBackup(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
}

// runLogger returns the logger for a run, writing per-run debug and
// error logs to cfg.Log.Dir if it's set.
func runLogger(cfg *config.Config, console io.Writer, start time.Time) (*u.Logger, error) {
	opts := u.LogOptions{Verbose: cfg.Log.Verbose, Debug: cfg.Log.Debug, Console: console}
	if cfg.Log.Dir != "" {
		base := filepath.Join(cfg.Log.Dir, "bksplit-"+start.Format("20060102-150405"))
		opts.DebugFile = base + ".log"
		opts.ErrorFile = base + "-errors.log"
	}
	return u.NewFileLogger(opts)
}

func runBackup(ctx context.Context, cfg *config.Config, console io.Writer) error {
	start := time.Now()
	log, err := runLogger(cfg, console, start)
	if err != nil {
		return err
	}
	defer log.Close()
	log = log.With("run", uuid.NewString())
	setLoggers(log)

	if cfg.LockFile != "" {
		unlock, err := u.Lock(cfg.LockFile)
		switch {
		case errors.Is(err, u.ErrLocked) && cfg.IfRunning == "skip":
			log.Print("%s: another run is in progress; exiting", cfg.LockFile)
			return nil
		case errors.Is(err, u.ErrLocked):
			log.Warning("%s: another run is in progress; continuing anyway", cfg.LockFile)
		case err != nil:
			return fmt.Errorf("%s: %w", cfg.LockFile, err)
		default:
			defer unlock()
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mover, err := newMover(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMover(mover, log)
	l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if l != nil {
		defer l.Close()
	}

	if s, err := u.DiskSpace(cfg.Root); err == nil {
		log.Verbose("%s: %s", cfg.Root, s)
	}
	log.Print("backing up %s to %s, chunk size %s", cfg.Root, mover, cfg.ChunkSize)

	runner := backup.NewRunner(newReconciler(cfg, mover, l, log), log, backup.Options{
		Root: cfg.Root,
		Spec: cfg.Spec(),
		Walk: backup.WalkOptions{
			SkipExtensions: cfg.SkipExtensions,
			SkipDirs:       cfg.SkipDirs,
		},
		Workers:    cfg.Workers,
		FinishHour: cfg.FinishHour,
	})
	res, err := runner.Run(ctx)
	if err != nil {
		log.Error("CRITICAL FAILURE, run aborted: %v", err)
	}
	if n := res.Summary.Failures(); n > 0 {
		log.Warning("%d transfers or remote deletions failed; they will be retried next run", n)
	}

	if cfg.Metrics.Textfile != "" {
		m := metrics.New()
		m.Record(res, err)
		if werr := m.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
			log.Warning("%s: %v", cfg.Metrics.Textfile, werr)
		}
	}
	if cfg.Log.Upload {
		// Even an interrupted run gets its logs uploaded.
		uploadLogs(context.WithoutCancel(ctx), mover, log, cfg.Log.RemoteDir, start)
	}
	return err
}

// uploadLogs copies the run's log files to remoteDir/YYYY/MM.
func uploadLogs(ctx context.Context, m remote.Mover, log *u.Logger, remoteDir string, start time.Time) {
	dir := remote.Join(remoteDir, start.Format("2006"), start.Format("01"))
	log.Sync()
	for _, f := range log.Files() {
		if err := m.Copy(ctx, f, dir); err != nil {
			log.Warning("uploading log: %v", err)
		} else {
			log.Verbose("%s: uploaded to %s", filepath.Base(f), dir)
		}
	}
}
