// cmd/bksplit/tools.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mmp/bksplit/archive"
	"github.com/mmp/bksplit/backup"
	"github.com/mmp/bksplit/chunk"
	"github.com/mmp/bksplit/config"
	"github.com/mmp/bksplit/rdso"
	"github.com/mmp/bksplit/reconcile"
	"github.com/mmp/bksplit/remote"
	u "github.com/mmp/bksplit/util"
	"github.com/spf13/cobra"
)

func walkOptions(cfg *config.Config) backup.WalkOptions {
	return backup.WalkOptions{
		SidecarDir:     cfg.SidecarDir,
		SkipExtensions: cfg.SkipExtensions,
		SkipDirs:       cfg.SkipDirs,
		ChunkSize:      int64(cfg.ChunkSize),
	}
}

///////////////////////////////////////////////////////////////////////////
// check

func (a *app) newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report the state of the chunks of every oversized file",
		Long: `Report, without changing anything locally or remotely, whether the
chunks of each file over the chunk size match the current configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(true)
			if err != nil {
				return err
			}
			log := consoleLogger(cmd, cfg)
			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			if l != nil {
				defer l.Close()
			}

			// Check never touches the remote.
			rec := newReconciler(cfg, nil, l, log)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			defer w.Flush()
			var stats reconcile.Stats
			nInvalid := 0
			_, err = backup.Walk(cfg.Root, walkOptions(cfg), log, func(item reconcile.SourceItem) error {
				if !cfg.Spec().NeedsChunking(item.Size) {
					return nil
				}
				out, err := rec.Check(cmd.Context(), &reconcile.Context{Item: item, Spec: cfg.Spec(),
					Root: cfg.Root, Stats: &stats, Log: log})
				if err != nil {
					return err
				}
				if out.Skipped {
					return nil
				}
				verdict := out.Verdict.String()
				if out.SourceChanged {
					verdict += ", file changed since"
				}
				if !out.Verdict.Valid() || out.SourceChanged {
					nInvalid++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", relPath(cfg.Root, item.Path), out.Plan, verdict)
				return nil
			})
			if err != nil {
				return err
			}
			if nInvalid > 0 {
				log.Print("%d items will be resplit by the next run", nInvalid)
			}
			return nil
		},
	}
}

func relPath(root, p string) string {
	if r, err := filepath.Rel(root, p); err == nil {
		return filepath.ToSlash(r)
	}
	return p
}

///////////////////////////////////////////////////////////////////////////
// plan

func (a *app) newPlanCmd() *cobra.Command {
	var chunkSize string
	cmd := &cobra.Command{
		Use:   "plan <size|file>",
		Short: "Show how a file or payload size would be chunked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(false)
			if err != nil {
				return err
			}
			spec := cfg.Spec()
			if chunkSize != "" {
				if spec.ChunkSize, err = u.ParseBytes(chunkSize); err != nil {
					return err
				}
			}
			if err := spec.Validate(); err != nil {
				return err
			}

			// A file is planned the way a run would; a plain size is
			// taken as the payload.
			var item string
			var payload int64
			if fi, err := os.Stat(args[0]); err == nil && fi.Mode().IsRegular() {
				item = fi.Name()
				payload = fi.Size()
				if !spec.NeedsChunking(fi.Size()) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, transferred whole\n", item,
						u.FmtBytes(fi.Size()))
					return nil
				}
				if chunk.StyleFor(item) == chunk.Archived {
					if payload, err = archive.Size(item, fi.Size()); err != nil {
						return err
					}
				}
			} else if payload, err = u.ParseBytes(args[0]); err != nil {
				return fmt.Errorf("%s: neither a file nor a size", args[0])
			}

			p, err := chunk.NewPlan(payload, spec.ChunkSize)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", p)
			var names []chunk.Name
			if item != "" {
				names = chunk.Names(item, chunk.StyleFor(item), p.Count)
			}
			for i, sz := range p.Sizes() {
				if names != nil {
					fmt.Fprintf(out, "  %s\t%d\n", names[i], sz)
				} else {
					fmt.Fprintf(out, "  %d\t%d\n", i+1, sz)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chunkSize, "chunk-size", "", "chunk size (default from configuration)")
	return cmd
}

///////////////////////////////////////////////////////////////////////////
// reassemble

func (a *app) newReassembleCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "reassemble <file> <out>",
		Short: "Rebuild a file from its chunks",
		Long: `Rebuild <file> from its chunks and write it to <out>. The chunks are
looked for in the sidecar directory next to <file> unless --dir is given,
e.g. a directory the chunks were downloaded to from the remote.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(false)
			if err != nil {
				return err
			}
			log := consoleLogger(cmd, cfg)
			item := filepath.Base(args[0])
			if dir == "" {
				dir = filepath.Join(filepath.Dir(args[0]), cfg.SidecarDir)
			}
			n, err := reassemble(dir, item, args[1])
			if err != nil {
				return err
			}
			log.Print("%s: wrote %s", args[1], u.FmtBytes(n))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory holding the chunks")
	return cmd
}

func reassemble(dir, item, dst string) (int64, error) {
	set, err := chunk.Scan(dir, item)
	if err != nil {
		return 0, err
	}
	if set.Empty() {
		return 0, fmt.Errorf("%s: no chunks of %s", dir, item)
	}
	if err := set.CheckSequence(); err != nil {
		return 0, fmt.Errorf("%s: %w", strings.Join(set.Names(), ", "), err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	lead, _ := set.Leading()
	if lead.Name.Style == chunk.Raw {
		n, err := chunk.Reassemble(out, set)
		if err != nil {
			return n, err
		}
		return n, out.Close()
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".bksplit-*.zip")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	_, err = chunk.Reassemble(tmp, set)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	name, n, err := archive.Extract(tmp.Name(), out)
	if err != nil {
		return n, err
	}
	if name != item {
		return n, fmt.Errorf("container holds %q, not %q", name, item)
	}
	return n, out.Close()
}

///////////////////////////////////////////////////////////////////////////
// audit

func (a *app) newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Compare the remote against the local tree",
		Long: `List the remote and report files and chunks that are missing there or
have a different size than locally. Only remotes that can be listed are
supported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(true)
			if err != nil {
				return err
			}
			log := consoleLogger(cmd, cfg)
			mover, err := newMover(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeMover(mover, log)
			lister, ok := mover.(remote.Lister)
			if !ok {
				return fmt.Errorf("%s: remote can't be listed", mover)
			}

			au := &auditor{lister: lister, dirs: make(map[string]map[string]remote.Entry),
				out: cmd.OutOrStdout()}
			_, err = backup.Walk(cfg.Root, walkOptions(cfg), log, func(item reconcile.SourceItem) error {
				remoteDir, err := remote.Resolve(item.Dir, cfg.Root)
				if err != nil {
					return err
				}
				if !cfg.Spec().NeedsChunking(item.Size) {
					return au.expect(cmd, remoteDir, item.Name, item.Size)
				}
				set, err := chunk.Scan(filepath.Join(item.Dir, cfg.SidecarDir), item.Name)
				if err != nil {
					return err
				}
				if set.Empty() {
					fmt.Fprintf(au.out, "%s: no local chunks\n", relPath(cfg.Root, item.Path))
					au.problems++
				}
				for _, c := range set.Chunks {
					if err := au.expect(cmd, remoteDir, c.Name.String(), c.Size); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			if au.problems > 0 {
				return fmt.Errorf("%d problems found", au.problems)
			}
			log.Print("%d objects checked, no problems found", au.checked)
			return nil
		},
	}
}

type auditor struct {
	lister   remote.Lister
	dirs     map[string]map[string]remote.Entry
	out      io.Writer
	checked  int
	problems int
}

func (a *auditor) expect(cmd *cobra.Command, dir, name string, size int64) error {
	entries, ok := a.dirs[dir]
	if !ok {
		list, err := a.lister.List(cmd.Context(), dir)
		if err != nil {
			return err
		}
		entries = make(map[string]remote.Entry)
		for _, e := range list {
			entries[e.Name] = e
		}
		a.dirs[dir] = entries
	}

	a.checked++
	p := remote.Join(dir, name)
	if e, ok := entries[name]; !ok {
		fmt.Fprintf(a.out, "%s: missing on remote\n", p)
		a.problems++
	} else if e.Size != size {
		fmt.Fprintf(a.out, "%s: %d bytes on remote, %d locally\n", p, e.Size, size)
		a.problems++
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// fsck

func (a *app) newFsckCmd() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "Verify local chunks against their parity files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(true)
			if err != nil {
				return err
			}
			log := consoleLogger(cmd, cfg)
			checked, bad := 0, 0
			err = filepath.WalkDir(cfg.Root, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					log.Error("%s: %v", path, err)
					return nil
				}
				if !d.Type().IsRegular() || !strings.HasSuffix(path, ".rs") ||
					filepath.Base(filepath.Dir(path)) != cfg.SidecarDir {
					return nil
				}
				fn := strings.TrimSuffix(path, ".rs")
				checked++
				err = rdso.CheckFile(fn, path, log)
				switch {
				case err == nil:
					log.Verbose("%s: ok", fn)
				case errors.Is(err, rdso.ErrFileCorrupt) && repair:
					if err := rdso.RestoreFile(fn, path, log); err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: can't be repaired: %v\n", fn, err)
						bad++
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: repaired\n", fn)
					}
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", fn, err)
					bad++
				}
				return nil
			})
			if err != nil {
				return err
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d chunks are damaged", bad, checked)
			}
			log.Print("%d chunks checked", checked)
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "restore damaged chunks from parity")
	return cmd
}

///////////////////////////////////////////////////////////////////////////
// status

func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List the chunk sets recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(false)
			if err != nil {
				return err
			}
			l, err := openLedger(cfg)
			if err != nil {
				return err
			} else if l == nil {
				return errors.New("no ledger configured")
			}
			defer l.Close()

			records, err := l.All(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tCHUNKS\tCHUNK SIZE\tSIZE\tUPLOADED\tPENDING")
			for _, r := range records {
				uploaded := "-"
				if !r.Uploaded.IsZero() {
					uploaded = r.Uploaded.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\n", r.Path, len(r.Chunks),
					u.FmtBytes(r.ChunkSize), u.FmtBytes(r.SourceSize), uploaded, len(r.Pending))
			}
			return w.Flush()
		},
	}
}
