// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads the bksplit configuration: a YAML file, with
// defaults for anything it leaves out, overridden by BKSPLIT_*
// environment variables (e.g. BKSPLIT_CHUNK_SIZE=900MB or
// BKSPLIT_REMOTE_TYPE=disk).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/mmp/bksplit/chunk"
	"github.com/mmp/bksplit/rdso"
	u "github.com/mmp/bksplit/util"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "BKSPLIT"

// DefaultChunkSize is a little under the 1.25GB object size limit of the
// services this was written for.
const DefaultChunkSize = 1200000000

///////////////////////////////////////////////////////////////////////////
// Size

// Size is a byte count that may be written as a plain number or in
// human form ("900MB", "1.2 GB", "512MiB").
type Size int64

func (s *Size) Decode(v string) error {
	n, err := u.ParseBytes(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", v, err)
	}
	*s = Size(n)
	return nil
}

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	return s.Decode(value.Value)
}

func (s Size) MarshalYAML() (interface{}, error) {
	return int64(s), nil
}

func (s Size) String() string {
	return u.FmtBytes(int64(s))
}

///////////////////////////////////////////////////////////////////////////

// Config holds the configuration for a backup.
type Config struct {
	// Root is the directory tree that is backed up.
	Root       string `yaml:"root"`
	SidecarDir string `yaml:"sidecar_dir" split_words:"true"`
	// ChunkSize is the largest file transferred whole; larger files are
	// cut into chunks of this size.
	ChunkSize      Size     `yaml:"chunk_size" split_words:"true"`
	SkipExtensions []string `yaml:"skip_extensions" split_words:"true"`
	SkipDirs       []string `yaml:"skip_dirs" split_words:"true"`
	Workers        int      `yaml:"workers"`
	MinFreePercent float64  `yaml:"min_free_percent" split_words:"true"`
	// FinishHour is the local hour (0-23) whose first occurrence after
	// the run starts ends it: no new items are started; -1 disables it.
	FinishHour int    `yaml:"finish_hour" split_words:"true"`
	LockFile   string `yaml:"lock_file" split_words:"true"`
	// IfRunning says what to do when another run holds the lock: "skip"
	// exits quietly, "continue" runs anyway.
	IfRunning string `yaml:"if_running" split_words:"true"`
	// Ledger is the path of the LevelDB upload ledger; empty disables it.
	Ledger string `yaml:"ledger"`

	Parity  ParityConfig  `yaml:"parity"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Remote  RemoteConfig  `yaml:"remote"`
}

type ParityConfig struct {
	Enabled      bool `yaml:"enabled"`
	DataShards   int  `yaml:"data_shards" split_words:"true"`
	ParityShards int  `yaml:"parity_shards" split_words:"true"`
	HashRate     Size `yaml:"hash_rate" split_words:"true"`
}

type LogConfig struct {
	// Dir holds the per-run debug and error logs; empty logs to the
	// console only.
	Dir     string `yaml:"dir"`
	Verbose bool   `yaml:"verbose"`
	Debug   bool   `yaml:"debug"`
	// Upload copies the run's logs to RemoteDir/YYYY/MM on the remote.
	Upload    bool   `yaml:"upload"`
	RemoteDir string `yaml:"remote_dir" split_words:"true"`
}

type MetricsConfig struct {
	// Textfile is written in the Prometheus text format at the end of a
	// run, for node_exporter's textfile collector.
	Textfile string `yaml:"textfile"`
}

type RemoteConfig struct {
	// Type is one of "rclone", "gcs" or "disk".
	Type   string       `yaml:"type"`
	Rclone RcloneConfig `yaml:"rclone"`
	GCS    GCSConfig    `yaml:"gcs"`
	Disk   DiskConfig   `yaml:"disk"`
}

type RcloneConfig struct {
	Binary string `yaml:"binary"`
	// Remote is the rclone remote name, e.g. "onedrive:".
	Remote    string   `yaml:"remote"`
	Dest      string   `yaml:"dest"`
	ExtraArgs []string `yaml:"extra_args" split_words:"true"`
}

type GCSConfig struct {
	Bucket                  string `yaml:"bucket"`
	ProjectId               string `yaml:"project_id" split_words:"true"`
	Location                string `yaml:"location"`
	Prefix                  string `yaml:"prefix"`
	CredentialsFile         string `yaml:"credentials_file" split_words:"true"`
	StorageClass            string `yaml:"storage_class" split_words:"true"`
	MaxUploadBytesPerSecond Size   `yaml:"max_upload_bytes_per_second" split_words:"true"`
}

type DiskConfig struct {
	Dir                     string `yaml:"dir"`
	MaxUploadBytesPerSecond Size   `yaml:"max_upload_bytes_per_second" split_words:"true"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		SidecarDir:     ".rclone",
		ChunkSize:      DefaultChunkSize,
		SkipExtensions: []string{".part", ".crdownload"},
		SkipDirs:       []string{"*.bundle"},
		Workers:        1,
		MinFreePercent: 10,
		FinishHour:     -1,
		IfRunning:      "skip",
		Parity: ParityConfig{
			DataShards:   rdso.DefaultOptions.DataShards,
			ParityShards: rdso.DefaultOptions.ParityShards,
			HashRate:     Size(rdso.DefaultOptions.HashRate),
		},
		Log:    LogConfig{RemoteDir: "logs"},
		Remote: RemoteConfig{Type: "rclone", Rclone: RcloneConfig{Binary: "rclone"}},
	}
}

// Load reads the YAML file at path, if path is non-empty, and then
// applies environment overrides. Unknown keys in the file are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	for _, p := range []*string{&cfg.Root, &cfg.LockFile, &cfg.Ledger, &cfg.Log.Dir,
		&cfg.Metrics.Textfile, &cfg.Remote.GCS.CredentialsFile, &cfg.Remote.Disk.Dir} {
		*p = expandHome(*p)
	}
	return cfg, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("root: not set")
	}
	if fi, err := os.Stat(c.Root); err != nil {
		return fmt.Errorf("root: %w", err)
	} else if !fi.IsDir() {
		return fmt.Errorf("root: %s is not a directory", c.Root)
	}
	if c.SidecarDir == "" || strings.ContainsAny(c.SidecarDir, `/\`) {
		return fmt.Errorf("sidecar_dir: %q must be a plain directory name", c.SidecarDir)
	}
	if err := c.Spec().Validate(); err != nil {
		return fmt.Errorf("chunk_size: %w", err)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers: must be at least 1, got %d", c.Workers)
	}
	if c.MinFreePercent < 0 || c.MinFreePercent >= 100 {
		return fmt.Errorf("min_free_percent: %g out of range", c.MinFreePercent)
	}
	if c.FinishHour < -1 || c.FinishHour > 23 {
		return fmt.Errorf("finish_hour: %d is not an hour of the day", c.FinishHour)
	}
	if c.IfRunning != "skip" && c.IfRunning != "continue" {
		return fmt.Errorf("if_running: %q must be \"skip\" or \"continue\"", c.IfRunning)
	}
	if c.Parity.Enabled && (c.Parity.DataShards <= 0 || c.Parity.ParityShards <= 0 ||
		c.Parity.HashRate <= 0) {
		return fmt.Errorf("parity: shards and hash_rate must be positive")
	}
	if c.Log.Upload && c.Log.Dir == "" {
		return errors.New("log: upload requires dir")
	}

	switch c.Remote.Type {
	case "rclone":
		if c.Remote.Rclone.Remote == "" {
			return errors.New("remote.rclone.remote: not set")
		}
	case "gcs":
		if c.Remote.GCS.Bucket == "" {
			return errors.New("remote.gcs.bucket: not set")
		}
	case "disk":
		if c.Remote.Disk.Dir == "" {
			return errors.New("remote.disk.dir: not set")
		}
	default:
		return fmt.Errorf("remote.type: unknown type %q", c.Remote.Type)
	}
	return nil
}

func (c *Config) Spec() chunk.Spec {
	return chunk.Spec{ChunkSize: int64(c.ChunkSize)}
}

// ParityOptions returns nil if parity is disabled.
func (c *Config) ParityOptions() *rdso.Options {
	if !c.Parity.Enabled {
		return nil
	}
	return &rdso.Options{
		DataShards:   c.Parity.DataShards,
		ParityShards: c.Parity.ParityShards,
		HashRate:     int(c.Parity.HashRate),
	}
}
