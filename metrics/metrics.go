// metrics/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package metrics exports the outcome of a backup run in the Prometheus
// text format, for node_exporter's textfile collector.
package metrics

import (
	"os"
	"path/filepath"

	"github.com/mmp/bksplit/backup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run holds the metrics of one backup run. Each Run has its own
// registry, so nothing leaks between runs in the same process.
type Run struct {
	reg *prometheus.Registry

	Items    *prometheus.GaugeVec // bksplit_items{kind}
	Failures *prometheus.GaugeVec // bksplit_failures{kind}
	Bytes    prometheus.Gauge
	Duration prometheus.Gauge
	LastRun  prometheus.Gauge
	// 1 if the run processed the whole tree without a fatal error.
	Success prometheus.Gauge
}

func New() *Run {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Run{
		reg: reg,
		Items: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bksplit_items",
			Help: "Items handled by the last run, by kind",
		}, []string{"kind"}),
		Failures: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bksplit_failures",
			Help: "Recoverable failures in the last run, by kind",
		}, []string{"kind"}),
		Bytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "bksplit_transferred_bytes",
			Help: "Bytes uploaded by the last run",
		}),
		Duration: f.NewGauge(prometheus.GaugeOpts{
			Name: "bksplit_duration_seconds",
			Help: "Wall-clock duration of the last run",
		}),
		LastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "bksplit_last_run_timestamp_seconds",
			Help: "Start time of the last run",
		}),
		Success: f.NewGauge(prometheus.GaugeOpts{
			Name: "bksplit_success",
			Help: "Whether the last run completed without a fatal error",
		}),
	}
}

// Record sets the metrics from a run's result and error.
func (m *Run) Record(res backup.Result, err error) {
	s := res.Summary
	for kind, n := range map[string]int64{
		"files":       s.Files,
		"folders":     s.Folders,
		"chunks":      s.Chunks,
		"direct":      s.DirectTransfers,
		"chunked":     s.ChunkedItems,
		"unchanged":   s.Unchanged,
		"invalidated": s.Invalidations,
		"resplit":     s.Resplits,
		"skipped":     s.Skipped,
	} {
		m.Items.WithLabelValues(kind).Set(float64(n))
	}
	m.Failures.WithLabelValues("transfer").Set(float64(s.TransferFailures))
	m.Failures.WithLabelValues("remote_delete").Set(float64(s.RemoteDeleteFailures))
	m.Bytes.Set(float64(s.Bytes))
	m.Duration.Set(res.Duration.Seconds())
	if !res.Start.IsZero() {
		m.LastRun.Set(float64(res.Start.Unix()))
	}
	if err == nil && res.Stopped == backup.Completed {
		m.Success.Set(1)
	} else {
		m.Success.Set(0)
	}
}

func (m *Run) Gatherer() prometheus.Gatherer {
	return m.reg
}

// WriteTextfile atomically writes the metrics to path.
func (m *Run) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, m.reg)
}
