// util/log_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFiles(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	l, err := NewFileLogger(LogOptions{
		Console:   &console,
		DebugFile: filepath.Join(dir, "debug.log"),
		ErrorFile: filepath.Join(dir, "errors.log"),
	})
	require.NoError(t, err)

	l.Debug("chunk %d written", 3)
	l.Verbose("scanning %s", "dir")
	l.Print("summary")

	// Nothing at warning level yet, so no error log.
	assert.Equal(t, []string{filepath.Join(dir, "debug.log")}, l.Files())
	_, err = os.Stat(filepath.Join(dir, "errors.log"))
	assert.True(t, os.IsNotExist(err))

	l.With("item", "a.bin").Error("upload failed")
	assert.EqualValues(t, 1, l.NErrors())
	assert.Len(t, l.Files(), 2)
	require.NoError(t, l.Close())

	debug, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	require.NoError(t, err)
	for _, s := range []string{"chunk 3 written", "scanning dir", "summary", "upload failed"} {
		assert.Contains(t, string(debug), s)
	}
	errs, err := os.ReadFile(filepath.Join(dir, "errors.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errs), "upload failed")
	assert.Contains(t, string(errs), "a.bin")
	assert.NotContains(t, string(errs), "summary")

	// Console: info and above only.
	assert.Contains(t, console.String(), "summary")
	assert.NotContains(t, console.String(), "chunk 3 written")
	assert.NotContains(t, console.String(), "scanning dir")
}

func TestLoggerConsoleLevels(t *testing.T) {
	var console bytes.Buffer
	l, err := NewFileLogger(LogOptions{Console: &console, Verbose: true})
	require.NoError(t, err)
	l.Verbose("verbose line")
	l.Debug("debug line")
	assert.Contains(t, console.String(), "verbose line")
	assert.NotContains(t, console.String(), "debug line")
	assert.Contains(t, console.String(), "util/log_test.go")
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.Warning("still reported")
	assert.NotPanics(t, func() { l.Verbose("x") })
}

func TestNopCountsErrors(t *testing.T) {
	l := Nop()
	l.Error("one")
	l.With("k", 1).Error("two")
	assert.EqualValues(t, 2, l.NErrors())
	assert.Empty(t, l.Files())
}

func TestFmtBytes(t *testing.T) {
	assert.Equal(t, "0 B", FmtBytes(0))
	assert.Equal(t, "1.0 KiB", FmtBytes(1024))
	assert.True(t, strings.HasPrefix(FmtBytes(-2048), "-"))

	n, err := ParseBytes("1.2GB")
	require.NoError(t, err)
	assert.EqualValues(t, 1200000000, n)
	n, err = ParseBytes("900000000")
	require.NoError(t, err)
	assert.EqualValues(t, 900000000, n)
	_, err = ParseBytes("lots")
	assert.Error(t, err)
}
