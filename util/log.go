// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently on the
// console. When log files are configured, the debug log receives
// everything and the error log receives warnings and errors; the latter
// is only created once something is written to it.
//
// Levels map onto zerolog as follows: Debug is trace, Verbose is debug,
// Print is info.
type Logger struct {
	zl      zerolog.Logger
	nErrors *atomic.Int64
	files   *logFiles
}

// LogOptions configures NewFileLogger.
type LogOptions struct {
	Verbose, Debug bool
	// Console defaults to os.Stderr.
	Console io.Writer
	// Either may be empty.
	DebugFile, ErrorFile string
}

type logFiles struct {
	debug *lazyFile
	err   *lazyFile
}

func init() {
	// Level filtering happens per writer.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
}

func NewLogger(verbose, debug bool) *Logger {
	l, _ := NewFileLogger(LogOptions{Verbose: verbose, Debug: debug})
	return l
}

func NewFileLogger(opts LogOptions) (*Logger, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	consoleLevel := zerolog.InfoLevel
	if opts.Verbose {
		consoleLevel = zerolog.DebugLevel
	}
	if opts.Debug {
		consoleLevel = zerolog.TraceLevel
	}

	writers := []io.Writer{levelFilter{
		w:   zerolog.ConsoleWriter{Out: console, TimeFormat: time.TimeOnly},
		min: consoleLevel,
	}}
	files := &logFiles{}
	if opts.DebugFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.DebugFile), 0755); err != nil {
			return nil, err
		}
		// The debug log always exists, even for a run that does nothing.
		files.debug = &lazyFile{path: opts.DebugFile}
		if err := files.debug.open(); err != nil {
			return nil, err
		}
		writers = append(writers, levelFilter{
			w:   zerolog.ConsoleWriter{Out: files.debug, NoColor: true, TimeFormat: time.RFC3339},
			min: zerolog.TraceLevel,
		})
	}
	if opts.ErrorFile != "" {
		files.err = &lazyFile{path: opts.ErrorFile}
		writers = append(writers, levelFilter{
			w:   zerolog.ConsoleWriter{Out: files.err, NoColor: true, TimeFormat: time.RFC3339},
			min: zerolog.WarnLevel,
		})
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(zerolog.TraceLevel).
		With().Timestamp().Logger()
	return &Logger{zl: zl, nErrors: &atomic.Int64{}, files: files}, nil
}

// Nop returns a Logger that discards everything but still counts errors.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), nErrors: &atomic.Int64{}, files: &logFiles{}}
}

var (
	fallbackOnce sync.Once
	fallback     *Logger
)

// get returns l, or a stderr logger if l is nil, so that packages whose
// logger was never set still report problems.
func (l *Logger) get() *Logger {
	if l != nil {
		return l
	}
	fallbackOnce.Do(func() { fallback = NewLogger(true, true) })
	return fallback
}

// With returns a Logger that adds the given key/value pair to every
// message. It shares the error count and files with l.
func (l *Logger) With(key string, value interface{}) *Logger {
	l = l.get()
	return &Logger{
		zl:      l.zl.With().Interface(key, value).Logger(),
		nErrors: l.nErrors,
		files:   l.files,
	}
}

// NErrors returns the number of errors reported so far.
func (l *Logger) NErrors() int64 {
	return l.get().nErrors.Load()
}

// Files returns the paths of the log files that currently exist on disk.
func (l *Logger) Files() []string {
	var p []string
	for _, f := range []*lazyFile{l.get().files.debug, l.get().files.err} {
		if f != nil && f.opened() {
			p = append(p, f.path)
		}
	}
	return p
}

// Sync flushes the log files to disk.
func (l *Logger) Sync() {
	for _, f := range []*lazyFile{l.get().files.debug, l.get().files.err} {
		if f != nil {
			f.sync()
		}
	}
}

func (l *Logger) Close() error {
	var firstErr error
	for _, f := range []*lazyFile{l.get().files.debug, l.get().files.err} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) Print(f string, args ...interface{}) {
	l.get().emit(zerolog.InfoLevel, f, args...)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	l.get().emit(zerolog.TraceLevel, f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	l.get().emit(zerolog.DebugLevel, f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	l.get().emit(zerolog.WarnLevel, f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	l = l.get()
	l.nErrors.Add(1)
	l.emit(zerolog.ErrorLevel, f, args...)
}

// Fatal reports the error, flushes the log files and exits.
func (l *Logger) Fatal(f string, args ...interface{}) {
	l = l.get()
	l.nErrors.Add(1)
	l.emit(zerolog.FatalLevel, f, args...)
	l.Close()
	os.Exit(1)
}

// Similar to Fatal, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	l = l.get()
	l.nErrors.Add(1)
	if len(msg) == 0 {
		l.emit(zerolog.FatalLevel, "Error: %+v", err)
	} else {
		l.emit(zerolog.FatalLevel, msg[0].(string), msg[1:]...)
	}
	l.Close()
	os.Exit(1)
}

func (l *Logger) emit(level zerolog.Level, f string, args ...interface{}) {
	// WithLevel rather than the level methods: zerolog's Fatal would exit
	// before the files are closed.
	l.zl.WithLevel(level).Str("at", caller()).Msg(strings.TrimSuffix(fmt.Sprintf(f, args...), "\n"))
}

func caller() string {
	// Three levels up the call stack: emit, the Logger method, its caller.
	_, fn, line, _ := runtime.Caller(3)
	// Last two components of the path
	return path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
}

///////////////////////////////////////////////////////////////////////////
// Writers

// levelFilter drops messages below min; zerolog.MultiLevelWriter calls
// WriteLevel on writers that implement zerolog.LevelWriter.
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f levelFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}

// lazyFile is created on first write.
type lazyFile struct {
	path    string
	mu      sync.Mutex
	f       *os.File
	created bool
	err     error
}

func (l *lazyFile) open() error {
	if l.f != nil || l.err != nil {
		return l.err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		l.err = err
		return err
	}
	l.f, l.err = os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	l.created = l.err == nil
	return l.err
}

func (l *lazyFile) opened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.created
}

func (l *lazyFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.open(); err != nil {
		return 0, err
	}
	return l.f.Write(p)
}

func (l *lazyFile) sync() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		l.f.Sync()
	}
}

func (l *lazyFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	// Reopening after Close would create the file again.
	l.err = os.ErrClosed
	return err
}
