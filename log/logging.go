// Package log provides the leveled, TSV-structured logger used across the
// pipeline stages. Every stage writes to its own file under
// <project>/log/<timestamp>_<stage>.log with a header row and mirrors to
// stdout with ANSI color when the terminal (or FORCE_COLOR) allows it.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

var colors = map[Level]string{
	DEBUG:    "\033[90m",
	INFO:     "\033[94m",
	WARN:     "\033[93m",
	ERROR:    "\033[91m",
	CRITICAL: "\033[95m",
}

const reset = "\033[0m"

const header = "timestamp\tlevel\tlogger\tfile:line\tmessage\n"

// KV is a structured key/value field attached to a log line.
type KV struct {
	Key string
	Val interface{}
}

func F(key string, val interface{}) KV { return KV{Key: key, Val: val} }

// Logger writes TSV lines to a file and, optionally, colored lines to stdout.
type Logger struct {
	mu     sync.Mutex
	name   string
	file   *os.File
	level  Level
	stdout io.Writer
	color  bool
}

// New creates (or appends to) the log file at path, writing the header row
// only if the file does not already exist. name identifies the "logger"
// column (typically the stage: copy, hpi, maxfilter, bidsify, pipeline).
func New(path, name string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	writeHeader := true
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		writeHeader = false
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	if writeHeader {
		if _, err := f.WriteString(header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &Logger{
		name:   name,
		file:   f,
		level:  DEBUG,
		stdout: os.Stdout,
		color:  useColor(),
	}, nil
}

func useColor() bool {
	if os.Getenv("FORCE_COLOR") == "1" {
		return true
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func (l *Logger) SetLevel(lvl Level) { l.level = lvl }

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func callLoc(depth int) string {
	_, file, line, ok := runtime.Caller(depth)
	if !ok {
		return "unknown:0"
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

func (l *Logger) output(depth int, lvl Level, msg string, kvs []KV) {
	if lvl < l.level {
		return
	}
	if len(kvs) > 0 {
		parts := make([]string, 0, len(kvs))
		for _, kv := range kvs {
			parts = append(parts, fmt.Sprintf("%s=%v", kv.Key, kv.Val))
		}
		msg = msg + " " + strings.Join(parts, " ")
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	loc := callLoc(depth)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		fmt.Fprintf(l.file, "%s\t%s\t%s\t%s\t%s\n", ts, lvl.String(), l.name, loc, msg)
	}
	if l.stdout != nil {
		if l.color {
			fmt.Fprintf(l.stdout, "%s[%s] %s %s:%s %s%s\n", colors[lvl], lvl.String(), ts, l.name, loc, msg, reset)
		} else {
			fmt.Fprintf(l.stdout, "[%s] %s %s:%s %s\n", lvl.String(), ts, l.name, loc, msg)
		}
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.output(3, DEBUG, fmt.Sprintf(format, args...), nil)
}
func (l *Logger) Infof(format string, args ...interface{}) {
	l.output(3, INFO, fmt.Sprintf(format, args...), nil)
}
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.output(3, WARN, fmt.Sprintf(format, args...), nil)
}
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.output(3, ERROR, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Debug(msg string, kvs ...KV) { l.output(3, DEBUG, msg, kvs) }
func (l *Logger) Info(msg string, kvs ...KV)  { l.output(3, INFO, msg, kvs) }
func (l *Logger) Warn(msg string, kvs ...KV)  { l.output(3, WARN, msg, kvs) }
func (l *Logger) Error(msg string, kvs ...KV) { l.output(3, ERROR, msg, kvs) }
func (l *Logger) Critical(msg string, kvs ...KV) {
	l.output(3, CRITICAL, msg, kvs)
}

// KVErr is a convenience field for attaching an error to a log line.
func KVErr(err error) KV { return KV{Key: "error", Val: err} }

// Discard returns a logger that never writes anywhere; useful in tests.
func Discard() *Logger {
	return &Logger{name: "discard", level: CRITICAL + 1}
}
