// Package logger provides the leveled, prefix-forking log streams used by every
// component of relayhttp. Each component forks a child logger so that output
// lines carry a path like "server: channel#3: pump".
package logger

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel specifies the level of spew that should go to the log
type LogLevel int32

const (
	// LogLevelUnknown is a default value for LogLevel. Its
	// behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal

	// LogLevelError is for unexpected error messages
	LogLevelError

	// LogLevelWarning is for Warning messages
	LogLevelWarning

	// LogLevelInfo is for Info messages
	LogLevelInfo

	// LogLevelDebug is for debug messages
	LogLevelDebug

	// LogLevelTrace is for trace messages
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel, len(logLevelNames)+1)
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	result["warn"] = LogLevelWarning
	return result
}()

// StringToLogLevel converts a string to a LogLevel. Returns LogLevelUnknown
// if the name is not recognized
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// FromString initializes a LogLevel from a string
func (x *LogLevel) FromString(s string) error {
	result := StringToLogLevel(s)
	if result == LogLevelUnknown {
		return fmt.Errorf("unknown log level: \"%s\"", s)
	}
	*x = result
	return nil
}

// Logger is an interface for a logging component that supports logging levels and prefix forking
type Logger interface {
	// Prefix returns the Logger's prefix string (does not include ": " trailer)
	Prefix() string

	GetLogLevel() LogLevel
	SetLogLevel(logLevel LogLevel)

	// Panic outputs a log message and then panics
	Panic(args ...interface{})
	Panicf(f string, args ...interface{})

	// PanicOnError does nothing if err is nil; otherwise
	// outputs a log message and then panics
	PanicOnError(err error)

	Log(logLevel LogLevel, args ...interface{})
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})
	TLogf(f string, args ...interface{})

	// Errorf returns an error object with a description string that has the
	// Logger's prefix
	Errorf(f string, args ...interface{}) error

	// Sprintf returns a string that has the Logger's prefix
	Sprintf(f string, args ...interface{}) string

	// ELogErrorf outputs an error message iff ERROR logging is enabled,
	// and returns an error object with a description string that has the
	// logger's prefix
	ELogErrorf(f string, args ...interface{}) error
	WLogErrorf(f string, args ...interface{}) error
	DLogErrorf(f string, args ...interface{}) error

	// Fork creates a new Logger that has an additional formatted string appended onto
	// an existing logger's prefix (with ": " added between). The fork shares
	// the parent's writer and log level.
	Fork(prefix string, args ...interface{}) Logger
}

// sink is shared by a logger and all of its forks, so that a log level change
// made through any of them is seen by all
type sink struct {
	out      *log.Logger
	logLevel atomic.Int32
}

// BasicLogger is a logical log output stream with a level filter
// and a prefix added to each output record.
type BasicLogger struct {
	prefix string
	// prefixC is prefix if prefix is empty; otherwise prefix + ": "
	prefixC string
	sink    *sink
}

const defaultLogFlags = log.Ldate | log.Ltime

type options struct {
	writer   io.Writer
	prefix   string
	logLevel LogLevel
	flags    int
}

// Option configures a logger created with New
type Option func(*options)

// WithWriter directs log output to w. The default is os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithPrefix sets the root prefix of the logger
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithLogLevel sets the initial log level. The default is LogLevelInfo.
func WithLogLevel(logLevel LogLevel) Option {
	return func(o *options) { o.logLevel = logLevel }
}

// WithFlags sets the standard library log flags used for each record
func WithFlags(flags int) Option {
	return func(o *options) { o.flags = flags }
}

// New creates a new Logger
func New(opts ...Option) (Logger, error) {
	o := options{
		writer:   os.Stderr,
		logLevel: LogLevelInfo,
		flags:    defaultLogFlags,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logLevel <= LogLevelUnknown || o.logLevel > LogLevelTrace {
		return nil, fmt.Errorf("invalid log level: %d", o.logLevel)
	}
	if o.writer == nil {
		return nil, errors.New("nil log writer")
	}
	s := &sink{out: log.New(o.writer, "", o.flags)}
	s.logLevel.Store(int32(o.logLevel))
	return newBasicLogger(s, o.prefix), nil
}

// NewLogger creates a new Logger with a given prefix and default flags,
// emitting output to os.Stderr
func NewLogger(prefix string, logLevel LogLevel) Logger {
	l, err := New(WithPrefix(prefix), WithLogLevel(logLevel))
	if err != nil {
		panic(err)
	}
	return l
}

// NilLogger returns a Logger that discards everything below LogLevelPanic
func NilLogger() Logger {
	s := &sink{out: log.New(io.Discard, "", 0)}
	s.logLevel.Store(int32(LogLevelFatal))
	return newBasicLogger(s, "")
}

func newBasicLogger(s *sink, prefix string) *BasicLogger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:  prefix,
		prefixC: prefixC,
		sink:    s,
	}
}

func (l *BasicLogger) enabled(logLevel LogLevel) bool {
	return logLevel <= LogLevel(l.sink.logLevel.Load()) || logLevel <= LogLevelFatal
}

// emit writes an already formatted message, then panics or exits
// if the level requires it
func (l *BasicLogger) emit(logLevel LogLevel, msg string) {
	l.sink.out.Print(msg)
	switch logLevel {
	case LogLevelFatal:
		os.Exit(1)
	case LogLevelPanic:
		panic(msg)
	}
}

// Log outputs to a Logger if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic or LogLevelFatal, exits appropriately
func (l *BasicLogger) Log(logLevel LogLevel, args ...interface{}) {
	if l.enabled(logLevel) {
		l.emit(logLevel, l.prefixC+fmt.Sprint(args...))
	}
}

// Logf outputs to a Logger if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic or LogLevelFatal, exits appropriately
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if l.enabled(logLevel) {
		l.emit(logLevel, l.Sprintf(f, args...))
	}
}

// logErrorf outputs an error message if logLevel is enabled, and returns an
// error object with a description string that has the logger's prefix
func (l *BasicLogger) logErrorf(logLevel LogLevel, f string, args ...interface{}) error {
	msg := l.Sprintf(f, args...)
	if l.enabled(logLevel) {
		l.emit(logLevel, msg)
	}
	return errors.New(msg)
}

// Panic outputs a log message and then panics
func (l *BasicLogger) Panic(args ...interface{}) {
	l.Log(LogLevelPanic, args...)
}

// Panicf outputs a formatted log message and then panics
func (l *BasicLogger) Panicf(f string, args ...interface{}) {
	l.Logf(LogLevelPanic, f, args...)
}

// PanicOnError does nothing if err is nil; otherwise
// outputs a log message and then panics
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panic(err)
	}
}

// ELogf outputs a formatted log message if ERROR level is enabled
func (l *BasicLogger) ELogf(f string, args ...interface{}) {
	l.Logf(LogLevelError, f, args...)
}

// WLogf outputs a formatted log message if WARNING level is enabled
func (l *BasicLogger) WLogf(f string, args ...interface{}) {
	l.Logf(LogLevelWarning, f, args...)
}

// ILogf outputs a formatted log message if INFO level is enabled
func (l *BasicLogger) ILogf(f string, args ...interface{}) {
	l.Logf(LogLevelInfo, f, args...)
}

// DLogf outputs a formatted log message if DEBUG level is enabled
func (l *BasicLogger) DLogf(f string, args ...interface{}) {
	l.Logf(LogLevelDebug, f, args...)
}

// TLogf outputs a formatted log message if TRACE level is enabled
func (l *BasicLogger) TLogf(f string, args ...interface{}) {
	l.Logf(LogLevelTrace, f, args...)
}

// Errorf returns an error object with a description string that has the
// Logger's prefix
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// Sprintf returns a string that has the Logger's prefix
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// ELogErrorf outputs an error message iff ERROR logging level is enabled,
// and returns a prefixed error object
func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelError, f, args...)
}

// WLogErrorf outputs an error message iff WARNING logging level is enabled,
// and returns a prefixed error object
func (l *BasicLogger) WLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelWarning, f, args...)
}

// DLogErrorf outputs an error message iff DEBUG logging level is enabled,
// and returns a prefixed error object
func (l *BasicLogger) DLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelDebug, f, args...)
}

// Fork creates a new Logger that has an additional formatted string appended onto
// an existing logger's prefix (with ": " added between)
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	name := fmt.Sprintf(prefix, args...)
	if l.prefix != "" {
		name = l.prefix + ": " + name
	}
	return newBasicLogger(l.sink, name)
}

// Prefix returns the Logger's prefix string (does not include ": " trailer)
func (l *BasicLogger) Prefix() string {
	return l.prefix
}

// GetLogLevel returns the log level
func (l *BasicLogger) GetLogLevel() LogLevel {
	return LogLevel(l.sink.logLevel.Load())
}

// SetLogLevel sets the log level for this logger and every logger
// forked from the same root
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) {
	l.sink.logLevel.Store(int32(logLevel))
}
