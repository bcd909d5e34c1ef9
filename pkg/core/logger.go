package core

import (
	"fmt"
	"log"
	"os"
)

// Logger is the leveled logging surface every package takes. Callers may
// plug in any implementation; the default writes through the standard log
// package.
type Logger interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
}

type defaultLogger struct {
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
}

// NewDefaultLogger returns a Logger over the standard log package, errors
// and warnings on stderr, the rest on stdout.
func NewDefaultLogger() Logger {
	return &defaultLogger{
		errorLogger: log.New(os.Stderr, "[ERROR] ", log.LstdFlags|log.Lshortfile),
		warnLogger:  log.New(os.Stderr, "[WARN] ", log.LstdFlags|log.Lshortfile),
		infoLogger:  log.New(os.Stdout, "[INFO] ", log.LstdFlags|log.Lshortfile),
		debugLogger: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags|log.Lshortfile),
	}
}

// Output depth 3 makes the file:line prefix point at the caller, not at
// this wrapper.

func (l *defaultLogger) Error(args ...interface{}) {
	l.errorLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.errorLogger.Output(3, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Warn(args ...interface{}) {
	l.warnLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.warnLogger.Output(3, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Info(args ...interface{}) {
	l.infoLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.infoLogger.Output(3, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Debug(args ...interface{}) {
	l.debugLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	l.debugLogger.Output(3, fmt.Sprintf(format, args...))
}

// NopLogger discards all output. Useful in tests.
type NopLogger struct{}

func (NopLogger) Error(...interface{})          {}
func (NopLogger) Errorf(string, ...interface{}) {}
func (NopLogger) Warn(...interface{})           {}
func (NopLogger) Warnf(string, ...interface{})  {}
func (NopLogger) Info(...interface{})           {}
func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Debug(...interface{})          {}
func (NopLogger) Debugf(string, ...interface{}) {}
