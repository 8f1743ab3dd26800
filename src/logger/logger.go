// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package logger implements wrapper for standard log package.
//
// Outputs log to console and log file with file rotation.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	DDMMYYYYhhmmss = "20060102150405"

	rotationPeriod = time.Hour * 24 * 7
)

type LogLevel int

const (
	LogLevelFatal LogLevel = iota
	LogLevelPanic
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

func (level LogLevel) String() string {
	switch level {
	case LogLevelFatal:
		return "FATAL:"
	case LogLevelPanic:
		return "PANIC:"
	case LogLevelError:
		return "ERROR:"
	case LogLevelWarn:
		return "WARN: "
	case LogLevelInfo:
		return "INFO: "
	case LogLevelDebug:
		return "DEBUG:"
	case LogLevelTrace:
		return "TRACE:"
	default:
		return fmt.Sprintf("%d", int(level))
	}
}

var levelNames = map[string]LogLevel{
	"fatal": LogLevelFatal,
	"panic": LogLevelPanic,
	"error": LogLevelError,
	"warn":  LogLevelWarn,
	"info":  LogLevelInfo,
	"debug": LogLevelDebug,
	"trace": LogLevelTrace,
}

// ParseLogLevel converts a configuration string such as "debug" into a
// LogLevel. The empty string selects LogLevelInfo.
func ParseLogLevel(s string) (LogLevel, error) {
	if s == "" {
		return LogLevelInfo, nil
	}
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func validLevel(l LogLevel) error {
	if l < LogLevelFatal || l > LogLevelTrace {
		return fmt.Errorf("invalid log level %d, expected from %d to %d",
			l, LogLevelFatal, LogLevelTrace)
	}
	return nil
}

// ModLogger writes levelled records to stderr and, optionally, a log file
// rotated weekly.
type ModLogger struct {
	out        *log.Logger
	level      LogLevel
	LogFile    *os.File
	CreateTime time.Time
	LogMutex   sync.Mutex
	RefCount   int
}

var (
	registryMu sync.Mutex
	loggers    = make(map[string]*ModLogger)
)

// NewLogger returns a logger writing to stderr when `logName` is empty, or to
// stderr and the file `logName` otherwise. Loggers for the same file are
// shared and reference counted.
func NewLogger(logName string, logLevel ...LogLevel) (*ModLogger, error) {
	level := LogLevelInfo
	if len(logLevel) > 0 {
		if err := validLevel(logLevel[0]); err != nil {
			return nil, err
		}
		level = logLevel[0]
	}

	if logName == "" {
		return NewWriterLogger(os.Stderr, level), nil
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if l, ok := loggers[logName]; ok {
		l.RefCount++
		return l, nil
	}

	if _, err := os.Stat(filepath.Dir(logName)); os.IsNotExist(err) {
		return nil, fmt.Errorf("log directory %s does not exist",
			filepath.Dir(logName))
	}
	logFile, err := os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot create log file %w", err)
	}
	l := &ModLogger{
		out:        log.New(io.MultiWriter(os.Stderr, logFile), "", 0),
		level:      level,
		LogFile:    logFile,
		CreateTime: time.Now(),
		RefCount:   1,
	}
	loggers[logName] = l
	return l, nil
}

// NewWriterLogger returns a logger writing to `w` only. It never rotates.
func NewWriterLogger(w io.Writer, level LogLevel) *ModLogger {
	return &ModLogger{
		out:        log.New(w, "", 0),
		level:      level,
		CreateTime: time.Now(),
	}
}

func rotate(l *ModLogger) error {
	now := time.Now()
	if now.Sub(l.CreateTime) < rotationPeriod {
		return nil
	}
	name := l.LogFile.Name()

	oldLog := name + "_" + now.Format(DDMMYYYYhhmmss)
	oldFile, err := os.Create(oldLog)
	if err != nil {
		return fmt.Errorf("cannot create %s file %w", oldLog, err)
	}
	defer oldFile.Close()

	if _, err := l.LogFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot rewind log file %w", err)
	}
	if _, err := io.Copy(oldFile, l.LogFile); err != nil {
		return fmt.Errorf("cannot copy log file %w", err)
	}
	if err := l.LogFile.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate log file %w", err)
	}
	l.CreateTime = now
	return nil
}

func getPrefix(err error, l LogLevel) string {
	now := time.Now().Format(DDMMYYYYhhmmss)
	msg := "<nil>"
	if err != nil {
		msg = err.Error()
	}

	// Skip getPrefix, emit and the exported level method.
	pc, path, line, ok := runtime.Caller(3)
	if !ok {
		return fmt.Sprintf("%s %s %s", now, l.String(), msg)
	}
	_, file := filepath.Split(path)
	return fmt.Sprintf("%s %s [%s()] [%s] [%d] %s", now,
		l.String(), runtime.FuncForPC(pc).Name(), file, line, msg)
}

func (l *ModLogger) emit(lvl LogLevel, err error, intf []interface{}) string {
	if l == nil || l.out == nil {
		return ""
	}
	l.LogMutex.Lock()
	defer l.LogMutex.Unlock()
	if l.level < lvl {
		return ""
	}
	s := getPrefix(err, lvl)
	if len(intf) > 0 {
		s = strings.TrimSuffix(fmt.Sprintln(append([]interface{}{s}, intf...)...), "\n")
	}
	l.out.Println(s)
	if l.LogFile != nil {
		if err := rotate(l); err != nil {
			l.out.Println(getPrefix(err, LogLevelError))
		}
	}
	return s
}

// Close drops a reference to the logger. The last reference closes the log
// file and removes it if nothing was written.
func (l *ModLogger) Close() error {
	if l == nil {
		return fmt.Errorf("non-existing logger")
	}
	if l.LogFile == nil {
		return nil
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	l.RefCount--
	if l.RefCount > 0 {
		return nil
	}

	l.LogMutex.Lock()
	defer l.LogMutex.Unlock()
	name := l.LogFile.Name()
	delete(loggers, name)
	if err := l.LogFile.Close(); err != nil {
		return fmt.Errorf("cannot close log file %w", err)
	}
	l.LogFile = nil

	info, err := os.Stat(name)
	if err != nil {
		return fmt.Errorf("cannot get log file info %w", err)
	}
	if info.Size() == 0 {
		if err := os.Remove(name); err != nil {
			return fmt.Errorf("cannot remove empty log file %w", err)
		}
	}
	return nil
}

func (l *ModLogger) SetLogLevel(logLevel LogLevel) error {
	if err := validLevel(logLevel); err != nil {
		return err
	}
	l.LogMutex.Lock()
	l.level = logLevel
	l.LogMutex.Unlock()
	return nil
}

func (l *ModLogger) Fatal(err error, intf ...interface{}) {
	l.emit(LogLevelFatal, err, intf)
}

func (l *ModLogger) Panic(err error, intf ...interface{}) {
	if s := l.emit(LogLevelPanic, err, intf); s != "" {
		panic(s)
	}
}

func (l *ModLogger) Error(err error, intf ...interface{}) {
	l.emit(LogLevelError, err, intf)
}

func (l *ModLogger) Warn(err error, intf ...interface{}) {
	l.emit(LogLevelWarn, err, intf)
}

func (l *ModLogger) Info(err error, intf ...interface{}) {
	l.emit(LogLevelInfo, err, intf)
}

func (l *ModLogger) Debug(err error, intf ...interface{}) {
	l.emit(LogLevelDebug, err, intf)
}

func (l *ModLogger) Trace(err error, intf ...interface{}) {
	l.emit(LogLevelTrace, err, intf)
}
