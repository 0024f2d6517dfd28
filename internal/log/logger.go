// Package log provides a global logger with configurable logging level. The receiver and the
// command-line tools share it so that a single -debug flag controls verbosity everywhere.

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anomalies that are not expected to occur during normal use.
	LevelWarning              // Logs anomalies that are expected to occur occasionally, such as a peer sending a bad tag.
	LevelInfo                 // Logs major events: connections, pairings, evictions.
	LevelDebug                // Logs detailed IO. Never includes key material.
)

var (
	globalLogLevel Level     = LevelWarning
	output         io.Writer = os.Stderr
	logMutex       sync.Mutex
)

var labels = map[Level]string{
	LevelDebug:   "[debug]",
	LevelInfo:    "[info ]",
	LevelWarning: "[warn ]",
	LevelError:   "[error]",
}

var levelNames = map[string]Level{
	"none":    LevelNone,
	"error":   LevelError,
	"warn":    LevelWarning,
	"warning": LevelWarning,
	"info":    LevelInfo,
	"debug":   LevelDebug,
}

// ParseLevel converts a level name (e.g., "info") into a Level.
func ParseLevel(name string) (Level, error) {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return level, nil
	}
	return LevelNone, fmt.Errorf("unknown log level '%s'", name)
}

func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
}

// SetOutput redirects log messages to w. Tests use this to capture output.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	output = w
}

func log(level Level, format string, a ...interface{}) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if level > globalLogLevel {
		return
	}
	msg := fmt.Sprintf("%s %s ", time.Now().Format(time.RFC3339), labels[level])
	msg += fmt.Sprintf(format, a...)
	fmt.Fprintln(output, msg)
}

func Debug(format string, a ...interface{}) {
	log(LevelDebug, format, a...)
}
func Info(format string, a ...interface{}) {
	log(LevelInfo, format, a...)
}
func Warning(format string, a ...interface{}) {
	log(LevelWarning, format, a...)
}
func Error(format string, a ...interface{}) {
	log(LevelError, format, a...)
}
