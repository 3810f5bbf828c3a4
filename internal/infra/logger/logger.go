package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

type Logger struct {
	fileLogger    *log.Logger
	level         Level
	includeStdout bool
	component     string
}

func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Logger{
		fileLogger:    log.New(f, "", 0),
		level:         level,
		includeStdout: includeStdout,
	}, nil
}

// NewWriter builds a logger over an arbitrary writer. Used by tests and the
// one-shot CLI mode where a log file is unwanted.
func NewWriter(w io.Writer, level Level) *Logger {
	return &Logger{
		fileLogger: log.New(w, "", 0),
		level:      level,
	}
}

// With returns a logger that tags every line with a component name,
// e.g. "runner[2abcd...]". The underlying sink is shared.
func (l *Logger) With(component string) *Logger {
	clone := *l
	clone.component = component
	return &clone
}

func (l *Logger) log(lvl Level, prefix string, format string, v ...interface{}) {
	if lvl < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)

	var fullMsg string
	if l.component != "" {
		fullMsg = fmt.Sprintf("%s [%s] %s: %s", timestamp, prefix, l.component, msg)
	} else {
		fullMsg = fmt.Sprintf("%s [%s] %s", timestamp, prefix, msg)
	}

	l.fileLogger.Println(fullMsg)

	// Stdout tee for Docker/CLI. Debug stays file-only to keep the console usable.
	if l.includeStdout && lvl >= LevelInfo {
		fmt.Println(fullMsg)
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, "DEBUG", f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, "INFO", f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, "WARN", f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, "ERROR", f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, "FATAL", f, v...); os.Exit(1) }

// Write lets HTTP frameworks and the sql driver log through us.
func (l *Logger) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
