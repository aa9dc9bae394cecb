package core

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// LogConfig holds logging configuration from YAML.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Format     string            `yaml:"format,omitempty"` // "text" (default) or "json"
	Components map[string]string `yaml:"components,omitempty"`

	// File enables a rotated log file next to stderr output.
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

// Logger provides per-component log level filtering on top of logrus.
type Logger struct {
	mu          sync.RWMutex
	globalLevel LogLevel
	components  map[string]LogLevel // lowercase component name → level
	out         *logrus.Logger
	file        *lumberjack.Logger
}

// ParseLevel converts a string level name to LogLevel.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewLogger creates a Logger from config.
func NewLogger(cfg LogConfig) *Logger {
	out := logrus.New()
	out.SetLevel(logrus.DebugLevel) // filtering happens per component
	if strings.EqualFold(cfg.Format, "json") {
		out.SetFormatter(&logrus.JSONFormatter{})
	} else {
		out.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l := &Logger{
		globalLevel: ParseLevel(cfg.Level),
		components:  make(map[string]LogLevel, len(cfg.Components)),
		out:         out,
	}
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}

	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 10),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
		}
		out.SetOutput(io.MultiWriter(os.Stderr, l.file))
	}
	return l
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// SetOutput redirects log output. Used by tests to capture logs.
func (l *Logger) SetOutput(w io.Writer) {
	l.out.SetOutput(w)
}

// Close releases the rotated log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// levelFor returns the effective log level for a component tag.
func (l *Logger) levelFor(tag string) LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.components[strings.ToLower(tag)]; ok {
		return lvl
	}
	return l.globalLevel
}

// Enabled reports whether a message at level would be emitted for tag.
func (l *Logger) Enabled(tag string, level LogLevel) bool {
	return l.levelFor(tag) <= level
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelDebug {
		l.out.WithField("component", tag).Debugf(format, args...)
	}
}

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelInfo {
		l.out.WithField("component", tag).Infof(format, args...)
	}
}

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelWarn {
		l.out.WithField("component", tag).Warnf(format, args...)
	}
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelError {
		l.out.WithField("component", tag).Errorf(format, args...)
	}
}

// Fatalf always logs and exits the process. Only the daemon entry point may call it.
func (l *Logger) Fatalf(tag, format string, args ...any) {
	l.out.WithField("component", tag).Fatalf(format, args...)
}

// Log is the global logger instance. Initialized with default (info level).
var Log = NewLogger(LogConfig{})

// SetLogger replaces the global logger, closing the previous file sink.
func SetLogger(l *Logger) {
	old := Log
	Log = l
	if old != nil && old != l {
		_ = old.Close()
	}
}
