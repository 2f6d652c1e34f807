package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// console is where non-file output goes; tests redirect it.
var console io.Writer = os.Stdout

// LoggerConfig mirrors the logging section of the service configuration.
type LoggerConfig struct {
	Level      string
	FilePath   string // empty means console only
	MaxSize    int    // MB before rotation
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	Console    bool
}

// NewLogger builds a JSON logrus logger writing to a rotated file, the
// console, or both.
func NewLogger(config LoggerConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	out, err := outputFor(config)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	log.SetOutput(out)
	return log, nil
}

func outputFor(config LoggerConfig) (io.Writer, error) {
	if config.FilePath == "" {
		return console, nil
	}

	if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   config.FilePath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	if !config.Console {
		return file, nil
	}
	return io.MultiWriter(file, console), nil
}

// WithSession tags entries with a session ID.
func WithSession(logger *logrus.Logger, sessionID string) *logrus.Entry {
	return logger.WithField("session", sessionID)
}

// WithSessionOperation tags entries with a session ID and the operation
// running for it.
func WithSessionOperation(logger *logrus.Logger, sessionID, operation string) *logrus.Entry {
	return WithSession(logger, sessionID).WithField("operation", operation)
}

// WithFile tags entries with a file path.
func WithFile(logger *logrus.Logger, filePath string) *logrus.Entry {
	return logger.WithField("file", filePath)
}
