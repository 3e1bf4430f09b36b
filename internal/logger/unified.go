package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogType represents the type of log message
type LogType string

const (
	UserLog LogType = "user"
	OpLog   LogType = "op"
)

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// UnifiedLogger is the main logger interface
type UnifiedLogger struct {
	mu     sync.RWMutex
	logger *logrus.Logger
}

var (
	unifiedLog *UnifiedLogger
	once       sync.Once
)

// GetLogger returns the global logger instance, initializing it if necessary
func GetLogger() *UnifiedLogger {
	once.Do(func() {
		initDefaultLogger()
	})
	return unifiedLog
}

func initDefaultLogger() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&CLIFormatter{
		DisableTimestamp: true,
		DisableLevel:     false,
		DisableColors:    true,
	})

	unifiedLog = &UnifiedLogger{
		logger: logger,
	}
}

// WithLogType creates a field for the log type
func WithLogType(logType LogType) Field {
	return Field{Key: "log_type", Value: string(logType)}
}

// WithFamily tags a log line with the family whose tasks are affected
func WithFamily(familyID string) Field {
	return Field{Key: "family_id", Value: familyID}
}

// WithCorrelation tags a log line with the cascade it belongs to
func WithCorrelation(correlationID string) Field {
	return Field{Key: "correlation_id", Value: correlationID}
}

func (l *UnifiedLogger) entry(fields ...Field) *logrus.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	logFields := make(logrus.Fields)
	for _, field := range fields {
		logFields[field.Key] = field.Value
	}

	return l.logger.WithFields(logFields)
}

// GetInternalLogger returns the underlying logrus logger (use with caution)
func (l *UnifiedLogger) GetInternalLogger() *logrus.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logger
}

// Enabledf logs a task unlock with status prefix
func (l *UnifiedLogger) Enabledf(format string, args ...interface{}) {
	l.entry(WithLogType(UserLog)).Infof("[ENABLED] "+format, args...)
}

// Rulef logs a rule execution with status prefix
func (l *UnifiedLogger) Rulef(format string, args ...interface{}) {
	l.entry(WithLogType(UserLog)).Infof("[RULE] "+format, args...)
}
