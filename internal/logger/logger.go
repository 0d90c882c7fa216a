// Package logger provides the process-wide zap logger.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.Logger
	once sync.Once
)

// Init initializes the global logger with console output only.
func Init(debug bool) {
	once.Do(func() {
		log = build(debug, "")
	})
}

// InitWithFile initializes the global logger with console output and a
// rotated JSON log file.
func InitWithFile(debug bool, logFile string) {
	once.Do(func() {
		log = build(debug, logFile)
	})
}

// IsDebug maps a configured level name to the debug flag.
func IsDebug(level string) bool {
	return strings.EqualFold(strings.TrimSpace(level), "debug")
}

// New builds a standalone logger without touching the global one.
func New(debug bool, logFile string) *zap.Logger {
	return build(debug, logFile)
}

func build(debug bool, logFile string) *zap.Logger {
	var level zapcore.Level
	var encoderConfig zapcore.EncoderConfig

	if debug {
		level = zapcore.DebugLevel
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		level = zapcore.InfoLevel
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.AddSync(os.Stdout),
			level,
		),
	}

	if logFile != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    50, // MB
				MaxBackups: 5,
				MaxAge:     30, // days
			}),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
}

// Get returns the global logger, initializing a console logger on first use.
func Get() *zap.Logger {
	Init(false)
	return log
}

// Sync flushes any buffered log entries.
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
