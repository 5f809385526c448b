// Package log provides the process-wide structured logger used by the
// daemon and its supporting packages.
package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the package-wide sugared logger. It defaults to a console
// logger and is replaced by Init once the daemon has parsed its flags.
var Logger *zap.SugaredLogger = must(CreateLogger("", zap.InfoLevel))

// ParseLogLevel accepts the usual zap level names, case-insensitively.
func ParseLogLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// CreateLogger builds a sugared logger that writes JSON lines to
// logFile (or stderr, when logFile is empty) at the given level.
func CreateLogger(logFile string, level zapcore.Level) (*zap.SugaredLogger, error) {
	if logFile == "" {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	}
	return CreateLoggerWithLumberjack(logFile, 10, level), nil
}

// CreateLoggerWithLumberjack builds a sugared logger that rotates
// logFile once it exceeds maxSizeMB. It never fails: a broken log
// path still yields a usable (if ultimately silent) logger, matching
// the daemon's rule that logging setup must never block startup.
func CreateLoggerWithLumberjack(logFile string, maxSizeMB int, level zapcore.Level) *zap.SugaredLogger {
	writer := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(writer),
		level,
	)
	return zap.New(core, zap.AddCaller()).Sugar()
}

// Init replaces the package logger, used once main() has parsed
// --log-file and --log-level.
func Init(logFile, logLevel string) error {
	lvl, err := ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	l, err := CreateLogger(logFile, lvl)
	if err != nil {
		return err
	}
	Logger = l
	return nil
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		fallback, _ := zap.NewProduction()
		return fallback.Sugar()
	}
	return l
}
