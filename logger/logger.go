package logger

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger

	initOnce sync.Once
)

func init() {
	// Safe no-op logger at package load time so components can log before
	// Initialize is called without nil checks everywhere.
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. verbose enables debug level; logDir,
// when non-empty, routes output to a size-bounded daily-named rotating file
// instead of stdout. Initialization is idempotent: the first call wins.
func Initialize(verbose bool, logDir string) error {
	var err error
	initOnce.Do(func() {
		err = initialize(verbose, logDir)
	})
	return err
}

func initialize(verbose bool, logDir string) error {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	var sink zapcore.WriteSyncer
	if logDir != "" {
		if mkErr := os.MkdirAll(logDir, 0o755); mkErr != nil {
			return mkErr
		}
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   filepath.Join(logDir, "batchd_"+time.Now().Format("2006-01-02")+".log"),
			MaxSize:    10, // megabytes
			MaxBackups: 10,
		})
	} else {
		sink = zapcore.AddSync(os.Stdout)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level)

	zl := zap.New(core)
	if name := os.Getenv("NAME"); name != "" {
		zl = zl.With(zap.String("project", name))
	}

	Logger = zl.Sugar()
	return nil
}

// Named returns a child of the global logger with the given name, matching
// the per-component loggers (NAVIGATOR, SINK, WORKER-n) of the serving fabric.
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Cleanup flushes any buffered log entries. Errors are often ignorable for
// stdout/stderr (Sync returns EINVAL on macOS/Linux terminals).
func Cleanup() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

// Info logs an info message
func Info(args ...interface{}) {
	Logger.Info(args...)
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	Logger.Infow(msg, keysAndValues...)
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	Logger.Warnw(msg, keysAndValues...)
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	Logger.Errorw(msg, keysAndValues...)
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	Logger.Debugw(msg, keysAndValues...)
}
