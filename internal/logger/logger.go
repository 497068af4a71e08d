package logger

import (
	stdlog "log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// no-op until Init so tests and library code never hit a nil logger
var log = zap.NewNop().Sugar()

// Init builds the process logger. env "development" gets the console
// encoder, anything else gets JSON.
func Init(env, level string) error {
	var cfg zap.Config
	if env == "development" || env == "dev" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	log = l.Sugar()
	return nil
}

// Set replaces the process logger. Used by tests to capture output.
func Set(l *zap.Logger) {
	log = l.Sugar()
}

func Debug(msg string, kv ...interface{}) {
	log.Debugw(msg, kv...)
}

func Info(msg string, kv ...interface{}) {
	log.Infow(msg, kv...)
}

func Warn(msg string, kv ...interface{}) {
	log.Warnw(msg, kv...)
}

func Error(msg string, kv ...interface{}) {
	log.Errorw(msg, kv...)
}

// Std adapts the process logger for libraries that want a *log.Logger.
func Std() *stdlog.Logger {
	return zap.NewStdLog(log.Desugar())
}

func Sync() error {
	return log.Sync()
}
