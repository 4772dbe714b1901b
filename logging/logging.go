// Package logging builds the zap loggers shared by every component of the bridge.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// NewLoggerConfig returns the console config used on the board: no stacktraces, ISO8601
// timestamps and coloured levels so journald output stays readable.
func NewLoggerConfig() zap.Config {
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// NewLogger returns an Info+ logger named name.
func NewLogger(name string) *zap.SugaredLogger {
	return build(name, zap.InfoLevel)
}

// NewDebugLogger returns a Debug+ logger named name.
func NewDebugLogger(name string) *zap.SugaredLogger {
	return build(name, zap.DebugLevel)
}

// NewTestLogger returns a Debug+ logger that writes through tb.Log.
func NewTestLogger(tb testing.TB) *zap.SugaredLogger {
	return zaptest.NewLogger(tb, zaptest.Level(zap.DebugLevel)).Sugar()
}

func build(name string, level zapcore.Level) *zap.SugaredLogger {
	cfg := NewLoggerConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		// the config above is static, Build only fails on unusable output paths
		return zap.NewNop().Sugar()
	}
	return logger.Named(name).Sugar()
}
