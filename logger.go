package main

import (
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the CLI logger. Logs go to stderr so tables and
// heatmaps on stdout stay pipeable.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	return newLoggerTo(cfg, zapcore.Lock(os.Stderr))
}

func newLoggerTo(cfg LogConfig, sink zapcore.WriteSyncer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// commandLogger tags every entry of one command invocation.
func commandLogger(base *zap.Logger, component string) *zap.Logger {
	return base.With(
		zap.String("component", component),
		zap.String("run_id", uuid.NewString()),
	)
}
