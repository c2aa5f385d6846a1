package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger. Output always goes to stdout; when
// OutputPath names a file it is also written there with rotation.
func New(config Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	core, err := buildCore(config, level)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger core: %w", err)
	}

	return zap.New(core, buildOptions(config)...), nil
}

// buildCore builds the logger core
func buildCore(config Config, level zapcore.Level) (zapcore.Core, error) {
	encoderConfig := config.buildEncoderConfig()

	var encoder zapcore.Encoder
	if config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	writers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}

	if config.OutputPath != "" && config.OutputPath != "stdout" {
		if dir := filepath.Dir(config.OutputPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}))
	}

	return zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level), nil
}

// buildOptions builds logger options
func buildOptions(config Config) []zap.Option {
	options := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.DPanicLevel),
	}

	if config.Development {
		options = append(options, zap.Development())
	}

	if hostname, err := os.Hostname(); err == nil {
		options = append(options, zap.Fields(zap.String("host", hostname)))
	}

	return options
}

// WithComponent adds component context
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.Named(component)
}

// WithNode adds node context
func WithNode(logger *zap.Logger, nodeID, address string) *zap.Logger {
	return logger.With(
		zap.String("node_id", nodeID),
		zap.String("address", address),
	)
}
