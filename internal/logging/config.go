package logging

import (
	"go.uber.org/zap/zapcore"
)

// Config defines all settings for logging.
type Config struct {
	// Level is the minimum log level that will be captured.
	Level string `yaml:"level"`

	// Encoding is "json" or "console".
	Encoding string `yaml:"encoding"`

	// OutputPath is a log file path, or "stdout" to log to the console only.
	OutputPath string `yaml:"output_path"`

	// Rotation settings for OutputPath.
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`

	// Development enables colored levels and full caller paths.
	Development bool `yaml:"development"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Encoding:   "console",
		OutputPath: "batman.log",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// buildEncoderConfig creates a zapcore.EncoderConfig from the logger config.
func (c Config) buildEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if c.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeCaller = zapcore.FullCallerEncoder
	}

	return encoderConfig
}
