package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements Logger using go.uber.org/zap.
type ZapLogger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// ZapConfig configures NewZap.
type ZapConfig struct {
	Level         string         // debug, info, warn, error
	Format        string         // json, console
	Output        string         // stdout, stderr, or file path
	AddCaller     bool           // add caller information
	AddStacktrace bool           // add stacktrace on error level
	DefaultFields map[string]any // fields added to every entry
}

// DefaultZapConfig returns sensible production defaults.
func DefaultZapConfig() *ZapConfig {
	return &ZapConfig{
		Level:         "info",
		Format:        "json",
		Output:        "stdout",
		AddCaller:     true,
		AddStacktrace: true,
	}
}

// NewZap builds a ZapLogger. A nil cfg uses DefaultZapConfig.
func NewZap(cfg *ZapConfig) *ZapLogger {
	if cfg == nil {
		cfg = DefaultZapConfig()
	}

	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	switch cfg.Output {
	case "stdout", "":
		output = zapcore.AddSync(os.Stdout)
	case "stderr":
		output = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			output = zapcore.AddSync(os.Stdout)
		} else {
			output = zapcore.AddSync(file)
		}
	}

	core := zapcore.NewCore(encoder, output, level)

	var opts []zap.Option
	if cfg.AddCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if cfg.AddStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if len(cfg.DefaultFields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.DefaultFields))
		for k, v := range cfg.DefaultFields {
			fields = append(fields, zap.Any(k, v))
		}
		opts = append(opts, zap.Fields(fields...))
	}

	logger := zap.New(core, opts...)
	return &ZapLogger{logger: logger, sugar: logger.Sugar()}
}

func (z *ZapLogger) Debug(msg string, fields ...any) { z.sugar.Debugw(msg, fields...) }
func (z *ZapLogger) Info(msg string, fields ...any)  { z.sugar.Infow(msg, fields...) }
func (z *ZapLogger) Warn(msg string, fields ...any)  { z.sugar.Warnw(msg, fields...) }
func (z *ZapLogger) Error(msg string, fields ...any) { z.sugar.Errorw(msg, fields...) }

func (z *ZapLogger) With(fields ...any) Logger {
	return &ZapLogger{logger: z.logger, sugar: z.sugar.With(fields...)}
}

func (z *ZapLogger) Named(name string) Logger {
	named := z.logger.Named(name)
	return &ZapLogger{logger: named, sugar: named.Sugar()}
}

func (z *ZapLogger) Sync() error { return z.logger.Sync() }

var _ Logger = (*ZapLogger)(nil)
