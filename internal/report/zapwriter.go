package report

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// ZapWriter adapts Sink's filtered Line stream to a zap.Logger, following
// the convention of a zapcore.Tee over a console encoder and a rotating
// file sink.
type ZapWriter struct {
	logger *zap.Logger
}

// NewZapWriter builds a ZapWriter writing to stderr (colorized if stderr is
// a TTY, checked via isatty) and to a lumberjack-rotated file at logPath.
func NewZapWriter(logPath string) *ZapWriter {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if isatty.IsTerminal(os.Stderr.Fd()) {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	fileEncoder := zapcore.NewJSONEncoder(encoderCfg)
	fileSink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	})

	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), zapcore.DebugLevel),
		zapcore.NewCore(fileEncoder, fileSink, zapcore.DebugLevel),
	)

	return &ZapWriter{logger: zap.New(core)}
}

// WriteLine implements Writer.
func (z *ZapWriter) WriteLine(line Line) {
	fields := []zap.Field{
		zap.String("source", line.Source.String()),
	}

	switch {
	case line.Severity&SeverityProblem != 0:
		z.logger.Error(line.Text, fields...)
	case line.Severity&SeverityAffirm != 0:
		z.logger.Info(line.Text, fields...)
	case line.Severity&SeverityInfo != 0:
		z.logger.Info(line.Text, fields...)
	default:
		z.logger.Debug(line.Text, fields...)
	}
}

// Sync flushes the underlying zap core.
func (z *ZapWriter) Sync() error {
	return z.logger.Sync()
}

// Reportf is a convenience matching the source's report(flags, fmt, ...)
// call shape, formatting with fmt.Sprintf before handing off to Sink.
func (s *Sink) Reportf(src Source, sev Severity, raw bool, format string, args ...interface{}) {
	s.Report(src, sev, raw, fmt.Sprintf(format, args...))
}
