package logging

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 5
	logFileMaxAgeDays = 28
)

// NewLogger builds the process logger: production JSON output when appEnv is
// "production", development console output otherwise. A non-empty logFile is
// additionally written as rotated JSON. The returned closer flushes and closes
// the file.
func NewLogger(appEnv string, logFile string) (*zap.Logger, func(), error) {
	var (
		logger *zap.Logger
		err    error
	)
	if appEnv == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, nil, err
	}

	if logFile == "" {
		return logger, func() { logger.Sync() }, nil
	}

	writer := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
	}
	logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, newFileCore(writer, zapcore.DebugLevel))
	}))

	return logger, func() {
		logger.Sync()
		writer.Close()
	}, nil
}

func newFileCore(w io.Writer, level zapcore.LevelEnabler) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(w), level)
}
