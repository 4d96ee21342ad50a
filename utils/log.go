// Package utils provides the reference harness's structured logger: a
// rotating, JSON-encoded zap core backed by lumberjack, matching the
// teacher's logging stack (spec §9's carried-regardless-of-non-goals
// ambient concerns).
package utils

import (
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"stoq/config"
)

// Logger is the process-wide structured logger, initialized from the
// active config at process start.
var Logger *zap.Logger

func init() {
	Logger = build(config.LogLevel(), config.LogPath())
}

func build(level, path string) *zap.Logger {
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= levelMap[level]
	})

	hook := lumberjack.Logger{
		Filename:   path,
		MaxSize:    1024,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	files := zapcore.AddSync(&hook)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)

	core := zapcore.NewTee(zapcore.NewCore(fileEncoder, files, enabler))
	return zap.New(core, zap.AddCaller(), zap.Development())
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// TimeEncoder formats timestamps the way the teacher's log pipeline does,
// millisecond-precision and sortable as plain text.
func TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
