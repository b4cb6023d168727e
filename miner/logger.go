package miner

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/AGPFMiner/multiminer/config"
)

func selectZapLevel(loglevel string) zapcore.Level {
	var level zapcore.Level
	switch loglevel {
	case "debug":
		level = zap.DebugLevel
	case "info":
		level = zap.InfoLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	default:
		level = zap.InfoLevel
	}
	return level
}

//Logger is the process logger with a level that can change while running
type Logger struct {
	*zap.Logger
	atom zap.AtomicLevel
	file *lumberjack.Logger
}

//NewLogger writes JSON to out, os.Stdout if nil, and to a rotated file when cfg.File is set
func NewLogger(cfg config.Log, out zapcore.WriteSyncer) *Logger {
	if out == nil {
		out = zapcore.Lock(os.Stdout)
	}
	atom := zap.NewAtomicLevelAt(selectZapLevel(cfg.Level))
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), out, atom)}

	l := &Logger{atom: atom}
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename: cfg.File,
			MaxSize:  cfg.MaxSizeMB,
			MaxAge:   cfg.MaxAgeDays,
			Compress: cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(l.file), atom))
	}
	l.Logger = zap.New(zapcore.NewTee(cores...))
	return l
}

func (l *Logger) SetLevel(loglevel string) {
	level := selectZapLevel(loglevel)
	if level == l.atom.Level() {
		return
	}
	l.atom.SetLevel(level)
	l.Info("Log level changed", zap.Stringer("level", level))
}

func (l *Logger) Level() zapcore.Level {
	return l.atom.Level()
}

func (l *Logger) Close() error {
	l.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
