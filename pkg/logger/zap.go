package logger

import (
	"fmt"
	"os"

	"github.com/go-kratos/kratos/v2/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ log.Logger = (*ZapLogger)(nil)

// Config 日志配置
type Config struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ZapLogger 基于 zap 的 kratos 日志实现
type ZapLogger struct {
	log    *zap.Logger
	msgKey string
}

// NewZapLogger 创建日志器
func NewZapLogger(c Config) (*ZapLogger, error) {
	level := zapcore.InfoLevel
	if c.Level != "" {
		if err := level.Set(c.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
	}

	var encoder zapcore.Encoder
	if c.Development {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = ""   // kratos 的 "ts" 字段负责时间戳
		cfg.CallerKey = "" // kratos 的 "caller" 字段负责调用位置
		encoder = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(level))
	return Wrap(zap.New(core)), nil
}

// Wrap 包装已有的 zap.Logger
func Wrap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{log: l, msgKey: log.DefaultMessageKey}
}

// Log implements log.Logger.
func (l *ZapLogger) Log(level log.Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "KEYVALS UNPAIRED")
	}

	var (
		msg    string
		fields = make([]zap.Field, 0, len(keyvals)/2)
	)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if key == l.msgKey {
			msg = fmt.Sprint(keyvals[i+1])
			continue
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}

	switch level {
	case log.LevelDebug:
		l.log.Debug(msg, fields...)
	case log.LevelInfo:
		l.log.Info(msg, fields...)
	case log.LevelWarn:
		l.log.Warn(msg, fields...)
	case log.LevelError:
		l.log.Error(msg, fields...)
	case log.LevelFatal:
		l.log.Fatal(msg, fields...)
	}
	return nil
}

// Sync 刷新缓冲
func (l *ZapLogger) Sync() error {
	return l.log.Sync()
}
