// Package logging 提供购物车同步引擎统一的日志接口抽象
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level 日志级别
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String 返回级别标签
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel 解析配置中的级别名称，未知名称回退到 Info
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger 日志接口
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// WithFields 添加字段，返回新的Logger
	WithFields(fields ...Field) Logger
}

// Field 日志字段
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint(key string, value uint) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func Error(err error) Field {
	return Field{Key: "error", Value: err}
}

// Duration 以 time.Duration 作为字段值
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Component 组件标记字段，各组件默认 Logger 都带上它
func Component(name string) Field {
	return Field{Key: "component", Value: name}
}

// StdLogger 基于标准库 log 的实现，带级别阈值
type StdLogger struct {
	prefix string
	fields []Field
	level  Level
	out    *log.Logger
}

// NewStdLogger 创建标准库Logger，默认 Info 级别、输出到 stderr
func NewStdLogger(prefix string) *StdLogger {
	return &StdLogger{
		prefix: prefix,
		fields: make([]Field, 0),
		level:  InfoLevel,
		out:    log.New(os.Stderr, "", log.LstdFlags),
	}
}

// WithLevel 返回设置了级别阈值的副本
func (l *StdLogger) WithLevel(level Level) *StdLogger {
	cp := l.clone()
	cp.level = level
	return cp
}

// WithOutput 返回写到指定 writer 的副本
func (l *StdLogger) WithOutput(w io.Writer) *StdLogger {
	cp := l.clone()
	cp.out = log.New(w, "", log.LstdFlags)
	return cp
}

// Level 当前级别阈值
func (l *StdLogger) Level() Level {
	return l.level
}

func (l *StdLogger) clone() *StdLogger {
	fields := make([]Field, len(l.fields))
	copy(fields, l.fields)
	return &StdLogger{prefix: l.prefix, fields: fields, level: l.level, out: l.out}
}

func (l *StdLogger) format(msg string, fields ...Field) string {
	var b strings.Builder
	if l.prefix != "" {
		b.WriteString(l.prefix)
		b.WriteByte(' ')
	}
	b.WriteString(msg)
	for _, f := range l.fields {
		b.WriteString(" " + f.Key + "=" + formatValue(f.Value))
	}
	for _, f := range fields {
		b.WriteString(" " + f.Key + "=" + formatValue(f.Value))
	}
	return b.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		if val == nil {
			return "<nil>"
		}
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func (l *StdLogger) write(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	l.out.Println("["+level.String()+"]", l.format(msg, fields...))
}

func (l *StdLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.write(DebugLevel, msg, fields)
}

func (l *StdLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.write(InfoLevel, msg, fields)
}

func (l *StdLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.write(WarnLevel, msg, fields)
}

func (l *StdLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.write(ErrorLevel, msg, fields)
}

func (l *StdLogger) WithFields(fields ...Field) Logger {
	cp := l.clone()
	cp.fields = append(cp.fields, fields...)
	return cp
}

// NoopLogger 空日志实现（用于测试）
type NoopLogger struct{}

func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) Info(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Warn(ctx context.Context, msg string, fields ...Field)  {}
func (l *NoopLogger) Error(ctx context.Context, msg string, fields ...Field) {}
func (l *NoopLogger) WithFields(fields ...Field) Logger                      { return l }

var (
	globalMu     sync.RWMutex
	globalLogger Logger = NewStdLogger("[cartsync]")
)

// SetLogger 设置全局Logger
func SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetLogger 获取全局Logger
func GetLogger() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// ComponentLogger 返回带 component 字段的全局 Logger；传入 logger 非空时直接使用它
func ComponentLogger(logger Logger, name string) Logger {
	if logger != nil {
		return logger
	}
	return GetLogger().WithFields(Component(name))
}
