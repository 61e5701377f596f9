// Package logger 提供按模块打标签的日志接口，底层为 zap，文件输出由 lumberjack 滚动。
package logger

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 日志级别，与配置文件中的整数级别对应
const (
	LevelDebug = -1
	LevelInfo  = 0
	LevelWarn  = 1
	LevelError = 2
)

type options struct {
	logFile    string
	maxAge     int
	maxSize    int
	maxBackups int
	level      int
	console    bool
}

// Option 日志构建选项
type Option func(*options)

// WithLogFile 设置日志文件路径，为空时不写文件
func WithLogFile(path string) Option {
	return func(o *options) { o.logFile = path }
}

// WithMaxAge 日志文件保留天数
func WithMaxAge(days int) Option {
	return func(o *options) { o.maxAge = days }
}

// WithMaxSize 单个日志文件大小上限(MB)
func WithMaxSize(mb int) Option {
	return func(o *options) { o.maxSize = mb }
}

// WithMaxBackups 保留的历史日志文件数
func WithMaxBackups(n int) Option {
	return func(o *options) { o.maxBackups = n }
}

// WithLevel 设置日志级别(-1 debug, 0 info, 1 warn, 2 error)
func WithLevel(level int) Option {
	return func(o *options) { o.level = level }
}

// WithConsole 同时输出到标准错误
func WithConsole(enabled bool) Option {
	return func(o *options) { o.console = enabled }
}

var (
	mu      sync.RWMutex
	current = zap.NewNop().Sugar()
)

// New 按选项构建 zap logger
func New(opts ...Option) (*zap.Logger, error) {
	o := &options{
		maxAge:     3,
		maxSize:    100,
		maxBackups: 3,
		level:      LevelInfo,
	}
	for _, opt := range opts {
		opt(o)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	encoder := zapcore.NewJSONEncoder(encCfg)
	level := zap.NewAtomicLevelAt(zapcore.Level(o.level))

	var cores []zapcore.Core
	if o.logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   o.logFile,
			MaxAge:     o.maxAge,
			MaxSize:    o.maxSize,
			MaxBackups: o.maxBackups,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}
	if o.console || o.logFile == "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

// Init 构建并安装全局 logger
func Init(opts ...Option) error {
	l, err := New(opts...)
	if err != nil {
		return fmt.Errorf("build logger failed: %w", err)
	}
	Install(l)
	return nil
}

// Install 安装已有的 zap logger，测试中可传入 zaptest/observer 构建的实例
func Install(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		current = zap.NewNop().Sugar()
		return
	}
	current = l.Sugar()
}

// Sync 刷新缓冲
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = current.Sync()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Debugf(module, format string, args ...interface{}) {
	get().With("module", module).Debugf(format, args...)
}

func Infof(module, format string, args ...interface{}) {
	get().With("module", module).Infof(format, args...)
}

func Warnf(module, format string, args ...interface{}) {
	get().With("module", module).Warnf(format, args...)
}

func Errorf(module, format string, args ...interface{}) {
	get().With("module", module).Errorf(format, args...)
}

// Printer 返回一个 func(...interface{}) 形式的 debug 输出，用于桥接第三方库的日志回调
func Printer(module string) func(...interface{}) {
	return func(args ...interface{}) {
		get().With("module", module).Debug(args...)
	}
}
