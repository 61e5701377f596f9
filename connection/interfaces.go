package connection

import (
	"context"
	"regexp"
)

// Channel 设备 CLI 的字节流抽象。同一个 Channel 只允许一个使用者顺序调用。
type Channel interface {
	// Write 原样写入，不附加回车
	Write(b []byte) error
	// WriteLine 写入后附加回车，b 为空时只发送回车
	WriteLine(b []byte) error
	// ReadAvailable 返回当前已缓冲的全部输出，不阻塞；没有数据时返回 nil
	ReadAvailable() ([]byte, error)
	// ReadUntilMatch 持续读取直到任一正则匹配累计输出的末尾。
	// ctx 结束时返回已读到的部分数据和 ctx.Err()。
	ReadUntilMatch(ctx context.Context, patterns ...*regexp.Regexp) ([]byte, error)
	Close() error
}

// RedactedWriter 支持在日志中隐藏写入内容的 Channel，用于发送口令
type RedactedWriter interface {
	WriteRedacted(b []byte) error
}

// PromptSearcher 可以调整提示符查找窗口的 Channel
type PromptSearcher interface {
	SetSearchDepth(depth int)
}

// Opener 按会话配置建立 Channel
type Opener interface {
	Open(ctx context.Context, cfg *SessionConfig) (Channel, error)
}

// OpenerFunc 函数形式的 Opener
type OpenerFunc func(ctx context.Context, cfg *SessionConfig) (Channel, error)

func (f OpenerFunc) Open(ctx context.Context, cfg *SessionConfig) (Channel, error) {
	return f(ctx, cfg)
}
