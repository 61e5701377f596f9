package connection

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/scrapli/scrapligo/channel"
	"github.com/scrapli/scrapligo/driver/generic"

	"github.com/charlesren/netpriv/internal/logger"
	"github.com/charlesren/netpriv/privilege"
)

// ErrChannelClosed 通道已关闭
var ErrChannelClosed = errors.New("channel closed")

// ScrapliChannel 基于 scrapligo generic 驱动的 Channel。
// 只使用 scrapligo 的传输与读写队列，特权级别由 engine 自己处理。
type ScrapliChannel struct {
	host        string
	mu          sync.Mutex // 保护 closed
	closed      bool
	driver      *generic.Driver
	channel     *channel.Channel
	searchDepth int
	readDelay   time.Duration
}

func newScrapliChannel(host string, d *generic.Driver) *ScrapliChannel {
	depth := d.Channel.PromptSearchDepth
	if depth <= 0 {
		depth = privilege.DefaultSearchDepth
	}
	delay := d.Channel.ReadDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	return &ScrapliChannel{
		host:        host,
		driver:      d,
		channel:     d.Channel,
		searchDepth: depth,
		readDelay:   delay,
	}
}

func (c *ScrapliChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *ScrapliChannel) Write(b []byte) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.channel.Write(b, false)
}

// WriteRedacted 写入内容在 scrapligo 日志中显示为 redacted
func (c *ScrapliChannel) WriteRedacted(b []byte) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	return c.channel.Write(b, true)
}

func (c *ScrapliChannel) WriteLine(b []byte) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	if len(b) == 0 {
		return c.channel.WriteReturn()
	}
	return c.channel.WriteAndReturn(b, false)
}

func (c *ScrapliChannel) ReadAvailable() ([]byte, error) {
	if c.isClosed() {
		return nil, ErrChannelClosed
	}
	return c.channel.ReadAll()
}

// ReadUntilMatch 与 scrapligo 的 ReadUntilAnyPrompt 相同的读取循环，区别是超时后返回已读到的数据
func (c *ScrapliChannel) ReadUntilMatch(ctx context.Context, patterns ...*regexp.Regexp) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrChannelClosed
	}

	var rb []byte
	for {
		select {
		case <-ctx.Done():
			logger.Debugf("scrapli", "%s read cancelled after %d bytes: %v", c.host, len(rb), ctx.Err())
			return rb, ctx.Err()
		default:
		}

		nb, err := c.channel.Read()
		if err != nil {
			return rb, err
		}
		if nb == nil {
			time.Sleep(c.readDelay)
			continue
		}

		rb = append(rb, nb...)
		window := privilege.Tail(rb, c.searchDepth)
		for _, p := range patterns {
			if p.Match(window) {
				return rb, nil
			}
		}
	}
}

// SetSearchDepth 调整提示符查找窗口
func (c *ScrapliChannel) SetSearchDepth(depth int) {
	if depth > 0 {
		c.searchDepth = depth
	}
}

func (c *ScrapliChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	logger.Debugf("scrapli", "closing channel to %s", c.host)
	return c.driver.Close()
}
