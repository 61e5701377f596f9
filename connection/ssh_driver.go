package connection

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"sync"

	"github.com/charlesren/netpriv/internal/logger"
	"github.com/charlesren/netpriv/privilege"
)

const streamReadSize = 8192

// StreamChannel 在任意字节流(ssh 会话的 stdin/stdout、测试中的 io.Pipe)上实现 Channel。
// 后台 goroutine 持续读取并缓冲输出，去掉回车符。
type StreamChannel struct {
	name   string
	w      io.Writer
	closer io.Closer

	returnChar  []byte
	searchDepth int

	mu      sync.Mutex
	buf     []byte
	readErr error
	closed  bool
	notify  chan struct{}
}

// NewStreamChannel closer 可以为 nil
func NewStreamChannel(name string, r io.Reader, w io.Writer, closer io.Closer) *StreamChannel {
	c := &StreamChannel{
		name:        name,
		w:           w,
		closer:      closer,
		returnChar:  []byte("\n"),
		searchDepth: privilege.DefaultSearchDepth,
		notify:      make(chan struct{}, 1),
	}
	go c.readLoop(r)
	return c
}

// SetReturnChar 设置行结束符
func (c *StreamChannel) SetReturnChar(rc string) {
	if rc != "" {
		c.returnChar = []byte(rc)
	}
}

// SetSearchDepth 调整提示符查找窗口
func (c *StreamChannel) SetSearchDepth(depth int) {
	if depth > 0 {
		c.searchDepth = depth
	}
}

func (c *StreamChannel) readLoop(r io.Reader) {
	chunk := make([]byte, streamReadSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b := bytes.ReplaceAll(chunk[:n], []byte("\r"), nil)
			c.mu.Lock()
			c.buf = append(c.buf, b...)
			c.mu.Unlock()
			c.signal()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warnf("stream", "%s read loop exited: %v", c.name, err)
			}
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			c.signal()
			return
		}
	}
}

func (c *StreamChannel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// take 取走缓冲数据，缓冲为空时返回读循环的错误
func (c *StreamChannel) take() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	if len(c.buf) > 0 {
		b := c.buf
		c.buf = nil
		return b, nil
	}
	if c.readErr != nil {
		if errors.Is(c.readErr, io.EOF) {
			return nil, ErrChannelClosed
		}
		return nil, c.readErr
	}
	return nil, nil
}

func (c *StreamChannel) write(b []byte, redacted bool) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	msg := string(b)
	if redacted {
		msg = "redacted"
	}
	logger.Debugf("stream", "%s write %q", c.name, msg)

	_, err := c.w.Write(b)
	return err
}

func (c *StreamChannel) Write(b []byte) error {
	return c.write(b, false)
}

func (c *StreamChannel) WriteRedacted(b []byte) error {
	return c.write(b, true)
}

func (c *StreamChannel) WriteLine(b []byte) error {
	if len(b) > 0 {
		if err := c.write(b, false); err != nil {
			return err
		}
	}
	return c.write(c.returnChar, false)
}

func (c *StreamChannel) ReadAvailable() ([]byte, error) {
	return c.take()
}

func (c *StreamChannel) ReadUntilMatch(ctx context.Context, patterns ...*regexp.Regexp) ([]byte, error) {
	var rb []byte
	for {
		nb, err := c.take()
		if len(nb) > 0 {
			rb = append(rb, nb...)
			window := privilege.Tail(rb, c.searchDepth)
			for _, p := range patterns {
				if p.Match(window) {
					return rb, nil
				}
			}
			continue
		}
		if err != nil {
			return rb, err
		}

		select {
		case <-ctx.Done():
			return rb, ctx.Err()
		case <-c.notify:
		}
	}
}

func (c *StreamChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
