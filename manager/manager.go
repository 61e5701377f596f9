// Package manager 为多台设备并行运行互不相关的会话，它们只共享只读的平台注册表。
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/charlesren/netpriv/connection"
	"github.com/charlesren/netpriv/engine"
	"github.com/charlesren/netpriv/internal/logger"
	"github.com/charlesren/netpriv/platform"
	"github.com/charlesren/netpriv/secret"
)

const moduleName = "manager"

// DefaultConcurrency 同时打开的会话数
const DefaultConcurrency = 4

// Device 一台设备及要执行的命令
type Device struct {
	Config   *connection.SessionConfig
	Commands []string
	Configs  []string
}

// Job 会话打开后执行的工作
type Job func(ctx context.Context, dev Device, s *engine.Session) (*engine.MultiResponse, error)

// Result 单台设备的执行结果，顺序与输入设备一致
type Result struct {
	Host      string
	Platform  string
	SessionID string
	Response  *engine.MultiResponse
	Err       error
	Attempts  int
	StartedAt time.Time
	Duration  time.Duration
}

// Manager 按协议选择 Opener 建立通道，为每台设备创建独立的会话
type Manager struct {
	registry    *platform.Registry
	secrets     secret.Provider
	metrics     connection.MetricsCollector
	concurrency int
	retryPolicy connection.RetryPolicy

	mu      sync.RWMutex
	openers map[connection.Protocol]connection.Opener
}

type Option func(*Manager)

func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

func WithSecrets(p secret.Provider) Option {
	return func(m *Manager) { m.secrets = p }
}

func WithMetrics(c connection.MetricsCollector) Option {
	return func(m *Manager) {
		if c != nil {
			m.metrics = c
		}
	}
}

// WithRetryPolicy 只作用于通道建立
func WithRetryPolicy(p connection.RetryPolicy) Option {
	return func(m *Manager) {
		if p != nil {
			m.retryPolicy = p
		}
	}
}

func WithOpener(protocol connection.Protocol, o connection.Opener) Option {
	return func(m *Manager) { m.openers[protocol] = o }
}

// NewManager 默认注册 scrapli 和 ssh 两种 Opener
func NewManager(registry *platform.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry:    registry,
		metrics:     connection.NopMetrics{},
		concurrency: DefaultConcurrency,
		retryPolicy: connection.NewConnectBackoff(3, time.Second),
		openers: map[connection.Protocol]connection.Opener{
			connection.ProtocolScrapli: connection.NewScrapliOpener(""),
			connection.ProtocolSSH:     connection.NewSSHOpener(),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterOpener 注册或替换协议对应的 Opener
func (m *Manager) RegisterOpener(protocol connection.Protocol, o connection.Opener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openers[protocol] = o
}

func (m *Manager) opener(protocol connection.Protocol) (connection.Opener, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.openers[protocol]
	if !ok || o == nil {
		return nil, fmt.Errorf("no opener registered for protocol %q", protocol)
	}
	return o, nil
}

// Run 并行处理所有设备，单台设备的失败不影响其他设备。
// ctx 取消后尚未开始的设备直接返回 ctx 错误。
func (m *Manager) Run(ctx context.Context, devices []Device, job Job) []Result {
	results := make([]Result, len(devices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, dev := range devices {
		g.Go(func() error {
			results[i] = m.runDevice(gctx, dev, job)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *Manager) runDevice(ctx context.Context, dev Device, job Job) (res Result) {
	res.StartedAt = time.Now()
	defer func() {
		res.Duration = time.Since(res.StartedAt)
		if res.Err != nil {
			logger.Errorf(moduleName, "device %s failed: %v", res.Host, res.Err)
		} else {
			logger.Infof(moduleName, "device %s done in %s", res.Host, res.Duration.Round(time.Millisecond))
		}
	}()

	if dev.Config == nil {
		res.Err = errors.New("device has no session config")
		return res
	}
	cfg := *dev.Config
	cfg.ApplyDefaults()
	res.Host, res.Platform = cfg.Host, cfg.Platform

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	if err := cfg.Validate(); err != nil {
		res.Err = err
		return res
	}
	def, err := m.registry.Variant(cfg.Platform, cfg.Variant)
	if err != nil {
		res.Err = err
		return res
	}
	opener, err := m.opener(cfg.Protocol)
	if err != nil {
		res.Err = err
		return res
	}

	ch, attempts, err := m.connect(ctx, opener, &cfg)
	res.Attempts = attempts
	if err != nil {
		m.metrics.ObserveSession(def.PlatformType, connection.OutcomeFailed)
		res.Err = fmt.Errorf("connect %s: %w", cfg.Address(), err)
		return res
	}

	sess, err := engine.NewSession(def, ch, m.secrets,
		engine.WithHost(cfg.Host),
		engine.WithTimeout(cfg.TimeoutOps),
		engine.WithSearchDepth(cfg.PromptSearchDepth),
		engine.WithMetrics(m.metrics),
	)
	if err != nil {
		_ = ch.Close()
		res.Err = err
		return res
	}
	res.SessionID = sess.ID

	// 调用方取消后仍然执行 on-close 释放设备上的会话
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.TimeoutOps)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.Warnf(moduleName, "close session %s on %s: %v", sess.ID, cfg.Host, err)
		}
	}()

	if err := sess.Open(ctx); err != nil {
		res.Err = err
		return res
	}
	res.Response, res.Err = job(ctx, dev, sess)
	return res
}

// connect 只有通道建立会重试，会话内的操作失败直接返回
func (m *Manager) connect(ctx context.Context, opener connection.Opener, cfg *connection.SessionConfig) (connection.Channel, int, error) {
	var ch connection.Channel
	attempts := 0
	retrier := connection.NewRetrier(m.retryPolicy, 0).
		WithMetrics(m.metrics, cfg.Protocol).
		WithRetryCallback(func(attempt int, err error) {
			logger.Warnf(moduleName, "connect %s attempt %d failed: %v", cfg.Address(), attempt, err)
		})
	err := retrier.Execute(ctx, func() error {
		attempts++
		dialCtx := ctx
		if cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
		}
		c, err := opener.Open(dialCtx, cfg)
		if err != nil {
			return err
		}
		ch = c
		return nil
	})
	return ch, attempts, err
}

// CommandsJob 先发送 Commands，再在 configuration 级别发送 Configs，结果合并在一个 MultiResponse 中
func CommandsJob(stopOnFailed bool) Job {
	return func(ctx context.Context, dev Device, s *engine.Session) (*engine.MultiResponse, error) {
		mr := engine.NewMultiResponse(dev.Config.Host)
		if len(dev.Commands) > 0 {
			out, err := s.SendCommands(ctx, dev.Commands, stopOnFailed)
			appendAll(mr, out)
			if err != nil {
				return mr, err
			}
		}
		if len(dev.Configs) > 0 {
			out, err := s.SendConfigs(ctx, dev.Configs, engine.ConfigOptions{StopOnFailed: stopOnFailed, ReturnToDefault: true})
			appendAll(mr, out)
			if err != nil {
				return mr, err
			}
		}
		return mr, nil
	}
}

func appendAll(dst, src *engine.MultiResponse) {
	if src == nil {
		return
	}
	for _, r := range src.Responses {
		dst.AppendResponse(r)
	}
}
