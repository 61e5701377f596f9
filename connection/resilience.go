package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var (
	ErrMaxRetriesExceeded    = errors.New("maximum retries exceeded")
	ErrRetryContextCancelled = errors.New("retry context cancelled")
)

// 重试策略接口
type RetryPolicy interface {
	// ShouldRetry 判断是否应该重试
	ShouldRetry(attempt int, err error) bool
	// NextDelay 计算下次重试的延迟
	NextDelay(attempt int) time.Duration
	// GetMaxAttempts 返回最大尝试次数
	GetMaxAttempts() int
}

// permanentError 标记不应重试的错误，例如配置非法、认证被拒绝
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装后的错误不会被任何策略重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 错误链中是否含有 Permanent 标记
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// retryable 永久错误不重试；RetryableErrors 非空时只重试其中列出的错误
func retryable(err error, allowed []error) bool {
	if IsPermanent(err) {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, target := range allowed {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// 指数退避重试策略
type ExponentialBackoffPolicy struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffRate     float64
	MaxAttempts     int
	Jitter          bool
	RetryableErrors []error
}

// NewConnectBackoff 连接建立默认使用的退避策略
func NewConnectBackoff(attempts int, base time.Duration) *ExponentialBackoffPolicy {
	if attempts <= 0 {
		attempts = 1
	}
	return &ExponentialBackoffPolicy{
		BaseDelay:   base,
		MaxDelay:    30 * time.Second,
		BackoffRate: 2,
		MaxAttempts: attempts,
		Jitter:      true,
	}
}

func (p *ExponentialBackoffPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return retryable(err, p.RetryableErrors)
}

func (p *ExponentialBackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	rate := p.BackoffRate
	if rate < 1 {
		rate = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * rate)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}

	// 抖动 ±5%，避免同一批设备同时重连
	if p.Jitter {
		delay += time.Duration(float64(delay) * 0.1 * (0.5 - rand.Float64()))
	}

	return delay
}

func (p *ExponentialBackoffPolicy) GetMaxAttempts() int {
	return p.MaxAttempts
}

// 固定间隔重试策略
type FixedIntervalPolicy struct {
	Interval        time.Duration
	MaxAttempts     int
	RetryableErrors []error
}

func (p *FixedIntervalPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return retryable(err, p.RetryableErrors)
}

func (p *FixedIntervalPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return p.Interval
}

func (p *FixedIntervalPolicy) GetMaxAttempts() int {
	return p.MaxAttempts
}

// 重试器，只用于连接建立；会话内的提权与命令从不重试
type Retrier struct {
	policy    RetryPolicy
	timeout   time.Duration
	onRetry   func(attempt int, err error)
	collector MetricsCollector
	protocol  Protocol
}

func NewRetrier(policy RetryPolicy, timeout time.Duration) *Retrier {
	return &Retrier{
		policy:  policy,
		timeout: timeout,
	}
}

func (r *Retrier) WithMetrics(collector MetricsCollector, protocol Protocol) *Retrier {
	r.collector = collector
	r.protocol = protocol
	return r
}

func (r *Retrier) WithRetryCallback(callback func(attempt int, err error)) *Retrier {
	r.onRetry = callback
	return r
}

// Execute 执行操作并自动重试。ctx 取消时返回的错误同时包含 ErrRetryContextCancelled 和上一次的失败原因。
func (r *Retrier) Execute(ctx context.Context, operation func() error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < r.policy.GetMaxAttempts(); attempt++ {
		select {
		case <-ctx.Done():
			return r.cancelled(lastErr)
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !r.policy.ShouldRetry(attempt+1, lastErr) {
			break
		}

		// 调用重试回调
		if r.onRetry != nil {
			r.onRetry(attempt+1, lastErr)
		}

		// 记录重试指标
		if r.collector != nil {
			r.collector.ObserveConnectRetry(r.protocol)
		}

		// 等待重试间隔
		delay := r.policy.NextDelay(attempt + 1)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return r.cancelled(lastErr)
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

func (r *Retrier) cancelled(lastErr error) error {
	if lastErr == nil {
		return ErrRetryContextCancelled
	}
	return fmt.Errorf("%w: %w", ErrRetryContextCancelled, lastErr)
}
