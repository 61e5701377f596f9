package connection

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 结果标签取值
const (
	OutcomeOK      = "ok"
	OutcomeNoop    = "noop"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// 指标收集器接口
type MetricsCollector interface {
	// 提权/降权单步
	ObserveEscalationStep(platform, direction, outcome string)
	// acquire-priv 整体结果与耗时，outcome 为 noop/ok 或错误码
	ObserveAcquire(platform, outcome string, duration time.Duration)
	// 命令结果，outcome 为 ok 或错误码
	ObserveCommand(platform, outcome string)
	// 打开/关闭钩子中的错误
	ObserveHookError(platform, phase string)
	// 会话打开结果
	ObserveSession(platform, outcome string)
	// 连接建立重试
	ObserveConnectRetry(protocol Protocol)
}

// NopMetrics 不记录任何指标
type NopMetrics struct{}

func (NopMetrics) ObserveEscalationStep(string, string, string) {}
func (NopMetrics) ObserveAcquire(string, string, time.Duration) {}
func (NopMetrics) ObserveCommand(string, string)                {}
func (NopMetrics) ObserveHookError(string, string)              {}
func (NopMetrics) ObserveSession(string, string)                {}
func (NopMetrics) ObserveConnectRetry(Protocol)                 {}

// PrometheusMetrics 基于 prometheus 的指标收集器
type PrometheusMetrics struct {
	EscalationSteps *prometheus.CounterVec
	Acquires        *prometheus.CounterVec
	AcquireDuration *prometheus.HistogramVec
	Commands        *prometheus.CounterVec
	HookErrors      *prometheus.CounterVec
	Sessions        *prometheus.CounterVec
	ConnectRetries  *prometheus.CounterVec
}

// NewPrometheusMetrics 在给定的 Registerer 上注册指标，reg 为 nil 时使用默认注册表
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		EscalationSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netpriv_escalation_steps_total",
				Help: "Privilege escalation and deescalation steps executed",
			},
			[]string{"platform", "direction", "outcome"},
		),
		Acquires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netpriv_acquire_priv_total",
				Help: "acquire-priv calls by outcome",
			},
			[]string{"platform", "outcome"},
		),
		AcquireDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netpriv_acquire_priv_duration_seconds",
				Help:    "acquire-priv latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"platform"},
		),
		Commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netpriv_commands_total",
				Help: "Commands sent by outcome",
			},
			[]string{"platform", "outcome"},
		),
		HookErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netpriv_hook_errors_total",
				Help: "Errors raised by on-open and on-close operations",
			},
			[]string{"platform", "phase"},
		),
		Sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netpriv_sessions_total",
				Help: "Device sessions opened by outcome",
			},
			[]string{"platform", "outcome"},
		),
		ConnectRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netpriv_connect_retries_total",
				Help: "Connection establishment retries",
			},
			[]string{"protocol"},
		),
	}
}

func (m *PrometheusMetrics) ObserveEscalationStep(platform, direction, outcome string) {
	m.EscalationSteps.WithLabelValues(platform, direction, outcome).Inc()
}

func (m *PrometheusMetrics) ObserveAcquire(platform, outcome string, duration time.Duration) {
	m.Acquires.WithLabelValues(platform, outcome).Inc()
	m.AcquireDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) ObserveCommand(platform, outcome string) {
	m.Commands.WithLabelValues(platform, outcome).Inc()
}

func (m *PrometheusMetrics) ObserveHookError(platform, phase string) {
	m.HookErrors.WithLabelValues(platform, phase).Inc()
}

func (m *PrometheusMetrics) ObserveSession(platform, outcome string) {
	m.Sessions.WithLabelValues(platform, outcome).Inc()
}

func (m *PrometheusMetrics) ObserveConnectRetry(protocol Protocol) {
	m.ConnectRetries.WithLabelValues(string(protocol)).Inc()
}
