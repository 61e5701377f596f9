package connection

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate 单例校验器
var validate = validator.New()

// SessionConfig 单台设备的会话配置
type SessionConfig struct {
	// 基础连接信息
	Host           string `json:"host" yaml:"host" mapstructure:"host" validate:"required,ip_addr|hostname"`
	Port           int    `json:"port" yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	Username       string `json:"username" yaml:"username" mapstructure:"username" validate:"required"`
	Password       string `json:"password" yaml:"password" mapstructure:"password" validate:"required_without=PrivateKeyPath"`
	PrivateKeyPath string `json:"private_key_path" yaml:"private_key_path" mapstructure:"private_key_path"`
	Passphrase     string `json:"passphrase" yaml:"passphrase" mapstructure:"passphrase"`

	// 平台与协议
	Platform         string           `json:"platform" yaml:"platform" mapstructure:"platform" validate:"required"`
	Variant          string           `json:"variant" yaml:"variant" mapstructure:"variant"`
	Protocol         Protocol         `json:"protocol" yaml:"protocol" mapstructure:"protocol" validate:"required,oneof=scrapli ssh"`
	ScrapliTransport ScrapliTransport `json:"scrapli_transport" yaml:"scrapli_transport" mapstructure:"scrapli_transport" validate:"omitempty,oneof=system standard telnet"`

	// 主机密钥校验
	StrictHostKey  bool   `json:"strict_host_key" yaml:"strict_host_key" mapstructure:"strict_host_key"`
	KnownHostsFile string `json:"known_hosts_file" yaml:"known_hosts_file" mapstructure:"known_hosts_file" validate:"required_if=StrictHostKey true"`

	// 超时
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout" mapstructure:"connect_timeout" validate:"min=0"`
	TimeoutOps     time.Duration `json:"timeout_ops" yaml:"timeout_ops" mapstructure:"timeout_ops" validate:"min=0"`
	ReadDelay      time.Duration `json:"read_delay" yaml:"read_delay" mapstructure:"read_delay" validate:"min=0"`

	// 通道
	ReturnChar        string `json:"return_char" yaml:"return_char" mapstructure:"return_char"`
	PromptSearchDepth int    `json:"prompt_search_depth" yaml:"prompt_search_depth" mapstructure:"prompt_search_depth" validate:"min=0"`
	TermWidth         int    `json:"term_width" yaml:"term_width" mapstructure:"term_width" validate:"min=0"`
	TermHeight        int    `json:"term_height" yaml:"term_height" mapstructure:"term_height" validate:"min=0"`

	// 标签
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty" mapstructure:"labels"`
}

// Address 返回 host:port
func (c *SessionConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate 按结构体标签校验配置
func (c *SessionConfig) Validate() error {
	if c == nil {
		return errors.New("session config cannot be nil")
	}
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ApplyDefaults 为未设置的字段填充默认值
func (c *SessionConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Protocol == "" {
		c.Protocol = ProtocolScrapli
	}
	if c.Protocol == ProtocolScrapli && c.ScrapliTransport == "" {
		c.ScrapliTransport = ScrapliTransportStandard
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.TimeoutOps == 0 {
		c.TimeoutOps = 30 * time.Second
	}
	if c.ReadDelay == 0 {
		c.ReadDelay = 5 * time.Millisecond
	}
	if c.ReturnChar == "" {
		c.ReturnChar = "\n"
	}
	if c.PromptSearchDepth == 0 {
		c.PromptSearchDepth = 1000
	}
	if c.TermWidth == 0 {
		c.TermWidth = 511
	}
	if c.TermHeight == 0 {
		c.TermHeight = 255
	}
}

// Redacted 返回隐藏了口令的副本，用于日志输出
func (c *SessionConfig) Redacted() SessionConfig {
	out := *c
	if out.Password != "" {
		out.Password = "redacted"
	}
	if out.Passphrase != "" {
		out.Passphrase = "redacted"
	}
	return out
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	msgs := make([]string, 0, len(validationErrs))
	for _, e := range validationErrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s: field is required", field))
		case "required_without":
			msgs = append(msgs, fmt.Sprintf("%s: required when %s is empty", field, e.Param()))
		case "required_if":
			msgs = append(msgs, fmt.Sprintf("%s: required when %s", field, e.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s: must be one of [%s]", field, e.Param()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s: must be at least %s", field, e.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s: must not exceed %s", field, e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: validation failed (%s)", field, e.Tag()))
		}
	}
	return fmt.Errorf("invalid session config: %s", strings.Join(msgs, "; "))
}

// ConfigBuilder 会话配置构建器
type ConfigBuilder struct {
	config *SessionConfig
}

// NewConfigBuilder 创建带默认值的构建器
func NewConfigBuilder() *ConfigBuilder {
	cfg := &SessionConfig{Labels: make(map[string]string)}
	cfg.ApplyDefaults()
	return &ConfigBuilder{config: cfg}
}

// WithBasicAuth 设置主机与口令认证
func (b *ConfigBuilder) WithBasicAuth(host, username, password string) *ConfigBuilder {
	b.config.Host = host
	b.config.Username = username
	b.config.Password = password
	return b
}

// WithPrivateKey 设置密钥认证
func (b *ConfigBuilder) WithPrivateKey(path, passphrase string) *ConfigBuilder {
	b.config.PrivateKeyPath = path
	b.config.Passphrase = passphrase
	return b
}

// WithPort 设置端口
func (b *ConfigBuilder) WithPort(port int) *ConfigBuilder {
	b.config.Port = port
	return b
}

// WithPlatform 设置平台和变体
func (b *ConfigBuilder) WithPlatform(platform, variant string) *ConfigBuilder {
	b.config.Platform = platform
	b.config.Variant = variant
	return b
}

// WithProtocol 设置协议，scrapli 协议下可指定传输实现
func (b *ConfigBuilder) WithProtocol(protocol Protocol, transport ScrapliTransport) *ConfigBuilder {
	b.config.Protocol = protocol
	b.config.ScrapliTransport = transport
	return b
}

// WithKnownHosts 开启严格主机密钥校验
func (b *ConfigBuilder) WithKnownHosts(path string) *ConfigBuilder {
	b.config.StrictHostKey = true
	b.config.KnownHostsFile = path
	return b
}

// WithTimeouts 设置超时，非正值保持默认
func (b *ConfigBuilder) WithTimeouts(connect, ops time.Duration) *ConfigBuilder {
	if connect > 0 {
		b.config.ConnectTimeout = connect
	}
	if ops > 0 {
		b.config.TimeoutOps = ops
	}
	return b
}

// WithPromptSearchDepth 设置提示符查找窗口
func (b *ConfigBuilder) WithPromptSearchDepth(depth int) *ConfigBuilder {
	if depth > 0 {
		b.config.PromptSearchDepth = depth
	}
	return b
}

// WithLabels 合并标签
func (b *ConfigBuilder) WithLabels(labels map[string]string) *ConfigBuilder {
	for k, v := range labels {
		b.config.Labels[k] = v
	}
	return b
}

// Build 校验并返回配置
func (b *ConfigBuilder) Build() (*SessionConfig, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	cfg := *b.config
	return &cfg, nil
}
