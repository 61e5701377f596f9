// Package config 读取 privctl 的配置文件，环境变量以 NETPRIV_ 为前缀覆盖同名配置项。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/charlesren/netpriv/connection"
	"github.com/charlesren/netpriv/internal/logger"
	"github.com/charlesren/netpriv/manager"
	"github.com/charlesren/netpriv/platform"
	"github.com/charlesren/netpriv/secret"
)

// EnvPrefix 环境变量前缀，log.level 对应 NETPRIV_LOG_LEVEL
const EnvPrefix = "NETPRIV"

// 口令后端
const (
	BackendStatic  = "static"
	BackendKeyring = "keyring"
	BackendChain   = "chain"
)

var validate = validator.New()

type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      int    `mapstructure:"level" validate:"min=-1,max=2"`
	MaxAge     int    `mapstructure:"max_age" validate:"min=0"`
	MaxSize    int    `mapstructure:"max_size" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	Console    bool   `mapstructure:"console"`
}

// EngineConfig 设备未单独配置时使用的默认值
type EngineConfig struct {
	TimeoutOps        time.Duration `mapstructure:"timeout_ops" validate:"min=0"`
	PromptSearchDepth int           `mapstructure:"prompt_search_depth" validate:"min=0"`
}

type SecretsConfig struct {
	Backend        string            `mapstructure:"backend" validate:"oneof=static keyring chain"`
	KeyringService string            `mapstructure:"keyring_service" validate:"required_unless=Backend static"`
	KeyringUser    string            `mapstructure:"keyring_user"`
	Static         map[string]string `mapstructure:"static"`
}

type PlatformsConfig struct {
	ExtraFiles []string `mapstructure:"extra_files"`
}

type ManagerConfig struct {
	Concurrency    int           `mapstructure:"concurrency" validate:"min=1"`
	ConnectRetries int           `mapstructure:"connect_retries" validate:"min=1"`
	RetryInterval  time.Duration `mapstructure:"retry_interval" validate:"min=0"`
	Interval       time.Duration `mapstructure:"interval" validate:"min=0"`
	ReloadInterval time.Duration `mapstructure:"reload_interval" validate:"min=0"`
	StopOnFailed   bool          `mapstructure:"stop_on_failed"`
}

// ResultsConfig 结果聚合与输出
type ResultsConfig struct {
	File          string        `mapstructure:"file"`
	MaxSize       int           `mapstructure:"max_size" validate:"min=0"`
	MaxBackups    int           `mapstructure:"max_backups" validate:"min=0"`
	BufferSize    int           `mapstructure:"buffer_size" validate:"min=1"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"min=0"`
}

// DeviceConfig 会话配置加上要执行的命令
type DeviceConfig struct {
	connection.SessionConfig `mapstructure:",squash"`
	Commands                 []string `mapstructure:"commands"`
	Configs                  []string `mapstructure:"configs"`
}

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Platforms PlatformsConfig `mapstructure:"platforms"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	Results   ResultsConfig   `mapstructure:"results"`
	Devices   []DeviceConfig  `mapstructure:"devices"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.max_age", 3)
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.console", false)
	v.SetDefault("engine.timeout_ops", 30*time.Second)
	v.SetDefault("engine.prompt_search_depth", 1000)
	v.SetDefault("secrets.backend", BackendStatic)
	v.SetDefault("secrets.keyring_service", "netpriv")
	v.SetDefault("manager.concurrency", manager.DefaultConcurrency)
	v.SetDefault("manager.connect_retries", 3)
	v.SetDefault("manager.retry_interval", time.Second)
	v.SetDefault("manager.stop_on_failed", true)
	v.SetDefault("results.max_size", 100)
	v.SetDefault("results.max_backups", 3)
	v.SetDefault("results.buffer_size", 100)
	v.SetDefault("results.flush_interval", 15*time.Second)
}

// New 返回带默认值和环境变量绑定的 viper 实例
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load 读取配置文件，path 为空时只使用默认值和环境变量。格式由扩展名决定(yaml/toml/json)。
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper 解析并校验已加载的 viper 实例
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", strings.TrimPrefix(e.Namespace(), "Config."), e.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// LoggerOptions 转换为 logger.Init 的参数
func (c *Config) LoggerOptions() []logger.Option {
	return []logger.Option{
		logger.WithLogFile(c.Log.File),
		logger.WithLevel(c.Log.Level),
		logger.WithMaxAge(c.Log.MaxAge),
		logger.WithMaxSize(c.Log.MaxSize),
		logger.WithMaxBackups(c.Log.MaxBackups),
		logger.WithConsole(c.Log.Console),
	}
}

// SecretProvider 按后端构建口令来源，chain 先查静态表再查密钥环
func (c *Config) SecretProvider() secret.Provider {
	static := secret.Static(c.Secrets.Static)
	ring := &secret.Keyring{Service: c.Secrets.KeyringService, User: c.Secrets.KeyringUser}
	switch c.Secrets.Backend {
	case BackendKeyring:
		return ring
	case BackendChain:
		return secret.Chain{static, ring}
	default:
		return static
	}
}

// Registry 内置平台定义叠加 platforms.extra_files
func (c *Config) Registry() (*platform.Registry, error) {
	reg, err := platform.NewBuiltinRegistry()
	if err != nil {
		return nil, err
	}
	if len(c.Platforms.ExtraFiles) == 0 {
		return reg, nil
	}
	return reg.WithFiles(c.Platforms.ExtraFiles...)
}

// ManagerOptions 并发、重试和口令来源
func (c *Config) ManagerOptions() []manager.Option {
	return []manager.Option{
		manager.WithConcurrency(c.Manager.Concurrency),
		manager.WithRetryPolicy(connection.NewConnectBackoff(c.Manager.ConnectRetries, c.Manager.RetryInterval)),
		manager.WithSecrets(c.SecretProvider()),
	}
}

// ManagedDevices 为每台设备填充 engine 段的默认值
func (c *Config) ManagedDevices() []manager.Device {
	devices := make([]manager.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		sc := d.SessionConfig
		if sc.TimeoutOps == 0 {
			sc.TimeoutOps = c.Engine.TimeoutOps
		}
		if sc.PromptSearchDepth == 0 {
			sc.PromptSearchDepth = c.Engine.PromptSearchDepth
		}
		devices = append(devices, manager.Device{
			Config:   &sc,
			Commands: append([]string(nil), d.Commands...),
			Configs:  append([]string(nil), d.Configs...),
		})
	}
	return devices
}
