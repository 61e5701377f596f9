// Package platform 描述网络设备平台的特权级别目录：提示符正则、失败标记、以及会话打开/关闭时执行的操作序列。
//
// Definition 在加载时校验一次，之后只读，可以被同一平台的所有会话共享。
package platform

import (
	"regexp"
)

// DriverType 平台的驱动能力标签
type DriverType string

const (
	DriverTypeGeneric DriverType = "generic"
	DriverTypeNetwork DriverType = "network"
)

// PrivilegeLevel 一个命名的 CLI 模式，例如 exec、configuration
type PrivilegeLevel struct {
	Name           string   `yaml:"name"`
	Pattern        string   `yaml:"pattern"`
	NotContains    []string `yaml:"not-contains"`
	PreviousPriv   string   `yaml:"previous-priv"`
	Deescalate     string   `yaml:"deescalate"`
	Escalate       string   `yaml:"escalate"`
	EscalateAuth   bool     `yaml:"escalate-auth"`
	EscalatePrompt string   `yaml:"escalate-prompt"`

	patternRe        *regexp.Regexp
	escalatePromptRe *regexp.Regexp
}

// IsRoot 没有 previous-priv 的级别即根
func (p *PrivilegeLevel) IsRoot() bool {
	return p.PreviousPriv == ""
}

// PatternRe 返回编译后的提示符正则，校验前为 nil
func (p *PrivilegeLevel) PatternRe() *regexp.Regexp {
	return p.patternRe
}

// EscalatePromptRe 返回编译后的提权认证提示正则，未配置时为 nil
func (p *PrivilegeLevel) EscalatePromptRe() *regexp.Regexp {
	return p.escalatePromptRe
}

func (p *PrivilegeLevel) clone() *PrivilegeLevel {
	c := *p
	c.NotContains = append([]string(nil), p.NotContains...)
	return &c
}

// OperationKind 打开/关闭钩子中操作的类型
type OperationKind string

const (
	OpAcquirePriv   OperationKind = "acquire-priv"
	OpSendCommand   OperationKind = "driver.send-command"
	OpChannelWrite  OperationKind = "channel.write"
	OpChannelReturn OperationKind = "channel.return"
)

// Operation 钩子操作，按 Kind 区分取值：
//   - acquire-priv: Target，可为空(取默认级别)
//   - driver.send-command: Command
//   - channel.write: Input，Redacted 为 true 时日志中隐藏
//   - channel.return: 无参数
type Operation struct {
	Kind     OperationKind `yaml:"operation"`
	Target   string        `yaml:"target,omitempty"`
	Command  string        `yaml:"command,omitempty"`
	Input    string        `yaml:"input,omitempty"`
	Redacted bool          `yaml:"redacted,omitempty"`
}

func AcquirePriv(target string) Operation {
	return Operation{Kind: OpAcquirePriv, Target: target}
}

func SendCommand(command string) Operation {
	return Operation{Kind: OpSendCommand, Command: command}
}

func ChannelWrite(input string) Operation {
	return Operation{Kind: OpChannelWrite, Input: input}
}

func ChannelReturn() Operation {
	return Operation{Kind: OpChannelReturn}
}

// Definition 单个平台的完整定义
type Definition struct {
	PlatformType                 string
	DriverType                   DriverType
	PrivilegeLevels              map[string]*PrivilegeLevel
	LevelOrder                   []string // 定义文件中的顺序，提示符识别按此顺序进行
	DefaultDesiredPrivilegeLevel string
	FailedWhenContains           []string
	TextFSMPlatform              string // 仅解析，不使用
	OnOpen                       []Operation
	OnClose                      []Operation

	warnings  []string
	validated bool
}

// Level 按名称查找特权级别
func (d *Definition) Level(name string) (*PrivilegeLevel, bool) {
	p, ok := d.PrivilegeLevels[name]
	return p, ok
}

// Levels 按定义顺序返回全部级别
func (d *Definition) Levels() []*PrivilegeLevel {
	levels := make([]*PrivilegeLevel, 0, len(d.LevelOrder))
	for _, name := range d.LevelOrder {
		if p, ok := d.PrivilegeLevels[name]; ok {
			levels = append(levels, p)
		}
	}
	return levels
}

// Root 返回根级别，未校验或定义非法时可能为 nil
func (d *Definition) Root() *PrivilegeLevel {
	for _, p := range d.Levels() {
		if p.IsRoot() {
			return p
		}
	}
	return nil
}

// Validated 是否已通过校验
func (d *Definition) Validated() bool {
	return d.validated
}

// Warnings 校验时发现的非致命问题，例如多个级别使用完全相同的正则
func (d *Definition) Warnings() []string {
	return append([]string(nil), d.warnings...)
}
