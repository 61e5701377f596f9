// Package engine 在单个设备通道上协商特权级别并执行命令。
//
// Controller 与一个 Channel 绑定，所有操作串行执行；多个设备使用各自的 Controller 并行运行，
// 它们之间只共享只读的平台定义。
package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charlesren/netpriv/connection"
	"github.com/charlesren/netpriv/internal/logger"
	"github.com/charlesren/netpriv/platform"
	"github.com/charlesren/netpriv/privilege"
	"github.com/charlesren/netpriv/secret"
)

const (
	moduleName = "engine"

	// DefaultTimeout 单次等待提示符的默认超时
	DefaultTimeout = 30 * time.Second
)

// Controller 在一个通道上执行提权路径和命令
type Controller struct {
	def     *platform.Definition
	graph   *privilege.Graph
	matcher *privilege.Matcher
	ch      connection.Channel
	secrets secret.Provider
	metrics connection.MetricsCollector
	timeout time.Duration
	host    string

	mu      sync.Mutex
	current string // 最近确认的级别，空表示未知
	tail    []byte // 最近一次读取的输出末尾，提示符通常在这里
}

// Option 控制器选项
type Option func(*Controller)

// WithTimeout 每次等待提示符的超时，<= 0 表示只受调用方 ctx 约束
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithSearchDepth 提示符查找窗口，同时应用到支持的通道
func WithSearchDepth(depth int) Option {
	return func(c *Controller) {
		c.matcher = privilege.NewMatcher(c.def, depth)
		if ps, ok := c.ch.(connection.PromptSearcher); ok {
			ps.SetSearchDepth(c.matcher.SearchDepth())
		}
	}
}

func WithMetrics(m connection.MetricsCollector) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithHost 日志和响应中使用的设备名
func WithHost(host string) Option {
	return func(c *Controller) { c.host = host }
}

// NewController def 必须已校验。secrets 可以为 nil，此时需要认证的级别使用空口令。
func NewController(def *platform.Definition, ch connection.Channel, secrets secret.Provider, opts ...Option) (*Controller, error) {
	graph, err := privilege.NewGraph(def)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, newError(ErrCodeChannel, "nil channel")
	}
	c := &Controller{
		def:     def,
		graph:   graph,
		matcher: privilege.NewMatcher(def, 0),
		ch:      ch,
		secrets: secrets,
		metrics: connection.NopMetrics{},
		timeout: DefaultTimeout,
		host:    def.PlatformType,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Definition 返回控制器使用的平台定义
func (c *Controller) Definition() *platform.Definition {
	return c.def
}

// CurrentLevel 最近确认的级别，未知时为空
func (c *Controller) CurrentLevel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AcquirePriv 切换到目标级别，target 为空时使用平台默认级别。
// 已经处于目标级别时不写通道。中途失败时设备停留在最后成功到达的级别，不做回滚。
func (c *Controller) AcquirePriv(ctx context.Context, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquirePriv(ctx, target)
}

func (c *Controller) acquirePriv(ctx context.Context, target string) error {
	if target == "" {
		target = c.def.DefaultDesiredPrivilegeLevel
	}
	start := time.Now()
	noop, err := c.acquire(ctx, target)

	outcome := connection.OutcomeOK
	switch {
	case err != nil:
		outcome = string(ErrorCodeOf(err))
		if outcome == "" {
			outcome = connection.OutcomeFailed
		}
		logger.Warnf(moduleName, "[%s] acquire %s failed: %v", c.host, target, err)
	case noop:
		outcome = connection.OutcomeNoop
	}
	c.metrics.ObserveAcquire(c.def.PlatformType, outcome, time.Since(start))
	return err
}

func (c *Controller) acquire(ctx context.Context, target string) (bool, error) {
	if _, ok := c.def.Level(target); !ok {
		return false, newError(ErrCodeInvalidTarget, "privilege level %q is not defined for %s", target, c.def.PlatformType).
			AddDetail("to", target)
	}

	candidates, err := c.detect(ctx)
	if err != nil {
		return false, err
	}
	// 多个级别提示符相同时，沿用已知的当前级别，否则取定义顺序中的第一个
	current := candidates[0]
	if c.current != "" && contains(candidates, c.current) {
		current = c.current
	}
	c.current = current
	if current == target {
		logger.Debugf(moduleName, "[%s] already at %s", c.host, target)
		return true, nil
	}

	steps, err := c.graph.ComputePath(current, target)
	if err != nil {
		return false, newError(ErrCodeInvalidTarget, "compute path %s->%s", current, target).
			WithCause(err).
			AddDetail("from", current).
			AddDetail("to", target)
	}
	for _, step := range steps {
		if step.Command == "" {
			// 只能识别、不能主动进入的级别
			return false, newError(ErrCodeInvalidTarget, "no %s command for %s->%s", step.Direction, step.From, step.To).
				AddDetail("from", current).
				AddDetail("to", target)
		}
	}
	logger.Debugf(moduleName, "[%s] acquire %s->%s in %d steps", c.host, current, target, len(steps))

	for _, step := range steps {
		if err := c.runStep(ctx, step); err != nil {
			c.metrics.ObserveEscalationStep(c.def.PlatformType, string(step.Direction), stepOutcome(err))
			if e := GetError(err); e != nil {
				e.AddDetail("last_level", step.From)
			}
			// 设备实际所处级别未知，下次操作重新识别
			c.current = ""
			return false, err
		}
		c.metrics.ObserveEscalationStep(c.def.PlatformType, string(step.Direction), connection.OutcomeOK)
		c.current = step.To
	}

	final := c.matcher.Candidates(c.tail)
	if !contains(final, target) {
		c.current = firstOr(final, "")
		return false, newError(ErrCodeEscalationTimeout, "expected %s after escalation, detected %v", target, final).
			AddDetail("to", target).
			AddDetail("last_level", c.current)
	}
	c.current = target
	return false, nil
}

// detect 先用上次读取的末尾加上当前可读的数据识别级别，识别不出时发送回车探测一次
func (c *Controller) detect(ctx context.Context) ([]string, error) {
	buf, err := c.ch.ReadAvailable()
	if err != nil {
		return nil, c.channelError("read", err)
	}
	if len(buf) > 0 {
		c.remember(append(append([]byte(nil), c.tail...), buf...))
	}
	if candidates := c.matcher.Candidates(c.tail); len(candidates) > 0 {
		return candidates, nil
	}

	logger.Debugf(moduleName, "[%s] prompt not visible, probing with return", c.host)
	if err := c.ch.WriteLine(nil); err != nil {
		return nil, c.channelError("write", err)
	}
	out, err := c.readUntil(ctx, c.matcher.Patterns()...)
	if candidates := c.matcher.Candidates(out); err == nil && len(candidates) > 0 {
		return candidates, nil
	}
	c.current = ""
	e := newError(ErrCodeUnknownPrivilegeLevel, "no privilege level matches the current prompt").
		AddDetail("output", string(privilege.Tail(out, c.matcher.SearchDepth())))
	if err != nil && !isContextErr(err) {
		e.Code = ErrCodeChannel
	}
	return nil, e.WithCause(err)
}

func (c *Controller) runStep(ctx context.Context, step privilege.Step) error {
	logger.Debugf(moduleName, "[%s] %s", c.host, step)
	if err := c.ch.WriteLine([]byte(step.Command)); err != nil {
		return c.channelError("write", err).AddDetail("from", step.From).AddDetail("to", step.To).AddDetail("command", step.Command)
	}

	if step.AuthRequired {
		done, err := c.authenticate(ctx, step)
		if err != nil || done {
			return err
		}
	}

	out, err := c.readUntil(ctx, c.matcher.Patterns()...)
	if err != nil {
		return c.stepError(step, err, out)
	}
	if !contains(c.matcher.Candidates(out), step.To) {
		return c.stepError(step, nil, out)
	}
	return nil
}

// authenticate 等待认证提示并发送口令。
// 没有出现认证提示而直接到达目标级别时返回 done=true。
func (c *Controller) authenticate(ctx context.Context, step privilege.Step) (bool, error) {
	authErr := func(format string, args ...interface{}) *Error {
		return newError(ErrCodeAuthFailure, format, args...).
			AddDetail("from", step.From).
			AddDetail("to", step.To).
			AddDetail("command", step.Command)
	}

	patterns := append([]*regexp.Regexp{step.AuthPrompt}, c.matcher.Patterns()...)
	out, err := c.readUntil(ctx, patterns...)
	if err != nil {
		return false, c.stepError(step, err, out)
	}
	if marker, failed := privilege.ScanFailure(string(out), c.def.FailedWhenContains); failed {
		return false, authErr("escalation to %s rejected before authentication", step.To).AddDetail("marker", marker)
	}
	if !step.AuthPrompt.Match(privilege.Tail(out, c.matcher.SearchDepth())) {
		if contains(c.matcher.Candidates(out), step.To) {
			logger.Debugf(moduleName, "[%s] %s reached without authentication prompt", c.host, step.To)
			return true, nil
		}
		return false, authErr("expected authentication prompt for %s", step.To)
	}

	pass, err := c.authSecret(ctx, step.To)
	if err != nil {
		return false, authErr("get secret for %s", step.To).WithCause(err)
	}
	if err := c.writeSecret(pass); err != nil {
		return false, c.channelError("write secret", err)
	}

	out, err = c.readUntil(ctx, patterns...)
	if err != nil {
		return false, c.stepError(step, err, out)
	}
	if marker, failed := privilege.ScanFailure(string(out), c.def.FailedWhenContains); failed {
		return false, authErr("secret for %s rejected", step.To).AddDetail("marker", marker)
	}
	candidates := c.matcher.Candidates(out)
	if !contains(candidates, step.To) {
		if step.AuthPrompt.Match(privilege.Tail(out, c.matcher.SearchDepth())) {
			return false, authErr("secret for %s rejected, device asked again", step.To)
		}
		return false, authErr("secret for %s rejected, device at %v", step.To, candidates)
	}
	return true, nil
}

func (c *Controller) authSecret(ctx context.Context, level string) ([]byte, error) {
	if c.secrets == nil {
		logger.Warnf(moduleName, "[%s] no secret provider, using empty secret for %s", c.host, level)
		return nil, nil
	}
	pass, err := c.secrets.GetAuthSecret(ctx, level)
	if errors.Is(err, secret.ErrNotFound) {
		logger.Warnf(moduleName, "[%s] no secret configured for %s, trying empty secret", c.host, level)
		return nil, nil
	}
	return pass, err
}

func (c *Controller) writeSecret(pass []byte) error {
	if rw, ok := c.ch.(connection.RedactedWriter); ok {
		if err := rw.WriteRedacted(pass); err != nil {
			return err
		}
	} else if err := c.ch.Write(pass); err != nil {
		return err
	}
	logger.Debugf(moduleName, "[%s] sent secret: redacted", c.host)
	return c.ch.WriteLine(nil)
}

// SendCommand 发送命令并读到当前级别的提示符再次出现。
// 输出包含失败标记时同时返回 Response 和 COMMAND_FAILURE 错误。
func (c *Controller) SendCommand(ctx context.Context, command string) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCommand(ctx, command)
}

func (c *Controller) sendCommand(ctx context.Context, command string) (*Response, error) {
	resp, err := c.send(ctx, command)
	outcome := connection.OutcomeOK
	if err != nil {
		outcome = string(ErrorCodeOf(err))
		if outcome == "" {
			outcome = connection.OutcomeFailed
		}
	}
	c.metrics.ObserveCommand(c.def.PlatformType, outcome)
	return resp, err
}

func (c *Controller) send(ctx context.Context, command string) (*Response, error) {
	if c.current == "" {
		candidates, err := c.detect(ctx)
		if err != nil {
			return nil, err
		}
		c.current = candidates[0]
	}
	lvl, _ := c.def.Level(c.current)

	resp := NewResponse(c.host, command, c.def.FailedWhenContains)
	logger.Debugf(moduleName, "[%s] send %q at %s", c.host, command, c.current)
	if err := c.ch.WriteLine([]byte(command)); err != nil {
		return nil, c.channelError("write", err).AddDetail("command", command)
	}

	out, err := c.readUntil(ctx, lvl.PatternRe())
	if err != nil {
		level := c.current
		c.invalidate()
		code := ErrCodeTimeout
		if !isContextErr(err) {
			code = ErrCodeChannel
		}
		return nil, newError(code, "waiting for %s prompt after %q", level, command).
			WithCause(err).
			AddDetail("command", command).
			AddDetail("last_level", level).
			AddDetail("output", string(out))
	}

	resp.Record(out, c.cleanOutput(command, out))
	if resp.Failed {
		e := newError(ErrCodeCommandFailure, "command %q failed", command).
			AddDetail("command", command).
			AddDetail("marker", resp.FailedMarker).
			AddDetail("output", resp.Result)
		e.response = resp
		return resp, e
	}
	return resp, nil
}

// SendCommands 依次发送命令。stopOnFailed 为 true 时在第一条失败命令处停止；
// 否则失败只记录在 MultiResponse 中。超时和通道错误总是立即返回。
func (c *Controller) SendCommands(ctx context.Context, commands []string, stopOnFailed bool) (*MultiResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCommands(ctx, commands, stopOnFailed)
}

func (c *Controller) sendCommands(ctx context.Context, commands []string, stopOnFailed bool) (*MultiResponse, error) {
	mr := NewMultiResponse(c.host)
	for _, cmd := range commands {
		resp, err := c.sendCommand(ctx, cmd)
		if resp != nil {
			mr.AppendResponse(resp)
		}
		if err == nil {
			continue
		}
		if IsErrorCode(err, ErrCodeCommandFailure) && !stopOnFailed {
			logger.Warnf(moduleName, "[%s] %v, continuing", c.host, err)
			continue
		}
		return mr, err
	}
	return mr, nil
}

// ConfigOptions SendConfigs 的选项
type ConfigOptions struct {
	// 执行配置的级别，默认 configuration
	PrivilegeLevel string
	StopOnFailed   bool
	// 完成后回到平台默认级别
	ReturnToDefault bool
}

// DefaultConfigLevel SendConfigs 默认使用的级别
const DefaultConfigLevel = "configuration"

// SendConfigs 切换到配置级别后依次发送配置行
func (c *Controller) SendConfigs(ctx context.Context, configs []string, opts ConfigOptions) (*MultiResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	level := opts.PrivilegeLevel
	if level == "" {
		level = DefaultConfigLevel
	}
	if err := c.acquirePriv(ctx, level); err != nil {
		return nil, err
	}
	mr, err := c.sendCommands(ctx, configs, opts.StopOnFailed)
	if err != nil {
		return mr, err
	}
	if opts.ReturnToDefault {
		if err := c.acquirePriv(ctx, ""); err != nil {
			return mr, err
		}
	}
	return mr, nil
}

// GetPrompt 发送回车，返回新出现的提示符文本
func (c *Controller) GetPrompt(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.WriteLine(nil); err != nil {
		return "", c.channelError("write", err)
	}
	out, err := c.readUntil(ctx, c.matcher.Patterns()...)
	if err != nil {
		c.invalidate()
		return "", newError(ErrCodeTimeout, "waiting for prompt").WithCause(err).AddDetail("output", string(out))
	}
	prompt, ok := c.matcher.FindPrompt(out)
	if !ok {
		c.invalidate()
		return "", newError(ErrCodeUnknownPrivilegeLevel, "no privilege level matches the prompt").AddDetail("output", string(out))
	}
	c.current, _ = c.matcher.Detect(out)
	return prompt, nil
}

// Write 原样写入通道，不等待提示符。之后的级别视为未知。
func (c *Controller) Write(input string, redacted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if rw, ok := c.ch.(connection.RedactedWriter); ok && redacted {
		err = rw.WriteRedacted([]byte(input))
	} else {
		err = c.ch.Write([]byte(input))
	}
	c.invalidate()
	if err != nil {
		return c.channelError("write", err)
	}
	return nil
}

// Return 只发送回车，不等待提示符
func (c *Controller) Return() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidate()
	if err := c.ch.WriteLine(nil); err != nil {
		return c.channelError("write", err)
	}
	return nil
}

// readUntil 单次等待受 c.timeout 约束，读到的数据末尾会被记住
func (c *Controller) readUntil(ctx context.Context, patterns ...*regexp.Regexp) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out, err := c.ch.ReadUntilMatch(ctx, patterns...)
	if len(out) > 0 {
		c.remember(out)
	}
	return out, err
}

func (c *Controller) remember(out []byte) {
	c.tail = append([]byte(nil), privilege.Tail(out, c.matcher.SearchDepth())...)
}

func (c *Controller) invalidate() {
	c.current = ""
	c.tail = nil
}

// cleanOutput 去掉回显的命令行和末尾的提示符
func (c *Controller) cleanOutput(command string, raw []byte) string {
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r", ""), "\n")
	if cmd := strings.TrimSpace(command); cmd != "" && len(lines) > 0 && strings.HasSuffix(strings.TrimSpace(lines[0]), cmd) {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 {
		if _, ok := c.matcher.FindPrompt([]byte(lines[n-1])); ok {
			lines = lines[:n-1]
		}
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

func (c *Controller) stepError(step privilege.Step, err error, out []byte) *Error {
	var e *Error
	switch {
	case err == nil:
		e = newError(ErrCodeEscalationTimeout, "expected %s after %q, detected %v", step.To, step.Command, c.matcher.Candidates(out))
	case isContextErr(err):
		e = newError(ErrCodeEscalationTimeout, "waiting for %s after %q", step.To, step.Command).WithCause(err)
	default:
		e = newError(ErrCodeChannel, "reading after %q", step.Command).WithCause(err)
	}
	return e.AddDetail("from", step.From).
		AddDetail("to", step.To).
		AddDetail("command", step.Command).
		AddDetail("output", string(privilege.Tail(out, c.matcher.SearchDepth())))
}

func (c *Controller) channelError(op string, err error) *Error {
	c.invalidate()
	return newError(ErrCodeChannel, "%s on %s", op, c.host).WithCause(err)
}

func stepOutcome(err error) string {
	switch ErrorCodeOf(err) {
	case ErrCodeEscalationTimeout:
		return connection.OutcomeTimeout
	default:
		return connection.OutcomeFailed
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstOr(list []string, def string) string {
	if len(list) > 0 {
		return list[0]
	}
	return def
}
