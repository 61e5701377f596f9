package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/charlesren/netpriv/connection"
	"github.com/charlesren/netpriv/internal/logger"
	"github.com/charlesren/netpriv/platform"
)

// Policy 钩子出错时的处理方式
type Policy int

const (
	// FailFast 第一个错误即中止，用于打开会话
	FailFast Policy = iota
	// FailTolerant 记录错误后继续执行剩余操作，用于关闭会话
	FailTolerant
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case FailTolerant:
		return "fail-tolerant"
	default:
		return "unknown"
	}
}

// 钩子阶段，用作日志和指标标签
const (
	PhaseOpen  = "open"
	PhaseClose = "close"
)

// HookError 钩子中某个操作的错误
type HookError struct {
	Phase     string
	Index     int
	Operation platform.Operation
	Err       error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook #%d (%s): %v", e.Phase, e.Index, e.Operation.Kind, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// HookRunner 按顺序执行平台定义的打开/关闭操作
type HookRunner struct {
	ctrl    *Controller
	metrics connection.MetricsCollector
}

func NewHookRunner(ctrl *Controller) *HookRunner {
	return &HookRunner{ctrl: ctrl, metrics: ctrl.metrics}
}

// RunOnOpen 执行 on-open 操作，任一失败立即返回，会话不可用
func (h *HookRunner) RunOnOpen(ctx context.Context) error {
	return h.Run(ctx, PhaseOpen, h.ctrl.def.OnOpen, FailFast)
}

// RunOnClose 执行全部 on-close 操作。每个错误都会记录日志，最后合并返回供调用方参考。
func (h *HookRunner) RunOnClose(ctx context.Context) error {
	return h.Run(ctx, PhaseClose, h.ctrl.def.OnClose, FailTolerant)
}

// Run 按 policy 执行一组操作
func (h *HookRunner) Run(ctx context.Context, phase string, ops []platform.Operation, policy Policy) error {
	var errs []error
	for i, op := range ops {
		err := h.execute(ctx, op)
		if err == nil {
			continue
		}
		hookErr := &HookError{Phase: phase, Index: i, Operation: op, Err: err}
		h.metrics.ObserveHookError(h.ctrl.def.PlatformType, phase)
		if policy == FailFast {
			logger.Errorf(moduleName, "[%s] %v, aborting", h.ctrl.host, hookErr)
			return hookErr
		}
		logger.Warnf(moduleName, "[%s] %v, continuing", h.ctrl.host, hookErr)
		errs = append(errs, hookErr)
	}
	return errors.Join(errs...)
}

func (h *HookRunner) execute(ctx context.Context, op platform.Operation) error {
	switch op.Kind {
	case platform.OpAcquirePriv:
		return h.ctrl.AcquirePriv(ctx, op.Target)
	case platform.OpSendCommand:
		_, err := h.ctrl.SendCommand(ctx, op.Command)
		return err
	case platform.OpChannelWrite:
		return h.ctrl.Write(op.Input, op.Redacted)
	case platform.OpChannelReturn:
		return h.ctrl.Return()
	default:
		return fmt.Errorf("%w: unknown operation %q", platform.ErrMalformedDefinition, op.Kind)
	}
}
