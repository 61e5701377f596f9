package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charlesren/netpriv/connection"
	"github.com/charlesren/netpriv/internal/logger"
	"github.com/charlesren/netpriv/platform"
	"github.com/charlesren/netpriv/secret"
)

// Session 一个设备会话：通道、控制器和钩子，按 Idle -> Opening -> Ready -> Closing -> Closed 流转
type Session struct {
	ID string

	ch      connection.Channel
	ctrl    *Controller
	hooks   *HookRunner
	metrics connection.MetricsCollector

	mu       sync.Mutex
	state    SessionState
	openedAt time.Time
}

// NewSession 为已建立的通道创建会话，不执行任何操作
func NewSession(def *platform.Definition, ch connection.Channel, secrets secret.Provider, opts ...Option) (*Session, error) {
	ctrl, err := NewController(def, ch, secrets, opts...)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:      uuid.New().String(),
		ch:      ch,
		ctrl:    ctrl,
		hooks:   NewHookRunner(ctrl),
		metrics: ctrl.metrics,
		state:   StateIdle,
	}, nil
}

// Controller 返回会话的控制器
func (s *Session) Controller() *Controller {
	return s.ctrl
}

// State 当前状态
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(target SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, target) {
		return newError(ErrCodeSessionState, "session %s cannot go from %s to %s", s.ID, s.state, target).
			AddDetail("state", s.state.String())
	}
	s.state = target
	return nil
}

// Open 执行 on-open 操作，失败后会话进入 Failed，只能 Close
func (s *Session) Open(ctx context.Context) error {
	if err := s.transition(StateOpening); err != nil {
		return err
	}
	logger.Infof(moduleName, "[%s] opening session %s", s.ctrl.host, s.ID)

	if err := s.hooks.RunOnOpen(ctx); err != nil {
		_ = s.transition(StateFailed)
		s.metrics.ObserveSession(s.ctrl.def.PlatformType, connection.OutcomeFailed)
		return err
	}
	_ = s.transition(StateReady)
	s.mu.Lock()
	s.openedAt = time.Now()
	s.mu.Unlock()
	s.metrics.ObserveSession(s.ctrl.def.PlatformType, connection.OutcomeOK)
	logger.Infof(moduleName, "[%s] session %s ready at %s", s.ctrl.host, s.ID, s.ctrl.CurrentLevel())
	return nil
}

// Close 从 Ready 关闭时执行 on-close 操作，错误只记录不返回；随后总是关闭通道。
// 返回值只反映通道关闭本身。重复调用返回 nil。
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	s.mu.Unlock()
	if prev == StateClosed || prev == StateClosing {
		return nil
	}
	if err := s.transition(StateClosing); err != nil {
		return err
	}

	if prev == StateReady {
		if err := s.hooks.RunOnClose(ctx); err != nil {
			logger.Warnf(moduleName, "[%s] on-close of session %s finished with errors: %v", s.ctrl.host, s.ID, err)
		}
	}

	err := s.ch.Close()
	if errors.Is(err, connection.ErrChannelClosed) {
		err = nil
	}
	_ = s.transition(StateClosed)

	s.mu.Lock()
	opened := s.openedAt
	s.mu.Unlock()
	if !opened.IsZero() {
		logger.Infof(moduleName, "[%s] session %s closed after %s", s.ctrl.host, s.ID, time.Since(opened).Round(time.Millisecond))
	}
	return err
}

func (s *Session) ready() error {
	if st := s.State(); !IsOperationalState(st) {
		return newError(ErrCodeSessionState, "session %s is %s", s.ID, st).AddDetail("state", st.String())
	}
	return nil
}

// AcquirePriv 见 Controller.AcquirePriv
func (s *Session) AcquirePriv(ctx context.Context, target string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.ctrl.AcquirePriv(ctx, target)
}

// SendCommand 见 Controller.SendCommand
func (s *Session) SendCommand(ctx context.Context, command string) (*Response, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.ctrl.SendCommand(ctx, command)
}

func (s *Session) SendCommands(ctx context.Context, commands []string, stopOnFailed bool) (*MultiResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.ctrl.SendCommands(ctx, commands, stopOnFailed)
}

func (s *Session) SendConfigs(ctx context.Context, configs []string, opts ConfigOptions) (*MultiResponse, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.ctrl.SendConfigs(ctx, configs, opts)
}
