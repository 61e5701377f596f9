package engine

import (
	"errors"
	"fmt"
)

// ErrorCode 引擎错误码
type ErrorCode string

const (
	// 当前缓冲区没有匹配任何级别
	ErrCodeUnknownPrivilegeLevel ErrorCode = "UNKNOWN_PRIVILEGE_LEVEL"
	// 等待提示符超时，或提权结束后所处级别与目标不符
	ErrCodeEscalationTimeout ErrorCode = "PRIVILEGE_ESCALATION_TIMEOUT"
	// 认证提示被拒绝，或预期的认证提示没有出现
	ErrCodeAuthFailure ErrorCode = "AUTHENTICATION_FAILURE"
	// 命令输出中出现失败标记
	ErrCodeCommandFailure ErrorCode = "COMMAND_FAILURE"
	// 目标级别不在平台定义中
	ErrCodeInvalidTarget ErrorCode = "INVALID_TARGET"
	// 通道读写失败
	ErrCodeChannel ErrorCode = "CHANNEL_ERROR"
	// 会话状态不允许该操作
	ErrCodeSessionState ErrorCode = "SESSION_STATE"
	// 命令等待提示符超时
	ErrCodeTimeout ErrorCode = "TIMEOUT"
)

// Error 引擎错误，Details 中记录相关的级别、命令和输出
type Error struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`

	response *Response
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 错误码相同即视为同一种错误，errors.Is(err, ErrCommandFailure) 可以穿透包装
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// AddDetail 添加详细信息
func (e *Error) AddDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause 设置原因错误
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Response 命令失败时对应的响应，其他错误为 nil
func (e *Error) Response() *Response {
	return e.response
}

func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// 用于 errors.Is 比较的哨兵错误
var (
	ErrUnknownPrivilegeLevel = &Error{Code: ErrCodeUnknownPrivilegeLevel, Message: "unknown privilege level"}
	ErrEscalationTimeout     = &Error{Code: ErrCodeEscalationTimeout, Message: "privilege escalation timeout"}
	ErrAuthFailure           = &Error{Code: ErrCodeAuthFailure, Message: "authentication failure"}
	ErrCommandFailure        = &Error{Code: ErrCodeCommandFailure, Message: "command failure"}
	ErrInvalidTarget         = &Error{Code: ErrCodeInvalidTarget, Message: "invalid target privilege level"}
	ErrChannel               = &Error{Code: ErrCodeChannel, Message: "channel error"}
	ErrSessionState          = &Error{Code: ErrCodeSessionState, Message: "invalid session state"}
	ErrTimeout               = &Error{Code: ErrCodeTimeout, Message: "timeout"}
)

// GetError 取出错误链中的 *Error
func GetError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsErrorCode 检查错误链中是否有指定错误码
func IsErrorCode(err error, code ErrorCode) bool {
	if e := GetError(err); e != nil {
		return e.Code == code
	}
	return false
}

// ErrorCodeOf 返回错误码，非引擎错误返回空串
func ErrorCodeOf(err error) ErrorCode {
	if e := GetError(err); e != nil {
		return e.Code
	}
	return ""
}

// AsCommandFailure 命令失败时返回捕获的输出和匹配的标记
func AsCommandFailure(err error) (*Response, bool) {
	e := GetError(err)
	if e == nil || e.Code != ErrCodeCommandFailure || e.response == nil {
		return nil, false
	}
	return e.response, true
}
