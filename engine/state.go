package engine

// SessionState 会话状态
type SessionState int

const (
	// StateIdle 已创建，尚未执行 on-open
	StateIdle SessionState = iota
	// StateOpening 正在执行 on-open
	StateOpening
	// StateReady 可以执行命令
	StateReady
	// StateFailed on-open 失败，会话不可用，只能关闭
	StateFailed
	// StateClosing 正在执行 on-close
	StateClosing
	// StateClosed 通道已关闭
	StateClosed
)

// String 返回会话状态的字符串表示
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOpening:
		return "Opening"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CanTransition 检查是否可以从当前状态转换到目标状态
func CanTransition(current, target SessionState) bool {
	switch current {
	case StateIdle:
		return target == StateOpening || target == StateClosing || target == StateClosed
	case StateOpening:
		return target == StateReady || target == StateFailed
	case StateReady, StateFailed:
		return target == StateClosing || target == StateClosed
	case StateClosing:
		// 关闭中状态只能转换到：已关闭
		return target == StateClosed
	default:
		// 已关闭状态不能转换到任何其他状态
		return false
	}
}

// GetValidTransitions 获取当前状态的有效转换目标状态列表
func GetValidTransitions(current SessionState) []SessionState {
	var valid []SessionState
	for target := StateIdle; target <= StateClosed; target++ {
		if CanTransition(current, target) {
			valid = append(valid, target)
		}
	}
	return valid
}

// IsTerminalState 检查是否为终止状态
func IsTerminalState(state SessionState) bool {
	return state == StateClosed
}

// IsOperationalState 只有 Ready 状态可以执行命令
func IsOperationalState(state SessionState) bool {
	return state == StateReady
}
