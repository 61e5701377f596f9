package syncer

import (
	"github.com/charlesren/netpriv/manager"
)

type ChangeType uint8

const (
	DeviceCreate ChangeType = iota + 1
	DeviceUpdate
	DeviceDelete
)

func (t ChangeType) String() string {
	switch t {
	case DeviceCreate:
		return "create"
	case DeviceUpdate:
		return "update"
	case DeviceDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// DeviceChangeEvent 单台设备的变更，Version 为变更后的配置版本号
type DeviceChangeEvent struct {
	Type    ChangeType
	Device  manager.Device
	Version int64
}

type Subscriber chan<- DeviceChangeEvent
