// Package syncer 周期性重新读取设备列表，按 host 比较前后差异并通知订阅者。
package syncer

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/charlesren/netpriv/internal/config"
	"github.com/charlesren/netpriv/internal/logger"
	"github.com/charlesren/netpriv/manager"
)

const moduleName = "syncer"

// Source 提供当前的全量设备列表
type Source interface {
	Devices(ctx context.Context) ([]manager.Device, error)
}

// FileSource 每次都重新加载配置文件
type FileSource struct {
	Path string
}

func (s FileSource) Devices(ctx context.Context) ([]manager.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(s.Path)
	if err != nil {
		return nil, err
	}
	return cfg.ManagedDevices(), nil
}

// ConfigSyncer 保存最近一次同步的设备列表
type ConfigSyncer struct {
	source       Source
	syncInterval time.Duration
	devices      map[string]manager.Device // key: host
	version      int64
	lastSync     time.Time
	subscribers  []chan<- DeviceChangeEvent
	mu           sync.RWMutex
	stopOnce     sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewConfigSyncer(source Source, interval time.Duration) *ConfigSyncer {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConfigSyncer{
		source:       source,
		syncInterval: interval,
		devices:      make(map[string]manager.Device),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start 立即同步一次，之后按间隔同步，直到 Stop。同步失败只记录日志，保留上一版设备列表。
func (cs *ConfigSyncer) Start() {
	if err := cs.Sync(); err != nil {
		logger.Errorf(moduleName, "initial sync failed: %v", err)
	}
	if cs.syncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cs.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := cs.Sync(); err != nil {
				logger.Warnf(moduleName, "sync failed: %v (keeping version %d)", err, cs.Version())
			}
		case <-cs.ctx.Done():
			logger.Debugf(moduleName, "syncer stopped at version %d", cs.Version())
			return
		}
	}
}

// Stop 可重复调用，停止后关闭所有订阅通道
func (cs *ConfigSyncer) Stop() {
	cs.stopOnce.Do(func() {
		cs.cancel()
		cs.mu.Lock()
		defer cs.mu.Unlock()
		for _, sub := range cs.subscribers {
			close(sub)
		}
		cs.subscribers = nil
	})
}

// Sync 拉取一次设备列表，有变更时版本号加一并通知订阅者
func (cs *ConfigSyncer) Sync() error {
	if cs.ctx.Err() != nil {
		return errors.New("syncer is stopped")
	}
	list, err := cs.source.Devices(cs.ctx)
	if err != nil {
		return err
	}
	next := make(map[string]manager.Device, len(list))
	for _, d := range list {
		if d.Config == nil {
			continue
		}
		if _, dup := next[d.Config.Host]; dup {
			logger.Warnf(moduleName, "duplicate device %s, keeping the first entry", d.Config.Host)
			continue
		}
		next[d.Config.Host] = d
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.lastSync = time.Now()
	events := cs.detectChanges(next)
	if len(events) == 0 {
		return nil
	}
	cs.devices = next
	cs.version++
	for i := range events {
		events[i].Version = cs.version
	}
	logger.Infof(moduleName, "device list changed: %d events, version %d", len(events), cs.version)
	cs.notifyAll(events)
	return nil
}

// detectChanges 调用方持有锁
func (cs *ConfigSyncer) detectChanges(next map[string]manager.Device) []DeviceChangeEvent {
	var events []DeviceChangeEvent
	for host, old := range cs.devices {
		if d, ok := next[host]; !ok {
			events = append(events, DeviceChangeEvent{Type: DeviceDelete, Device: old})
		} else if !reflect.DeepEqual(old, d) {
			events = append(events, DeviceChangeEvent{Type: DeviceUpdate, Device: d})
		}
	}
	for host, d := range next {
		if _, ok := cs.devices[host]; !ok {
			events = append(events, DeviceChangeEvent{Type: DeviceCreate, Device: d})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Device.Config.Host < events[j].Device.Config.Host
	})
	return events
}

// notifyAll 调用方持有锁，订阅通道满时丢弃事件
func (cs *ConfigSyncer) notifyAll(events []DeviceChangeEvent) {
	for _, event := range events {
		for _, sub := range cs.subscribers {
			select {
			case sub <- event:
			default:
				logger.Warnf(moduleName, "subscriber channel full, dropped %s event for %s", event.Type, event.Device.Config.Host)
			}
		}
	}
}

// Subscribe 返回事件通道和取消函数
func (cs *ConfigSyncer) Subscribe() (<-chan DeviceChangeEvent, func()) {
	ch := make(chan DeviceChangeEvent, 100)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.ctx.Err() != nil {
		close(ch)
		return ch, func() {}
	}
	cs.subscribers = append(cs.subscribers, ch)
	return ch, func() { cs.unsubscribe(ch) }
}

func (cs *ConfigSyncer) unsubscribe(ch chan DeviceChangeEvent) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i, sub := range cs.subscribers {
		if sub == ch {
			cs.subscribers = append(cs.subscribers[:i], cs.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Devices 当前设备列表，按 host 排序
func (cs *ConfigSyncer) Devices() []manager.Device {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]manager.Device, 0, len(cs.devices))
	for _, d := range cs.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Host < out[j].Config.Host })
	return out
}

func (cs *ConfigSyncer) Version() int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.version
}

func (cs *ConfigSyncer) LastSyncTime() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.lastSync
}

// Follow 把变更应用到队列，直到订阅通道关闭
func Follow(cs *ConfigSyncer, q *manager.IntervalQueue) {
	events, cancel := cs.Subscribe()
	defer cancel()
	for range events {
		q.ReplaceAll(cs.Devices())
	}
}
