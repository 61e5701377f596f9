package manager

import (
	"context"
	"sync"
	"time"

	"github.com/charlesren/netpriv/internal/logger"
)

// IntervalQueue 按固定间隔发出执行信号，保存每轮要处理的设备
type IntervalQueue struct {
	interval   time.Duration
	devices    []Device
	mu         sync.Mutex
	execNotify chan struct{}
	stopChan   chan struct{}
	stopOnce   sync.Once
	ticker     *time.Ticker
}

// NewIntervalQueue 创建后立即开始计时
func NewIntervalQueue(interval time.Duration, devices ...Device) *IntervalQueue {
	// time.NewTicker 不接受非正数
	if interval <= 0 {
		interval = time.Nanosecond
	}
	q := &IntervalQueue{
		interval:   interval,
		devices:    append([]Device(nil), devices...),
		execNotify: make(chan struct{}, 1),
		ticker:     time.NewTicker(interval),
		stopChan:   make(chan struct{}),
	}
	go q.schedule()
	return q
}

func (q *IntervalQueue) schedule() {
	logger.Debugf(moduleName, "queue started (interval=%v)", q.interval)
	for {
		select {
		case <-q.ticker.C:
			select {
			case q.execNotify <- struct{}{}:
			default:
				// 上一轮还没执行完，合并信号
				logger.Warnf(moduleName, "previous round still running, tick dropped (interval=%v)", q.interval)
			}
		case <-q.stopChan:
			logger.Debugf(moduleName, "queue stopped (interval=%v)", q.interval)
			return
		}
	}
}

// ExecNotify 每个间隔一次的执行信号
func (q *IntervalQueue) ExecNotify() <-chan struct{} {
	return q.execNotify
}

// Snapshot 本轮要处理的设备
func (q *IntervalQueue) Snapshot() []Device {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]Device, len(q.devices))
	copy(snapshot, q.devices)
	return snapshot
}

func (q *IntervalQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.devices) == 0
}

func (q *IntervalQueue) Add(dev Device) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.devices = append(q.devices, dev)
}

// Remove 按 host 移除设备
func (q *IntervalQueue) Remove(host string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, d := range q.devices {
		if d.Config != nil && d.Config.Host == host {
			q.devices = append(q.devices[:i], q.devices[i+1:]...)
			return
		}
	}
}

func (q *IntervalQueue) Contains(host string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range q.devices {
		if d.Config != nil && d.Config.Host == host {
			return true
		}
	}
	return false
}

// ReplaceAll 整体替换设备列表，下一轮生效
func (q *IntervalQueue) ReplaceAll(devices []Device) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.devices = append([]Device(nil), devices...)
}

func (q *IntervalQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopChan)
		q.ticker.Stop()
	})
}

// Watch 立即执行一轮，之后每个间隔执行一轮，直到 ctx 结束。每轮结果交给 report。
func (m *Manager) Watch(ctx context.Context, q *IntervalQueue, job Job, report func([]Result)) error {
	defer q.Stop()
	for {
		results := m.Run(ctx, q.Snapshot(), job)
		if report != nil {
			report(results)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.ExecNotify():
		}
	}
}
