// Package aggregator 收集每台设备的执行结果，攒批后交给各个 Handler 输出。
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/charlesren/netpriv/engine"
	"github.com/charlesren/netpriv/internal/logger"
	"github.com/charlesren/netpriv/manager"
)

const moduleName = "aggregator"

var (
	ErrQueueFull = errors.New("aggregator queue is full")
	ErrStopped   = errors.New("aggregator is stopped")
)

// ResultEvent 单台设备一轮执行的摘要
type ResultEvent struct {
	Host           string        `json:"host"`
	Platform       string        `json:"platform"`
	SessionID      string        `json:"session_id,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	Success        bool          `json:"success"`
	ErrorCode      string        `json:"error_code,omitempty"`
	Error          string        `json:"error,omitempty"`
	Commands       int           `json:"commands"`
	FailedCommands int           `json:"failed_commands"`
	Attempts       int           `json:"attempts"`
	Duration       time.Duration `json:"duration"`
}

// NewResultEvent 从 manager.Result 生成事件
func NewResultEvent(r manager.Result) ResultEvent {
	e := ResultEvent{
		Host:      r.Host,
		Platform:  r.Platform,
		SessionID: r.SessionID,
		Timestamp: r.StartedAt.Add(r.Duration),
		Success:   r.Err == nil,
		Attempts:  r.Attempts,
		Duration:  r.Duration,
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
		e.ErrorCode = string(engine.ErrorCodeOf(r.Err))
	}
	if r.Response != nil {
		e.Commands = len(r.Response.Responses)
		for _, resp := range r.Response.Responses {
			if resp.Failed {
				e.FailedCommands++
			}
		}
	}
	return e
}

// ResultHandler 批量处理事件
type ResultHandler interface {
	HandleResult(events []ResultEvent) error
}

// Aggregator 事件先进入队列，由 worker 放入缓冲区，缓冲区满或定时器到期时刷新
type Aggregator struct {
	handlers      []ResultHandler
	eventChan     chan ResultEvent
	workers       int
	buffer        []ResultEvent
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	wg            sync.WaitGroup
	stopOnce      sync.Once
	ctx           context.Context
	cancel        context.CancelFunc

	stats struct {
		sync.RWMutex
		totalEvents   int64
		successEvents int64
		failedEvents  int64
		lastFlush     time.Time
	}
}

func NewAggregator(workers, bufferSize int, flushInterval time.Duration) *Aggregator {
	if workers <= 0 {
		workers = 1
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		eventChan:     make(chan ResultEvent, workers*bufferSize),
		workers:       workers,
		buffer:        make([]ResultEvent, 0, bufferSize),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// AddHandler 须在 Start 之前调用
func (a *Aggregator) AddHandler(handler ResultHandler) {
	a.handlers = append(a.handlers, handler)
	logger.Debugf(moduleName, "added handler %T (total %d)", handler, len(a.handlers))
}

func (a *Aggregator) Start() {
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker(i)
	}
	if a.flushInterval > 0 {
		a.wg.Add(1)
		go a.bufferManager()
	}
	logger.Infof(moduleName, "started with %d workers, buffer size %d, flush interval %v, %d handlers",
		a.workers, a.bufferSize, a.flushInterval, len(a.handlers))
}

// Stop 处理完队列中剩余的事件后做最后一次刷新
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
		a.wg.Wait()
		a.drain()
		a.flush()
		stats := a.GetStats()
		logger.Infof(moduleName, "stopped - total events: %d (success: %d, failed: %d)",
			stats.TotalEvents, stats.SuccessEvents, stats.FailedEvents)
	})
}

func (a *Aggregator) Submit(event ResultEvent) error {
	if a.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case a.eventChan <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitResults 提交一轮的全部结果，返回第一个提交错误
func (a *Aggregator) SubmitResults(results []manager.Result) error {
	var first error
	for _, r := range results {
		if err := a.Submit(NewResultEvent(r)); err != nil {
			logger.Warnf(moduleName, "drop result for %s: %v", r.Host, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (a *Aggregator) worker(id int) {
	defer a.wg.Done()
	for {
		select {
		case event := <-a.eventChan:
			a.processEvent(id, event)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Aggregator) drain() {
	for {
		select {
		case event := <-a.eventChan:
			a.processEvent(-1, event)
		default:
			return
		}
	}
}

func (a *Aggregator) processEvent(workerID int, event ResultEvent) {
	a.mu.Lock()
	a.buffer = append(a.buffer, event)
	shouldFlush := len(a.buffer) >= a.bufferSize
	a.mu.Unlock()

	a.updateStats(event)
	if shouldFlush {
		a.flush()
	}
	logger.Debugf(moduleName, "worker %d: processed %s (success: %t, duration: %v)",
		workerID, event.Host, event.Success, event.Duration)
}

func (a *Aggregator) bufferManager() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.ctx.Done():
			return
		}
	}
}

// Flush 立即刷新缓冲区
func (a *Aggregator) Flush() {
	a.flush()
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return
	}
	events := make([]ResultEvent, len(a.buffer))
	copy(events, a.buffer)
	a.buffer = a.buffer[:0]
	a.mu.Unlock()

	a.handleEvents(events)

	a.stats.Lock()
	a.stats.lastFlush = time.Now()
	a.stats.Unlock()
}

func (a *Aggregator) handleEvents(events []ResultEvent) {
	if len(a.handlers) == 0 {
		logger.Warnf(moduleName, "no handlers registered, dropping %d events", len(events))
		return
	}
	for _, handler := range a.handlers {
		if err := handler.HandleResult(events); err != nil {
			logger.Errorf(moduleName, "handler %T failed to process %d events: %v", handler, len(events), err)
		}
	}
}

func (a *Aggregator) updateStats(event ResultEvent) {
	a.stats.Lock()
	defer a.stats.Unlock()
	a.stats.totalEvents++
	if event.Success {
		a.stats.successEvents++
	} else {
		a.stats.failedEvents++
	}
}

type AggregatorStats struct {
	TotalEvents   int64     `json:"total_events"`
	SuccessEvents int64     `json:"success_events"`
	FailedEvents  int64     `json:"failed_events"`
	LastFlush     time.Time `json:"last_flush"`
	QueueLength   int       `json:"queue_length"`
}

func (a *Aggregator) GetStats() AggregatorStats {
	a.stats.RLock()
	defer a.stats.RUnlock()
	return AggregatorStats{
		TotalEvents:   a.stats.totalEvents,
		SuccessEvents: a.stats.successEvents,
		FailedEvents:  a.stats.failedEvents,
		LastFlush:     a.stats.lastFlush,
		QueueLength:   len(a.eventChan),
	}
}

// LogHandler 每个事件一行日志
type LogHandler struct{}

func (h *LogHandler) HandleResult(events []ResultEvent) error {
	for _, e := range events {
		if e.Success {
			logger.Infof("result", "%s %s ok: %d commands, %d failed (duration: %v)",
				e.Host, e.Platform, e.Commands, e.FailedCommands, e.Duration)
		} else {
			logger.Warnf("result", "%s %s failed [%s]: %s (duration: %v)",
				e.Host, e.Platform, e.ErrorCode, e.Error, e.Duration)
		}
	}
	return nil
}

// JSONLinesHandler 每个事件写一行 JSON，文件按大小滚动
type JSONLinesHandler struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

func NewJSONLinesHandler(filename string, maxSizeMB, maxBackups int) *JSONLinesHandler {
	return &JSONLinesHandler{out: &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}}
}

func (h *JSONLinesHandler) HandleResult(events []ResultEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	enc := json.NewEncoder(h.out)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func (h *JSONLinesHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.out.Close()
}

// MetricsHandler 按平台和结果统计设备数
type MetricsHandler struct {
	Results *prometheus.CounterVec
	Failed  *prometheus.CounterVec
}

func NewMetricsHandler(reg prometheus.Registerer) *MetricsHandler {
	h := &MetricsHandler{
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netpriv",
			Name:      "device_results_total",
			Help:      "Device runs by platform and outcome",
		}, []string{"platform", "outcome"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netpriv",
			Name:      "device_failed_commands_total",
			Help:      "Commands whose output contained a failure marker",
		}, []string{"platform"}),
	}
	if reg != nil {
		reg.MustRegister(h.Results, h.Failed)
	}
	return h
}

func (h *MetricsHandler) HandleResult(events []ResultEvent) error {
	for _, e := range events {
		outcome := "ok"
		if !e.Success {
			outcome = "failed"
		}
		h.Results.WithLabelValues(e.Platform, outcome).Inc()
		if e.FailedCommands > 0 {
			h.Failed.WithLabelValues(e.Platform).Add(float64(e.FailedCommands))
		}
	}
	return nil
}
