package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aerosense-recorder/internal/models"

	"go.uber.org/zap"
)

// Callback 中断事件回调（允许异步耗时操作，如紧急落盘）
type Callback func(ctx context.Context, ev models.InterruptionEvent) error

// Detector 中断检测器
//
// 接收宿主生命周期信号并分发给所有订阅者。关键信号（pagehide/
// beforeunload/freeze）下回调整体与限时deadline赛跑，超时即放行——
// 落盘尽力而为，不阻塞宿主销毁。非关键信号（blur等）在无活动记录
// 时整体抑制，避免误触发落盘抖动。
//
// 单个订阅者失败（错误或panic）被捕获记录，不影响其他订阅者执行。
type Detector struct {
	criticalTimeout time.Duration
	logger          *zap.Logger

	mu              sync.Mutex
	subs            map[int]Callback
	nextID          int
	recordingActive bool
}

// NewDetector 创建中断检测器
func NewDetector(criticalTimeout time.Duration, logger *zap.Logger) *Detector {
	if criticalTimeout <= 0 {
		criticalTimeout = 500 * time.Millisecond
	}
	return &Detector{
		criticalTimeout: criticalTimeout,
		logger:          logger,
		subs:            make(map[int]Callback),
	}
}

// Subscribe 注册订阅者，返回注销函数
func (d *Detector) Subscribe(cb Callback) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = cb
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// SetRecordingActive 由记录子系统显式维护"是否有活动记录"标记
func (d *Detector) SetRecordingActive(active bool) {
	d.mu.Lock()
	d.recordingActive = active
	d.mu.Unlock()
}

// RecordingActive 当前是否有活动记录
func (d *Detector) RecordingActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recordingActive
}

// Dispatch 分发一个生命周期信号
//
// 关键信号限时等待订阅者完成；非关键信号完整等待，
// 且在无活动记录时直接跳过
func (d *Detector) Dispatch(ctx context.Context, kind models.InterruptionKind) {
	d.mu.Lock()
	wasRecording := d.recordingActive
	callbacks := make([]Callback, 0, len(d.subs))
	for _, cb := range d.subs {
		callbacks = append(callbacks, cb)
	}
	d.mu.Unlock()

	ev := models.InterruptionEvent{
		Kind:         kind,
		Timestamp:    time.Now().UnixMilli(),
		WasRecording: wasRecording,
	}

	if !kind.Critical() && !wasRecording {
		d.logger.Debug("Non-critical lifecycle signal ignored (no active recording)",
			zap.String("kind", string(kind)),
		)
		return
	}

	d.logger.Info("Lifecycle signal",
		zap.String("kind", string(kind)),
		zap.Bool("was_recording", wasRecording),
		zap.Bool("critical", kind.Critical()),
	)

	if kind.Critical() {
		d.dispatchCritical(ctx, ev, callbacks)
		return
	}

	for _, cb := range callbacks {
		if err := safeInvoke(ctx, cb, ev); err != nil {
			d.logger.Error("Interruption callback failed",
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}
}

// dispatchCritical 关键路径分发：所有回调并发执行，整体与deadline赛跑
func (d *Detector) dispatchCritical(ctx context.Context, ev models.InterruptionEvent, callbacks []Callback) {
	ctx, cancel := context.WithTimeout(ctx, d.criticalTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, cb := range callbacks {
		wg.Add(1)
		go func(cb Callback) {
			defer wg.Done()
			if err := safeInvoke(ctx, cb, ev); err != nil {
				d.logger.Error("Critical interruption callback failed",
					zap.String("kind", string(ev.Kind)),
					zap.Error(err),
				)
			}
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.criticalTimeout):
		// 超时放行：宿主即将销毁，不能无限等待慢回调
		d.logger.Warn("Critical interruption handling timed out",
			zap.String("kind", string(ev.Kind)),
			zap.Duration("timeout", d.criticalTimeout),
		)
	}
}

// safeInvoke 执行单个回调并捕获panic
func safeInvoke(ctx context.Context, cb Callback, ev models.InterruptionEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interruption callback panicked: %v", r)
		}
	}()
	return cb(ctx, ev)
}
