package scheduler

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry 调度器实例注册表
//
// 按调用方提供的id管理多个独立调度器；
// 同id重复创建时先完整取消旧实例，保证不泄漏定时器
type Registry struct {
	clock           Clock
	catchUpCap      int
	backgroundCheck time.Duration
	logger          *zap.Logger

	mu        sync.Mutex
	instances map[string]*FrequencyScheduler
}

// NewRegistry 创建注册表
func NewRegistry(clock Clock, catchUpCap int, backgroundCheck time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		clock:           clock,
		catchUpCap:      catchUpCap,
		backgroundCheck: backgroundCheck,
		logger:          logger,
		instances:       make(map[string]*FrequencyScheduler),
	}
}

// Start 按频率标签启动一个调度器
func (r *Registry) Start(id string, label string, cb TickFunc) (*FrequencyScheduler, error) {
	period, err := ParseFrequency(label)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if prev, ok := r.instances[id]; ok {
		// 先停旧实例，避免同id双重触发
		r.mu.Unlock()
		prev.Stop()
		r.mu.Lock()
	}
	s := New(id, period, cb, r.clock, r.catchUpCap, r.backgroundCheck, r.logger)
	r.instances[id] = s
	r.mu.Unlock()

	s.Start()

	r.logger.Info("Scheduler started",
		zap.String("scheduler_id", id),
		zap.String("frequency", label),
		zap.Duration("period", period),
	)
	return s, nil
}

// Stop 停止指定调度器
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	s, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("scheduler %s not found", id)
	}
	s.Stop()

	r.logger.Info("Scheduler stopped", zap.String("scheduler_id", id))
	return nil
}

// StopAll 停止所有调度器
func (r *Registry) StopAll() {
	r.mu.Lock()
	instances := make([]*FrequencyScheduler, 0, len(r.instances))
	for _, s := range r.instances {
		instances = append(instances, s)
	}
	r.instances = make(map[string]*FrequencyScheduler)
	r.mu.Unlock()

	for _, s := range instances {
		s.Stop()
	}
}

// SetBackgrounded 向所有调度器广播前后台状态
func (r *Registry) SetBackgrounded(backgrounded bool) {
	r.mu.Lock()
	instances := make([]*FrequencyScheduler, 0, len(r.instances))
	for _, s := range r.instances {
		instances = append(instances, s)
	}
	r.mu.Unlock()

	for _, s := range instances {
		s.SetBackgrounded(backgrounded)
	}
}
