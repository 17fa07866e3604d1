package scheduler

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock 时钟抽象（用于在单元测试中模拟时间）
type Clock interface {
	Now() time.Time
}

// SystemClock 系统时钟
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TickFunc 采样回调，ts为该tick的目标时刻（一次性赋值，下游不得重新取当前时间）
type TickFunc func(ts time.Time)

// ParseFrequency 解析用户侧频率标签（"10s" → 10s）
func ParseFrequency(label string) (time.Duration, error) {
	d, err := time.ParseDuration(label)
	if err != nil {
		return 0, fmt.Errorf("invalid frequency label %q: %w", label, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid frequency label %q: period must be positive", label)
	}
	return d, nil
}

// FrequencyScheduler 无漂移周期调度器
//
// 间隔核算基于累积deadline（每次触发后 deadline += P），不重置固定延时定时器，
// 因此长时间运行不产生累积漂移。首次触发对齐到周期P的下一个整点边界；
// 已对齐（余数为0）时立即触发。
//
// 宿主挂起后错过的deadline按补发上限逐个补发，超出部分合并跳过（保持相位）。
type FrequencyScheduler struct {
	id              string
	period          time.Duration
	cb              TickFunc
	clock           Clock
	catchUpCap      int
	backgroundCheck time.Duration
	logger          *zap.Logger

	mu           sync.Mutex
	deadline     time.Time
	stopped      bool
	backgrounded bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New 创建调度器（不启动）
func New(id string, period time.Duration, cb TickFunc, clock Clock, catchUpCap int, backgroundCheck time.Duration, logger *zap.Logger) *FrequencyScheduler {
	if catchUpCap <= 0 {
		catchUpCap = 5
	}
	if backgroundCheck <= 0 {
		backgroundCheck = 2 * time.Second
	}
	return &FrequencyScheduler{
		id:              id,
		period:          period,
		cb:              cb,
		clock:           clock,
		catchUpCap:      catchUpCap,
		backgroundCheck: backgroundCheck,
		logger:          logger,
		wake:            make(chan struct{}, 1),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start 启动调度器
//
// 首个deadline对齐到墙钟上P的整数倍边界；余数为0时当场触发一次
func (s *FrequencyScheduler) Start() {
	s.mu.Lock()
	now := s.clock.Now()
	rem := time.Duration(now.UnixMilli()%s.period.Milliseconds()) * time.Millisecond
	if rem == 0 {
		s.deadline = now
	} else {
		s.deadline = now.Add(s.period - rem)
	}
	s.mu.Unlock()

	// 已对齐时立即触发，不等待一个完整周期
	s.check()

	go s.run()
}

// Stop 停止调度器
// 返回后保证不再有任何回调触发
func (s *FrequencyScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	s.mu.Unlock()

	<-s.done
}

// SetBackgrounded 切换前后台轮询节奏
// 后台降低检查频率以减少唤醒，不影响已触发tick的时间戳正确性
func (s *FrequencyScheduler) SetBackgrounded(backgrounded bool) {
	s.mu.Lock()
	s.backgrounded = backgrounded
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Period 当前调度周期
func (s *FrequencyScheduler) Period() time.Duration {
	return s.period
}

func (s *FrequencyScheduler) run() {
	defer close(s.done)
	for {
		timer := time.NewTimer(s.checkInterval())
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-s.wake:
			// 前后台切换，立刻按新节奏重新布防
			timer.Stop()
		case <-timer.C:
			s.check()
		}
	}
}

// checkInterval 内部检查间隔：前台P/10（下限100ms），后台固定慢节奏
func (s *FrequencyScheduler) checkInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backgrounded {
		return s.backgroundCheck
	}
	interval := s.period / 10
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// check 对照累积deadline触发到期回调
// 持锁执行回调：Stop返回即保证无后续回调（回调内不得反向调用本调度器）
func (s *FrequencyScheduler) check() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	now := s.clock.Now()
	fired := 0
	for !s.deadline.After(now) && fired < s.catchUpCap {
		ts := s.deadline
		s.deadline = s.deadline.Add(s.period)
		fired++
		s.cb(ts)
	}

	// 超出补发上限的deadline合并跳过（保持相位），避免长挂起后回调风暴
	if !s.deadline.After(now) {
		skipped := now.Sub(s.deadline)/s.period + 1
		s.deadline = s.deadline.Add(time.Duration(skipped) * s.period)
		s.logger.Debug("Scheduler coalesced missed deadlines",
			zap.String("scheduler_id", s.id),
			zap.Int64("skipped", int64(skipped)),
		)
	}
}
