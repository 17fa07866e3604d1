package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock 可手动推进的模拟时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// alignedStart 对齐到10s边界的起始时刻
var alignedStart = time.UnixMilli(1_700_000_000_000)

type tickRecorder struct {
	mu    sync.Mutex
	ticks []time.Time
}

func (r *tickRecorder) record(ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, ts)
}

func (r *tickRecorder) snapshot() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Time, len(r.ticks))
	copy(out, r.ticks)
	return out
}

func newTestScheduler(clock Clock, period time.Duration, rec *tickRecorder) *FrequencyScheduler {
	return New("test", period, rec.record, clock, 5, 2*time.Second, zap.NewNop())
}

func TestParseFrequency(t *testing.T) {
	d, err := ParseFrequency("10s")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	d, err = ParseFrequency("1m")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = ParseFrequency("fast")
	assert.Error(t, err)

	_, err = ParseFrequency("0s")
	assert.Error(t, err)

	_, err = ParseFrequency("-5s")
	assert.Error(t, err)
}

func TestScheduler_AlignedStartFiresImmediately(t *testing.T) {
	clock := newFakeClock(alignedStart)
	rec := &tickRecorder{}
	s := newTestScheduler(clock, 10*time.Second, rec)

	s.Start()
	defer s.Stop()

	ticks := rec.snapshot()
	require.Len(t, ticks, 1)
	assert.Equal(t, alignedStart.UnixMilli(), ticks[0].UnixMilli())
}

func TestScheduler_UnalignedStartWaitsForBoundary(t *testing.T) {
	// 起点偏离边界3秒：首次触发应落在下一个10s整点
	clock := newFakeClock(alignedStart.Add(3 * time.Second))
	rec := &tickRecorder{}
	s := newTestScheduler(clock, 10*time.Second, rec)

	s.Start()
	defer s.Stop()

	require.Empty(t, rec.snapshot())

	clock.Advance(7 * time.Second)
	s.check()

	ticks := rec.snapshot()
	require.Len(t, ticks, 1)
	assert.Equal(t, alignedStart.Add(10*time.Second).UnixMilli(), ticks[0].UnixMilli())
}

func TestScheduler_NoCumulativeDrift(t *testing.T) {
	const n = 50
	period := 10 * time.Second

	clock := newFakeClock(alignedStart)
	rec := &tickRecorder{}
	s := newTestScheduler(clock, period, rec)

	s.Start()
	defer s.Stop()

	// 检查时刻带抖动（检查比deadline晚最多900ms），deadline核算不受影响
	prevJitter := time.Duration(0)
	for i := 1; i <= n; i++ {
		jitter := time.Duration(i%10) * 100 * time.Millisecond
		clock.Advance(period - prevJitter + jitter)
		prevJitter = jitter
		s.check()
	}

	ticks := rec.snapshot()
	require.Len(t, ticks, n+1)
	for i, ts := range ticks {
		expected := alignedStart.Add(time.Duration(i) * period)
		assert.Equal(t, expected.UnixMilli(), ts.UnixMilli(), "tick %d drifted", i)
	}
}

func TestScheduler_CatchUpCap(t *testing.T) {
	period := 10 * time.Second

	clock := newFakeClock(alignedStart)
	rec := &tickRecorder{}
	s := newTestScheduler(clock, period, rec)

	s.Start()
	defer s.Stop()
	require.Len(t, rec.snapshot(), 1)

	// 模拟宿主挂起：时间一次性跳过12个周期
	clock.Advance(12 * period)
	s.check()

	// 补发不超过上限5个，其余合并跳过
	ticks := rec.snapshot()
	require.Len(t, ticks, 1+5)
	for i := 1; i <= 5; i++ {
		expected := alignedStart.Add(time.Duration(i) * period)
		assert.Equal(t, expected.UnixMilli(), ticks[i].UnixMilli())
	}

	// 跳过后保持相位：下一个tick仍落在周期边界上
	clock.Advance(period)
	s.check()
	ticks = rec.snapshot()
	require.Len(t, ticks, 7)
	assert.Zero(t, ticks[6].UnixMilli()%period.Milliseconds())
	assert.Greater(t, ticks[6].UnixMilli(), alignedStart.Add(12*period).UnixMilli())
}

func TestScheduler_StopPreventsFurtherTicks(t *testing.T) {
	clock := newFakeClock(alignedStart)
	rec := &tickRecorder{}
	s := newTestScheduler(clock, 10*time.Second, rec)

	s.Start()
	s.Stop()

	clock.Advance(time.Hour)
	s.check()

	assert.Len(t, rec.snapshot(), 1)

	// 重复Stop安全
	s.Stop()
}

func TestScheduler_BackgroundCheckInterval(t *testing.T) {
	clock := newFakeClock(alignedStart)
	rec := &tickRecorder{}
	s := newTestScheduler(clock, 10*time.Second, rec)

	// 前台：P/10
	assert.Equal(t, time.Second, s.checkInterval())

	s.SetBackgrounded(true)
	assert.Equal(t, 2*time.Second, s.checkInterval())

	s.SetBackgrounded(false)
	assert.Equal(t, time.Second, s.checkInterval())

	// 短周期时检查间隔不低于100ms
	fast := newTestScheduler(clock, 500*time.Millisecond, rec)
	assert.Equal(t, 100*time.Millisecond, fast.checkInterval())
}

func TestRegistry_ReplaceAndStop(t *testing.T) {
	clock := newFakeClock(alignedStart)
	r := NewRegistry(clock, 5, 2*time.Second, zap.NewNop())

	rec1 := &tickRecorder{}
	_, err := r.Start("session", "10s", rec1.record)
	require.NoError(t, err)
	require.Len(t, rec1.snapshot(), 1)

	// 同id重复创建：旧实例先被完整取消
	rec2 := &tickRecorder{}
	s2, err := r.Start("session", "10s", rec2.record)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	s2.check()

	assert.Len(t, rec1.snapshot(), 1, "old scheduler must not fire after replacement")
	assert.Len(t, rec2.snapshot(), 2)

	require.NoError(t, r.Stop("session"))
	assert.Error(t, r.Stop("session"))

	_, err = r.Start("session", "bogus", rec2.record)
	assert.Error(t, err)
}
