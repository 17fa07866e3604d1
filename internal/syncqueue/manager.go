package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"aerosense-recorder/internal/models"
	"aerosense-recorder/internal/storage"

	"go.uber.org/zap"
)

// ErrItemNotFound 队列中不存在指定ID的同步项
var ErrItemNotFound = errors.New("sync item not found")

// ErrPassInProgress 有处理轮正在执行，手动重试被拒绝
// 同一项绝不允许两个并发的上传尝试
var ErrPassInProgress = errors.New("sync pass in progress")

// DefaultBackoffSchedule 重试退避计划
// 按 min(retryCount, len-1) 取值，超出后封顶在最后一档
var DefaultBackoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Uploader 云端上传接口
type Uploader interface {
	UploadMission(ctx context.Context, mission *models.Mission) error
	UploadMeasurements(ctx context.Context, batch *models.MeasurementBatch) error
}

// Connectivity 网络连通性查询
type Connectivity interface {
	Online() bool
}

// Metrics 队列处理监控指标
type Metrics struct {
	mu sync.RWMutex

	ItemsAttempted int64 // 尝试上传的总次数
	ItemsSucceeded int64 // 成功上传并出队的项数
	ItemsFailed    int64 // 进入失败终态的项数
	PassesSkipped  int64 // 因上一轮未结束而跳过的处理轮数
	LastPassTime   time.Time
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		ItemsAttempted: m.ItemsAttempted,
		ItemsSucceeded: m.ItemsSucceeded,
		ItemsFailed:    m.ItemsFailed,
		PassesSkipped:  m.PassesSkipped,
		LastPassTime:   m.LastPassTime,
	}
}

// Manager 同步队列管理器
//
// 持久化的出站队列：任务/测量批次按退避计划重试上传。
// 处理轮按固定周期运行，网络由离线转在线时立即补跑一轮；
// 离线期间整轮no-op，不空转消耗重试次数。同一时刻最多一轮在处理
// （isProcessing守卫），单项失败不中断同轮后续项。
//
// 超过最大重试次数的项进入失败终态：不再自动处理、可枚举、
// 可手动重试，绝不静默删除。
type Manager struct {
	kv             storage.KVStore
	queueKey       string
	uploader       Uploader
	connectivity   Connectivity
	maxRetries     int
	tick           time.Duration
	attemptTimeout time.Duration
	backoff        []time.Duration
	logger         *zap.Logger
	metrics        *Metrics

	// 时间源（测试中替换）
	now func() time.Time
	// 任务上传成功回调（用于本地存档标记synced）
	onMissionSynced func(missionID string)

	mu           sync.Mutex
	items        []*models.SyncItem
	isProcessing bool

	online chan struct{}
}

// NewManager 创建同步队列管理器
func NewManager(
	kv storage.KVStore,
	queueKey string,
	uploader Uploader,
	connectivity Connectivity,
	maxRetries int,
	tick time.Duration,
	attemptTimeout time.Duration,
	logger *zap.Logger,
) *Manager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if tick <= 0 {
		tick = 30 * time.Second
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 15 * time.Second
	}
	return &Manager{
		kv:             kv,
		queueKey:       queueKey,
		uploader:       uploader,
		connectivity:   connectivity,
		maxRetries:     maxRetries,
		tick:           tick,
		attemptTimeout: attemptTimeout,
		backoff:        DefaultBackoffSchedule,
		logger:         logger,
		metrics:        &Metrics{},
		now:            time.Now,
		online:         make(chan struct{}, 1),
	}
}

// SetMissionSyncedHook 设置任务上传成功回调
func (m *Manager) SetMissionSyncedHook(hook func(missionID string)) {
	m.onMissionSynced = hook
}

// Load 从持久存储恢复队列
// 损坏的队列数据删除后从空队列重新开始，不阻塞启动
func (m *Manager) Load(ctx context.Context) error {
	val, err := m.kv.Get(ctx, m.queueKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load sync queue: %w", err)
	}

	var items []*models.SyncItem
	if err := json.Unmarshal([]byte(val), &items); err != nil {
		m.logger.Error("Corrupt sync queue state deleted", zap.Error(err))
		if err := m.kv.Delete(ctx, m.queueKey); err != nil {
			m.logger.Warn("Failed to delete corrupt sync queue state", zap.Error(err))
		}
		return nil
	}

	m.mu.Lock()
	m.items = items
	m.mu.Unlock()

	m.logger.Info("Sync queue loaded", zap.Int("items", len(items)))
	return nil
}

// Enqueue 入队（按ID upsert）
// 已存在的ID只更新载荷，重试计数等状态保持不变；入队后立即持久化
func (m *Manager) Enqueue(ctx context.Context, id string, itemType models.SyncItemType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal sync payload: %w", err)
	}

	m.mu.Lock()
	found := false
	for _, item := range m.items {
		if item.ID == id {
			item.Type = itemType
			item.Payload = data
			found = true
			break
		}
	}
	if !found {
		m.items = append(m.items, &models.SyncItem{
			ID:         id,
			Type:       itemType,
			Payload:    data,
			EnqueuedAt: m.now().UnixMilli(),
		})
	}
	err = m.persistLocked(ctx)
	m.mu.Unlock()

	if err != nil {
		return err
	}

	m.logger.Info("Sync item enqueued",
		zap.String("item_id", id),
		zap.String("type", string(itemType)),
		zap.Bool("updated", found),
	)
	return nil
}

// EnqueueMission 任务入队
func (m *Manager) EnqueueMission(ctx context.Context, mission *models.Mission) error {
	return m.Enqueue(ctx, "mission:"+mission.ID, models.SyncItemMission, mission)
}

// EnqueueMeasurements 测量批次入队
func (m *Manager) EnqueueMeasurements(ctx context.Context, batch *models.MeasurementBatch) error {
	return m.Enqueue(ctx, "measurements:"+batch.MissionID, models.SyncItemMeasurementBatch, batch)
}

// NotifyOnline 网络恢复通知：触发一轮立即处理
func (m *Manager) NotifyOnline() {
	select {
	case m.online <- struct{}{}:
	default:
	}
}

// Start 启动后台处理循环
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	m.logger.Info("Sync queue manager started",
		zap.Duration("tick", m.tick),
		zap.Int("max_retries", m.maxRetries),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Sync queue manager stopped")
			return
		case <-ticker.C:
			m.ProcessPass(ctx)
		case <-m.online:
			m.logger.Info("Connectivity restored, processing sync queue")
			m.ProcessPass(ctx)
		}
	}
}

// ProcessPass 执行一轮队列处理
//
// 仅处理到达下次重试时间的项；任务项优先于测量批次。
// 上一轮尚未结束时本轮直接跳过（不重叠）
func (m *Manager) ProcessPass(ctx context.Context) {
	m.mu.Lock()
	if m.isProcessing {
		m.mu.Unlock()
		m.metrics.mu.Lock()
		m.metrics.PassesSkipped++
		m.metrics.mu.Unlock()
		return
	}
	m.isProcessing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.isProcessing = false
		m.mu.Unlock()
	}()

	if !m.connectivity.Online() {
		// 离线：整轮no-op，不消耗重试次数
		return
	}

	now := m.now().UnixMilli()
	m.mu.Lock()
	pending := make([]*models.SyncItem, 0, len(m.items))
	for _, item := range m.items {
		if item.Failed {
			continue
		}
		if m.eligible(item, now) {
			pending = append(pending, item)
		}
	}
	m.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	// 任务优先（测量批次依赖任务在云端先存在），同类按入队时间排序
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Type != pending[j].Type {
			return pending[i].Type == models.SyncItemMission
		}
		return pending[i].EnqueuedAt < pending[j].EnqueuedAt
	})

	for _, item := range pending {
		m.attemptItem(ctx, item)
	}

	m.mu.Lock()
	if err := m.persistLocked(ctx); err != nil {
		m.logger.Error("Failed to persist sync queue after pass", zap.Error(err))
	}
	m.mu.Unlock()

	m.metrics.mu.Lock()
	m.metrics.LastPassTime = m.now()
	m.metrics.mu.Unlock()
}

// eligible 是否到达下次重试时间
func (m *Manager) eligible(item *models.SyncItem, nowMS int64) bool {
	if item.LastAttempt == 0 {
		return true
	}
	// 已失败N次的项按 schedule[min(N, len-1)] 等待，超出封顶在最后一档
	idx := item.RetryCount
	if idx > len(m.backoff)-1 {
		idx = len(m.backoff) - 1
	}
	return nowMS >= item.LastAttempt+m.backoff[idx].Milliseconds()
}

// attemptItem 对单项执行一次上传尝试（失败隔离，不中断同轮其他项）
func (m *Manager) attemptItem(ctx context.Context, item *models.SyncItem) {
	m.metrics.mu.Lock()
	m.metrics.ItemsAttempted++
	m.metrics.mu.Unlock()

	err := m.upload(ctx, item)

	m.mu.Lock()
	if err == nil {
		m.removeLocked(item.ID)
		m.mu.Unlock()

		m.metrics.mu.Lock()
		m.metrics.ItemsSucceeded++
		m.metrics.mu.Unlock()

		m.logger.Info("Sync item uploaded", zap.String("item_id", item.ID))
		if item.Type == models.SyncItemMission && m.onMissionSynced != nil {
			var mission models.Mission
			if jsonErr := json.Unmarshal(item.Payload, &mission); jsonErr == nil {
				m.onMissionSynced(mission.ID)
			}
		}
		return
	}

	item.RetryCount++
	item.LastAttempt = m.now().UnixMilli()
	if item.RetryCount >= m.maxRetries {
		item.Failed = true
	}
	failed := item.Failed
	retries := item.RetryCount
	m.mu.Unlock()

	if failed {
		m.metrics.mu.Lock()
		m.metrics.ItemsFailed++
		m.metrics.mu.Unlock()

		m.logger.Error("Sync item moved to failed state after max retries",
			zap.String("item_id", item.ID),
			zap.Int("retries", retries),
			zap.Error(err),
		)
	} else {
		m.logger.Warn("Sync item upload failed, will retry",
			zap.String("item_id", item.ID),
			zap.Int("retries", retries),
			zap.Error(err),
		)
	}
}

// upload 按类型分发上传，单次尝试带独立超时（挂起请求不拖垮整轮）
func (m *Manager) upload(ctx context.Context, item *models.SyncItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("uploader panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
	defer cancel()

	switch item.Type {
	case models.SyncItemMission:
		var mission models.Mission
		if err := json.Unmarshal(item.Payload, &mission); err != nil {
			return fmt.Errorf("corrupt mission payload: %w", err)
		}
		return m.uploader.UploadMission(ctx, &mission)
	case models.SyncItemMeasurementBatch:
		var batch models.MeasurementBatch
		if err := json.Unmarshal(item.Payload, &batch); err != nil {
			return fmt.Errorf("corrupt measurement batch payload: %w", err)
		}
		return m.uploader.UploadMeasurements(ctx, &batch)
	default:
		return fmt.Errorf("unknown sync item type: %s", item.Type)
	}
}

// Retry 手动重试指定项
//
// 无视退避时间门限与失败终态，立即执行一次尝试。
// 与ProcessPass共用isProcessing守卫：处理轮进行中时拒绝，
// 保证同一项的尝试严格串行
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.isProcessing {
		m.mu.Unlock()
		return ErrPassInProgress
	}
	var target *models.SyncItem
	for _, item := range m.items {
		if item.ID == id {
			target = item
			break
		}
	}
	if target == nil {
		m.mu.Unlock()
		return ErrItemNotFound
	}
	m.isProcessing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.isProcessing = false
		m.mu.Unlock()
	}()

	m.logger.Info("Manual retry requested", zap.String("item_id", id))
	m.attemptItem(ctx, target)

	m.mu.Lock()
	err := m.persistLocked(ctx)
	m.mu.Unlock()
	return err
}

// Items 当前队列快照（含失败项）
func (m *Manager) Items() []models.SyncItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.SyncItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, *item)
	}
	return out
}

// FailedItems 失败终态项列表（可检视，不自动处理）
func (m *Manager) FailedItems() []models.SyncItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.SyncItem
	for _, item := range m.items {
		if item.Failed {
			out = append(out, *item)
		}
	}
	return out
}

// GetMetrics 指标快照
func (m *Manager) GetMetrics() Metrics {
	return m.metrics.GetSnapshot()
}

// removeLocked 出队（调用方持锁）
func (m *Manager) removeLocked(id string) {
	for i, item := range m.items {
		if item.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return
		}
	}
}

// persistLocked 持久化队列（调用方持锁）
func (m *Manager) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(m.items)
	if err != nil {
		return fmt.Errorf("failed to marshal sync queue: %w", err)
	}
	if err := m.kv.Set(ctx, m.queueKey, string(data), 0); err != nil {
		return fmt.Errorf("failed to persist sync queue: %w", err)
	}
	return nil
}
