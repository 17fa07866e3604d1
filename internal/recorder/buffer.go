package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"aerosense-recorder/internal/models"
	"aerosense-recorder/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrSessionActive 已有活动会话时再次打开
	ErrSessionActive = errors.New("a recording session is already active")
	// ErrNoActiveSession 无活动会话时执行会话操作
	ErrNoActiveSession = errors.New("no active recording session")
	// ErrFlushInProgress 紧急落盘序列化期间拒绝写入
	ErrFlushInProgress = errors.New("emergency flush in progress")
)

// session 活动会话状态（仅Recorder内部持有）
type session struct {
	missionID        string
	name             string
	startTime        int64
	frequencyLabel   string
	manualContext    string
	automaticContext string
	samples          []models.Sample
}

// Recorder 记录缓冲
//
// 追加式样本序列：内存序列 + 每次追加直写崩溃快照，
// 进程异常终止时最多丢失一个样本。单写者：只有采样器追加，
// 中断检测器只读强制落盘；落盘序列化期间通过flushing守卫拒绝并发追加。
// 同一时刻最多一个活动会话。
type Recorder struct {
	kv          storage.KVStore
	crashKey    string
	dedupWindow time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	current  *session
	flushing bool
}

// NewRecorder 创建记录缓冲
func NewRecorder(kv storage.KVStore, crashKey string, dedupWindow time.Duration, logger *zap.Logger) *Recorder {
	return &Recorder{
		kv:          kv,
		crashKey:    crashKey,
		dedupWindow: dedupWindow,
		logger:      logger,
	}
}

// Open 打开新会话，返回本次会话的任务ID（一次生成，恢复合并时不再重新生成）
func (r *Recorder) Open(frequencyLabel, manualContext, automaticContext string, startTime int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return "", ErrSessionActive
	}

	r.current = &session{
		missionID:        uuid.NewString(),
		startTime:        startTime,
		frequencyLabel:   frequencyLabel,
		manualContext:    manualContext,
		automaticContext: automaticContext,
	}

	r.logger.Info("Recording session opened",
		zap.String("mission_id", r.current.missionID),
		zap.String("frequency", frequencyLabel),
	)
	return r.current.missionID, nil
}

// Resume 从崩溃快照恢复会话
//
// 保留原任务ID：后续完成操作更新同一条任务，不产生重复记录。
// 恢复后立即重写快照——恢复协调器读取时已删除原快照，
// 不重写的话在下一次追加前再次崩溃会丢掉全部已恢复样本
func (r *Recorder) Resume(ctx context.Context, record *models.CrashRecoveryRecord) error {
	r.mu.Lock()

	if r.current != nil {
		r.mu.Unlock()
		return ErrSessionActive
	}

	samples := make([]models.Sample, len(record.Samples))
	copy(samples, record.Samples)

	r.current = &session{
		missionID:        record.MissionID,
		name:             record.Name,
		startTime:        record.StartTime,
		frequencyLabel:   record.FrequencyLabel,
		manualContext:    record.ManualContext,
		automaticContext: record.AutomaticContext,
		samples:          samples,
	}
	snapshot := r.snapshotLocked("resume")
	r.mu.Unlock()

	if err := r.persist(ctx, snapshot); err != nil {
		// 样本仍在内存中，下次追加/落盘时重写快照
		r.logger.Warn("Failed to persist crash snapshot after resume",
			zap.String("mission_id", record.MissionID),
			zap.Error(err),
		)
	}

	r.logger.Info("Recording session resumed from crash snapshot",
		zap.String("mission_id", record.MissionID),
		zap.Int("recovered_samples", len(samples)),
	)
	return nil
}

// Active 是否存在活动会话
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// MissionID 活动会话的任务ID（无会话时返回空串）
func (r *Recorder) MissionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.missionID
}

// FrequencyLabel 活动会话的采样频率标签（无会话时返回空串）
func (r *Recorder) FrequencyLabel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.frequencyLabel
}

// SampleCount 活动会话当前样本数
func (r *Recorder) SampleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return 0
	}
	return len(r.current.samples)
}

// LastSample 活动会话最近追加的样本
func (r *Recorder) LastSample() (models.Sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || len(r.current.samples) == 0 {
		return models.Sample{}, false
	}
	return r.current.samples[len(r.current.samples)-1], true
}

// Append 追加样本
//
// 返回值first表示样本是否被实际追加：主测量值与上一样本相同
// 且时间间隔小于重复保护窗口时判定为重复回调，静默抑制。
// 追加成功后直写崩溃快照；快照写失败只记日志（样本仍在内存中）。
func (r *Recorder) Append(ctx context.Context, sample models.Sample) (bool, error) {
	r.mu.Lock()

	if r.current == nil {
		r.mu.Unlock()
		return false, ErrNoActiveSession
	}
	if r.flushing {
		r.mu.Unlock()
		return false, ErrFlushInProgress
	}

	if n := len(r.current.samples); n > 0 {
		last := r.current.samples[n-1]
		gap := sample.Timestamp - last.Timestamp
		if gap >= 0 && time.Duration(gap)*time.Millisecond < r.dedupWindow &&
			sample.PrimaryValue() == last.PrimaryValue() {
			r.mu.Unlock()
			r.logger.Debug("Duplicate sample suppressed",
				zap.Int64("gap_ms", gap),
				zap.Float64("value", sample.PrimaryValue()),
			)
			return false, nil
		}
	}

	r.current.samples = append(r.current.samples, sample)
	record := r.snapshotLocked("append")
	r.mu.Unlock()

	if err := r.persist(ctx, record); err != nil {
		// 瞬时存储故障：样本保留在内存中，下次追加/落盘时重写快照
		r.logger.Warn("Failed to persist crash snapshot after append",
			zap.String("mission_id", record.MissionID),
			zap.Int("sample_index", len(record.Samples)-1),
			zap.Error(err),
		)
	}
	return true, nil
}

// AttachEnrichment 回填天气补充数据引用
//
// 补充数据晚于样本追加到达时，只要会话仍打开就按时间戳回填；
// 会话已关闭则丢弃（任务落库后不可变更）
func (r *Recorder) AttachEnrichment(timestamp int64, weatherReferenceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return false
	}
	for i := len(r.current.samples) - 1; i >= 0; i-- {
		if r.current.samples[i].Timestamp == timestamp {
			r.current.samples[i].WeatherReferenceID = weatherReferenceID
			return true
		}
	}
	return false
}

// Flush 强制落盘（中断检测器触发）
// 可重复调用：每次覆盖写同一快照key，不产生数据重复
func (r *Recorder) Flush(ctx context.Context, reason string) error {
	r.mu.Lock()
	if r.current == nil {
		r.mu.Unlock()
		return nil
	}
	if r.flushing {
		r.mu.Unlock()
		return nil
	}
	r.flushing = true
	record := r.snapshotLocked(reason)
	r.mu.Unlock()

	err := r.persist(ctx, record)

	r.mu.Lock()
	r.flushing = false
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to flush recording buffer: %w", err)
	}

	r.logger.Info("Recording buffer flushed",
		zap.String("mission_id", record.MissionID),
		zap.String("reason", reason),
		zap.Int("samples", len(record.Samples)),
	)
	return nil
}

// Finalize 关闭会话并生成不可变任务记录
//
// 崩溃快照保留不动：调用方在任务落库或入队成功后调用
// ClearSnapshot。落库失败时快照仍在，重启走恢复路径补救
func (r *Recorder) Finalize(ctx context.Context, name string, endTime int64) (*models.Mission, error) {
	r.mu.Lock()

	if r.current == nil {
		r.mu.Unlock()
		return nil, ErrNoActiveSession
	}

	sess := r.current
	r.current = nil
	r.mu.Unlock()

	if name == "" {
		name = sess.name
	}

	mission := &models.Mission{
		ID:               sess.missionID,
		Name:             name,
		StartTime:        sess.startTime,
		EndTime:          endTime,
		FrequencyLabel:   sess.frequencyLabel,
		Samples:          sess.samples,
		Stats:            ComputeStats(sess.samples, sess.startTime, endTime),
		ManualContext:    sess.manualContext,
		AutomaticContext: sess.automaticContext,
	}

	r.logger.Info("Recording session finalized",
		zap.String("mission_id", mission.ID),
		zap.Int("samples", len(mission.Samples)),
	)
	return mission, nil
}

// ClearSnapshot 删除崩溃快照
// 仅在任务已持久化（落库或入同步队列）后调用
func (r *Recorder) ClearSnapshot(ctx context.Context) error {
	if err := r.kv.Delete(ctx, r.crashKey); err != nil {
		return fmt.Errorf("failed to delete crash snapshot: %w", err)
	}
	return nil
}

// Discard 丢弃会话，不产生任务记录
func (r *Recorder) Discard(ctx context.Context) error {
	r.mu.Lock()

	if r.current == nil {
		r.mu.Unlock()
		return ErrNoActiveSession
	}

	missionID := r.current.missionID
	r.current = nil
	r.mu.Unlock()

	if err := r.kv.Delete(ctx, r.crashKey); err != nil {
		r.logger.Warn("Failed to delete crash snapshot after discard", zap.Error(err))
	}

	r.logger.Info("Recording session discarded", zap.String("mission_id", missionID))
	return nil
}

// snapshotLocked 构建崩溃快照（调用方持锁）
func (r *Recorder) snapshotLocked(reason string) *models.CrashRecoveryRecord {
	samples := make([]models.Sample, len(r.current.samples))
	copy(samples, r.current.samples)

	return &models.CrashRecoveryRecord{
		MissionID:        r.current.missionID,
		Name:             r.current.name,
		StartTime:        r.current.startTime,
		FrequencyLabel:   r.current.frequencyLabel,
		ManualContext:    r.current.manualContext,
		AutomaticContext: r.current.automaticContext,
		Samples:          samples,
		SavedAt:          time.Now().UnixMilli(),
		Reason:           reason,
	}
}

// persist 覆盖写崩溃快照
func (r *Recorder) persist(ctx context.Context, record *models.CrashRecoveryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal crash snapshot: %w", err)
	}
	if err := r.kv.Set(ctx, r.crashKey, string(data), 0); err != nil {
		return fmt.Errorf("failed to write crash snapshot: %w", err)
	}
	return nil
}
