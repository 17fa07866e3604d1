package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aerosense-recorder/internal/models"
	"aerosense-recorder/internal/recorder"
	"aerosense-recorder/internal/storage"

	"go.uber.org/zap"
)

// State 启动恢复状态机的终态/中间态
type State string

const (
	// StateNoOrphan 无孤儿会话（或快照过期/损坏已删除）
	StateNoOrphan State = "no_orphan"
	// StateOrphanFound 发现新鲜孤儿会话，等待决策
	StateOrphanFound State = "orphan_found"
	// StateRecovered 孤儿会话已并入活动会话或直接补存为任务
	StateRecovered State = "recovered"
	// StateDiscarded 孤儿会话已丢弃
	StateDiscarded State = "discarded"
)

// Decision 用户/策略对孤儿会话的处置
type Decision string

const (
	// DecisionResume 继续记录：恢复缓冲，新样本归属原任务ID
	DecisionResume Decision = "resume"
	// DecisionComplete 立即保存：孤儿内容单独成为最终任务
	DecisionComplete Decision = "complete"
	// DecisionDiscard 丢弃：不产生任务
	DecisionDiscard Decision = "discard"
)

// MissionArchiver 任务落库接口（按ID upsert，恢复重存不产生重复）
type MissionArchiver interface {
	SaveMission(ctx context.Context, mission *models.Mission) error
}

// MissionEnqueuer 任务同步入队接口
type MissionEnqueuer interface {
	EnqueueMission(ctx context.Context, mission *models.Mission) error
}

// Reconciler 崩溃恢复协调器
//
// 启动时检查崩溃快照：快照读取一次后立即删除（无论保留或丢弃），
// 绝不二次评估。核心不变量——同一逻辑会话无论经历多少次崩溃/恢复，
// 最终只产生一条任务记录、一个稳定ID。
type Reconciler struct {
	kv        storage.KVStore
	crashKey  string
	staleness time.Duration
	rec       *recorder.Recorder
	archive   MissionArchiver
	queue     MissionEnqueuer
	logger    *zap.Logger

	// 时间源（测试中替换）
	now func() time.Time
}

// NewReconciler 创建恢复协调器
func NewReconciler(
	kv storage.KVStore,
	crashKey string,
	staleness time.Duration,
	rec *recorder.Recorder,
	archive MissionArchiver,
	queue MissionEnqueuer,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		kv:        kv,
		crashKey:  crashKey,
		staleness: staleness,
		rec:       rec,
		archive:   archive,
		queue:     queue,
		logger:    logger,
		now:       time.Now,
	}
}

// Inspect 读取并消费崩溃快照
//
// 返回nil表示NoOrphan：不存在、损坏（删除后忽略）或超过过期窗口。
// 快照key在读取后立即删除，后续决策只基于返回的内存副本。
func (r *Reconciler) Inspect(ctx context.Context) (*models.CrashRecoveryRecord, error) {
	val, err := r.kv.Get(ctx, r.crashKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read crash snapshot: %w", err)
	}

	// 读取即删除：快照绝不被评估两次
	if err := r.kv.Delete(ctx, r.crashKey); err != nil {
		r.logger.Warn("Failed to delete crash snapshot after read", zap.Error(err))
	}

	var record models.CrashRecoveryRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		// 损坏快照：删除后按NoOrphan处理，不阻塞启动
		r.logger.Error("Corrupt crash snapshot deleted", zap.Error(err))
		return nil, nil
	}

	age := r.now().UnixMilli() - record.SavedAt
	if time.Duration(age)*time.Millisecond > r.staleness {
		r.logger.Info("Stale crash snapshot deleted",
			zap.String("mission_id", record.MissionID),
			zap.Int64("age_ms", age),
		)
		return nil, nil
	}

	r.logger.Info("Orphaned recording session found",
		zap.String("mission_id", record.MissionID),
		zap.Int("samples", len(record.Samples)),
		zap.String("reason", record.Reason),
	)
	return &record, nil
}

// Reconcile 按决策处置孤儿会话
func (r *Reconciler) Reconcile(ctx context.Context, record *models.CrashRecoveryRecord, decision Decision) (State, error) {
	switch decision {
	case DecisionDiscard:
		r.logger.Info("Orphaned session discarded", zap.String("mission_id", record.MissionID))
		return StateDiscarded, nil

	case DecisionResume:
		if err := r.rec.Resume(ctx, record); err != nil {
			return StateOrphanFound, fmt.Errorf("failed to resume orphaned session: %w", err)
		}
		return StateRecovered, nil

	case DecisionComplete:
		mission := recorder.MissionFromRecord(record, "", 0)
		if err := r.archive.SaveMission(ctx, mission); err != nil {
			return StateOrphanFound, fmt.Errorf("failed to archive recovered mission: %w", err)
		}
		if err := r.queue.EnqueueMission(ctx, mission); err != nil {
			// 入队失败不致命：任务已落库，后续可手动同步
			r.logger.Error("Failed to enqueue recovered mission for sync",
				zap.String("mission_id", mission.ID),
				zap.Error(err),
			)
		}
		r.logger.Info("Orphaned session completed as mission",
			zap.String("mission_id", mission.ID),
			zap.Int("samples", len(mission.Samples)),
		)
		return StateRecovered, nil

	default:
		return StateOrphanFound, fmt.Errorf("unknown recovery decision: %s", decision)
	}
}

// Run 执行一次启动恢复流程
// decide 为决策回调（交互场景由UI层提供，无人值守场景用固定策略）
func (r *Reconciler) Run(ctx context.Context, decide func(record *models.CrashRecoveryRecord) Decision) (State, error) {
	record, err := r.Inspect(ctx)
	if err != nil {
		return StateNoOrphan, err
	}
	if record == nil {
		return StateNoOrphan, nil
	}
	return r.Reconcile(ctx, record, decide(record))
}

// PolicyDecision 无人值守策略转决策回调
// 支持 "keep"（补存为任务）、"resume"（继续记录）、"discard"；
// 未知值回退到keep语义
func PolicyDecision(policy string) func(record *models.CrashRecoveryRecord) Decision {
	return func(record *models.CrashRecoveryRecord) Decision {
		switch policy {
		case "discard":
			return DecisionDiscard
		case "resume":
			return DecisionResume
		default:
			return DecisionComplete
		}
	}
}
