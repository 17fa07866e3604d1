package repository

import (
	"context"

	"aerosense-recorder/internal/models"
)

// MissionFilters 任务查询过滤器
type MissionFilters struct {
	Synced    *bool  // 同步状态过滤
	StartFrom int64  // 开始时间下限（毫秒，0表示不限）
	StartTo   int64  // 开始时间上限（毫秒，0表示不限）
	Context   string // 手动上下文标签
}

// MissionsRepository 任务存档Repository接口
type MissionsRepository interface {
	// SaveMission 保存任务（按ID upsert，测量值整体替换）
	SaveMission(ctx context.Context, mission *models.Mission) error

	// GetMission 获取任务（含测量值）
	GetMission(ctx context.Context, missionID string) (*models.Mission, error)

	// ListMissions 批量查询任务（不含测量值，支持过滤和分页）
	ListMissions(ctx context.Context, filters *MissionFilters, page, size int) ([]*models.Mission, int, error)

	// CountMissions 任务总数
	CountMissions(ctx context.Context) (int, error)

	// MarkSynced 标记任务已同步到云端
	MarkSynced(ctx context.Context, missionID string) error

	// DeleteMission 删除任务及其测量值
	DeleteMission(ctx context.Context, missionID string) error
}
