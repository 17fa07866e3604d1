package models

import "encoding/json"

// SyncItemType 同步项类型
type SyncItemType string

const (
	SyncItemMission          SyncItemType = "mission"
	SyncItemMeasurementBatch SyncItemType = "measurement_batch"
)

// SyncItem 出站同步队列项
//
// 生命周期：入队 → 按退避计划尝试 → 成功删除；
// 超过最大重试次数后进入 Failed 终态（可枚举、可手动重试，不静默丢弃）
type SyncItem struct {
	ID          string          `json:"id"`
	Type        SyncItemType    `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  int64           `json:"enqueued_at"`
	RetryCount  int             `json:"retry_count"`
	LastAttempt int64           `json:"last_attempt"`
	Failed      bool            `json:"failed"`
}

// MeasurementBatch 按任务分组的测量值批次（同步载荷）
type MeasurementBatch struct {
	MissionID string   `json:"mission_id"`
	Samples   []Sample `json:"samples"`
}
