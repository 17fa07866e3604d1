package models

// CrashRecoveryRecord 崩溃恢复快照
//
// 活动会话期间每次强制落盘时覆盖写入；
// 下次启动时读取一次后立即删除（无论保留还是丢弃）
type CrashRecoveryRecord struct {
	MissionID        string   `json:"mission_id"`
	Name             string   `json:"name"`
	StartTime        int64    `json:"start_time"`
	FrequencyLabel   string   `json:"frequency_label"`
	ManualContext    string   `json:"manual_context,omitempty"`
	AutomaticContext string   `json:"automatic_context,omitempty"`
	Samples          []Sample `json:"samples"`
	// 快照写入时间（毫秒时间戳），用于过期判定
	SavedAt int64 `json:"saved_at"`
	// 触发落盘的中断信号类型
	Reason string `json:"reason,omitempty"`
}
