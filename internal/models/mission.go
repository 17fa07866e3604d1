package models

// MissionStats 任务级统计指标
// 均值只统计非空通道值；空通道结果为0，不产生NaN
type MissionStats struct {
	AvgPM1         float64  `json:"avg_pm1"`
	AvgPM25        float64  `json:"avg_pm25"`
	AvgPM10        float64  `json:"avg_pm10"`
	MaxPM1         float64  `json:"max_pm1"`
	MaxPM25        float64  `json:"max_pm25"`
	MaxPM10        float64  `json:"max_pm10"`
	AvgTemperature *float64 `json:"avg_temperature,omitempty"`
	AvgHumidity    *float64 `json:"avg_humidity,omitempty"`
	DurationMS     int64    `json:"duration_ms"`
	SampleCount    int      `json:"sample_count"`
}

// Mission 一次完成的记录任务（落库后不可变更）
//
// ID 在会话打开时生成一次，崩溃恢复合并时必须保留原ID，
// 保证同一逻辑会话最终只产生一条任务记录
type Mission struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	StartTime        int64        `json:"start_time"`
	EndTime          int64        `json:"end_time"`
	FrequencyLabel   string       `json:"frequency_label"`
	Samples          []Sample     `json:"samples"`
	Stats            MissionStats `json:"stats"`
	ManualContext    string       `json:"manual_context,omitempty"`
	AutomaticContext string       `json:"automatic_context,omitempty"`
	Synced           bool         `json:"synced"`
}

// MeasurementsCount 样本条数
func (m *Mission) MeasurementsCount() int {
	return len(m.Samples)
}
