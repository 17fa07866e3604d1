package recorder

import "aerosense-recorder/internal/models"

// ComputeStats 计算任务级统计指标
//
// 每通道对非空值取算术平均和最大值；空序列/全空通道返回零值，不产生NaN
func ComputeStats(samples []models.Sample, startTime, endTime int64) models.MissionStats {
	stats := models.MissionStats{
		SampleCount: len(samples),
	}
	if endTime > startTime {
		stats.DurationMS = endTime - startTime
	}
	if len(samples) == 0 {
		return stats
	}

	var sumPM1, sumPM25, sumPM10 float64
	var sumTemp, sumHum float64
	var tempCount, humCount int

	for _, s := range samples {
		sumPM1 += s.Readings.PM1
		sumPM25 += s.Readings.PM25
		sumPM10 += s.Readings.PM10

		if s.Readings.PM1 > stats.MaxPM1 {
			stats.MaxPM1 = s.Readings.PM1
		}
		if s.Readings.PM25 > stats.MaxPM25 {
			stats.MaxPM25 = s.Readings.PM25
		}
		if s.Readings.PM10 > stats.MaxPM10 {
			stats.MaxPM10 = s.Readings.PM10
		}

		if s.Readings.Temperature != nil {
			sumTemp += *s.Readings.Temperature
			tempCount++
		}
		if s.Readings.Humidity != nil {
			sumHum += *s.Readings.Humidity
			humCount++
		}
	}

	n := float64(len(samples))
	stats.AvgPM1 = sumPM1 / n
	stats.AvgPM25 = sumPM25 / n
	stats.AvgPM10 = sumPM10 / n

	if tempCount > 0 {
		avg := sumTemp / float64(tempCount)
		stats.AvgTemperature = &avg
	}
	if humCount > 0 {
		avg := sumHum / float64(humCount)
		stats.AvgHumidity = &avg
	}

	return stats
}

// MissionFromRecord 从崩溃快照直接生成任务记录（用户选择"立即保存"时使用）
// 任务ID沿用快照中的原ID
func MissionFromRecord(record *models.CrashRecoveryRecord, name string, endTime int64) *models.Mission {
	if name == "" {
		name = record.Name
	}
	if endTime == 0 {
		if n := len(record.Samples); n > 0 {
			endTime = record.Samples[n-1].Timestamp
		} else {
			endTime = record.SavedAt
		}
	}

	return &models.Mission{
		ID:               record.MissionID,
		Name:             name,
		StartTime:        record.StartTime,
		EndTime:          endTime,
		FrequencyLabel:   record.FrequencyLabel,
		Samples:          record.Samples,
		Stats:            ComputeStats(record.Samples, record.StartTime, endTime),
		ManualContext:    record.ManualContext,
		AutomaticContext: record.AutomaticContext,
	}
}
