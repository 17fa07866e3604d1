package export

import (
	"bytes"
	"fmt"
	"time"

	"aerosense-recorder/internal/models"

	"github.com/xuri/excelize/v2"
)

// MeasurementHeader 测量值表头
var MeasurementHeader = []string{
	"Time",
	"PM1 (µg/m³)",
	"PM2.5 (µg/m³)",
	"PM10 (µg/m³)",
	"Temperature (°C)",
	"Humidity (%)",
	"Latitude",
	"Longitude",
	"Context",
}

// GenerateMissionReport 生成任务报表 Excel 文件
// 首页为任务摘要（统计指标），第二页为逐条测量值
func GenerateMissionReport(mission *models.Mission) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo 之前文件必须保持打开，出错分支手动Close

	summarySheet := "Summary"
	index, err := f.NewSheet(summarySheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	if err := writeSummary(f, summarySheet, mission); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeMeasurements(f, mission); err != nil {
		f.Close()
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write excel file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close excel file: %w", err)
	}
	return buf.Bytes(), nil
}

// writeSummary 写入任务摘要页
func writeSummary(f *excelize.File, sheet string, mission *models.Mission) error {
	rows := [][2]any{
		{"Mission ID", mission.ID},
		{"Name", mission.Name},
		{"Start", formatMillis(mission.StartTime)},
		{"End", formatMillis(mission.EndTime)},
		{"Frequency", mission.FrequencyLabel},
		{"Context", mission.ManualContext},
		{"Samples", mission.Stats.SampleCount},
		{"Duration (s)", mission.Stats.DurationMS / 1000},
		{"Avg PM2.5", mission.Stats.AvgPM25},
		{"Max PM2.5", mission.Stats.MaxPM25},
		{"Avg PM1", mission.Stats.AvgPM1},
		{"Avg PM10", mission.Stats.AvgPM10},
	}
	if mission.Stats.AvgTemperature != nil {
		rows = append(rows, [2]any{"Avg Temperature", *mission.Stats.AvgTemperature})
	}
	if mission.Stats.AvgHumidity != nil {
		rows = append(rows, [2]any{"Avg Humidity", *mission.Stats.AvgHumidity})
	}

	labelStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return fmt.Errorf("failed to create label style: %w", err)
	}

	for i, row := range rows {
		labelCell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		valueCell, err := excelize.CoordinatesToCellName(2, i+1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, labelCell, row[0]); err != nil {
			return fmt.Errorf("failed to set summary label %s: %w", labelCell, err)
		}
		if err := f.SetCellStyle(sheet, labelCell, labelCell, labelStyle); err != nil {
			return fmt.Errorf("failed to set summary label style: %w", err)
		}
		if err := f.SetCellValue(sheet, valueCell, row[1]); err != nil {
			return fmt.Errorf("failed to set summary value %s: %w", valueCell, err)
		}
	}

	if err := f.SetColWidth(sheet, "A", "A", 18); err != nil {
		return fmt.Errorf("failed to set summary column width: %w", err)
	}
	if err := f.SetColWidth(sheet, "B", "B", 30); err != nil {
		return fmt.Errorf("failed to set summary column width: %w", err)
	}
	return nil
}

// writeMeasurements 写入逐条测量值页
func writeMeasurements(f *excelize.File, mission *models.Mission) error {
	sheet := "Measurements"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create measurements sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range MeasurementHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}

	for i, sample := range mission.Samples {
		values := []any{
			formatMillis(sample.Timestamp),
			sample.Readings.PM1,
			sample.Readings.PM25,
			sample.Readings.PM10,
			derefOrEmpty(sample.Readings.Temperature),
			derefOrEmpty(sample.Readings.Humidity),
		}
		if sample.Location != nil {
			values = append(values, sample.Location.Latitude, sample.Location.Longitude)
		} else {
			values = append(values, "", "")
		}
		values = append(values, sample.ManualContext)

		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("failed to set measurement cell %s: %w", cell, err)
			}
		}
	}

	if err := f.SetColWidth(sheet, "A", "A", 22); err != nil {
		return fmt.Errorf("failed to set measurements column width: %w", err)
	}
	return nil
}

// formatMillis 毫秒时间戳转ISO格式
func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// derefOrEmpty 可空通道值：nil转空单元格
func derefOrEmpty(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
