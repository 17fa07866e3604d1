package export

import (
	"bytes"
	"testing"

	"aerosense-recorder/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestGenerateMissionReport(t *testing.T) {
	temp := 21.5
	mission := &models.Mission{
		ID:             "m-1",
		Name:           "morning commute",
		StartTime:      0,
		EndTime:        20000,
		FrequencyLabel: "10s",
		ManualContext:  "commute",
		Samples: []models.Sample{
			{
				Timestamp: 0,
				Readings:  models.ParticulateReadings{PM1: 2, PM25: 3, PM10: 4, Temperature: &temp},
				Location:  &models.Location{Latitude: 48.85, Longitude: 2.35},
			},
			{
				Timestamp: 10000,
				Readings:  models.ParticulateReadings{PM1: 3, PM25: 5, PM10: 6},
			},
		},
		Stats: models.MissionStats{AvgPM25: 4, MaxPM25: 5, SampleCount: 2, DurationMS: 20000},
	}

	data, err := GenerateMissionReport(mission)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.ElementsMatch(t, []string{"Summary", "Measurements"}, f.GetSheetList())

	id, err := f.GetCellValue("Summary", "B1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	// 表头 + 2条测量值
	rows, err := f.GetRows("Measurements")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "PM2.5 (µg/m³)", rows[0][2])
	assert.Equal(t, "3", rows[1][2])

	// 缺定位的样本：经纬度列为空
	pm25, err := f.GetCellValue("Measurements", "C3")
	require.NoError(t, err)
	assert.Equal(t, "5", pm25)
	lat, err := f.GetCellValue("Measurements", "G3")
	require.NoError(t, err)
	assert.Empty(t, lat)
}

func TestGenerateMissionReport_EmptyMission(t *testing.T) {
	mission := &models.Mission{ID: "m-empty", FrequencyLabel: "10s"}

	data, err := GenerateMissionReport(mission)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Measurements")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
