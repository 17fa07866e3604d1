package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"aerosense-recorder/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockMissionsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresMissionsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresMissionsRepository(db)
	return db, mock, repo
}

func testMissionWithSamples() *models.Mission {
	temp := 21.5
	return &models.Mission{
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
}

func TestSaveMission_UpsertWithMeasurementsInOneTx(t *testing.T) {
	db, mock, repo := setupMockMissionsDB(t)
	defer db.Close()

	mission := testMissionWithSamples()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO missions`).
		WithArgs(
			mission.ID, mission.Name, mission.StartTime, mission.EndTime,
			mission.FrequencyLabel, mission.ManualContext, mission.AutomaticContext,
			sqlmock.AnyArg(), mission.Synced,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM mission_measurements`).
		WithArgs(mission.ID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	for range mission.Samples {
		mock.ExpectExec(`INSERT INTO mission_measurements`).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, repo.SaveMission(context.Background(), mission))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMission_RollbackOnMeasurementFailure(t *testing.T) {
	db, mock, repo := setupMockMissionsDB(t)
	defer db.Close()

	mission := testMissionWithSamples()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO missions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM mission_measurements`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO mission_measurements`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.SaveMission(context.Background(), mission)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMission_RequiresID(t *testing.T) {
	db, _, repo := setupMockMissionsDB(t)
	defer db.Close()

	err := repo.SaveMission(context.Background(), &models.Mission{})
	assert.Error(t, err)
}

func TestGetMission_Success(t *testing.T) {
	db, mock, repo := setupMockMissionsDB(t)
	defer db.Close()

	statsJSON, err := json.Marshal(models.MissionStats{AvgPM25: 4, MaxPM25: 5, SampleCount: 2})
	require.NoError(t, err)

	missionRows := sqlmock.NewRows([]string{
		"mission_id", "name", "start_time", "end_time", "frequency_label",
		"manual_context", "automatic_context", "stats", "synced",
	}).AddRow("m-1", "morning commute", int64(0), int64(20000), "10s", "commute", "", statsJSON, false)

	measurementRows := sqlmock.NewRows([]string{
		"sample_time", "pm1", "pm25", "pm10", "temperature", "humidity",
		"device_time", "location", "manual_context", "automatic_context", "weather_ref",
	}).
		AddRow(int64(0), 2.0, 3.0, 4.0, 21.5, nil, int64(0), []byte(`{"latitude":48.85,"longitude":2.35}`), "commute", "", "").
		AddRow(int64(10000), 3.0, 5.0, 6.0, nil, nil, int64(0), nil, "commute", "", "w-1")

	mock.ExpectQuery(`SELECT(.|\s)+FROM missions`).
		WithArgs("m-1").
		WillReturnRows(missionRows)
	mock.ExpectQuery(`SELECT(.|\s)+FROM mission_measurements`).
		WithArgs("m-1").
		WillReturnRows(measurementRows)

	mission, err := repo.GetMission(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", mission.ID)
	assert.Equal(t, 5.0, mission.Stats.MaxPM25)
	require.Len(t, mission.Samples, 2)
	require.NotNil(t, mission.Samples[0].Location)
	assert.Equal(t, 48.85, mission.Samples[0].Location.Latitude)
	assert.Nil(t, mission.Samples[1].Location)
	assert.Equal(t, "w-1", mission.Samples[1].WeatherReferenceID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMission_NotFound(t *testing.T) {
	db, mock, repo := setupMockMissionsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("m-missing").
		WillReturnError(sql.ErrNoRows)

	mission, err := repo.GetMission(context.Background(), "m-missing")
	assert.Error(t, err)
	assert.Nil(t, mission)
	assert.Contains(t, err.Error(), "not found")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMissions_FiltersAndPagination(t *testing.T) {
	db, mock, repo := setupMockMissionsDB(t)
	defer db.Close()

	synced := false
	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(false).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	rows := sqlmock.NewRows([]string{
		"mission_id", "name", "start_time", "end_time", "frequency_label",
		"manual_context", "automatic_context", "stats", "synced",
	}).
		AddRow("m-2", "", int64(30000), int64(50000), "10s", "", "", nil, false).
		AddRow("m-1", "", int64(0), int64(20000), "10s", "", "", nil, false)

	mock.ExpectQuery(`SELECT(.|\s)+FROM missions`).
		WithArgs(false, 2, 0).
		WillReturnRows(rows)

	missions, total, err := repo.ListMissions(context.Background(), &MissionFilters{Synced: &synced}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, missions, 2)
	assert.Equal(t, "m-2", missions[0].ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountMissions(t *testing.T) {
	db, mock, repo := setupMockMissionsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := repo.CountMissions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSynced_Success(t *testing.T) {
	db, mock, repo := setupMockMissionsDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE missions SET synced`).
		WithArgs("m-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkSynced(context.Background(), "m-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSynced_UnknownMission(t *testing.T) {
	db, mock, repo := setupMockMissionsDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE missions SET synced`).
		WithArgs("m-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkSynced(context.Background(), "m-missing")
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMission_RemovesMeasurementsFirst(t *testing.T) {
	db, mock, repo := setupMockMissionsDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM mission_measurements`).
		WithArgs("m-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM missions`).
		WithArgs("m-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.DeleteMission(context.Background(), "m-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
