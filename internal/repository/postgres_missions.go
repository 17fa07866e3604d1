package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"aerosense-recorder/internal/models"
)

// PostgresMissionsRepository 任务存档Repository实现
type PostgresMissionsRepository struct {
	db *sql.DB
}

// NewPostgresMissionsRepository 创建任务存档Repository
func NewPostgresMissionsRepository(db *sql.DB) *PostgresMissionsRepository {
	return &PostgresMissionsRepository{db: db}
}

// 确保实现了接口
var _ MissionsRepository = (*PostgresMissionsRepository)(nil)

// SaveMission 保存任务（按ID upsert）
//
// 崩溃恢复与正常完成可能对同一任务各保存一次：upsert保证
// 存档中始终只有一条记录。测量值在同一事务内整体替换。
func (r *PostgresMissionsRepository) SaveMission(ctx context.Context, mission *models.Mission) error {
	if mission.ID == "" {
		return fmt.Errorf("mission id is required")
	}

	statsJSON, err := json.Marshal(mission.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal mission stats: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	queryMission := `
		INSERT INTO missions (
			mission_id, name, start_time, end_time, frequency_label,
			manual_context, automatic_context, stats, synced
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (mission_id) DO UPDATE SET
			name = EXCLUDED.name,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			frequency_label = EXCLUDED.frequency_label,
			manual_context = EXCLUDED.manual_context,
			automatic_context = EXCLUDED.automatic_context,
			stats = EXCLUDED.stats,
			synced = EXCLUDED.synced
	`
	if _, err := tx.ExecContext(ctx, queryMission,
		mission.ID,
		mission.Name,
		mission.StartTime,
		mission.EndTime,
		mission.FrequencyLabel,
		mission.ManualContext,
		mission.AutomaticContext,
		statsJSON,
		mission.Synced,
	); err != nil {
		return fmt.Errorf("failed to upsert mission: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mission_measurements WHERE mission_id = $1`, mission.ID,
	); err != nil {
		return fmt.Errorf("failed to clear mission measurements: %w", err)
	}

	queryMeasurement := `
		INSERT INTO mission_measurements (
			mission_id, sample_time, pm1, pm25, pm10,
			temperature, humidity, device_time, location,
			manual_context, automatic_context, weather_ref
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for _, sample := range mission.Samples {
		var locJSON []byte
		if sample.Location != nil {
			locJSON, err = json.Marshal(sample.Location)
			if err != nil {
				return fmt.Errorf("failed to marshal sample location: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, queryMeasurement,
			mission.ID,
			sample.Timestamp,
			sample.Readings.PM1,
			sample.Readings.PM25,
			sample.Readings.PM10,
			sample.Readings.Temperature,
			sample.Readings.Humidity,
			sample.DeviceTimestamp,
			nullableJSON(locJSON),
			sample.ManualContext,
			sample.AutomaticContext,
			sample.WeatherReferenceID,
		); err != nil {
			return fmt.Errorf("failed to insert mission measurement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mission save: %w", err)
	}
	return nil
}

// GetMission 获取任务（含测量值）
func (r *PostgresMissionsRepository) GetMission(ctx context.Context, missionID string) (*models.Mission, error) {
	if missionID == "" {
		return nil, sql.ErrNoRows
	}

	query := `
		SELECT
			mission_id, name, start_time, end_time, frequency_label,
			manual_context, automatic_context, stats, synced
		FROM missions
		WHERE mission_id = $1
	`

	var mission models.Mission
	var statsJSON []byte

	err := r.db.QueryRowContext(ctx, query, missionID).Scan(
		&mission.ID,
		&mission.Name,
		&mission.StartTime,
		&mission.EndTime,
		&mission.FrequencyLabel,
		&mission.ManualContext,
		&mission.AutomaticContext,
		&statsJSON,
		&mission.Synced,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("mission not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get mission: %w", err)
	}

	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &mission.Stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mission stats: %w", err)
		}
	}

	samples, err := r.loadMeasurements(ctx, missionID)
	if err != nil {
		return nil, err
	}
	mission.Samples = samples

	return &mission, nil
}

// loadMeasurements 加载任务的测量值（按采样时间排序）
func (r *PostgresMissionsRepository) loadMeasurements(ctx context.Context, missionID string) ([]models.Sample, error) {
	query := `
		SELECT
			sample_time, pm1, pm25, pm10, temperature, humidity,
			device_time, location, manual_context, automatic_context, weather_ref
		FROM mission_measurements
		WHERE mission_id = $1
		ORDER BY sample_time ASC
	`

	rows, err := r.db.QueryContext(ctx, query, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mission measurements: %w", err)
	}
	defer rows.Close()

	var samples []models.Sample
	for rows.Next() {
		var s models.Sample
		var locJSON []byte
		if err := rows.Scan(
			&s.Timestamp,
			&s.Readings.PM1,
			&s.Readings.PM25,
			&s.Readings.PM10,
			&s.Readings.Temperature,
			&s.Readings.Humidity,
			&s.DeviceTimestamp,
			&locJSON,
			&s.ManualContext,
			&s.AutomaticContext,
			&s.WeatherReferenceID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan mission measurement: %w", err)
		}
		if len(locJSON) > 0 {
			var loc models.Location
			if err := json.Unmarshal(locJSON, &loc); err != nil {
				return nil, fmt.Errorf("failed to unmarshal sample location: %w", err)
			}
			s.Location = &loc
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mission measurements: %w", err)
	}

	return samples, nil
}

// ListMissions 批量查询任务（不含测量值，支持过滤和分页）
func (r *PostgresMissionsRepository) ListMissions(ctx context.Context, filters *MissionFilters, page, size int) ([]*models.Mission, int, error) {
	where := []string{"1=1"}
	args := []any{}
	argN := 1

	if filters != nil {
		if filters.Synced != nil {
			where = append(where, fmt.Sprintf("synced = $%d", argN))
			args = append(args, *filters.Synced)
			argN++
		}
		if filters.StartFrom > 0 {
			where = append(where, fmt.Sprintf("start_time >= $%d", argN))
			args = append(args, filters.StartFrom)
			argN++
		}
		if filters.StartTo > 0 {
			where = append(where, fmt.Sprintf("start_time <= $%d", argN))
			args = append(args, filters.StartTo)
			argN++
		}
		if filters.Context != "" {
			where = append(where, fmt.Sprintf("manual_context = $%d", argN))
			args = append(args, filters.Context)
			argN++
		}
	}

	queryCount := `SELECT COUNT(*) FROM missions WHERE ` + strings.Join(where, " AND ")
	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count missions: %w", err)
	}

	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	query := `
		SELECT
			mission_id, name, start_time, end_time, frequency_label,
			manual_context, automatic_context, stats, synced
		FROM missions
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY start_time DESC
		LIMIT $` + fmt.Sprint(argN) + ` OFFSET $` + fmt.Sprint(argN+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list missions: %w", err)
	}
	defer rows.Close()

	var missions []*models.Mission
	for rows.Next() {
		var mission models.Mission
		var statsJSON []byte
		if err := rows.Scan(
			&mission.ID,
			&mission.Name,
			&mission.StartTime,
			&mission.EndTime,
			&mission.FrequencyLabel,
			&mission.ManualContext,
			&mission.AutomaticContext,
			&statsJSON,
			&mission.Synced,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan mission: %w", err)
		}
		if len(statsJSON) > 0 {
			if err := json.Unmarshal(statsJSON, &mission.Stats); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal mission stats: %w", err)
			}
		}
		missions = append(missions, &mission)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate missions: %w", err)
	}

	return missions, total, nil
}

// CountMissions 任务总数
func (r *PostgresMissionsRepository) CountMissions(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM missions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count missions: %w", err)
	}
	return count, nil
}

// MarkSynced 标记任务已同步到云端
func (r *PostgresMissionsRepository) MarkSynced(ctx context.Context, missionID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE missions SET synced = TRUE WHERE mission_id = $1`, missionID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark mission synced: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check mark synced result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("mission not found: %s", missionID)
	}
	return nil
}

// DeleteMission 删除任务及其测量值
func (r *PostgresMissionsRepository) DeleteMission(ctx context.Context, missionID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mission_measurements WHERE mission_id = $1`, missionID,
	); err != nil {
		return fmt.Errorf("failed to delete mission measurements: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM missions WHERE mission_id = $1`, missionID,
	); err != nil {
		return fmt.Errorf("failed to delete mission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mission delete: %w", err)
	}
	return nil
}

// EnsureSchema 创建任务存档表（幂等）
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS missions (
			mission_id        TEXT PRIMARY KEY,
			name              TEXT NOT NULL DEFAULT '',
			start_time        BIGINT NOT NULL,
			end_time          BIGINT NOT NULL,
			frequency_label   TEXT NOT NULL,
			manual_context    TEXT NOT NULL DEFAULT '',
			automatic_context TEXT NOT NULL DEFAULT '',
			stats             JSONB,
			synced            BOOLEAN NOT NULL DEFAULT FALSE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS mission_measurements (
			id                BIGSERIAL PRIMARY KEY,
			mission_id        TEXT NOT NULL REFERENCES missions(mission_id),
			sample_time       BIGINT NOT NULL,
			pm1               DOUBLE PRECISION NOT NULL,
			pm25              DOUBLE PRECISION NOT NULL,
			pm10              DOUBLE PRECISION NOT NULL,
			temperature       DOUBLE PRECISION,
			humidity          DOUBLE PRECISION,
			device_time       BIGINT NOT NULL DEFAULT 0,
			location          JSONB,
			manual_context    TEXT NOT NULL DEFAULT '',
			automatic_context TEXT NOT NULL DEFAULT '',
			weather_ref       TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_mission_measurements_mission
			ON mission_measurements(mission_id, sample_time);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure mission schema: %w", err)
	}
	return nil
}

// nullableJSON 空切片转NULL
func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return data
}
