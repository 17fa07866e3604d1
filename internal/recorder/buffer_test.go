package recorder

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"aerosense-recorder/internal/models"
	"aerosense-recorder/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testCrashKey = "recorder:crash:test"

func setupRecorder(t *testing.T) (*Recorder, storage.KVStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	kv := storage.NewRedisKVStore(client)
	return NewRecorder(kv, testCrashKey, 500*time.Millisecond, zap.NewNop()), kv
}

func sampleAt(ts int64, pm25 float64) models.Sample {
	return models.Sample{
		Timestamp: ts,
		Readings: models.ParticulateReadings{
			PM1:  pm25 * 0.8,
			PM25: pm25,
			PM10: pm25 * 1.5,
		},
	}
}

func TestRecorder_SingleActiveSession(t *testing.T) {
	r, _ := setupRecorder(t)
	ctx := context.Background()

	_, err := r.Append(ctx, sampleAt(1000, 5))
	assert.ErrorIs(t, err, ErrNoActiveSession)

	id, err := r.Open("10s", "commute", "", 1000)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = r.Open("10s", "", "", 2000)
	assert.ErrorIs(t, err, ErrSessionActive)

	require.NoError(t, r.Discard(ctx))
	assert.False(t, r.Active())
}

func TestRecorder_DedupWindow(t *testing.T) {
	r, _ := setupRecorder(t)
	ctx := context.Background()

	_, err := r.Open("1s", "", "", 1000)
	require.NoError(t, err)

	appended, err := r.Append(ctx, sampleAt(1000, 5))
	require.NoError(t, err)
	assert.True(t, appended)

	// 同值且间隔100ms（<500ms窗口）：重复回调，抑制
	appended, err = r.Append(ctx, sampleAt(1100, 5))
	require.NoError(t, err)
	assert.False(t, appended)
	assert.Equal(t, 1, r.SampleCount())

	// 同值但间隔2000ms：正常周期性重复，保留
	appended, err = r.Append(ctx, sampleAt(3100, 5))
	require.NoError(t, err)
	assert.True(t, appended)
	assert.Equal(t, 2, r.SampleCount())

	// 间隔100ms但值不同：保留
	appended, err = r.Append(ctx, sampleAt(3200, 6))
	require.NoError(t, err)
	assert.True(t, appended)
	assert.Equal(t, 3, r.SampleCount())
}

func TestRecorder_AppendPersistsSnapshot(t *testing.T) {
	r, kv := setupRecorder(t)
	ctx := context.Background()

	id, err := r.Open("10s", "walk", "outdoor", 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := r.Append(ctx, sampleAt(int64(i)*10000, float64(i+1)))
		require.NoError(t, err)
	}

	val, err := kv.Get(ctx, testCrashKey)
	require.NoError(t, err)

	var record models.CrashRecoveryRecord
	require.NoError(t, json.Unmarshal([]byte(val), &record))
	assert.Equal(t, id, record.MissionID)
	assert.Len(t, record.Samples, 3)
	assert.Equal(t, "walk", record.ManualContext)
	assert.NotZero(t, record.SavedAt)
}

func TestRecorder_FlushIdempotent(t *testing.T) {
	r, kv := setupRecorder(t)
	ctx := context.Background()

	_, err := r.Open("10s", "", "", 0)
	require.NoError(t, err)
	_, err = r.Append(ctx, sampleAt(0, 5))
	require.NoError(t, err)

	require.NoError(t, r.Flush(ctx, "pagehide"))
	require.NoError(t, r.Flush(ctx, "pagehide"))

	val, err := kv.Get(ctx, testCrashKey)
	require.NoError(t, err)

	var record models.CrashRecoveryRecord
	require.NoError(t, json.Unmarshal([]byte(val), &record))
	assert.Len(t, record.Samples, 1)
	assert.Equal(t, "pagehide", record.Reason)

	// 无活动会话时Flush为no-op
	require.NoError(t, r.Discard(ctx))
	assert.NoError(t, r.Flush(ctx, "blur"))
}

func TestRecorder_FinalizeComputesStatsAndCleansUp(t *testing.T) {
	r, kv := setupRecorder(t)
	ctx := context.Background()

	id, err := r.Open("10s", "", "", 0)
	require.NoError(t, err)

	temp1, temp2 := 20.0, 22.0
	s1 := sampleAt(0, 4)
	s1.Readings.Temperature = &temp1
	s2 := sampleAt(10000, 8)
	s2.Readings.Temperature = &temp2
	s3 := sampleAt(20000, 6)

	for _, s := range []models.Sample{s1, s2, s3} {
		_, err := r.Append(ctx, s)
		require.NoError(t, err)
	}

	mission, err := r.Finalize(ctx, "morning run", 25000)
	require.NoError(t, err)

	assert.Equal(t, id, mission.ID)
	assert.Equal(t, "morning run", mission.Name)
	assert.Equal(t, 3, mission.MeasurementsCount())
	assert.InDelta(t, 6.0, mission.Stats.AvgPM25, 1e-9)
	assert.InDelta(t, 8.0, mission.Stats.MaxPM25, 1e-9)
	assert.InDelta(t, 12.0, mission.Stats.MaxPM10, 1e-9)
	assert.Equal(t, int64(25000), mission.Stats.DurationMS)
	// 温度均值只统计有值的两条
	require.NotNil(t, mission.Stats.AvgTemperature)
	assert.InDelta(t, 21.0, *mission.Stats.AvgTemperature, 1e-9)
	assert.Nil(t, mission.Stats.AvgHumidity)

	// Finalize本身不动快照：任务落库前崩溃仍可恢复
	_, err = kv.Get(ctx, testCrashKey)
	require.NoError(t, err)
	assert.False(t, r.Active())

	// 任务持久化成功后由调用方清除快照
	require.NoError(t, r.ClearSnapshot(ctx))
	_, err = kv.Get(ctx, testCrashKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = r.Finalize(ctx, "again", 30000)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

// TestRecorder_SnapshotSurvivesFinalizeUntilCleared 结束会话后、
// 任务落库失败的场景：快照必须还在，重启恢复不丢会话
func TestRecorder_SnapshotSurvivesFinalizeUntilCleared(t *testing.T) {
	r, kv := setupRecorder(t)
	ctx := context.Background()

	id, err := r.Open("10s", "", "", 0)
	require.NoError(t, err)
	_, err = r.Append(ctx, sampleAt(0, 5))
	require.NoError(t, err)
	_, err = r.Append(ctx, sampleAt(10000, 7))
	require.NoError(t, err)

	_, err = r.Finalize(ctx, "archive will fail", 15000)
	require.NoError(t, err)

	// 落库失败分支：快照原样保留，内容完整
	val, err := kv.Get(ctx, testCrashKey)
	require.NoError(t, err)
	var record models.CrashRecoveryRecord
	require.NoError(t, json.Unmarshal([]byte(val), &record))
	assert.Equal(t, id, record.MissionID)
	assert.Len(t, record.Samples, 2)
}

func TestComputeStats_Empty(t *testing.T) {
	stats := ComputeStats(nil, 0, 0)

	assert.Zero(t, stats.AvgPM25)
	assert.Zero(t, stats.MaxPM25)
	assert.Zero(t, stats.SampleCount)
	assert.Nil(t, stats.AvgTemperature)
}

func TestRecorder_AttachEnrichment(t *testing.T) {
	r, _ := setupRecorder(t)
	ctx := context.Background()

	_, err := r.Open("10s", "", "", 0)
	require.NoError(t, err)
	_, err = r.Append(ctx, sampleAt(10000, 5))
	require.NoError(t, err)

	// 会话打开期间按时间戳回填
	assert.True(t, r.AttachEnrichment(10000, "weather-abc"))
	// 时间戳不存在
	assert.False(t, r.AttachEnrichment(99999, "weather-x"))

	mission, err := r.Finalize(ctx, "", 20000)
	require.NoError(t, err)
	assert.Equal(t, "weather-abc", mission.Samples[0].WeatherReferenceID)

	// 会话关闭后补充数据丢弃
	assert.False(t, r.AttachEnrichment(10000, "weather-late"))
}

func TestRecorder_ResumePreservesMissionID(t *testing.T) {
	r, _ := setupRecorder(t)
	ctx := context.Background()

	record := &models.CrashRecoveryRecord{
		MissionID:      "mission-original",
		StartTime:      0,
		FrequencyLabel: "10s",
		Samples:        []models.Sample{sampleAt(0, 3), sampleAt(10000, 4)},
		SavedAt:        time.Now().UnixMilli(),
	}

	require.NoError(t, r.Resume(ctx, record))
	assert.Equal(t, "mission-original", r.MissionID())
	assert.Equal(t, 2, r.SampleCount())

	_, err := r.Append(ctx, sampleAt(20000, 5))
	require.NoError(t, err)

	mission, err := r.Finalize(ctx, "recovered", 25000)
	require.NoError(t, err)
	assert.Equal(t, "mission-original", mission.ID)
	assert.Equal(t, 3, mission.MeasurementsCount())
}

// TestRecorder_ResumeRewritesSnapshot 恢复协调器读取时已删除原快照；
// Resume必须立即重写，否则下一次追加前再次崩溃会丢掉全部已恢复样本
func TestRecorder_ResumeRewritesSnapshot(t *testing.T) {
	r, kv := setupRecorder(t)
	ctx := context.Background()

	// 快照已被读取方删除（读取即删除语义）
	_, err := kv.Get(ctx, testCrashKey)
	require.ErrorIs(t, err, storage.ErrNotFound)

	record := &models.CrashRecoveryRecord{
		MissionID:      "mission-original",
		StartTime:      0,
		FrequencyLabel: "10s",
		Samples:        []models.Sample{sampleAt(0, 3), sampleAt(10000, 4)},
		SavedAt:        time.Now().UnixMilli(),
	}
	require.NoError(t, r.Resume(ctx, record))

	val, err := kv.Get(ctx, testCrashKey)
	require.NoError(t, err)
	var snapshot models.CrashRecoveryRecord
	require.NoError(t, json.Unmarshal([]byte(val), &snapshot))
	assert.Equal(t, "mission-original", snapshot.MissionID)
	assert.Len(t, snapshot.Samples, 2)
	assert.Equal(t, "resume", snapshot.Reason)
}

func TestMissionFromRecord(t *testing.T) {
	record := &models.CrashRecoveryRecord{
		MissionID:      "mission-1",
		Name:           "interrupted",
		StartTime:      0,
		FrequencyLabel: "10s",
		Samples:        []models.Sample{sampleAt(0, 3), sampleAt(10000, 5)},
		SavedAt:        12000,
	}

	mission := MissionFromRecord(record, "", 0)
	assert.Equal(t, "mission-1", mission.ID)
	assert.Equal(t, "interrupted", mission.Name)
	// 结束时间缺省取最后一个样本的时间戳
	assert.Equal(t, int64(10000), mission.EndTime)
	assert.Equal(t, 2, mission.Stats.SampleCount)
	assert.InDelta(t, 4.0, mission.Stats.AvgPM25, 1e-9)
}
