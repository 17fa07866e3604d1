package service

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"aerosense-recorder/internal/config"
	"aerosense-recorder/internal/enrichment"
	"aerosense-recorder/internal/export"
	"aerosense-recorder/internal/lifecycle"
	"aerosense-recorder/internal/models"
	"aerosense-recorder/internal/recorder"
	"aerosense-recorder/internal/recovery"
	"aerosense-recorder/internal/remote"
	"aerosense-recorder/internal/repository"
	"aerosense-recorder/internal/sampler"
	"aerosense-recorder/internal/scheduler"
	"aerosense-recorder/internal/sensor"
	"aerosense-recorder/internal/storage"
	"aerosense-recorder/internal/syncqueue"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"aerosense-recorder/internal/common/database"
	mqttcommon "aerosense-recorder/internal/common/mqtt"
	rediscommon "aerosense-recorder/internal/common/redis"
)

// recordingSchedulerID 记录会话的调度器注册id（同一时刻只有一个会话）
const recordingSchedulerID = "recording"

// RecorderService 记录服务
//
// 组装全部子系统：传感器接入、采样调度、记录缓冲、
// 中断检测、崩溃恢复、同步队列与云端上传
type RecorderService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	kv           storage.KVStore
	missionsRepo *repository.PostgresMissionsRepository
	sensorSource *sensor.MQTTSensorSource
	rec          *recorder.Recorder
	smplr        *sampler.Sampler
	registry     *scheduler.Registry
	detector     *lifecycle.Detector
	reconciler   *recovery.Reconciler
	queue        *syncqueue.Manager
	probe        *remote.ConnectivityProbe

	unsubscribeFlush func()
}

// NewRecorderService 创建记录服务
func NewRecorderService(cfg *config.Config, logger *zap.Logger) (*RecorderService, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化 Redis（崩溃快照、同步队列、天气数据）
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 初始化 MQTT（传感器网关接入）
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	kv := storage.NewRedisKVStore(redisClient)
	missionsRepo := repository.NewPostgresMissionsRepository(db)

	sensorSource := sensor.NewMQTTSensorSource(cfg, mqttClient, logger)

	rec := recorder.NewRecorder(
		kv,
		cfg.Recorder.CrashKey,
		time.Duration(cfg.Recorder.DedupWindowMS)*time.Millisecond,
		logger,
	)

	// 天气补充数据（可禁用）
	var enricher sampler.Enricher
	if cfg.Weather.Enabled {
		enricher = enrichment.NewWeatherClient(cfg, kv, logger)
	}

	smplr := sampler.NewSampler(
		sensorSource,
		sensorSource,
		enricher,
		rec,
		time.Duration(cfg.Weather.TimeoutMS)*time.Millisecond,
		logger,
	)

	registry := scheduler.NewRegistry(
		scheduler.SystemClock{},
		cfg.Scheduler.CatchUpCap,
		time.Duration(cfg.Scheduler.BackgroundCheckMS)*time.Millisecond,
		logger,
	)

	detector := lifecycle.NewDetector(500*time.Millisecond, logger)

	// 云端同步链路
	syncClient := remote.NewSyncClient(
		cfg.Remote.BaseURL,
		cfg.Remote.Token,
		time.Duration(cfg.Sync.AttemptTimeoutSeconds)*time.Second,
		logger,
	)
	probe := remote.NewConnectivityProbe(
		cfg.Remote.BaseURL,
		time.Duration(cfg.Remote.ProbeSeconds)*time.Second,
		logger,
	)
	queue := syncqueue.NewManager(
		kv,
		cfg.Sync.QueueKey,
		syncClient,
		probe,
		cfg.Sync.MaxRetries,
		time.Duration(cfg.Sync.TickSeconds)*time.Second,
		time.Duration(cfg.Sync.AttemptTimeoutSeconds)*time.Second,
		logger,
	)
	// 上传成功后在本地存档标记synced
	queue.SetMissionSyncedHook(func(missionID string) {
		if err := missionsRepo.MarkSynced(context.Background(), missionID); err != nil {
			logger.Warn("Failed to mark mission synced",
				zap.String("mission_id", missionID),
				zap.Error(err),
			)
		}
	})
	// 离线转在线：立即补跑一轮同步
	probe.SetOnlineHook(queue.NotifyOnline)

	reconciler := recovery.NewReconciler(
		kv,
		cfg.Recorder.CrashKey,
		time.Duration(cfg.Recovery.StalenessHours)*time.Hour,
		rec,
		missionsRepo,
		queue,
		logger,
	)

	return &RecorderService{
		config:       cfg,
		logger:       logger,
		db:           db,
		redisClient:  redisClient,
		mqttClient:   mqttClient,
		kv:           kv,
		missionsRepo: missionsRepo,
		sensorSource: sensorSource,
		rec:          rec,
		smplr:        smplr,
		registry:     registry,
		detector:     detector,
		reconciler:   reconciler,
		queue:        queue,
		probe:        probe,
	}, nil
}

// Start 启动服务
//
// 崩溃恢复在传感器接入之后、对外可用之前执行：
// 孤儿快照按配置策略处理完才开始接受新会话
func (s *RecorderService) Start(ctx context.Context) error {
	s.logger.Info("Starting recorder service",
		zap.String("default_frequency", s.config.Scheduler.DefaultFrequency),
		zap.String("recovery_policy", s.config.Recovery.Policy),
	)

	if err := repository.EnsureSchema(ctx, s.db); err != nil {
		return err
	}
	if err := s.queue.Load(ctx); err != nil {
		return err
	}
	if err := s.sensorSource.Start(ctx); err != nil {
		return err
	}

	// 崩溃恢复：检查上次会话是否异常终止
	state, err := s.reconciler.Run(ctx, recovery.PolicyDecision(s.config.Recovery.Policy))
	if err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}
	if state == recovery.StateRecovered && s.rec.Active() {
		// resume策略恢复了活动会话：重新挂上采样调度
		if err := s.resumeScheduling(); err != nil {
			return fmt.Errorf("failed to resume scheduling after recovery: %w", err)
		}
	}

	// 中断信号触发紧急落盘
	s.unsubscribeFlush = s.detector.Subscribe(func(ctx context.Context, ev models.InterruptionEvent) error {
		if !ev.WasRecording {
			return nil
		}
		return s.rec.Flush(ctx, string(ev.Kind))
	})

	go s.probe.Start(ctx)
	go s.queue.Start(ctx)

	s.logger.Info("Recorder service started")
	return nil
}

// StartSession 打开记录会话并启动采样调度
func (s *RecorderService) StartSession(frequencyLabel, manualContext string) (string, error) {
	if frequencyLabel == "" {
		frequencyLabel = s.config.Scheduler.DefaultFrequency
	}

	missionID, err := s.rec.Open(frequencyLabel, manualContext, "", time.Now().UnixMilli())
	if err != nil {
		return "", err
	}

	s.smplr.SetManualContext(manualContext)

	if _, err := s.registry.Start(recordingSchedulerID, frequencyLabel, s.smplr.HandleTick); err != nil {
		// 调度启动失败时回滚会话，不留半开状态
		if derr := s.rec.Discard(context.Background()); derr != nil {
			s.logger.Error("Failed to discard session after scheduler error", zap.Error(derr))
		}
		return "", err
	}

	s.detector.SetRecordingActive(true)
	return missionID, nil
}

// resumeScheduling 崩溃恢复resume后重建采样调度
// 沿用恢复会话自身的频率标签，而不是默认频率
func (s *RecorderService) resumeScheduling() error {
	label := s.rec.FrequencyLabel()
	if label == "" {
		label = s.config.Scheduler.DefaultFrequency
	}
	if _, err := s.registry.Start(recordingSchedulerID, label, s.smplr.HandleTick); err != nil {
		return err
	}
	s.detector.SetRecordingActive(true)
	return nil
}

// ChangeFrequency 会话内切换采样频率
// 重建调度器实例：新频率从当前时刻重新对齐
func (s *RecorderService) ChangeFrequency(frequencyLabel string) error {
	if !s.rec.Active() {
		return recorder.ErrNoActiveSession
	}
	_, err := s.registry.Start(recordingSchedulerID, frequencyLabel, s.smplr.HandleTick)
	return err
}

// StopSession 结束会话：停止调度、生成任务、落库并入同步队列
//
// 崩溃快照在任务至少持久化到一处（本地存档或同步队列）之后才删除；
// 落库与入队全部失败时快照保留，下次启动走恢复路径补救
func (s *RecorderService) StopSession(ctx context.Context, name string) (*models.Mission, error) {
	if err := s.registry.Stop(recordingSchedulerID); err != nil {
		s.logger.Warn("Recording scheduler was not running", zap.Error(err))
	}
	s.detector.SetRecordingActive(false)

	mission, err := s.rec.Finalize(ctx, name, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}

	archiveErr := s.missionsRepo.SaveMission(ctx, mission)
	if archiveErr != nil {
		s.logger.Error("Failed to archive mission, enqueueing for sync anyway",
			zap.String("mission_id", mission.ID),
			zap.Error(archiveErr),
		)
	}

	// 存档失败也照常入队：同步队列的重试是第二条持久化路径
	enqueueErr := s.queue.EnqueueMission(ctx, mission)
	if enqueueErr != nil {
		s.logger.Error("Failed to enqueue mission for sync",
			zap.String("mission_id", mission.ID),
			zap.Error(enqueueErr),
		)
	}
	batch := &models.MeasurementBatch{MissionID: mission.ID, Samples: mission.Samples}
	if err := s.queue.EnqueueMeasurements(ctx, batch); err != nil {
		s.logger.Error("Failed to enqueue measurements for sync",
			zap.String("mission_id", mission.ID),
			zap.Error(err),
		)
	}

	if archiveErr == nil || enqueueErr == nil {
		if err := s.rec.ClearSnapshot(ctx); err != nil {
			s.logger.Warn("Failed to delete crash snapshot after stop", zap.Error(err))
		}
	} else {
		s.logger.Warn("Crash snapshot retained: mission not persisted anywhere yet",
			zap.String("mission_id", mission.ID),
		)
		return nil, fmt.Errorf("failed to persist mission %s: archive: %v, enqueue: %w",
			mission.ID, archiveErr, enqueueErr)
	}

	if s.config.Export.Enabled {
		if path, err := s.exportReport(mission); err != nil {
			s.logger.Error("Failed to export mission report",
				zap.String("mission_id", mission.ID),
				zap.Error(err),
			)
		} else {
			s.logger.Info("Mission report exported", zap.String("path", path))
		}
	}

	return mission, nil
}

// DiscardSession 丢弃当前会话，不产生任务
func (s *RecorderService) DiscardSession(ctx context.Context) error {
	if err := s.registry.Stop(recordingSchedulerID); err != nil {
		s.logger.Warn("Recording scheduler was not running", zap.Error(err))
	}
	s.detector.SetRecordingActive(false)
	return s.rec.Discard(ctx)
}

// HandleLifecycleSignal 处理宿主生命周期信号
// 前后台转换同步到采样调度器（后台降频轮询）
func (s *RecorderService) HandleLifecycleSignal(ctx context.Context, kind models.InterruptionKind) {
	switch kind {
	case models.InterruptionHidden, models.InterruptionFreeze, models.InterruptionPause:
		s.registry.SetBackgrounded(true)
	case models.InterruptionVisible, models.InterruptionResume:
		s.registry.SetBackgrounded(false)
	}
	s.detector.Dispatch(ctx, kind)
}

// ExportMissionReport 导出指定任务的报表
func (s *RecorderService) ExportMissionReport(ctx context.Context, missionID string) (string, error) {
	mission, err := s.missionsRepo.GetMission(ctx, missionID)
	if err != nil {
		return "", err
	}
	return s.exportReport(mission)
}

// exportReport 生成Excel报表文件
func (s *RecorderService) exportReport(mission *models.Mission) (string, error) {
	data, err := export.GenerateMissionReport(mission)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.config.Export.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(s.config.Export.Dir, fmt.Sprintf("mission-%s.xlsx", mission.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}
	return path, nil
}

// Stop 停止服务
// 存在活动会话时先落盘快照：下次启动走崩溃恢复路径
func (s *RecorderService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping recorder service")

	s.registry.StopAll()

	if s.rec.Active() {
		if err := s.rec.Flush(ctx, string(models.InterruptionPause)); err != nil {
			s.logger.Error("Failed to flush active session on shutdown", zap.Error(err))
		}
	}

	if s.unsubscribeFlush != nil {
		s.unsubscribeFlush()
	}

	if err := s.sensorSource.Stop(ctx); err != nil {
		s.logger.Error("Error stopping sensor source", zap.Error(err))
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing redis connection", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}

	s.logger.Info("Recorder service stopped")
	return nil
}
