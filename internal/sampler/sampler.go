package sampler

import (
	"context"
	"errors"
	"sync"
	"time"

	"aerosense-recorder/internal/models"
	"aerosense-recorder/internal/recorder"

	"go.uber.org/zap"
)

// SensorSource 传感器数据源（拉取最新读数）
type SensorSource interface {
	Latest() (models.SensorReading, bool)
}

// LocationProvider 定位数据源（可缺省，样本省略location）
type LocationProvider interface {
	LatestLocation() (models.Location, bool)
}

// Enricher 天气补充数据查询（异步尽力而为）
type Enricher interface {
	Lookup(ctx context.Context, lat, lon float64) (string, error)
}

// Sampler 采样器
//
// 每个调度tick执行一次：拉取最新传感器读数、定位和上下文标签，
// 组装样本提交记录缓冲。天气补充数据异步获取、按引用回填，
// 绝不阻塞样本采集；补充路径的失败不向采样主路径传播。
type Sampler struct {
	sensor   SensorSource
	location LocationProvider
	enricher Enricher
	rec      *recorder.Recorder
	logger   *zap.Logger

	// 补充数据查询超时
	enrichTimeout time.Duration

	mu               sync.Mutex
	manualContext    string
	automaticContext string
}

// NewSampler 创建采样器
// location/enricher 可为nil（相应字段缺省）
func NewSampler(
	sensor SensorSource,
	location LocationProvider,
	enricher Enricher,
	rec *recorder.Recorder,
	enrichTimeout time.Duration,
	logger *zap.Logger,
) *Sampler {
	if enrichTimeout <= 0 {
		enrichTimeout = 3 * time.Second
	}
	return &Sampler{
		sensor:        sensor,
		location:      location,
		enricher:      enricher,
		rec:           rec,
		enrichTimeout: enrichTimeout,
		logger:        logger,
	}
}

// SetManualContext 设置用户选择的上下文标签
func (s *Sampler) SetManualContext(label string) {
	s.mu.Lock()
	s.manualContext = label
	s.mu.Unlock()
}

// SetAutomaticContext 设置推断出的上下文标签
func (s *Sampler) SetAutomaticContext(label string) {
	s.mu.Lock()
	s.automaticContext = label
	s.mu.Unlock()
}

// HandleTick 调度tick回调：组装并提交一个样本
//
// 样本时间戳一次性取自tick的目标时刻，不在使用时重新读取系统时钟。
// 重复回调由记录缓冲的dedup守卫抑制，本方法对逻辑相同的输入幂等。
func (s *Sampler) HandleTick(ts time.Time) {
	reading, ok := s.sensor.Latest()
	if !ok {
		s.logger.Debug("No sensor reading available for tick",
			zap.Int64("tick_ms", ts.UnixMilli()),
		)
		return
	}

	s.mu.Lock()
	manual, automatic := s.manualContext, s.automaticContext
	s.mu.Unlock()

	sample := models.Sample{
		Timestamp:        ts.UnixMilli(),
		Readings:         reading.Readings,
		DeviceTimestamp:  reading.DeviceTimestamp,
		ManualContext:    manual,
		AutomaticContext: automatic,
	}

	if s.location != nil {
		if loc, ok := s.location.LatestLocation(); ok {
			sample.Location = &loc
		}
	}

	appended, err := s.rec.Append(context.Background(), sample)
	if err != nil {
		if errors.Is(err, recorder.ErrFlushInProgress) {
			// 紧急落盘期间放弃本tick样本（最多丢一个样本）
			s.logger.Warn("Sample dropped: emergency flush in progress",
				zap.Int64("tick_ms", sample.Timestamp),
			)
			return
		}
		s.logger.Error("Failed to append sample",
			zap.Int64("tick_ms", sample.Timestamp),
			zap.Error(err),
		)
		return
	}
	if !appended {
		return
	}

	// 补充数据异步获取，不阻塞采样
	if s.enricher != nil && sample.Location != nil {
		go s.enrich(sample.Timestamp, sample.Location.Latitude, sample.Location.Longitude)
	}
}

// enrich 异步获取天气补充数据并按时间戳回填
// 会话已关闭时补充数据丢弃（见记录缓冲的回填策略）
func (s *Sampler) enrich(timestamp int64, lat, lon float64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.enrichTimeout)
	defer cancel()

	refID, err := s.enricher.Lookup(ctx, lat, lon)
	if err != nil {
		s.logger.Debug("Weather enrichment unavailable", zap.Error(err))
		return
	}

	if !s.rec.AttachEnrichment(timestamp, refID) {
		s.logger.Debug("Late weather enrichment dropped (session closed)",
			zap.Int64("tick_ms", timestamp),
			zap.String("weather_id", refID),
		)
	}
}
