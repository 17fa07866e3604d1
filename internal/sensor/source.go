package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"aerosense-recorder/internal/config"
	"aerosense-recorder/internal/models"

	"go.uber.org/zap"

	mqttcommon "aerosense-recorder/internal/common/mqtt"
)

// gatewayPayload 网关上报的读数消息（v2格式，BLE网关转发PMScan帧解码结果）
type gatewayPayload struct {
	PM1         float64  `json:"pm1"`
	PM25        float64  `json:"pm25"`
	PM10        float64  `json:"pm10"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	// 设备侧采集时间（毫秒时间戳）
	Timestamp int64 `json:"timestamp"`
	// 网关定位（移动网关随采样上报）
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// MQTTSensorSource MQTT传感器数据源
//
// 订阅网关主题并缓存最新读数；采样器按tick拉取（Latest），
// 消息解析失败只记日志，不影响已缓存的读数
type MQTTSensorSource struct {
	config     *config.Config
	mqttClient *mqttcommon.Client
	logger     *zap.Logger

	mu       sync.RWMutex
	latest   *models.SensorReading
	received int64
	dropped  int64
}

// NewMQTTSensorSource 创建MQTT传感器数据源
func NewMQTTSensorSource(cfg *config.Config, mqttClient *mqttcommon.Client, logger *zap.Logger) *MQTTSensorSource {
	return &MQTTSensorSource{
		config:     cfg,
		mqttClient: mqttClient,
		logger:     logger,
	}
}

// Start 订阅网关主题
func (s *MQTTSensorSource) Start(ctx context.Context) error {
	topic := s.config.Sensor.Topic
	if topic == "" {
		return fmt.Errorf("sensor MQTT topic not configured")
	}

	if err := s.mqttClient.Subscribe(topic, s.config.MQTT.QoS, s.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to sensor topic: %w", err)
	}

	s.logger.Info("Sensor source started", zap.String("topic", topic))
	return nil
}

// Stop 取消订阅
func (s *MQTTSensorSource) Stop(ctx context.Context) error {
	topic := s.config.Sensor.Topic
	if topic != "" {
		if err := s.mqttClient.Unsubscribe(topic); err != nil {
			s.logger.Error("Failed to unsubscribe", zap.Error(err))
		}
	}

	s.logger.Info("Sensor source stopped")
	return nil
}

// handleMessage 处理网关MQTT消息
func (s *MQTTSensorSource) handleMessage(topic string, payload []byte) error {
	reading, err := decodeGatewayPayload(payload)
	if err != nil {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Error("Failed to decode gateway payload",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to decode gateway payload: %w", err)
	}
	reading.ReceivedAt = time.Now().UnixMilli()

	s.mu.Lock()
	s.latest = reading
	s.received++
	s.mu.Unlock()

	s.logger.Debug("Sensor reading updated",
		zap.Float64("pm25", reading.Readings.PM25),
		zap.Int64("device_timestamp", reading.DeviceTimestamp),
	)
	return nil
}

// Latest 最新传感器读数（无读数时second返回false）
func (s *MQTTSensorSource) Latest() (models.SensorReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return models.SensorReading{}, false
	}
	return *s.latest, true
}

// LatestLocation 最新网关定位（未上报定位时second返回false）
func (s *MQTTSensorSource) LatestLocation() (models.Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil || s.latest.Location == nil {
		return models.Location{}, false
	}
	return *s.latest.Location, true
}

// decodeGatewayPayload 解码网关JSON载荷
func decodeGatewayPayload(payload []byte) (*models.SensorReading, error) {
	var msg gatewayPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	if msg.Timestamp <= 0 {
		return nil, fmt.Errorf("missing device timestamp")
	}

	reading := &models.SensorReading{
		Readings: models.ParticulateReadings{
			PM1:         msg.PM1,
			PM25:        msg.PM25,
			PM10:        msg.PM10,
			Temperature: msg.Temperature,
			Humidity:    msg.Humidity,
		},
		DeviceTimestamp: msg.Timestamp,
	}

	if msg.Latitude != nil && msg.Longitude != nil {
		loc := models.Location{
			Latitude:  *msg.Latitude,
			Longitude: *msg.Longitude,
			Timestamp: msg.Timestamp,
		}
		if msg.Accuracy != nil {
			loc.Accuracy = *msg.Accuracy
		}
		reading.Location = &loc
	}

	return reading, nil
}
