package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aerosense-recorder/internal/config"
	"aerosense-recorder/internal/storage"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// weatherResponse 天气接口返回（current_weather字段子集）
type weatherResponse struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
		WindSpeed   float64 `json:"windspeed"`
		WeatherCode int     `json:"weathercode"`
		Time        string  `json:"time"`
	} `json:"current_weather"`
}

// WeatherRecord 落盘的天气补充数据（样本通过reference id关联）
type WeatherRecord struct {
	ID          string  `json:"id"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Temperature float64 `json:"temperature"`
	WindSpeed   float64 `json:"wind_speed"`
	WeatherCode int     `json:"weather_code"`
	FetchedAt   int64   `json:"fetched_at"`
}

// WeatherClient 天气补充数据客户端
//
// 尽力而为：任何失败都降级为"无补充数据"，绝不向采样主路径抛错
type WeatherClient struct {
	config *config.Config
	client *resty.Client
	kv     storage.KVStore
	logger *zap.Logger
}

// NewWeatherClient 创建天气客户端
func NewWeatherClient(cfg *config.Config, kv storage.KVStore, logger *zap.Logger) *WeatherClient {
	client := resty.New().
		SetBaseURL(cfg.Weather.BaseURL).
		SetTimeout(time.Duration(cfg.Weather.TimeoutMS) * time.Millisecond)

	return &WeatherClient{
		config: cfg,
		client: client,
		kv:     kv,
		logger: logger,
	}
}

// Lookup 按坐标查询天气并落盘，返回reference id
func (w *WeatherClient) Lookup(ctx context.Context, lat, lon float64) (string, error) {
	if !w.config.Weather.Enabled {
		return "", fmt.Errorf("weather enrichment disabled")
	}

	var result weatherResponse
	req := w.client.R().
		SetContext(ctx).
		SetQueryParam("latitude", fmt.Sprintf("%.4f", lat)).
		SetQueryParam("longitude", fmt.Sprintf("%.4f", lon)).
		SetQueryParam("current_weather", "true").
		SetResult(&result)
	if w.config.Weather.APIKey != "" {
		req.SetQueryParam("apikey", w.config.Weather.APIKey)
	}

	resp, err := req.Get("/forecast")
	if err != nil {
		return "", fmt.Errorf("weather request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("weather request failed: status %d", resp.StatusCode())
	}

	record := WeatherRecord{
		ID:          uuid.NewString(),
		Latitude:    lat,
		Longitude:   lon,
		Temperature: result.CurrentWeather.Temperature,
		WindSpeed:   result.CurrentWeather.WindSpeed,
		WeatherCode: result.CurrentWeather.WeatherCode,
		FetchedAt:   time.Now().UnixMilli(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal weather record: %w", err)
	}
	key := fmt.Sprintf("recorder:weather:%s", record.ID)
	// 天气数据保留7天，足够覆盖离线补同步
	if err := w.kv.Set(ctx, key, string(data), 7*24*time.Hour); err != nil {
		return "", fmt.Errorf("failed to store weather record: %w", err)
	}

	w.logger.Debug("Weather enrichment stored",
		zap.String("weather_id", record.ID),
		zap.Float64("temperature", record.Temperature),
	)
	return record.ID, nil
}
