package models

// ParticulateReadings 颗粒物读数（三个粒径通道 + 可选环境量）
type ParticulateReadings struct {
	PM1  float64 `json:"pm1"`
	PM25 float64 `json:"pm25"`
	PM10 float64 `json:"pm10"`
	// 温湿度为可选通道（部分传感器不上报）
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
}

// Location GPS定位信息
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	// 定位自身的采集时间（毫秒时间戳），与采样时刻可能有偏差
	Timestamp int64 `json:"timestamp"`
}

// SensorReading 传感器网关上报的最新读数
type SensorReading struct {
	Readings ParticulateReadings `json:"readings"`
	// 设备侧采集时间（毫秒时间戳），用于诊断设备时钟与主机时钟的漂移
	DeviceTimestamp int64 `json:"device_timestamp"`
	// 网关消息到达本机的时间（毫秒时间戳）
	ReceivedAt int64     `json:"received_at"`
	Location   *Location `json:"location,omitempty"`
}

// Sample 一次采样tick产生的记录
// 写入记录缓冲后不可变更；时间戳由调度器在tick时一次性赋值
type Sample struct {
	Timestamp int64               `json:"timestamp"`
	Readings  ParticulateReadings `json:"readings"`
	// 设备侧采集时间，保留用于时钟漂移诊断
	DeviceTimestamp  int64     `json:"device_timestamp,omitempty"`
	Location         *Location `json:"location,omitempty"`
	ManualContext    string    `json:"manual_context,omitempty"`
	AutomaticContext string    `json:"automatic_context,omitempty"`
	// 天气补充数据引用，异步获取，不阻塞采样
	WeatherReferenceID string `json:"weather_reference_id,omitempty"`
}

// PrimaryValue 主测量值（PM2.5），用于重复样本判定
func (s *Sample) PrimaryValue() float64 {
	return s.Readings.PM25
}
