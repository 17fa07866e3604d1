package config

import (
	"os"
	"strconv"

	"aerosense-recorder/internal/common/config"
)

// Config 记录服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 传感器网关配置
	Sensor struct {
		// 网关上报主题，如 "aerosense/gateway/readings"
		Topic string
	}

	// 采样调度配置
	Scheduler struct {
		// 默认采样频率标签（"1s"/"10s"/"30s"/"1m"/"5m"）
		DefaultFrequency string
		// 休眠恢复后单次补发的最大tick数
		CatchUpCap int
		// 后台轮询间隔（毫秒）
		BackgroundCheckMS int
	}

	// 记录缓冲配置
	Recorder struct {
		// 重复样本保护窗口（毫秒）
		DedupWindowMS int
		// 崩溃快照的存储key前缀
		CrashKey string
	}

	// 崩溃恢复配置
	Recovery struct {
		// 崩溃快照过期窗口（小时），超过则静默删除
		StalenessHours int
		// 启动时无人值守的处理策略：
		// "keep"（补存为任务）、"resume"（继续记录）或 "discard"
		Policy string
	}

	// 同步队列配置
	Sync struct {
		// 队列处理周期（秒）
		TickSeconds int
		// 最大自动重试次数
		MaxRetries int
		// 单条上传超时（秒）
		AttemptTimeoutSeconds int
		// 队列持久化key
		QueueKey string
	}

	// 云端同步接口配置
	Remote struct {
		BaseURL string
		Token   string
		// 连通性探测间隔（秒）
		ProbeSeconds int
	}

	// 天气补充数据配置
	Weather struct {
		Enabled bool
		BaseURL string
		APIKey  string
		// 单次查询超时（毫秒）
		TimeoutMS int
	}

	// 报表导出配置
	Export struct {
		Enabled bool
		Dir     string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "aerosense")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "aerosense-recorder")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Sensor.Topic = getEnv("SENSOR_TOPIC", "aerosense/gateway/readings")

	cfg.Scheduler.DefaultFrequency = getEnv("SCHEDULER_DEFAULT_FREQUENCY", "10s")
	cfg.Scheduler.CatchUpCap = getEnvInt("SCHEDULER_CATCHUP_CAP", 5)
	cfg.Scheduler.BackgroundCheckMS = getEnvInt("SCHEDULER_BACKGROUND_CHECK_MS", 2000)

	cfg.Recorder.DedupWindowMS = getEnvInt("RECORDER_DEDUP_WINDOW_MS", 500)
	cfg.Recorder.CrashKey = getEnv("RECORDER_CRASH_KEY", "recorder:crash:default")

	cfg.Recovery.StalenessHours = getEnvInt("RECOVERY_STALENESS_HOURS", 24)
	cfg.Recovery.Policy = getEnv("RECOVERY_POLICY", "keep")

	cfg.Sync.TickSeconds = getEnvInt("SYNC_TICK_SECONDS", 30)
	cfg.Sync.MaxRetries = getEnvInt("SYNC_MAX_RETRIES", 5)
	cfg.Sync.AttemptTimeoutSeconds = getEnvInt("SYNC_ATTEMPT_TIMEOUT_SECONDS", 15)
	cfg.Sync.QueueKey = getEnv("SYNC_QUEUE_KEY", "recorder:syncqueue")

	cfg.Remote.BaseURL = getEnv("REMOTE_BASE_URL", "http://localhost:8080/api/v1")
	cfg.Remote.Token = getEnv("REMOTE_TOKEN", "")
	cfg.Remote.ProbeSeconds = getEnvInt("REMOTE_PROBE_SECONDS", 10)

	cfg.Weather.Enabled = getEnv("WEATHER_ENABLED", "true") == "true"
	cfg.Weather.BaseURL = getEnv("WEATHER_BASE_URL", "https://api.open-meteo.com/v1")
	cfg.Weather.APIKey = getEnv("WEATHER_API_KEY", "")
	cfg.Weather.TimeoutMS = getEnvInt("WEATHER_TIMEOUT_MS", 3000)

	cfg.Export.Enabled = getEnv("EXPORT_ENABLED", "false") == "true"
	cfg.Export.Dir = getEnv("EXPORT_DIR", "./reports")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}
