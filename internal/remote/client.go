package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aerosense-recorder/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// SyncClient 云端同步客户端
//
// 任务上传走PUT（按ID幂等upsert）：崩溃恢复与正常完成可能对
// 同一任务各上传一次，服务端只保留一条记录。
type SyncClient struct {
	client *resty.Client
	logger *zap.Logger
}

// NewSyncClient 创建云端同步客户端
func NewSyncClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *SyncClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &SyncClient{client: client, logger: logger}
}

// UploadMission 上传任务记录（幂等）
func (c *SyncClient) UploadMission(ctx context.Context, mission *models.Mission) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(mission).
		Put("/missions/" + mission.ID)
	if err != nil {
		return fmt.Errorf("failed to upload mission %s: %w", mission.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("mission upload rejected: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Debug("Mission uploaded",
		zap.String("mission_id", mission.ID),
		zap.Int("status", resp.StatusCode()),
	)
	return nil
}

// UploadMeasurements 上传任务的测量值批次
func (c *SyncClient) UploadMeasurements(ctx context.Context, batch *models.MeasurementBatch) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(batch).
		Post("/missions/" + batch.MissionID + "/measurements")
	if err != nil {
		return fmt.Errorf("failed to upload measurements for mission %s: %w", batch.MissionID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("measurement upload rejected: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Debug("Measurement batch uploaded",
		zap.String("mission_id", batch.MissionID),
		zap.Int("samples", len(batch.Samples)),
	)
	return nil
}

// ConnectivityProbe 连通性探测
//
// 周期性GET /health，缓存最近结果供同步队列查询；
// 离线转在线的边沿触发回调（用于立即补跑一轮同步）。
type ConnectivityProbe struct {
	client   *resty.Client
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	online   bool
	onOnline func()
}

// NewConnectivityProbe 创建连通性探测器
func NewConnectivityProbe(baseURL string, interval time.Duration, logger *zap.Logger) *ConnectivityProbe {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ConnectivityProbe{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(5 * time.Second),
		interval: interval,
		logger:   logger,
	}
}

// SetOnlineHook 设置离线转在线的边沿回调
func (p *ConnectivityProbe) SetOnlineHook(hook func()) {
	p.mu.Lock()
	p.onOnline = hook
	p.mu.Unlock()
}

// Online 最近一次探测的连通状态
func (p *ConnectivityProbe) Online() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online
}

// Start 启动周期探测（阻塞，ctx取消后返回）
func (p *ConnectivityProbe) Start(ctx context.Context) {
	// 启动即探测一次，不等首个周期
	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

// probe 执行一次探测并在离线转在线时触发回调
func (p *ConnectivityProbe) probe(ctx context.Context) {
	resp, err := p.client.R().SetContext(ctx).Get("/health")
	nowOnline := err == nil && !resp.IsError()

	p.mu.Lock()
	wasOnline := p.online
	p.online = nowOnline
	hook := p.onOnline
	p.mu.Unlock()

	if nowOnline && !wasOnline {
		p.logger.Info("Connectivity restored")
		if hook != nil {
			hook()
		}
	} else if !nowOnline && wasOnline {
		p.logger.Warn("Connectivity lost", zap.Error(err))
	}
}
