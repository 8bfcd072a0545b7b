// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package job

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/differentialHQ/differential/internal/control/cluster"
	"github.com/differentialHQ/differential/internal/control/events"
	"github.com/differentialHQ/differential/pkg/log"
	"github.com/differentialHQ/differential/pkg/metrics"
)

// Provider 部署 provider 的外部协作接口（如 serverless 异步调用）
type Provider interface {
	Name() string
	// MinimumNotificationInterval 同一部署两次 Notify 的最小间隔
	MinimumNotificationInterval() time.Duration
	// Notify 请求 provider 拉起一个 Worker 处理积压
	Notify(ctx context.Context, d *cluster.Deployment, pendingJobs, runningMachines int) error
}

// ClusterActivity 只读活动视图，避免 notifier 反向依赖 store/registry 装配
type ClusterActivity interface {
	// PendingJobs (cluster, service) 当前可认领 Job 数
	PendingJobs(ctx context.Context, clusterID, service string) (int, error)
	// LiveMachines 集群当前在线机器数
	LiveMachines(ctx context.Context, clusterID string) (int, error)
}

// WakeupNotifier 周期观测各 active 部署：有积压且无在线机器时通知 provider；
// 按部署以 provider 最小间隔去抖
type WakeupNotifier struct {
	registry  cluster.Registry
	activity  ClusterActivity
	providers map[string]Provider
	sink      events.Sink
	logger    *log.Logger
	interval  time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // key: deployment id

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWakeupNotifier 创建唤醒通知器；providers 按 Name 注册
func NewWakeupNotifier(registry cluster.Registry, activity ClusterActivity, providers []Provider, sink events.Sink, logger *log.Logger, interval time.Duration) *WakeupNotifier {
	if interval <= 0 {
		interval = DefaultSelfHealInterval
	}
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &WakeupNotifier{
		registry:  registry,
		activity:  activity,
		providers: byName,
		sink:      sink,
		logger:    logger,
		interval:  interval,
		limiters:  make(map[string]*rate.Limiter),
		stopCh:    make(chan struct{}),
	}
}

// Start 启动观测循环
func (n *WakeupNotifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := n.Scan(ctx); err != nil {
					n.logger.Error("唤醒扫描失败", "error", err)
				}
			}
		}
	}()
}

// Stop 优雅退出
func (n *WakeupNotifier) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

// Scan 执行一轮观测；对满足 pending > 0 且在线机器 == 0 的部署去抖后 Notify
func (n *WakeupNotifier) Scan(ctx context.Context) error {
	deployments, err := n.registry.ListActiveDeployments(ctx)
	if err != nil {
		return err
	}
	for _, d := range deployments {
		provider, ok := n.providers[d.Provider]
		if !ok {
			continue
		}
		pending, err := n.activity.PendingJobs(ctx, d.ClusterID, d.Service)
		if err != nil {
			n.logger.Error("读取积压失败", "cluster_id", d.ClusterID, "service", d.Service, "error", err)
			continue
		}
		metrics.JobsPending.WithLabelValues(d.ClusterID).Set(float64(pending))
		if pending == 0 {
			continue
		}
		machines, err := n.activity.LiveMachines(ctx, d.ClusterID)
		if err != nil {
			n.logger.Error("读取在线机器失败", "cluster_id", d.ClusterID, "error", err)
			continue
		}
		if machines > 0 {
			continue
		}
		if !n.allow(d.ID, provider.MinimumNotificationInterval()) {
			continue
		}
		if err := provider.Notify(ctx, d, pending, machines); err != nil {
			n.logger.Error("唤醒通知失败", "deployment_id", d.ID, "provider", provider.Name(), "error", err)
			continue
		}
		metrics.WakeupNotifyTotal.WithLabelValues(provider.Name()).Inc()
		n.sink.Emit(ctx, events.Event{
			Type:         events.DeploymentNotified,
			ClusterID:    d.ClusterID,
			DeploymentID: d.ID,
			Service:      d.Service,
		})
	}
	return nil
}

// allow 按部署去抖：最小间隔内至多一次
func (n *WakeupNotifier) allow(deploymentID string, minInterval time.Duration) bool {
	if minInterval <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	lim, ok := n.limiters[deploymentID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(minInterval), 1)
		n.limiters[deploymentID] = lim
	}
	return lim.Allow()
}

// Activity 默认 ClusterActivity 实现：组合 job.Store 与 cluster.Registry 的读路径
type Activity struct {
	Store    Store
	Registry cluster.Registry
	// Window 机器存活窗口；<=0 使用 cluster.DefaultLivenessWindow
	Window time.Duration
}

func (a *Activity) PendingJobs(ctx context.Context, clusterID, service string) (int, error) {
	return a.Store.CountPending(ctx, clusterID, service)
}

func (a *Activity) LiveMachines(ctx context.Context, clusterID string) (int, error) {
	window := a.Window
	if window <= 0 {
		window = cluster.DefaultLivenessWindow
	}
	return a.Registry.LiveMachineCount(ctx, clusterID, window)
}
