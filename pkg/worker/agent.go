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

package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/differentialHQ/differential/pkg/config"
	"github.com/differentialHQ/differential/pkg/errors"
	"github.com/differentialHQ/differential/pkg/log"
	"github.com/differentialHQ/differential/pkg/metrics"
)

// 轮询代理参数
const (
	DefaultConcurrency = 100
	DefaultPollTTL     = 20 * time.Second
	MinPollTTL         = 5 * time.Second
	MaxPollTTL         = 20 * time.Second

	// pollThrottle 轮询节拍下限：与请求并行等待，保证循环节奏 ≥ 2s
	pollThrottle = 2 * time.Second
	// capacityTick 无可用并发槽位时的短等待
	capacityTick = 200 * time.Millisecond
	// quitSpinInterval Quit 自旋检查间隔
	quitSpinInterval = 500 * time.Millisecond
	// maxConsecutiveErrors 连续传输错误达到该值后代理自杀
	maxConsecutiveErrors = 10

	// ServerlessMaxIdleCycles serverless 宿主的空轮询退出阈值
	ServerlessMaxIdleCycles = 2
)

// AgentConfig 轮询代理配置
type AgentConfig struct {
	Endpoint     string
	APISecret    string
	MachineID    string // 空则生成
	DeploymentID string
	Concurrency  int           // <=0 使用 DefaultConcurrency
	TTL          time.Duration // 裁剪到 [5s, 20s]
	// MaxIdleCycles > 0 时，连续空轮询达到该值后退出（serverless 宿主用 2）
	MaxIdleCycles int
	Logger        *log.Logger
}

// PollingAgent Worker 轮询代理：按服务长轮询 Dispatcher，认领的 Job 投入任务队列执行并写回结果
type PollingAgent struct {
	client   *APIClient
	registry *Registry
	queue    *TaskQueue
	logger   *log.Logger

	concurrency   atomic.Int64
	ttl           time.Duration
	maxIdleCycles int

	active         bool
	pollingAborted atomic.Bool
	cancel         context.CancelFunc
	mu             sync.Mutex
	wg             sync.WaitGroup
}

// NewPollingAgent 创建代理；registry 须在 Start 前完成注册。
// 部署环境契约：DIFFERENTIAL_DEPLOYMENT_PROVIDER 非空（serverless 宿主）时
// 自动启用空轮询退出（maxIdleCycles=2），部署 ID 取 DIFFERENTIAL_DEPLOYMENT_ID。
func NewPollingAgent(cfg AgentConfig, registry *Registry) *PollingAgent {
	if provider := config.DeploymentProvider(); provider != "" {
		if cfg.MaxIdleCycles == 0 {
			cfg.MaxIdleCycles = ServerlessMaxIdleCycles
		}
		if cfg.DeploymentID == "" {
			cfg.DeploymentID = config.DeploymentID()
		}
	}
	machineID := cfg.MachineID
	if machineID == "" {
		machineID = NewMachineID()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}
	a := &PollingAgent{
		client:        NewAPIClient(cfg.Endpoint, cfg.APISecret, machineID, cfg.DeploymentID),
		registry:      registry,
		queue:         NewTaskQueue(concurrency),
		logger:        logger,
		ttl:           clampTTL(cfg.TTL),
		maxIdleCycles: cfg.MaxIdleCycles,
	}
	a.concurrency.Store(int64(concurrency))
	return a
}

// NewMachineID 每次 Worker 启动生成新的机器标识
func NewMachineID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "machine-" + uuid.New().String()
	}
	return "machine-" + id.String()
}

// MachineID 本代理的机器标识
func (a *PollingAgent) MachineID() string {
	return a.client.MachineID()
}

// SetConcurrency 运行时调整并发上限；在途任务不被打断，后续认领按新上限
func (a *PollingAgent) SetConcurrency(n int) {
	if n <= 0 {
		n = 1
	}
	a.concurrency.Store(int64(n))
	a.queue.SetCap(n)
}

// Start 为注册表内每个服务启动一条轮询循环
func (a *PollingAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return fmt.Errorf("worker: agent already started")
	}
	services := a.registry.Services()
	if len(services) == 0 {
		a.mu.Unlock()
		return fmt.Errorf("worker: no functions registered")
	}
	a.active = true
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	for _, service := range services {
		a.wg.Add(1)
		go a.pollLoop(ctx, service)
	}
	go func() {
		a.wg.Wait()
		a.pollingAborted.Store(true)
	}()
	return nil
}

// Quit 退出协议：中止在途轮询请求，任务队列排空，自旋等待轮询循环结束
func (a *PollingAgent) Quit() {
	a.mu.Lock()
	started := a.active
	cancel := a.cancel
	a.mu.Unlock()
	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	a.queue.Quit()
	for !a.pollingAborted.Load() {
		time.Sleep(quitSpinInterval)
	}
}

// Done 所有轮询循环已退出（空轮询自杀或错误耗尽时亦会变为 true）
func (a *PollingAgent) Done() bool {
	return a.pollingAborted.Load()
}

func (a *PollingAgent) pollLoop(ctx context.Context, service string) {
	defer a.wg.Done()
	var errorCount, idleCycleCount int
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		capacity := int(a.concurrency.Load()) - a.queue.Running()
		if capacity <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(capacityTick):
			}
			continue
		}
		limit := (capacity + 1) / 2

		throttle := time.After(pollThrottle)
		claimed, err := a.client.NextJobs(ctx, service, limit, a.ttl, a.registry.Definition(service))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if stderrors.Is(err, errors.ErrUnauthorized) {
				a.logger.Error("轮询未授权，代理退出", "service", service)
				a.abort()
				return
			}
			errorCount++
			a.logger.Error("轮询失败", "service", service, "error", err, "consecutive", errorCount)
			if errorCount >= maxConsecutiveErrors {
				a.logger.Error("连续轮询错误达到上限，代理退出", "service", service)
				a.abort()
				return
			}
		} else {
			errorCount = 0
			if len(claimed) == 0 {
				idleCycleCount++
				if a.maxIdleCycles > 0 && idleCycleCount >= a.maxIdleCycles {
					a.logger.Info("空轮询达到上限，代理退出", "service", service, "idle_cycles", idleCycleCount)
					a.abort()
					return
				}
			} else {
				idleCycleCount = 0
				for _, cj := range claimed {
					a.enqueue(service, cj.ID, cj.TargetFn, cj.TargetArgs)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-throttle:
		}
	}
}

// abort 停止全部轮询循环；在途任务继续排空
func (a *PollingAgent) abort() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *PollingAgent) enqueue(service, jobID, targetFn string, args []byte) {
	reg, ok := a.registry.Get(targetFn)
	if !ok {
		// 未注册函数：立即写回合成 rejection
		a.postResult(jobID, service, TaskResult{
			Type:    "rejection",
			Content: rejectionContent(fmt.Sprintf("Function was not registered: %s", targetFn)),
		})
		return
	}
	metrics.WorkerBusy.WithLabelValues(a.MachineID()).Inc()
	err := a.queue.AddTask(Task{
		JobID: jobID,
		Fn:    reg.Fn,
		Args:  args,
		OnComplete: func(result TaskResult) {
			defer metrics.WorkerBusy.WithLabelValues(a.MachineID()).Dec()
			a.postResult(jobID, service, result)
		},
	})
	if err != nil {
		metrics.WorkerBusy.WithLabelValues(a.MachineID()).Dec()
		a.logger.Warn("任务入队失败，等待自愈回收", "job_id", jobID, "error", err)
	}
}

// postResult 结果写回不依赖代理 ctx：Quit 排空期间在途任务仍需交付
func (a *PollingAgent) postResult(jobID, service string, result TaskResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.client.PersistResult(ctx, jobID, service, result); err != nil {
		// 4xx/传输失败只记日志，行留在 running，由自愈回收
		a.logger.Error("结果写回失败", "job_id", jobID, "error", err)
	}
}

func clampTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultPollTTL
	}
	if d < MinPollTTL {
		return MinPollTTL
	}
	if d > MaxPollTTL {
		return MaxPollTTL
	}
	return d
}
