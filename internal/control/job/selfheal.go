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

	"github.com/differentialHQ/differential/internal/control/events"
	"github.com/differentialHQ/differential/pkg/log"
	"github.com/differentialHQ/differential/pkg/metrics"
)

// 自愈默认参数
const (
	DefaultSelfHealInterval = 5 * time.Second
	DefaultStallTimeout     = 30 * time.Second
)

// StalledPayload 终态化时写入的合成 rejection 负载（JSON，客户端按默认编解码器解包）
var StalledPayload = []byte(`{"message":"stalled: no attempts remaining"}`)

// SelfHealer 周期扫描 running Job：超过停滞阈值的，剩余尝试 > 0 则置回 pending，
// 否则终态化为合成 rejection。同一窗口内重复扫描结果一致（条件更新保证幂等）。
type SelfHealer struct {
	store          Store
	sink           events.Sink
	logger         *log.Logger
	interval       time.Duration
	defaultTimeout time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
}

// NewSelfHealer 创建自愈器；interval/defaultTimeout <= 0 使用默认
func NewSelfHealer(store Store, sink events.Sink, logger *log.Logger, interval, defaultTimeout time.Duration) *SelfHealer {
	if interval <= 0 {
		interval = DefaultSelfHealInterval
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultStallTimeout
	}
	return &SelfHealer{
		store:          store,
		sink:           sink,
		logger:         logger,
		interval:       interval,
		defaultTimeout: defaultTimeout,
		stopCh:         make(chan struct{}),
	}
}

// Start 启动扫描循环
func (h *SelfHealer) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				requeued, terminal, err := h.Sweep(ctx)
				if err != nil {
					h.logger.Error("自愈扫描失败", "error", err)
					continue
				}
				if requeued > 0 || terminal > 0 {
					h.logger.Info("自愈扫描完成", "requeued", requeued, "terminal", terminal)
				}
			}
		}
	}()
}

// Stop 优雅退出：关闭 stopCh，等待循环结束
func (h *SelfHealer) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

// Sweep 执行一轮扫描，返回回队数与终态化数
func (h *SelfHealer) Sweep(ctx context.Context) (requeued, terminal int, err error) {
	stalled, err := h.store.ListStalled(ctx, h.defaultTimeout)
	if err != nil {
		return 0, 0, err
	}
	for _, j := range stalled {
		// remaining_attempts 已在认领时扣减，回队不再变动
		if j.RemainingAttempts > 0 {
			ok, err := h.store.RequeueStalled(ctx, j.ID)
			if err != nil {
				h.logger.Error("停滞回队失败", "job_id", j.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			requeued++
			metrics.JobStalledTotal.WithLabelValues("requeue").Inc()
			h.sink.Emit(ctx, events.Event{Type: events.JobStalled, ClusterID: j.ClusterID, JobID: j.ID, Service: j.Service})
			continue
		}
		ok, err := h.store.TerminalizeStalled(ctx, j.ID, StalledPayload)
		if err != nil {
			h.logger.Error("停滞终态化失败", "job_id", j.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		terminal++
		metrics.JobStalledTotal.WithLabelValues("terminal").Inc()
		h.sink.Emit(ctx, events.Event{Type: events.JobStalledTerminal, ClusterID: j.ClusterID, JobID: j.ID, Service: j.Service})
	}
	return requeued, terminal, nil
}
