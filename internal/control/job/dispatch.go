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

	"github.com/differentialHQ/differential/internal/control/cluster"
	"github.com/differentialHQ/differential/internal/control/events"
	"github.com/differentialHQ/differential/pkg/errors"
	"github.com/differentialHQ/differential/pkg/log"
	"github.com/differentialHQ/differential/pkg/metrics"
)

// ClaimedJob Dispatcher 返回给 Worker 的投影
type ClaimedJob struct {
	ID         string `json:"id"`
	TargetFn   string `json:"targetFn"`
	TargetArgs []byte `json:"targetArgs"`
}

// PollInput Worker 长轮询输入
type PollInput struct {
	ClusterID    string
	Service      string
	MachineID    string
	MachineIP    string
	DeploymentID string
	Limit        int
	// Definition 随轮询上报的服务定义；nil 不更新
	Definition *cluster.ServiceDefinition
}

// Dispatcher 认领服务：原子认领 + 机器注册 + 服务定义后台 upsert
type Dispatcher struct {
	store    Store
	registry cluster.Registry
	sink     events.Sink
	logger   *log.Logger
}

// NewDispatcher 创建 Dispatcher
func NewDispatcher(store Store, registry cluster.Registry, sink events.Sink, logger *log.Logger) *Dispatcher {
	return &Dispatcher{store: store, registry: registry, sink: sink, logger: logger}
}

// NextJobs 认领至多 limit 条 Job；空列表立即返回，Worker 自行节流。
// 副作用：upsert 机器 ping；服务定义 upsert 在后台进行，错误只记日志不上抛。
func (d *Dispatcher) NextJobs(ctx context.Context, in PollInput) ([]ClaimedJob, error) {
	if in.MachineID == "" {
		return nil, errors.ErrInvalidArg
	}
	if err := d.registry.PingMachine(ctx, &cluster.Machine{
		ID:           in.MachineID,
		ClusterID:    in.ClusterID,
		IP:           in.MachineIP,
		DeploymentID: in.DeploymentID,
	}); err != nil {
		return nil, err
	}
	if in.Definition != nil {
		def := *in.Definition
		go func() {
			if err := d.registry.UpsertServiceDefinition(context.Background(), in.ClusterID, &def); err != nil {
				d.logger.Error("服务定义 upsert 失败", "cluster_id", in.ClusterID, "service", def.Service, "error", err)
			}
		}()
	}
	claimed, err := d.store.Claim(ctx, in.ClusterID, in.Service, in.MachineID, in.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]ClaimedJob, 0, len(claimed))
	for _, j := range claimed {
		out = append(out, ClaimedJob{ID: j.ID, TargetFn: j.TargetFn, TargetArgs: j.TargetArgs})
		metrics.JobClaimedTotal.WithLabelValues(in.ClusterID, in.Service).Inc()
		d.sink.Emit(ctx, events.Event{
			Type:      events.JobReceived,
			ClusterID: in.ClusterID,
			JobID:     j.ID,
			MachineID: in.MachineID,
			Service:   in.Service,
		})
	}
	return out, nil
}
