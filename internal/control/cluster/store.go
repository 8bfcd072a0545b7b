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

package cluster

import (
	"context"
	"time"
)

// Registry 集群注册表：集群/机器/服务定义/部署。机器为 ping 时 upsert，热路径不删除。
type Registry interface {
	CreateCluster(ctx context.Context, c *Cluster) error
	// GetCluster 无则返回 nil, nil
	GetCluster(ctx context.Context, clusterID string) (*Cluster, error)
	// GetClusterBySecret 按共享密钥认证；无则返回 nil, nil
	GetClusterBySecret(ctx context.Context, secret string) (*Cluster, error)
	ListClusters(ctx context.Context) ([]*Cluster, error)

	// PingMachine upsert 机器的 last_ping_at / ip / deployment_id
	PingMachine(ctx context.Context, m *Machine) error
	// LiveMachineCount last_ping_at 在 window 内的机器数
	LiveMachineCount(ctx context.Context, clusterID string, window time.Duration) (int, error)

	UpsertServiceDefinition(ctx context.Context, clusterID string, def *ServiceDefinition) error
	// GetServiceDefinition 无则返回 nil, nil
	GetServiceDefinition(ctx context.Context, clusterID, service string) (*ServiceDefinition, error)

	CreateDeployment(ctx context.Context, d *Deployment) error
	// GetDeployment 无则返回 nil, nil
	GetDeployment(ctx context.Context, clusterID, deploymentID string) (*Deployment, error)
	// ReleaseDeployment 将当前 active 降为 inactive 并提升 deploymentID 为 active，同一事务内完成
	ReleaseDeployment(ctx context.Context, clusterID, deploymentID string) (*Deployment, error)
	// ListActiveDeployments 全部 active 部署，供唤醒通知器扫描
	ListActiveDeployments(ctx context.Context) ([]*Deployment, error)
}
