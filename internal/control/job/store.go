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
	"time"
)

// Store 任务存储：准入、认领、结果写回、状态读取、停滞回收。
// 认领与结果写回必须行级原子；Get/GetBatch 只返回 clusterID 名下的行。
type Store interface {
	// Create 插入新 Job；(cluster_id, target_fn, idempotency_key) 冲突时返回 errors.ErrConflict
	Create(ctx context.Context, j *Job) (string, error)
	// Get 按集群读单条；无则返回 nil, nil
	Get(ctx context.Context, clusterID, jobID string) (*Job, error)
	// GetBatch 按集群批量读；缺失的 id 静默省略
	GetBatch(ctx context.Context, clusterID string, jobIDs []string) ([]*Job, error)
	// GetByIdempotencyKey 按准入去重主键查已有行；无则返回 nil, nil
	GetByIdempotencyKey(ctx context.Context, clusterID, targetFn, idempotencyKey string) (*Job, error)
	// FindCached 查 cache_key 命中：最近一次成功 resolution 且 resulted_at 在 TTL 内；
	// 排序 resulted_at 降序，并列时 id 降序；无则返回 nil, nil
	FindCached(ctx context.Context, clusterID, service, targetFn, cacheKey string, ttl time.Duration) (*Job, error)
	// Claim 原子认领至多 limit 条可认领 Job（status ∈ {pending, failure} 且 remaining_attempts > 0，id 升序）：
	// status=running、remaining_attempts-1、last_retrieved_at=now、executing_machine_id=machineID 四者同一语句完成
	Claim(ctx context.Context, clusterID, service, machineID string, limit int) ([]*Job, error)
	// PersistResult 写回结果：仅 running 或已 success 的行被更新（后者为幂等重投，last-writer-wins 但不离开 success）；
	// 行不存在返回 errors.ErrNotFound。返回是否实际写入。
	PersistResult(ctx context.Context, clusterID, jobID string, result []byte, resultType string, executionTimeMS int64) (bool, error)
	// ListStalled 列出停滞的 running Job：now − last_retrieved_at 超过 max(job 自带超时, defaultTimeout)
	ListStalled(ctx context.Context, defaultTimeout time.Duration) ([]*Job, error)
	// RequeueStalled 将停滞 Job 置回 pending 并清空 executing_machine_id；仅 status=running 时生效，返回是否生效
	RequeueStalled(ctx context.Context, jobID string) (bool, error)
	// TerminalizeStalled 尝试耗尽后的终态化：status=success、result_type=rejection、写入合成停滞负载；仅 status=running 时生效
	TerminalizeStalled(ctx context.Context, jobID string, payload []byte) (bool, error)
	// CountPending 按 (cluster, service) 统计待执行 Job 数；service 为空统计整个集群
	CountPending(ctx context.Context, clusterID, service string) (int, error)
	// CountByStatus 各状态 Job 数量，用于 gauge 上报
	CountByStatus(ctx context.Context) (map[string]int64, error)
}
