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

	"github.com/differentialHQ/differential/internal/control/events"
	"github.com/differentialHQ/differential/pkg/errors"
	"github.com/differentialHQ/differential/pkg/metrics"
)

// DefaultRemainingAttempts 默认尝试次数：首次 + 1 次停滞重试
const DefaultRemainingAttempts = 2

// CallConfig 准入可识别的调用选项
type CallConfig struct {
	// IdempotencyKey 作为去重主键第三列；重复准入返回已有 Job id
	IdempotencyKey string
	// CacheKey + CacheTTLSeconds 复用 TTL 内最近一次成功 resolution
	CacheKey        string
	CacheTTLSeconds int
	// RetryCountOnStall 设置 remaining_attempts = 1 + 值；nil 使用默认
	RetryCountOnStall *int
	// TimeoutSeconds 停滞检测阈值
	TimeoutSeconds int
	// PredictiveRetriesOnRejection 仅随行存储传递
	PredictiveRetriesOnRejection bool
	// ExecutionID 调用方自选 Job id；空则生成
	ExecutionID string
}

// CreateJobInput 准入输入
type CreateJobInput struct {
	ClusterID  string
	Service    string
	TargetFn   string
	TargetArgs []byte
	Config     CallConfig
}

// Admission 准入服务：默认策略（幂等键去重）与缓存键策略
type Admission struct {
	store Store
	sink  events.Sink
}

// NewAdmission 创建准入服务
func NewAdmission(store Store, sink events.Sink) *Admission {
	return &Admission{store: store, sink: sink}
}

// CreateJob 创建或复用 Job，返回 Job id。
// 缓存命中与幂等键碰撞都返回已有行的 id（已有行胜出）。
func (a *Admission) CreateJob(ctx context.Context, in CreateJobInput) (string, error) {
	if in.ClusterID == "" || in.Service == "" || in.TargetFn == "" {
		return "", errors.ErrInvalidArg
	}
	if in.Config.CacheKey != "" {
		return a.createCached(ctx, in)
	}
	return a.createDefault(ctx, in)
}

func (a *Admission) createDefault(ctx context.Context, in CreateJobInput) (string, error) {
	if in.Config.IdempotencyKey != "" {
		existing, err := a.store.GetByIdempotencyKey(ctx, in.ClusterID, in.TargetFn, in.Config.IdempotencyKey)
		if err != nil {
			return "", err
		}
		if existing != nil {
			metrics.JobCreatedTotal.WithLabelValues("dedup").Inc()
			return existing.ID, nil
		}
	}
	id, err := a.insert(ctx, in, "default")
	if err == nil || err != errors.ErrConflict {
		return id, err
	}
	// 并发准入撞到唯一索引：已有行胜出
	existing, probeErr := a.store.GetByIdempotencyKey(ctx, in.ClusterID, in.TargetFn, in.Config.IdempotencyKey)
	if probeErr != nil {
		return "", probeErr
	}
	if existing == nil {
		return "", err
	}
	metrics.JobCreatedTotal.WithLabelValues("dedup").Inc()
	return existing.ID, nil
}

func (a *Admission) createCached(ctx context.Context, in CreateJobInput) (string, error) {
	ttl := time.Duration(in.Config.CacheTTLSeconds) * time.Second
	hit, err := a.store.FindCached(ctx, in.ClusterID, in.Service, in.TargetFn, in.Config.CacheKey, ttl)
	if err != nil {
		return "", err
	}
	if hit != nil {
		metrics.JobCreatedTotal.WithLabelValues("cached").Inc()
		return hit.ID, nil
	}
	return a.insert(ctx, in, "cache_miss")
}

func (a *Admission) insert(ctx context.Context, in CreateJobInput, strategy string) (string, error) {
	attempts := DefaultRemainingAttempts
	if in.Config.RetryCountOnStall != nil {
		attempts = 1 + *in.Config.RetryCountOnStall
	}
	j := &Job{
		ID:                           in.Config.ExecutionID,
		ClusterID:                    in.ClusterID,
		Service:                      in.Service,
		TargetFn:                     in.TargetFn,
		TargetArgs:                   in.TargetArgs,
		IdempotencyKey:               in.Config.IdempotencyKey,
		CacheKey:                     in.Config.CacheKey,
		RemainingAttempts:            attempts,
		TimeoutIntervalSeconds:       in.Config.TimeoutSeconds,
		PredictiveRetriesOnRejection: in.Config.PredictiveRetriesOnRejection,
	}
	id, err := a.store.Create(ctx, j)
	if err != nil {
		return "", err
	}
	metrics.JobCreatedTotal.WithLabelValues(strategy).Inc()
	a.sink.Emit(ctx, events.Event{
		Type:      events.JobCreated,
		ClusterID: in.ClusterID,
		JobID:     id,
		Service:   in.Service,
	})
	return id, nil
}
