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
)

// 批量长轮询边界：超时裁剪到 [5s, 20s]，默认 20s；重读间隔 500ms
const (
	MinLongPollTimeout  = 5 * time.Second
	MaxLongPollTimeout  = 20 * time.Second
	longPollTickInterval = 500 * time.Millisecond
)

// StatusView 状态读取的行投影
type StatusView struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Result     []byte `json:"result,omitempty"`
	ResultType string `json:"resultType,omitempty"`
}

// StatusService 单条与批量状态读取；服务端只在批量端点内做有界等待
type StatusService struct {
	store Store
	sink  events.Sink
}

// NewStatusService 创建状态服务
func NewStatusService(store Store, sink events.Sink) *StatusService {
	return &StatusService{store: store, sink: sink}
}

// GetJobStatus 读单条；未知 id 返回 errors.ErrNotFound，不跨集群
func (s *StatusService) GetJobStatus(ctx context.Context, clusterID, jobID string) (*StatusView, error) {
	j, err := s.store.Get(ctx, clusterID, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, errors.ErrNotFound
	}
	v := statusView(j)
	s.sink.Emit(ctx, events.Event{Type: events.JobStatusRequest, ClusterID: clusterID, JobID: jobID})
	return &v, nil
}

// GetJobStatuses 批量长轮询：任一行终态立即返回，否则 500ms 重读直到超时；
// 返回当时存在的子集，缺失 id 静默省略。每次读取为单一一致快照（行级一致即可）。
func (s *StatusService) GetJobStatuses(ctx context.Context, clusterID string, jobIDs []string, timeout time.Duration) ([]StatusView, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	timeout = ClampLongPollTimeout(timeout)
	deadline := time.Now().Add(timeout)
	for {
		rows, err := s.store.GetBatch(ctx, clusterID, jobIDs)
		if err != nil {
			return nil, err
		}
		terminated := false
		for _, j := range rows {
			if j.Terminated() {
				terminated = true
				break
			}
		}
		if terminated || !time.Now().Add(longPollTickInterval).Before(deadline) {
			out := make([]StatusView, 0, len(rows))
			for _, j := range rows {
				out = append(out, statusView(j))
				s.sink.Emit(ctx, events.Event{Type: events.JobStatusRequest, ClusterID: clusterID, JobID: j.ID})
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(longPollTickInterval):
		}
	}
}

// ClampLongPollTimeout 超时裁剪：0 取默认上限，界外取边界
func ClampLongPollTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return MaxLongPollTimeout
	}
	if d < MinLongPollTimeout {
		return MinLongPollTimeout
	}
	if d > MaxLongPollTimeout {
		return MaxLongPollTimeout
	}
	return d
}

func statusView(j *Job) StatusView {
	return StatusView{
		ID:         j.ID,
		Status:     j.Status.String(),
		Result:     j.Result,
		ResultType: j.ResultType,
	}
}
