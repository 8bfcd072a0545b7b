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
	"github.com/differentialHQ/differential/pkg/log"
	"github.com/differentialHQ/differential/pkg/metrics"
)

// ResultInput 结果写回输入
type ResultInput struct {
	ClusterID       string
	JobID           string
	Service         string
	Result          []byte
	ResultType      string // resolution | rejection
	ExecutionTimeMS int64
}

// ResultSink 结果写回：running → success（resolution 与 rejection 均落 success，
// failure 专指停滞可重试态）；重投幂等，不会离开 success
type ResultSink struct {
	store  Store
	sink   events.Sink
	logger *log.Logger
}

// NewResultSink 创建 ResultSink
func NewResultSink(store Store, sink events.Sink, logger *log.Logger) *ResultSink {
	return &ResultSink{store: store, sink: sink, logger: logger}
}

// PersistJobResult 写回执行结果
func (r *ResultSink) PersistJobResult(ctx context.Context, in ResultInput) error {
	if in.ResultType != ResultTypeResolution && in.ResultType != ResultTypeRejection {
		return errors.ErrInvalidArg
	}
	written, err := r.store.PersistResult(ctx, in.ClusterID, in.JobID, in.Result, in.ResultType, in.ExecutionTimeMS)
	if err != nil {
		return err
	}
	if !written {
		// 行在 pending/failure：结果已过期（自愈已回收该次尝试），丢弃
		r.logger.Warn("丢弃过期结果", "job_id", in.JobID, "result_type", in.ResultType)
		return nil
	}
	metrics.JobResultedTotal.WithLabelValues(in.ResultType).Inc()
	if in.ExecutionTimeMS > 0 && in.Service != "" {
		metrics.JobExecutionDuration.WithLabelValues(in.Service).Observe(float64(in.ExecutionTimeMS) / float64(time.Second/time.Millisecond))
	}
	r.sink.Emit(ctx, events.Event{
		Type:      events.JobResulted,
		ClusterID: in.ClusterID,
		JobID:     in.JobID,
		Meta:      map[string]string{"resultType": in.ResultType},
	})
	return nil
}
