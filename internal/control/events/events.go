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

// Package events 追加式审计事件流；核心只写不读
package events

import (
	"context"
	"sync"
	"time"

	"github.com/differentialHQ/differential/pkg/log"
)

// 事件类型
const (
	JobCreated          = "jobCreated"
	JobReceived         = "jobReceived"
	JobResulted         = "jobResulted"
	JobStalled          = "jobStalled"
	JobStalledTerminal  = "jobStalledTerminal"
	JobStatusRequest    = "jobStatusRequest"
	MachinePing         = "machinePing"
	DeploymentNotified  = "deploymentNotified"
)

// Event 单条审计记录；引用 job/machine/deployment 中的零或多个
type Event struct {
	Type         string            `json:"type"`
	ClusterID    string            `json:"clusterId,omitempty"`
	JobID        string            `json:"jobId,omitempty"`
	MachineID    string            `json:"machineId,omitempty"`
	DeploymentID string            `json:"deploymentId,omitempty"`
	Service      string            `json:"service,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Sink 事件写入端；实现不得阻塞热路径
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SlogSink 将事件写入结构化日志
type SlogSink struct {
	logger *log.Logger
}

// NewSlogSink 创建日志事件 Sink
func NewSlogSink(logger *log.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.logger.Info("event",
		"type", e.Type,
		"cluster_id", e.ClusterID,
		"job_id", e.JobID,
		"machine_id", e.MachineID,
		"deployment_id", e.DeploymentID,
		"service", e.Service,
	)
}

// MemSink 内存缓冲实现，测试用
type MemSink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemSink 创建内存 Sink
func NewMemSink() *MemSink {
	return &MemSink{}
}

func (s *MemSink) Emit(ctx context.Context, e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events 返回已记录事件的副本
func (s *MemSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Types 按序返回已记录事件类型，断言事件序列用
func (s *MemSink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}
