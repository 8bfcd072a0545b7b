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

// Package worker Worker 侧 SDK：函数注册表、有界任务队列与轮询代理
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/differentialHQ/differential/internal/control/cluster"
)

// Func 被注册函数：入参与返回值均为打包字节，编解码由宿主选择
type Func func(ctx context.Context, args []byte) ([]byte, error)

// Registration 注册表条目
type Registration struct {
	Fn         Func
	Service    string
	Idempotent bool
	Retry      *cluster.RetryConfig
}

// Registry 函数注册表：注册期写入，start 后只读；函数名在单个 Worker 实例内唯一。
// 宿主如需多个相互独立的 Worker，各自持有各自的注册表。
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Registration
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Registration)}
}

// Register 注册函数；名字冲突返回错误
func (r *Registry) Register(name string, reg Registration) error {
	if name == "" || reg.Fn == nil || reg.Service == "" {
		return fmt.Errorf("worker: registration requires name, service and fn")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fns[name]; ok {
		return fmt.Errorf("worker: function %q already registered", name)
	}
	r.fns[name] = reg
	return nil
}

// Get 按名查注册项
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.fns[name]
	return reg, ok
}

// Services 注册表覆盖的服务名（去重）
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, reg := range r.fns {
		if _, ok := seen[reg.Service]; ok {
			continue
		}
		seen[reg.Service] = struct{}{}
		out = append(out, reg.Service)
	}
	return out
}

// Definition 生成某服务的定义投影（名字 + idempotent + retryConfig），随轮询上报
func (r *Registry) Definition(service string) *cluster.ServiceDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def := &cluster.ServiceDefinition{Service: service}
	for name, reg := range r.fns {
		if reg.Service != service {
			continue
		}
		def.Functions = append(def.Functions, cluster.FunctionDefinition{
			Name:       name,
			Idempotent: reg.Idempotent,
			Retry:      reg.Retry,
		})
	}
	return def
}
