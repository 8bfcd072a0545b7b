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

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// 结果轮询参数
const (
	pollTickInterval   = 100 * time.Millisecond
	rateLimitSleep     = 5 * time.Second
	maxErrorCycles     = 50
	DefaultMaxJobPolls = 600
)

// 客户端可观测的传输级失败
var (
	// ErrJobTimeout 单个 Job 轮询次数耗尽
	ErrJobTimeout = errors.New("client: job status polling timed out")
	// ErrTooManyNetworkErrors 连续错误轮询周期达到上限，所有挂起调用失败
	ErrTooManyNetworkErrors = errors.New("client: too many network errors")
)

// StatusResult 批量状态端点的行投影
type StatusResult struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Result     []byte `json:"result,omitempty"`
	ResultType string `json:"resultType,omitempty"`
}

type pendingJob struct {
	attempts int
	ch       chan pollOutcome
}

type pollOutcome struct {
	result StatusResult
	err    error
}

// ResultsPoller 把多个在途 call 的状态查询汇聚到单条后台批量轮询上；
// pending map 由 mu 保护：Wait 登记与撤销，轮询任务派发结果后删除
type ResultsPoller struct {
	rc          *resty.Client
	maxJobPolls int

	mu      sync.Mutex
	pending map[string]*pendingJob

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewResultsPoller 创建轮询器；maxJobPolls <= 0 使用默认
func NewResultsPoller(rc *resty.Client, maxJobPolls int) *ResultsPoller {
	if maxJobPolls <= 0 {
		maxJobPolls = DefaultMaxJobPolls
	}
	return &ResultsPoller{
		rc:          rc,
		maxJobPolls: maxJobPolls,
		pending:     make(map[string]*pendingJob),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start 启动后台批量轮询
func (p *ResultsPoller) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.loop()
}

// Stop 置退出标记并等待在途 tick 结束
func (p *ResultsPoller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	close(p.stopCh)
	<-p.doneCh
}

// Wait 阻塞等待某 Job 的终态结果
func (p *ResultsPoller) Wait(ctx context.Context, jobID string) (StatusResult, error) {
	ch := make(chan pollOutcome, 1)
	p.mu.Lock()
	p.pending[jobID] = &pendingJob{ch: ch}
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, jobID)
		p.mu.Unlock()
		return StatusResult{}, ctx.Err()
	case out := <-ch:
		return out.result, out.err
	}
}

func (p *ResultsPoller) loop() {
	defer close(p.doneCh)
	var errorCycles int
	for {
		select {
		case <-p.stopCh:
			return
		case <-time.After(pollTickInterval):
		}
		ids := p.pendingIDs()
		if len(ids) == 0 {
			continue
		}
		rows, status, err := p.fetch(ids)
		if err != nil {
			if status == http.StatusTooManyRequests {
				select {
				case <-p.stopCh:
					return
				case <-time.After(rateLimitSleep):
				}
				continue
			}
			errorCycles++
			if errorCycles >= maxErrorCycles {
				p.failAll(ErrTooManyNetworkErrors)
				errorCycles = 0
			}
			continue
		}
		errorCycles = 0
		p.dispatch(rows)
	}
}

func (p *ResultsPoller) pendingIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.pending))
	for id := range p.pending {
		out = append(out, id)
	}
	return out
}

type jobStatusesRequest struct {
	JobIDs            []string `json:"jobIds"`
	LongPollTimeoutMs int      `json:"longPollTimeoutMs,omitempty"`
}

func (p *ResultsPoller) fetch(ids []string) ([]StatusResult, int, error) {
	var rows []StatusResult
	resp, err := p.rc.R().
		SetBody(jobStatusesRequest{JobIDs: ids, LongPollTimeoutMs: 5000}).
		SetResult(&rows).
		Post("/jobs-statuses")
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, resp.StatusCode(), fmt.Errorf("POST /jobs-statuses: status %d", resp.StatusCode())
	}
	return rows, resp.StatusCode(), nil
}

// dispatch 派发终态行；未终态的 Job 记一次 attempt，耗尽后以 ErrJobTimeout 失败
func (p *ResultsPoller) dispatch(rows []StatusResult) {
	terminated := make(map[string]StatusResult, len(rows))
	for _, row := range rows {
		if row.Status == "success" && row.ResultType != "" {
			terminated[row.ID] = row
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pj := range p.pending {
		if row, ok := terminated[id]; ok {
			pj.ch <- pollOutcome{result: row}
			delete(p.pending, id)
			continue
		}
		pj.attempts++
		if pj.attempts >= p.maxJobPolls {
			pj.ch <- pollOutcome{err: ErrJobTimeout}
			delete(p.pending, id)
		}
	}
}

func (p *ResultsPoller) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pj := range p.pending {
		pj.ch <- pollOutcome{err: err}
		delete(p.pending, id)
	}
}
