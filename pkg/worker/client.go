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

package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/differentialHQ/differential/internal/control/cluster"
	"github.com/differentialHQ/differential/internal/control/job"
	"github.com/differentialHQ/differential/pkg/errors"
)

// retryableStatuses 传输层可重试状态码
var retryableStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
	525:                            {},
}

// RetryableStatus 状态码是否属于可重试集合 {408,429,500,502,503,504,525}
func RetryableStatus(code int) bool {
	_, ok := retryableStatuses[code]
	return ok
}

// APIClient 控制面传输客户端：Bearer 密钥 + 机器标识头
type APIClient struct {
	rc           *resty.Client
	machineID    string
	deploymentID string
}

// NewAPIClient 创建客户端；endpoint 为控制面地址
func NewAPIClient(endpoint, apiSecret, machineID, deploymentID string) *APIClient {
	rc := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(apiSecret).
		SetHeader("x-machine-id", machineID).
		SetRetryCount(2).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && RetryableStatus(r.StatusCode())
		})
	if deploymentID != "" {
		rc.SetHeader("x-deployment-id", deploymentID)
	}
	return &APIClient{rc: rc, machineID: machineID, deploymentID: deploymentID}
}

// MachineID 本进程机器标识
func (c *APIClient) MachineID() string {
	return c.machineID
}

type nextJobsRequest struct {
	Service    string                     `json:"service"`
	Limit      int                        `json:"limit"`
	TTLSeconds int                        `json:"ttl,omitempty"`
	Definition *cluster.ServiceDefinition `json:"definition,omitempty"`
}

// NextJobs 长轮询认领；401 返回 errors.ErrUnauthorized；其他非 200 状态（含 resty 重试后仍失败的可重试状态码）返回普通错误
func (c *APIClient) NextJobs(ctx context.Context, service string, limit int, ttl time.Duration, def *cluster.ServiceDefinition) ([]job.ClaimedJob, error) {
	var out []job.ClaimedJob
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(nextJobsRequest{Service: service, Limit: limit, TTLSeconds: int(ttl.Seconds()), Definition: def}).
		SetResult(&out).
		Post("/jobs-request")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, errors.ErrUnauthorized
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /jobs-request: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}

type persistResultRequest struct {
	Result                  []byte `json:"result"`
	ResultType              string `json:"resultType"`
	FunctionExecutionTimeMs int64  `json:"functionExecutionTime,omitempty"`
	Service                 string `json:"service,omitempty"`
}

// PersistResult 结果写回
func (c *APIClient) PersistResult(ctx context.Context, jobID, service string, result TaskResult) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(persistResultRequest{
			Result:                  result.Content,
			ResultType:              result.Type,
			FunctionExecutionTimeMs: result.FunctionExecutionTimeMS,
			Service:                 service,
		}).
		Post("/jobs/" + jobID + "/result")
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return errors.ErrUnauthorized
	}
	if resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("POST /jobs/%s/result: status %d: %s", jobID, resp.StatusCode(), resp.String())
	}
	return nil
}
