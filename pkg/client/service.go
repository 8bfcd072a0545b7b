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

// Package client 调用方 SDK：服务描述符 + 结果轮询。
// 动态属性分发在 Go 里表达为显式 Service 描述符：s.Call(ctx, "hello", args, &out, nil)；
// 类型安全可由服务定义生成的带类型包装恢复。
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/differentialHQ/differential/pkg/codec"
	"github.com/differentialHQ/differential/pkg/errors"
)

// Config 客户端配置
type Config struct {
	Endpoint  string
	APISecret string
	// Codec 负载编解码；nil 使用 JSON
	Codec codec.Codec
	// MaxJobPolls call 等待结果的最大轮询 tick 数
	MaxJobPolls int
}

// Client 控制面调用方
type Client struct {
	rc     *resty.Client
	codec  codec.Codec
	poller *ResultsPoller
}

// RejectionError 远端函数以 rejection 终态返回
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	return e.Message
}

// NewClient 创建客户端并启动结果轮询
func NewClient(cfg Config) *Client {
	rc := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.APISecret)
	cd := cfg.Codec
	if cd == nil {
		cd = codec.NewJSONCodec()
	}
	c := &Client{
		rc:     rc,
		codec:  cd,
		poller: NewResultsPoller(rc, cfg.MaxJobPolls),
	}
	c.poller.Start()
	return c
}

// Stop 停止结果轮询
func (c *Client) Stop() {
	c.poller.Stop()
}

// Service 返回服务描述符
func (c *Client) Service(name string) *Service {
	return &Service{name: name, client: c}
}

// CallOptions 单次调用选项，对应准入的 call_config
type CallOptions struct {
	IdempotencyKey               string
	CacheKey                     string
	CacheTTLSeconds              int
	RetryCountOnStall            *int
	TimeoutSeconds               int
	PredictiveRetriesOnRejection bool
	ExecutionID                  string
}

// Service 服务描述符：按函数名发起请求/响应或后台调用
type Service struct {
	name   string
	client *Client
}

type createJobRequest struct {
	Service    string `json:"service"`
	TargetFn   string `json:"targetFn"`
	TargetArgs []byte `json:"targetArgs"`

	IdempotencyKey               string `json:"idempotencyKey,omitempty"`
	CacheKey                     string `json:"cacheKey,omitempty"`
	CacheTTLSeconds              int    `json:"cacheTTLSeconds,omitempty"`
	RetryCountOnStall            *int   `json:"retryCountOnStall,omitempty"`
	TimeoutSeconds               int    `json:"timeoutSeconds,omitempty"`
	PredictiveRetriesOnRejection bool   `json:"predictiveRetriesOnRejection,omitempty"`
	ExecutionID                  string `json:"executionId,omitempty"`
}

// Background 异步调用：准入后立即返回 Job id
func (s *Service) Background(ctx context.Context, fn string, args interface{}, opts *CallOptions) (string, error) {
	packed, err := s.client.codec.Pack(args)
	if err != nil {
		return "", err
	}
	req := createJobRequest{Service: s.name, TargetFn: fn, TargetArgs: packed}
	if opts != nil {
		req.IdempotencyKey = opts.IdempotencyKey
		req.CacheKey = opts.CacheKey
		req.CacheTTLSeconds = opts.CacheTTLSeconds
		req.RetryCountOnStall = opts.RetryCountOnStall
		req.TimeoutSeconds = opts.TimeoutSeconds
		req.PredictiveRetriesOnRejection = opts.PredictiveRetriesOnRejection
		req.ExecutionID = opts.ExecutionID
	}
	var out struct {
		ID string `json:"id"`
	}
	resp, err := s.client.rc.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/jobs")
	if err != nil {
		return "", err
	}
	switch resp.StatusCode() {
	case http.StatusCreated, http.StatusOK:
		return out.ID, nil
	case http.StatusUnauthorized:
		return "", errors.ErrUnauthorized
	case http.StatusForbidden:
		return "", errors.ErrForbidden
	default:
		return "", fmt.Errorf("POST /jobs: status %d: %s", resp.StatusCode(), resp.String())
	}
}

// Call 请求/响应调用：准入后等待终态，resolution 解包进 out，rejection 返回 *RejectionError
func (s *Service) Call(ctx context.Context, fn string, args interface{}, out interface{}, opts *CallOptions) error {
	jobID, err := s.Background(ctx, fn, args, opts)
	if err != nil {
		return err
	}
	result, err := s.client.poller.Wait(ctx, jobID)
	if err != nil {
		return err
	}
	switch result.ResultType {
	case "resolution":
		if out == nil {
			return nil
		}
		return s.client.codec.Unpack(result.Result, out)
	case "rejection":
		var payload struct {
			Message string `json:"message"`
		}
		if err := s.client.codec.Unpack(result.Result, &payload); err != nil || payload.Message == "" {
			return &RejectionError{Message: "function rejected"}
		}
		return &RejectionError{Message: payload.Message}
	default:
		return fmt.Errorf("client: unexpected result type %q", result.ResultType)
	}
}
