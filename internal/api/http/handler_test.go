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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/require"

	"github.com/differentialHQ/differential/internal/control/cluster"
	"github.com/differentialHQ/differential/internal/control/events"
	"github.com/differentialHQ/differential/internal/control/job"
	"github.com/differentialHQ/differential/pkg/log"
)

type fixture struct {
	hertz    *server.Hertz
	store    *job.StoreMem
	registry *cluster.RegistryMem
	sink     *events.MemSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := job.NewStoreMem()
	registry := cluster.NewRegistryMem()
	sink := events.NewMemSink()
	logger, _ := log.NewLogger(nil)
	require.NoError(t, registry.CreateCluster(context.Background(), &cluster.Cluster{
		ID: "c1", APISecret: "s3cret", Operational: true,
	}))
	require.NoError(t, registry.CreateCluster(context.Background(), &cluster.Cluster{
		ID: "halted", APISecret: "halted-secret", Operational: false,
	}))

	handler := NewHandler(
		job.NewAdmission(store, sink),
		job.NewDispatcher(store, registry, sink, logger),
		job.NewResultSink(store, sink, logger),
		job.NewStatusService(store, sink),
		registry,
		sink,
		nil,
		logger,
	)
	h := server.Default(server.WithHostPorts(":0"))
	Register(h, handler, registry)
	return &fixture{hertz: h, store: store, registry: registry, sink: sink}
}

func (f *fixture) request(t *testing.T, method, path, secret string, body interface{}, headers ...ut.Header) *ut.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	hs := []ut.Header{{Key: "Content-Type", Value: "application/json"}}
	if secret != "" {
		hs = append(hs, ut.Header{Key: "Authorization", Value: "Bearer " + secret})
	}
	hs = append(hs, headers...)
	return ut.PerformRequest(f.hertz.Engine, method, path,
		&ut.Body{Body: bytes.NewReader(payload), Len: len(payload)}, hs...)
}

func TestHTTP_Live(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, "GET", "/live", "", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	require.Contains(t, string(w.Result().Body()), `"status":"ok"`)
}

func TestHTTP_AuthRequired(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, "POST", "/jobs", "", map[string]string{"service": "greeter"})
	require.Equal(t, 401, w.Result().StatusCode())

	w = f.request(t, "POST", "/jobs", "wrong", map[string]string{"service": "greeter"})
	require.Equal(t, 401, w.Result().StatusCode())
}

func TestHTTP_NonOperationalClusterForbidden(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, "POST", "/jobs", "halted-secret", map[string]interface{}{
		"service": "greeter", "targetFn": "hello", "targetArgs": []byte(`{}`),
	})
	require.Equal(t, 403, w.Result().StatusCode())
}

func TestHTTP_HappyPath(t *testing.T) {
	f := newFixture(t)

	// 准入
	w := f.request(t, "POST", "/jobs", "s3cret", map[string]interface{}{
		"service": "greeter", "targetFn": "hello", "targetArgs": []byte(`{"name":"world"}`),
	})
	require.Equal(t, 201, w.Result().StatusCode())
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &created))
	require.NotEmpty(t, created.ID)

	// Worker 认领
	w = f.request(t, "POST", "/jobs-request", "s3cret", map[string]interface{}{
		"service": "greeter", "limit": 10,
	}, ut.Header{Key: "x-machine-id", Value: "m1"})
	require.Equal(t, 200, w.Result().StatusCode())
	var claimed []job.ClaimedJob
	require.NoError(t, json.Unmarshal(w.Result().Body(), &claimed))
	require.Len(t, claimed, 1)
	require.Equal(t, created.ID, claimed[0].ID)
	require.Equal(t, "hello", claimed[0].TargetFn)

	// 结果写回
	w = f.request(t, "POST", "/jobs/"+created.ID+"/result", "s3cret", map[string]interface{}{
		"result": []byte(`"Hello world"`), "resultType": "resolution", "functionExecutionTime": 5,
	})
	require.Equal(t, 204, w.Result().StatusCode())

	// 状态读取
	w = f.request(t, "GET", "/jobs/"+created.ID, "s3cret", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var view job.StatusView
	require.NoError(t, json.Unmarshal(w.Result().Body(), &view))
	require.Equal(t, "success", view.Status)
	require.Equal(t, "resolution", view.ResultType)
	require.Equal(t, `"Hello world"`, string(view.Result))

	// 事件序列
	types := f.sink.Types()
	require.Equal(t, events.JobCreated, types[0])
	require.Contains(t, types, events.JobReceived)
	require.Contains(t, types, events.JobResulted)
	require.Equal(t, events.JobStatusRequest, types[len(types)-1])
}

func TestHTTP_IdempotentAdmission(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{
		"service": "greeter", "targetFn": "hello", "targetArgs": []byte(`{}`),
		"idempotencyKey": "k1",
	}
	w := f.request(t, "POST", "/jobs", "s3cret", body)
	require.Equal(t, 201, w.Result().StatusCode())
	var first struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &first))

	w = f.request(t, "POST", "/jobs", "s3cret", body)
	require.Equal(t, 201, w.Result().StatusCode())
	var second struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &second))
	require.Equal(t, first.ID, second.ID)
}

func TestHTTP_JobStatusNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, "GET", "/jobs/missing", "s3cret", nil)
	require.Equal(t, 404, w.Result().StatusCode())
}

func TestHTTP_BatchStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.store.Create(ctx, &job.Job{
		ClusterID: "c1", Service: "greeter", TargetFn: "hello",
		TargetArgs: []byte(`{}`), RemainingAttempts: 2,
	})
	require.NoError(t, err)
	_, err = f.store.Claim(ctx, "c1", "greeter", "m1", 1)
	require.NoError(t, err)
	_, err = f.store.PersistResult(ctx, "c1", id, []byte(`1`), job.ResultTypeResolution, 1)
	require.NoError(t, err)

	w := f.request(t, "POST", "/jobs-statuses", "s3cret", map[string]interface{}{
		"jobIds": []string{id, "missing"}, "longPollTimeoutMs": 5000,
	})
	require.Equal(t, 200, w.Result().StatusCode())
	var views []job.StatusView
	require.NoError(t, json.Unmarshal(w.Result().Body(), &views))
	require.Len(t, views, 1)
	require.Equal(t, id, views[0].ID)
}

func TestHTTP_Deployments(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, "POST", "/clusters/c1/service/greeter/deployments", "s3cret", map[string]string{
		"provider": "mock",
	})
	require.Equal(t, 200, w.Result().StatusCode())
	var created deploymentView
	require.NoError(t, json.Unmarshal(w.Result().Body(), &created))
	require.Equal(t, cluster.DeploymentUploading, created.Status)

	w = f.request(t, "POST", "/clusters/c1/service/greeter/deployments/"+created.ID+"/release", "s3cret", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var released deploymentView
	require.NoError(t, json.Unmarshal(w.Result().Body(), &released))
	require.Equal(t, cluster.DeploymentActive, released.Status)

	// 停运集群的密钥在认证中间件即被拒（403），请求到不了 c1 的部署
	w = f.request(t, "POST", "/clusters/c1/service/greeter/deployments", "halted-secret", nil)
	require.Equal(t, 403, w.Result().StatusCode())
}

func TestHTTP_EventIngest(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, "POST", "/metrics", "s3cret", map[string]interface{}{
		"events": []map[string]string{{"type": "jobStatusRequest", "jobId": "j1"}},
	})
	require.Equal(t, 204, w.Result().StatusCode())
	types := f.sink.Types()
	require.Contains(t, types, "jobStatusRequest")
}
