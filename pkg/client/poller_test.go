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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

// fakeStatusServer 批量状态端点桩：按 id 返回配置行
type fakeStatusServer struct {
	mu   sync.Mutex
	rows map[string]StatusResult
}

func (f *fakeStatusServer) setTerminal(id string, resultType string, result []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = make(map[string]StatusResult)
	}
	f.rows[id] = StatusResult{ID: id, Status: "success", ResultType: resultType, Result: result}
}

func (f *fakeStatusServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs-statuses", func(w http.ResponseWriter, r *http.Request) {
		var req jobStatusesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		out := []StatusResult{}
		for _, id := range req.JobIDs {
			if row, ok := f.rows[id]; ok {
				out = append(out, row)
			}
		}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	return mux
}

func newPollerForTest(t *testing.T, h http.Handler, maxPolls int) (*ResultsPoller, func()) {
	t.Helper()
	srv := httptest.NewServer(h)
	rc := resty.New().SetBaseURL(srv.URL).SetHeader("Content-Type", "application/json")
	p := NewResultsPoller(rc, maxPolls)
	p.Start()
	return p, func() {
		p.Stop()
		srv.Close()
	}
}

func TestResultsPoller_ResolvesTerminal(t *testing.T) {
	fake := &fakeStatusServer{}
	p, cleanup := newPollerForTest(t, fake.handler(), 0)
	defer cleanup()

	go func() {
		time.Sleep(300 * time.Millisecond)
		fake.setTerminal("j1", "resolution", []byte(`"done"`))
	}()
	result, err := p.Wait(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, "resolution", result.ResultType)
	require.Equal(t, `"done"`, string(result.Result))
}

func TestResultsPoller_JobTimeout(t *testing.T) {
	fake := &fakeStatusServer{}
	p, cleanup := newPollerForTest(t, fake.handler(), 3)
	defer cleanup()

	_, err := p.Wait(context.Background(), "never")
	require.ErrorIs(t, err, ErrJobTimeout)
}

func TestResultsPoller_ContextCancel(t *testing.T) {
	fake := &fakeStatusServer{}
	p, cleanup := newPollerForTest(t, fake.handler(), 0)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx, "j1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResultsPoller_TooManyNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	rc := resty.New().SetBaseURL(srv.URL)
	p := NewResultsPoller(rc, 0)
	p.Start()
	defer p.Stop()

	done := make(chan error, 1)
	go func() {
		_, err := p.Wait(context.Background(), "j1")
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTooManyNetworkErrors)
	case <-time.After(30 * time.Second):
		t.Fatal("poller did not fail pending jobs")
	}
}
