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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/differentialHQ/differential/internal/control/events"
	"github.com/differentialHQ/differential/pkg/log"
)

func newHealerForTest(store *StoreMem, sink *events.MemSink, defaultTimeout time.Duration) *SelfHealer {
	logger, _ := log.NewLogger(nil)
	return NewSelfHealer(store, sink, logger, time.Hour, defaultTimeout)
}

// backdateRetrieval 把 running Job 的 last_retrieved_at 拨回过去，模拟停滞
func backdateRetrieval(store *StoreMem, id string, d time.Duration) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.byID[id].LastRetrievedAt = time.Now().Add(-d)
}

func TestSelfHealer_RequeueWithAttemptsLeft(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	sink := events.NewMemSink()
	healer := newHealerForTest(store, sink, 2*time.Second)

	j := newPendingJob("c1", "greeter", "hello")
	j.TimeoutIntervalSeconds = 2
	id, _ := store.Create(ctx, j)
	_, _ = store.Claim(ctx, "c1", "greeter", "m1", 1)
	backdateRetrieval(store, id, 3*time.Second)

	requeued, terminal, err := healer.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)
	require.Zero(t, terminal)

	got, _ := store.Get(ctx, "c1", id)
	require.Equal(t, StatusPending, got.Status)
	require.Empty(t, got.ExecutingMachineID)
	// 尝试数在认领时已扣减，回队不再变动
	require.Equal(t, DefaultRemainingAttempts-1, got.RemainingAttempts)
	// 重认领保留 target_args 与 service
	require.Equal(t, "greeter", got.Service)
	require.JSONEq(t, `{"name":"world"}`, string(got.TargetArgs))
	require.Contains(t, sink.Types(), events.JobStalled)
}

func TestSelfHealer_TerminalWhenExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	sink := events.NewMemSink()
	healer := newHealerForTest(store, sink, 2*time.Second)

	retry := 0 // attempts = 1
	j := newPendingJob("c1", "greeter", "hello")
	j.RemainingAttempts = 1 + retry
	id, _ := store.Create(ctx, j)
	_, _ = store.Claim(ctx, "c1", "greeter", "m1", 1)
	backdateRetrieval(store, id, 3*time.Second)

	requeued, terminal, err := healer.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, requeued)
	require.Equal(t, 1, terminal)

	got, _ := store.Get(ctx, "c1", id)
	require.Equal(t, StatusSuccess, got.Status)
	require.Equal(t, ResultTypeRejection, got.ResultType)
	require.Equal(t, StalledPayload, got.Result)
	require.False(t, got.ResultedAt.IsZero())
	require.Contains(t, sink.Types(), events.JobStalledTerminal)
}

func TestSelfHealer_StallRetryCycle(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	sink := events.NewMemSink()
	healer := newHealerForTest(store, sink, 2*time.Second)

	// retry_count_on_stall=1 → attempts=2：一次回队，第二次停滞后终态化
	j := newPendingJob("c1", "greeter", "hello")
	j.RemainingAttempts = 2
	id, _ := store.Create(ctx, j)

	_, _ = store.Claim(ctx, "c1", "greeter", "m1", 1)
	backdateRetrieval(store, id, 3*time.Second)
	requeued, _, _ := healer.Sweep(ctx)
	require.Equal(t, 1, requeued)

	claimed, _ := store.Claim(ctx, "c1", "greeter", "m2", 1)
	require.Len(t, claimed, 1)
	backdateRetrieval(store, id, 3*time.Second)
	_, terminal, _ := healer.Sweep(ctx)
	require.Equal(t, 1, terminal)

	got, _ := store.Get(ctx, "c1", id)
	require.Zero(t, got.RemainingAttempts)
	require.Equal(t, ResultTypeRejection, got.ResultType)
}

func TestSelfHealer_NotStalledBeforeTimeout(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	healer := newHealerForTest(store, events.NewMemSink(), 30*time.Second)

	_, _ = store.Create(ctx, newPendingJob("c1", "greeter", "hello"))
	_, _ = store.Claim(ctx, "c1", "greeter", "m1", 1)

	requeued, terminal, err := healer.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, requeued)
	require.Zero(t, terminal)
}

func TestSelfHealer_SweepIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStoreMem()
	healer := newHealerForTest(store, events.NewMemSink(), 2*time.Second)

	j := newPendingJob("c1", "greeter", "hello")
	id, _ := store.Create(ctx, j)
	_, _ = store.Claim(ctx, "c1", "greeter", "m1", 1)
	backdateRetrieval(store, id, 3*time.Second)

	_, _, _ = healer.Sweep(ctx)
	requeued, terminal, err := healer.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, requeued)
	require.Zero(t, terminal)
}
