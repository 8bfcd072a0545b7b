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

	"github.com/differentialHQ/differential/pkg/errors"
)

func newPendingJob(cluster, service, fn string) *Job {
	return &Job{
		ClusterID:         cluster,
		Service:           service,
		TargetFn:          fn,
		TargetArgs:        []byte(`{"name":"world"}`),
		RemainingAttempts: DefaultRemainingAttempts,
	}
}

func TestStoreMem_Create_Get(t *testing.T) {
	ctx := context.Background()
	s := NewStoreMem()
	id, err := s.Create(ctx, newPendingJob("c1", "greeter", "hello"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("Create returned empty id")
	}
	got, err := s.Get(ctx, "c1", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.ID != id || got.Status != StatusPending || got.IdempotencyKey != id {
		t.Errorf("Get: %+v", got)
	}
}

func TestStoreMem_Get_OtherCluster(t *testing.T) {
	ctx := context.Background()
	s := NewStoreMem()
	id, _ := s.Create(ctx, newPendingJob("c1", "greeter", "hello"))
	got, err := s.Get(ctx, "c2", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for other cluster, got %+v", got)
	}
}

func TestStoreMem_IdempotencyConflict(t *testing.T) {
	ctx := context.Background()
	s := NewStoreMem()
	j1 := newPendingJob("c1", "greeter", "hello")
	j1.IdempotencyKey = "k1"
	if _, err := s.Create(ctx, j1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	j2 := newPendingJob("c1", "greeter", "hello")
	j2.IdempotencyKey = "k1"
	if _, err := s.Create(ctx, j2); err != errors.ErrConflict {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	// 同键不同函数不冲突
	j3 := newPendingJob("c1", "greeter", "goodbye")
	j3.IdempotencyKey = "k1"
	if _, err := s.Create(ctx, j3); err != nil {
		t.Errorf("different target_fn should not conflict: %v", err)
	}
}

func TestStoreMem_Claim_FIFO(t *testing.T) {
	ctx := context.Background()
	s := NewStoreMem()
	id1, _ := s.Create(ctx, newPendingJob("c1", "greeter", "hello"))
	id2, _ := s.Create(ctx, newPendingJob("c1", "greeter", "hello"))
	_, _ = s.Create(ctx, newPendingJob("c1", "other", "hello"))

	claimed, err := s.Claim(ctx, "c1", "greeter", "m1", 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != id1 || claimed[1].ID != id2 {
		t.Fatalf("claim order: %+v", claimed)
	}
	for _, j := range claimed {
		if j.Status != StatusRunning || j.RemainingAttempts != DefaultRemainingAttempts-1 ||
			j.ExecutingMachineID != "m1" || j.LastRetrievedAt.IsZero() {
			t.Errorf("claim fields not set atomically: %+v", j)
		}
	}
	// 已认领的不再被并发认领
	again, _ := s.Claim(ctx, "c1", "greeter", "m2", 10)
	if len(again) != 0 {
		t.Errorf("expected no re-claim, got %d", len(again))
	}
}

func TestStoreMem_Claim_NoAttemptsLeft(t *testing.T) {
	ctx := context.Background()
	s := NewStoreMem()
	j := newPendingJob("c1", "greeter", "hello")
	j.RemainingAttempts = 0
	_, _ = s.Create(ctx, j)
	claimed, _ := s.Claim(ctx, "c1", "greeter", "m1", 10)
	if len(claimed) != 0 {
		t.Errorf("job with 0 attempts must not be claimed")
	}
}

func TestStoreMem_Claim_FailureStateClaimable(t *testing.T) {
	ctx := context.Background()
	s := NewStoreMem()
	id, _ := s.Create(ctx, newPendingJob("c1", "greeter", "hello"))
	s.mu.Lock()
	s.byID[id].Status = StatusFailure
	s.mu.Unlock()
	claimed, _ := s.Claim(ctx, "c1", "greeter", "m1", 10)
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Errorf("failure state with attempts left must be claimable: %+v", claimed)
	}
}

func TestStoreMem_PersistResult(t *testing.T) {
	ctx := context.Background()
	s := NewStoreMem()
	id, _ := s.Create(ctx, newPendingJob("c1", "greeter", "hello"))
	_, _ = s.Claim(ctx, "c1", "greeter", "m1", 1)

	written, err := s.PersistResult(ctx, "c1", id, []byte(`"Hello world"`), ResultTypeResolution, 42)
	if err != nil || !written {
		t.Fatalf("PersistResult: written=%v err=%v", written, err)
	}
	got, _ := s.Get(ctx, "c1", id)
	if got.Status != StatusSuccess || got.ResultType != ResultTypeResolution || got.ResultedAt.IsZero() {
		t.Errorf("after persist: %+v", got)
	}
	// 幂等重投：last-writer-wins，不离开 success
	written, err = s.PersistResult(ctx, "c1", id, []byte(`"again"`), ResultTypeRejection, 1)
	if err != nil || !written {
		t.Fatalf("re-post: written=%v err=%v", written, err)
	}
	got, _ = s.Get(ctx, "c1", id)
	if got.Status != StatusSuccess {
		t.Errorf("re-post must not leave success: %v", got.Status)
	}
}

func TestStoreMem_PersistResult_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewStoreMem()
	if _, err := s.PersistResult(ctx, "c1", "missing", nil, ResultTypeResolution, 0); err != errors.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	id, _ := s.Create(ctx, newPendingJob("c1", "greeter", "hello"))
	if _, err := s.PersistResult(ctx, "c2", id, nil, ResultTypeResolution, 0); err != errors.ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized for wrong cluster, got %v", err)
	}
	// pending 行的结果属于已被回收的尝试：丢弃
	written, err := s.PersistResult(ctx, "c1", id, nil, ResultTypeResolution, 0)
	if err != nil || written {
		t.Errorf("result for pending row must be dropped: written=%v err=%v", written, err)
	}
}

func TestStoreMem_FindCached(t *testing.T) {
	ctx := context.Background()
	s := NewStoreMem()
	j := newPendingJob("c1", "greeter", "hello")
	j.CacheKey = "k"
	id, _ := s.Create(ctx, j)
	_, _ = s.Claim(ctx, "c1", "greeter", "m1", 1)
	_, _ = s.PersistResult(ctx, "c1", id, []byte(`42`), ResultTypeResolution, 1)

	hit, err := s.FindCached(ctx, "c1", "greeter", "hello", "k", time.Minute)
	if err != nil || hit == nil || hit.ID != id {
		t.Fatalf("expected cache hit %s, got %+v err=%v", id, hit, err)
	}
	// rejection 不命中
	j2 := newPendingJob("c1", "greeter", "hello")
	j2.CacheKey = "k2"
	id2, _ := s.Create(ctx, j2)
	_, _ = s.Claim(ctx, "c1", "greeter", "m1", 1)
	_, _ = s.PersistResult(ctx, "c1", id2, []byte(`{}`), ResultTypeRejection, 1)
	if hit, _ := s.FindCached(ctx, "c1", "greeter", "hello", "k2", time.Minute); hit != nil {
		t.Errorf("rejection must not be a cache hit")
	}
	// TTL 过期不命中
	s.mu.Lock()
	s.byID[id].ResultedAt = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()
	if hit, _ := s.FindCached(ctx, "c1", "greeter", "hello", "k", time.Minute); hit != nil {
		t.Errorf("expired entry must not be a cache hit")
	}
}

func TestStoreMem_FindCached_NewestWins(t *testing.T) {
	ctx := context.Background()
	s := NewStoreMem()
	var ids []string
	for i := 0; i < 2; i++ {
		j := newPendingJob("c1", "greeter", "hello")
		j.CacheKey = "k"
		id, _ := s.Create(ctx, j)
		ids = append(ids, id)
	}
	_, _ = s.Claim(ctx, "c1", "greeter", "m1", 2)
	now := time.Now()
	_, _ = s.PersistResult(ctx, "c1", ids[0], []byte(`1`), ResultTypeResolution, 1)
	_, _ = s.PersistResult(ctx, "c1", ids[1], []byte(`2`), ResultTypeResolution, 1)
	s.mu.Lock()
	s.byID[ids[0]].ResultedAt = now
	s.byID[ids[1]].ResultedAt = now.Add(time.Second)
	s.mu.Unlock()
	hit, _ := s.FindCached(ctx, "c1", "greeter", "hello", "k", time.Minute)
	if hit == nil || hit.ID != ids[1] {
		t.Errorf("newest resulted_at must win: %+v", hit)
	}
}

func TestStoreMem_CountPending(t *testing.T) {
	ctx := context.Background()
	s := NewStoreMem()
	_, _ = s.Create(ctx, newPendingJob("c1", "greeter", "hello"))
	_, _ = s.Create(ctx, newPendingJob("c1", "other", "hello"))
	n, _ := s.CountPending(ctx, "c1", "greeter")
	if n != 1 {
		t.Errorf("CountPending(greeter) = %d", n)
	}
	n, _ = s.CountPending(ctx, "c1", "")
	if n != 2 {
		t.Errorf("CountPending(all) = %d", n)
	}
}
