package job

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

func testJobStoreDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_JOBSTORE_DSN")
	if dsn == "" {
		t.Skip("TEST_JOBSTORE_DSN not set, skipping Postgres Store tests")
	}
	return dsn
}

func newTestStorePg(t *testing.T, ctx context.Context) (*StorePg, func()) {
	store, err := NewStorePg(ctx, testJobStoreDSN(t))
	if err != nil {
		t.Fatalf("NewStorePg: %v", err)
	}
	_, _ = store.pool.Exec(ctx, `DELETE FROM jobs`)
	return store, func() { store.Close() }
}

func TestStorePg_CreateClaimResult(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestStorePg(t, ctx)
	defer cleanup()

	id, err := store.Create(ctx, newPendingJob("c1", "greeter", "hello"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	claimed, err := store.Claim(ctx, "c1", "greeter", "m1", 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim: %v, %d", err, len(claimed))
	}
	if claimed[0].RemainingAttempts != DefaultRemainingAttempts-1 || claimed[0].ExecutingMachineID != "m1" {
		t.Errorf("claim fields: %+v", claimed[0])
	}
	written, err := store.PersistResult(ctx, "c1", id, []byte(`1`), ResultTypeResolution, 3)
	if err != nil || !written {
		t.Fatalf("PersistResult: %v %v", written, err)
	}
	got, _ := store.Get(ctx, "c1", id)
	if got.Status != StatusSuccess || got.ResultType != ResultTypeResolution {
		t.Errorf("after result: %+v", got)
	}
}

// TestStorePg_ConcurrentClaim 同一 Job 在同一尝试内至多一个认领者（SKIP LOCKED）
func TestStorePg_ConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestStorePg(t, ctx)
	defer cleanup()

	for i := 0; i < 20; i++ {
		if _, err := store.Create(ctx, newPendingJob("c1", "greeter", "hello")); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(machine string) {
			defer wg.Done()
			for {
				claimed, err := store.Claim(ctx, "c1", "greeter", machine, 3)
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, j := range claimed {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}("m" + string(rune('0'+w)))
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Fatalf("claimed %d distinct jobs, want 20", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestStorePg_StallRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestStorePg(t, ctx)
	defer cleanup()

	j := newPendingJob("c1", "greeter", "hello")
	j.TimeoutIntervalSeconds = 1
	id, _ := store.Create(ctx, j)
	if _, err := store.Claim(ctx, "c1", "greeter", "m1", 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)

	stalled, err := store.ListStalled(ctx, time.Second)
	if err != nil || len(stalled) != 1 {
		t.Fatalf("ListStalled: %v, %d", err, len(stalled))
	}
	ok, err := store.RequeueStalled(ctx, id)
	if err != nil || !ok {
		t.Fatalf("RequeueStalled: %v %v", ok, err)
	}
	got, _ := store.Get(ctx, "c1", id)
	if got.Status != StatusPending || got.ExecutingMachineID != "" {
		t.Errorf("after requeue: %+v", got)
	}
}
