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
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskQueue_Resolution(t *testing.T) {
	q := NewTaskQueue(2)
	done := make(chan TaskResult, 1)
	err := q.AddTask(Task{
		JobID: "j1",
		Fn: func(ctx context.Context, args []byte) ([]byte, error) {
			return []byte(`"ok"`), nil
		},
		OnComplete: func(r TaskResult) { done <- r },
	})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	r := <-done
	if r.Type != "resolution" || string(r.Content) != `"ok"` {
		t.Errorf("result: %+v", r)
	}
	if r.FunctionExecutionTimeMS < 0 {
		t.Errorf("execution time: %d", r.FunctionExecutionTimeMS)
	}
}

func TestTaskQueue_RejectionOnError(t *testing.T) {
	q := NewTaskQueue(1)
	done := make(chan TaskResult, 1)
	_ = q.AddTask(Task{
		Fn: func(ctx context.Context, args []byte) ([]byte, error) {
			return nil, errors.New("boom")
		},
		OnComplete: func(r TaskResult) { done <- r },
	})
	r := <-done
	if r.Type != "rejection" {
		t.Fatalf("expected rejection, got %s", r.Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(r.Content, &payload); err != nil {
		t.Fatalf("rejection content: %v", err)
	}
	if payload["message"] != "boom" {
		t.Errorf("message: %q", payload["message"])
	}
}

func TestTaskQueue_RejectionOnPanic(t *testing.T) {
	q := NewTaskQueue(1)
	done := make(chan TaskResult, 1)
	_ = q.AddTask(Task{
		Fn: func(ctx context.Context, args []byte) ([]byte, error) {
			panic("kaboom")
		},
		OnComplete: func(r TaskResult) { done <- r },
	})
	r := <-done
	if r.Type != "rejection" {
		t.Errorf("panic must produce rejection, got %s", r.Type)
	}
}

func TestTaskQueue_BoundedConcurrency(t *testing.T) {
	q := NewTaskQueue(2)
	var current, peak int32
	var wg sync.WaitGroup
	block := make(chan struct{})
	for i := 0; i < 6; i++ {
		wg.Add(1)
		_ = q.AddTask(Task{
			Fn: func(ctx context.Context, args []byte) ([]byte, error) {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				<-block
				atomic.AddInt32(&current, -1)
				return nil, nil
			},
			OnComplete: func(TaskResult) { wg.Done() },
		})
	}
	time.Sleep(100 * time.Millisecond)
	close(block)
	wg.Wait()
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("concurrency exceeded cap: peak=%d", p)
	}
}

func TestTaskQueue_QuitDrains(t *testing.T) {
	q := NewTaskQueue(1)
	var completed atomic.Int32
	for i := 0; i < 3; i++ {
		_ = q.AddTask(Task{
			Fn: func(ctx context.Context, args []byte) ([]byte, error) {
				time.Sleep(20 * time.Millisecond)
				return nil, nil
			},
			OnComplete: func(TaskResult) { completed.Add(1) },
		})
	}
	q.Quit()
	if completed.Load() != 3 {
		t.Errorf("Quit must drain in-flight tasks: %d", completed.Load())
	}
	if err := q.AddTask(Task{Fn: noopFn, OnComplete: func(TaskResult) {}}); err == nil {
		t.Error("AddTask after Quit must fail")
	}
}
