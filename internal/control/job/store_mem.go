package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/differentialHQ/differential/pkg/errors"
)

// StoreMem 内存实现：map + 插入序 id 列表，认领按 id 升序扫描；单进程与测试用
type StoreMem struct {
	mu    sync.Mutex
	byID  map[string]*Job
	order []string
}

// NewStoreMem 创建内存 Store
func NewStoreMem() *StoreMem {
	return &StoreMem{byID: make(map[string]*Job)}
}

func (s *StoreMem) Create(ctx context.Context, j *Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = NewJobID()
	}
	if j.IdempotencyKey == "" {
		j.IdempotencyKey = j.ID
	}
	for _, existing := range s.byID {
		if existing.ClusterID == j.ClusterID && existing.TargetFn == j.TargetFn && existing.IdempotencyKey == j.IdempotencyKey {
			return "", errors.ErrConflict
		}
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = j.CreatedAt
	j.Status = StatusPending
	cp := *j
	s.byID[j.ID] = &cp
	s.order = append(s.order, j.ID)
	return j.ID, nil
}

func (s *StoreMem) Get(ctx context.Context, clusterID, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok || j.ClusterID != clusterID {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *StoreMem) GetBatch(ctx context.Context, clusterID string, jobIDs []string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*Job
	for _, id := range jobIDs {
		j, ok := s.byID[id]
		if !ok || j.ClusterID != clusterID {
			continue
		}
		cp := *j
		list = append(list, &cp)
	}
	return list, nil
}

func (s *StoreMem) GetByIdempotencyKey(ctx context.Context, clusterID, targetFn, idempotencyKey string) (*Job, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.byID {
		if j.ClusterID == clusterID && j.TargetFn == targetFn && j.IdempotencyKey == idempotencyKey {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *StoreMem) FindCached(ctx context.Context, clusterID, service, targetFn, cacheKey string, ttl time.Duration) (*Job, error) {
	if cacheKey == "" {
		return nil, nil
	}
	cutoff := time.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	var hits []*Job
	for _, j := range s.byID {
		if j.ClusterID != clusterID || j.Service != service || j.TargetFn != targetFn || j.CacheKey != cacheKey {
			continue
		}
		if j.Status != StatusSuccess || j.ResultType != ResultTypeResolution {
			continue
		}
		if j.ResultedAt.Before(cutoff) {
			continue
		}
		hits = append(hits, j)
	}
	if len(hits) == 0 {
		return nil, nil
	}
	sort.Slice(hits, func(a, b int) bool {
		if !hits[a].ResultedAt.Equal(hits[b].ResultedAt) {
			return hits[a].ResultedAt.After(hits[b].ResultedAt)
		}
		return hits[a].ID > hits[b].ID
	})
	cp := *hits[0]
	return &cp, nil
}

func (s *StoreMem) Claim(ctx context.Context, clusterID, service, machineID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var claimed []*Job
	for _, id := range s.order {
		if len(claimed) >= limit {
			break
		}
		j, ok := s.byID[id]
		if !ok || j.ClusterID != clusterID || j.Service != service {
			continue
		}
		if !j.Claimable() {
			continue
		}
		j.Status = StatusRunning
		j.RemainingAttempts--
		j.LastRetrievedAt = now
		j.ExecutingMachineID = machineID
		j.UpdatedAt = now
		cp := *j
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *StoreMem) PersistResult(ctx context.Context, clusterID, jobID string, result []byte, resultType string, executionTimeMS int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return false, errors.ErrNotFound
	}
	if j.ClusterID != clusterID {
		return false, errors.ErrUnauthorized
	}
	if j.Status != StatusRunning && j.Status != StatusSuccess {
		return false, nil
	}
	now := time.Now()
	j.Status = StatusSuccess
	j.Result = result
	j.ResultType = resultType
	j.ResultedAt = now
	j.UpdatedAt = now
	j.FunctionExecutionTimeMS = executionTimeMS
	return true, nil
}

func (s *StoreMem) ListStalled(ctx context.Context, defaultTimeout time.Duration) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var list []*Job
	for _, id := range s.order {
		j, ok := s.byID[id]
		if !ok || j.Status != StatusRunning {
			continue
		}
		threshold := defaultTimeout
		if d := time.Duration(j.TimeoutIntervalSeconds) * time.Second; d > threshold {
			threshold = d
		}
		if now.Sub(j.LastRetrievedAt) > threshold {
			cp := *j
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (s *StoreMem) RequeueStalled(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok || j.Status != StatusRunning {
		return false, nil
	}
	j.Status = StatusPending
	j.ExecutingMachineID = ""
	j.UpdatedAt = time.Now()
	return true, nil
}

func (s *StoreMem) TerminalizeStalled(ctx context.Context, jobID string, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok || j.Status != StatusRunning {
		return false, nil
	}
	now := time.Now()
	j.Status = StatusSuccess
	j.Result = payload
	j.ResultType = ResultTypeRejection
	j.ResultedAt = now
	j.UpdatedAt = now
	return true, nil
}

func (s *StoreMem) CountPending(ctx context.Context, clusterID, service string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, j := range s.byID {
		if j.ClusterID != clusterID {
			continue
		}
		if service != "" && j.Service != service {
			continue
		}
		if j.Claimable() {
			n++
		}
	}
	return n, nil
}

func (s *StoreMem) CountByStatus(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for _, j := range s.byID {
		out[j.Status.String()]++
	}
	return out, nil
}
