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

// jobs 表结构：
//
//	CREATE TABLE jobs (
//	    id                              text PRIMARY KEY,
//	    cluster_id                      text NOT NULL,
//	    service                         text NOT NULL,
//	    target_fn                       text NOT NULL,
//	    target_args                     bytea NOT NULL,
//	    status                          int NOT NULL,
//	    result                          bytea,
//	    result_type                     text,
//	    idempotency_key                 text NOT NULL,
//	    cache_key                       text,
//	    remaining_attempts              int NOT NULL,
//	    timeout_interval_seconds        int,
//	    executing_machine_id            text,
//	    deployment_id                   text,
//	    predictive_retries_on_rejection boolean NOT NULL DEFAULT false,
//	    predicted_to_be_retryable       boolean NOT NULL DEFAULT false,
//	    function_execution_time_ms      bigint,
//	    created_at                      timestamptz NOT NULL,
//	    updated_at                      timestamptz NOT NULL,
//	    last_retrieved_at               timestamptz,
//	    resulted_at                     timestamptz,
//	    UNIQUE (cluster_id, target_fn, idempotency_key)
//	);
//	CREATE INDEX idx_jobs_claim ON jobs (cluster_id, service, status);
//	CREATE INDEX idx_jobs_cache ON jobs (cluster_id, service, target_fn, cache_key);

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/differentialHQ/differential/pkg/errors"
)

// status 与 JobStatus 一致：0=Pending, 1=Running, 2=Success, 3=Failure(停滞可重试)
const (
	pgStatusPending = 0
	pgStatusRunning = 1
	pgStatusSuccess = 2
	pgStatusFailure = 3
)

const jobColumns = `id, cluster_id, service, target_fn, target_args, status, result, result_type,
	idempotency_key, cache_key, remaining_attempts, timeout_interval_seconds,
	executing_machine_id, deployment_id, predictive_retries_on_rejection, predicted_to_be_retryable,
	function_execution_time_ms, created_at, updated_at, last_retrieved_at, resulted_at`

// StorePg Postgres 实现：jobs 表，控制面各请求处理器共享
type StorePg struct {
	pool *pgxpool.Pool
}

// NewStorePg 创建基于 PostgreSQL 的 Store；dsn 为连接串
func NewStorePg(ctx context.Context, dsn string) (*StorePg, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &StorePg{pool: pool}, nil
}

// Close 关闭连接池
func (s *StorePg) Close() {
	s.pool.Close()
}

func statusToPg(st JobStatus) int {
	switch st {
	case StatusPending:
		return pgStatusPending
	case StatusRunning:
		return pgStatusRunning
	case StatusSuccess:
		return pgStatusSuccess
	case StatusFailure:
		return pgStatusFailure
	default:
		return pgStatusPending
	}
}

func pgToStatus(i int) JobStatus {
	switch i {
	case pgStatusRunning:
		return StatusRunning
	case pgStatusSuccess:
		return StatusSuccess
	case pgStatusFailure:
		return StatusFailure
	default:
		return StatusPending
	}
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// scanJob 从单行扫出 Job；列顺序与 jobColumns 一致
func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var status int
	var resultType, cacheKey, machineID, deploymentID *string
	var timeoutSec *int
	var execMS *int64
	var lastRetrievedAt, resultedAt *time.Time
	err := row.Scan(
		&j.ID, &j.ClusterID, &j.Service, &j.TargetFn, &j.TargetArgs, &status, &j.Result, &resultType,
		&j.IdempotencyKey, &cacheKey, &j.RemainingAttempts, &timeoutSec,
		&machineID, &deploymentID, &j.PredictiveRetriesOnRejection, &j.PredictedToBeRetryable,
		&execMS, &j.CreatedAt, &j.UpdatedAt, &lastRetrievedAt, &resultedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = pgToStatus(status)
	if resultType != nil {
		j.ResultType = *resultType
	}
	if cacheKey != nil {
		j.CacheKey = *cacheKey
	}
	if timeoutSec != nil {
		j.TimeoutIntervalSeconds = *timeoutSec
	}
	if machineID != nil {
		j.ExecutingMachineID = *machineID
	}
	if deploymentID != nil {
		j.DeploymentID = *deploymentID
	}
	if execMS != nil {
		j.FunctionExecutionTimeMS = *execMS
	}
	if lastRetrievedAt != nil {
		j.LastRetrievedAt = *lastRetrievedAt
	}
	if resultedAt != nil {
		j.ResultedAt = *resultedAt
	}
	return &j, nil
}

func (s *StorePg) Create(ctx context.Context, j *Job) (string, error) {
	if j.ID == "" {
		j.ID = NewJobID()
	}
	if j.IdempotencyKey == "" {
		j.IdempotencyKey = j.ID
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = j.CreatedAt
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, cluster_id, service, target_fn, target_args, status,
			idempotency_key, cache_key, remaining_attempts, timeout_interval_seconds,
			deployment_id, predictive_retries_on_rejection, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, j.ClusterID, j.Service, j.TargetFn, j.TargetArgs, pgStatusPending,
		j.IdempotencyKey, nullStr(j.CacheKey), j.RemainingAttempts, nullInt(j.TimeoutIntervalSeconds),
		nullStr(j.DeploymentID), j.PredictiveRetriesOnRejection, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", errors.ErrConflict
		}
		return "", err
	}
	return j.ID, nil
}

func (s *StorePg) Get(ctx context.Context, clusterID, jobID string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND cluster_id = $2`, jobID, clusterID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (s *StorePg) GetBatch(ctx context.Context, clusterID string, jobIDs []string) ([]*Job, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE cluster_id = $1 AND id = ANY($2)`, clusterID, jobIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func (s *StorePg) GetByIdempotencyKey(ctx context.Context, clusterID, targetFn, idempotencyKey string) (*Job, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE cluster_id = $1 AND target_fn = $2 AND idempotency_key = $3`,
		clusterID, targetFn, idempotencyKey))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (s *StorePg) FindCached(ctx context.Context, clusterID, service, targetFn, cacheKey string, ttl time.Duration) (*Job, error) {
	if cacheKey == "" {
		return nil, nil
	}
	cutoff := time.Now().Add(-ttl)
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE cluster_id = $1 AND service = $2 AND target_fn = $3 AND cache_key = $4
		   AND status = $5 AND result_type = $6 AND resulted_at >= $7
		 ORDER BY resulted_at DESC, id DESC LIMIT 1`,
		clusterID, service, targetFn, cacheKey, pgStatusSuccess, ResultTypeResolution, cutoff))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (s *StorePg) Claim(ctx context.Context, clusterID, service, machineID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = $1, remaining_attempts = remaining_attempts - 1,
			last_retrieved_at = now(), executing_machine_id = $2, updated_at = now()
		 WHERE id IN (
			SELECT id FROM jobs
			WHERE cluster_id = $3 AND service = $4 AND status IN ($5, $6) AND remaining_attempts > 0
			ORDER BY id ASC LIMIT $7
			FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobColumns,
		pgStatusRunning, machineID, clusterID, service, pgStatusPending, pgStatusFailure, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var claimed []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
	}
	return claimed, rows.Err()
}

func (s *StorePg) PersistResult(ctx context.Context, clusterID, jobID string, result []byte, resultType string, executionTimeMS int64) (bool, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT cluster_id FROM jobs WHERE id = $1`, jobID).Scan(&owner)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return false, errors.ErrNotFound
		}
		return false, err
	}
	if owner != clusterID {
		return false, errors.ErrUnauthorized
	}
	cmd, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, result = $2, result_type = $3,
			function_execution_time_ms = $4, resulted_at = now(), updated_at = now()
		 WHERE id = $5 AND cluster_id = $6 AND status IN ($7, $8)`,
		pgStatusSuccess, result, nullStr(resultType), executionTimeMS, jobID, clusterID,
		pgStatusRunning, pgStatusSuccess)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *StorePg) ListStalled(ctx context.Context, defaultTimeout time.Duration) ([]*Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1 AND last_retrieved_at IS NOT NULL
		   AND now() - last_retrieved_at > GREATEST(COALESCE(timeout_interval_seconds, 0), $2) * interval '1 second'
		 ORDER BY id ASC`,
		pgStatusRunning, int(defaultTimeout.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func (s *StorePg) RequeueStalled(ctx context.Context, jobID string) (bool, error) {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, executing_machine_id = NULL, updated_at = now()
		 WHERE id = $2 AND status = $3`,
		pgStatusPending, jobID, pgStatusRunning)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *StorePg) TerminalizeStalled(ctx context.Context, jobID string, payload []byte) (bool, error) {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, result = $2, result_type = $3, resulted_at = now(), updated_at = now()
		 WHERE id = $4 AND status = $5`,
		pgStatusSuccess, payload, ResultTypeRejection, jobID, pgStatusRunning)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *StorePg) CountPending(ctx context.Context, clusterID, service string) (int, error) {
	query := `SELECT count(*) FROM jobs WHERE cluster_id = $1 AND status IN ($2, $3) AND remaining_attempts > 0`
	args := []interface{}{clusterID, pgStatusPending, pgStatusFailure}
	if service != "" {
		query += ` AND service = $4`
		args = append(args, service)
	}
	var n int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

func (s *StorePg) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var status int
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[pgToStatus(status).String()] = n
	}
	return out, rows.Err()
}
