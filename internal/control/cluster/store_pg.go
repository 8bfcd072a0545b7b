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

package cluster

// 表结构：
//
//	CREATE TABLE clusters (
//	    id            text PRIMARY KEY,
//	    api_secret    text NOT NULL UNIQUE,
//	    description   text,
//	    operational   boolean NOT NULL DEFAULT true,
//	    predictive_retries_enabled boolean NOT NULL DEFAULT false,
//	    auto_retry_on_stall        boolean NOT NULL DEFAULT false,
//	    created_at    timestamptz NOT NULL
//	);
//	CREATE TABLE machines (
//	    id            text NOT NULL,
//	    cluster_id    text NOT NULL,
//	    last_ping_at  timestamptz NOT NULL,
//	    ip            text,
//	    deployment_id text,
//	    PRIMARY KEY (id, cluster_id)
//	);
//	CREATE TABLE service_definitions (
//	    cluster_id text NOT NULL,
//	    service    text NOT NULL,
//	    definition jsonb NOT NULL,
//	    updated_at timestamptz NOT NULL,
//	    PRIMARY KEY (cluster_id, service)
//	);
//	CREATE TABLE deployments (
//	    id                 text PRIMARY KEY,
//	    cluster_id         text NOT NULL,
//	    service            text NOT NULL,
//	    status             text NOT NULL,
//	    provider           text,
//	    package_upload_url text,
//	    created_at         timestamptz NOT NULL,
//	    updated_at         timestamptz NOT NULL
//	);

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/differentialHQ/differential/pkg/errors"
)

// RegistryPg Postgres 实现
type RegistryPg struct {
	pool *pgxpool.Pool
}

// NewRegistryPg 创建基于 PostgreSQL 的 Registry；dsn 与 jobs 表同库
func NewRegistryPg(ctx context.Context, dsn string) (*RegistryPg, error) {
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
	return &RegistryPg{pool: pool}, nil
}

// Close 关闭连接池
func (r *RegistryPg) Close() {
	r.pool.Close()
}

func (r *RegistryPg) CreateCluster(ctx context.Context, c *Cluster) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO clusters (id, api_secret, description, operational, predictive_retries_enabled, auto_retry_on_stall, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.APISecret, c.Description, c.Operational, c.PredictiveRetriesEnabled, c.AutoRetryOnStall, c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.ErrConflict
		}
		return err
	}
	return nil
}

func scanCluster(row pgx.Row) (*Cluster, error) {
	var c Cluster
	var description *string
	err := row.Scan(&c.ID, &c.APISecret, &description, &c.Operational,
		&c.PredictiveRetriesEnabled, &c.AutoRetryOnStall, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if description != nil {
		c.Description = *description
	}
	return &c, nil
}

const clusterColumns = `id, api_secret, description, operational, predictive_retries_enabled, auto_retry_on_stall, created_at`

func (r *RegistryPg) GetCluster(ctx context.Context, clusterID string) (*Cluster, error) {
	c, err := scanCluster(r.pool.QueryRow(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, clusterID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (r *RegistryPg) GetClusterBySecret(ctx context.Context, secret string) (*Cluster, error) {
	if secret == "" {
		return nil, nil
	}
	c, err := scanCluster(r.pool.QueryRow(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE api_secret = $1`, secret))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (r *RegistryPg) ListClusters(ctx context.Context) ([]*Cluster, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+clusterColumns+` FROM clusters`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (r *RegistryPg) PingMachine(ctx context.Context, m *Machine) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO machines (id, cluster_id, last_ping_at, ip, deployment_id)
		 VALUES ($1, $2, now(), $3, $4)
		 ON CONFLICT (id, cluster_id)
		 DO UPDATE SET last_ping_at = now(), ip = EXCLUDED.ip, deployment_id = EXCLUDED.deployment_id`,
		m.ID, m.ClusterID, nullStr(m.IP), nullStr(m.DeploymentID))
	return err
}

func (r *RegistryPg) LiveMachineCount(ctx context.Context, clusterID string, window time.Duration) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM machines WHERE cluster_id = $1 AND last_ping_at > now() - $2 * interval '1 second'`,
		clusterID, int(window.Seconds())).Scan(&n)
	return n, err
}

func (r *RegistryPg) UpsertServiceDefinition(ctx context.Context, clusterID string, def *ServiceDefinition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO service_definitions (cluster_id, service, definition, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (cluster_id, service)
		 DO UPDATE SET definition = EXCLUDED.definition, updated_at = now()`,
		clusterID, def.Service, payload)
	return err
}

func (r *RegistryPg) GetServiceDefinition(ctx context.Context, clusterID, service string) (*ServiceDefinition, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx,
		`SELECT definition FROM service_definitions WHERE cluster_id = $1 AND service = $2`,
		clusterID, service).Scan(&payload)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var def ServiceDefinition
	if err := json.Unmarshal(payload, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *RegistryPg) CreateDeployment(ctx context.Context, d *Deployment) error {
	if d.Status == "" {
		d.Status = DeploymentUploading
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := r.pool.Exec(ctx,
		`INSERT INTO deployments (id, cluster_id, service, status, provider, package_upload_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.ClusterID, d.Service, d.Status, nullStr(d.Provider), nullStr(d.PackageUploadURL), d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDeployment(row pgx.Row) (*Deployment, error) {
	var d Deployment
	var provider, uploadURL *string
	err := row.Scan(&d.ID, &d.ClusterID, &d.Service, &d.Status, &provider, &uploadURL, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		d.Provider = *provider
	}
	if uploadURL != nil {
		d.PackageUploadURL = *uploadURL
	}
	return &d, nil
}

const deploymentColumns = `id, cluster_id, service, status, provider, package_upload_url, created_at, updated_at`

func (r *RegistryPg) GetDeployment(ctx context.Context, clusterID, deploymentID string) (*Deployment, error) {
	d, err := scanDeployment(r.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1 AND cluster_id = $2`,
		deploymentID, clusterID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func (r *RegistryPg) ReleaseDeployment(ctx context.Context, clusterID, deploymentID string) (*Deployment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var service string
	err = tx.QueryRow(ctx,
		`SELECT service FROM deployments WHERE id = $1 AND cluster_id = $2 FOR UPDATE`,
		deploymentID, clusterID).Scan(&service)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE deployments SET status = $1, updated_at = now()
		 WHERE cluster_id = $2 AND service = $3 AND status = $4`,
		DeploymentInactive, clusterID, service, DeploymentActive)
	if err != nil {
		return nil, err
	}
	d, err := scanDeployment(tx.QueryRow(ctx,
		`UPDATE deployments SET status = $1, updated_at = now()
		 WHERE id = $2 AND cluster_id = $3
		 RETURNING `+deploymentColumns,
		DeploymentActive, deploymentID, clusterID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *RegistryPg) ListActiveDeployments(ctx context.Context) ([]*Deployment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE status = $1`, DeploymentActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
