package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/differentialHQ/differential/pkg/errors"
)

// RegistryMem 内存实现：单进程与测试用
type RegistryMem struct {
	mu          sync.Mutex
	clusters    map[string]*Cluster
	machines    map[string]*Machine // key: clusterID + "/" + machineID
	definitions map[string]*ServiceDefinition
	deployments map[string]*Deployment
}

// NewRegistryMem 创建内存 Registry
func NewRegistryMem() *RegistryMem {
	return &RegistryMem{
		clusters:    make(map[string]*Cluster),
		machines:    make(map[string]*Machine),
		definitions: make(map[string]*ServiceDefinition),
		deployments: make(map[string]*Deployment),
	}
}

func (r *RegistryMem) CreateCluster(ctx context.Context, c *Cluster) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clusters[c.ID]; ok {
		return errors.ErrConflict
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	r.clusters[c.ID] = &cp
	return nil
}

func (r *RegistryMem) GetCluster(ctx context.Context, clusterID string) (*Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clusters[clusterID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *RegistryMem) GetClusterBySecret(ctx context.Context, secret string) (*Cluster, error) {
	if secret == "" {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clusters {
		if c.APISecret == secret {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *RegistryMem) ListClusters(ctx context.Context) ([]*Cluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*Cluster
	for _, c := range r.clusters {
		cp := *c
		list = append(list, &cp)
	}
	return list, nil
}

func (r *RegistryMem) PingMachine(ctx context.Context, m *Machine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := m.ClusterID + "/" + m.ID
	cp := *m
	if cp.LastPingAt.IsZero() {
		cp.LastPingAt = time.Now()
	}
	r.machines[key] = &cp
	return nil
}

func (r *RegistryMem) LiveMachineCount(ctx context.Context, clusterID string, window time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var n int
	for _, m := range r.machines {
		if m.ClusterID == clusterID && m.LastPingAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (r *RegistryMem) UpsertServiceDefinition(ctx context.Context, clusterID string, def *ServiceDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *def
	r.definitions[clusterID+"/"+def.Service] = &cp
	return nil
}

func (r *RegistryMem) GetServiceDefinition(ctx context.Context, clusterID, service string) (*ServiceDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.definitions[clusterID+"/"+service]
	if !ok {
		return nil, nil
	}
	cp := *def
	return &cp, nil
}

func (r *RegistryMem) CreateDeployment(ctx context.Context, d *Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Status == "" {
		d.Status = DeploymentUploading
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	cp := *d
	r.deployments[d.ID] = &cp
	return nil
}

func (r *RegistryMem) GetDeployment(ctx context.Context, clusterID, deploymentID string) (*Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok || d.ClusterID != clusterID {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *RegistryMem) ReleaseDeployment(ctx context.Context, clusterID, deploymentID string) (*Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok || d.ClusterID != clusterID {
		return nil, errors.ErrNotFound
	}
	now := time.Now()
	for _, other := range r.deployments {
		if other.ClusterID == clusterID && other.Service == d.Service && other.Status == DeploymentActive {
			other.Status = DeploymentInactive
			other.UpdatedAt = now
		}
	}
	d.Status = DeploymentActive
	d.UpdatedAt = now
	cp := *d
	return &cp, nil
}

func (r *RegistryMem) ListActiveDeployments(ctx context.Context) ([]*Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*Deployment
	for _, d := range r.deployments {
		if d.Status == DeploymentActive {
			cp := *d
			list = append(list, &cp)
		}
	}
	return list, nil
}
