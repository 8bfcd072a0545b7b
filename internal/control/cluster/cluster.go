package cluster

import "time"

// Cluster 租户边界：共享密钥 + 按集群开关
type Cluster struct {
	ID          string
	APISecret   string
	Description string
	// Operational 为 false 时准入拒绝（403）
	Operational bool
	// PredictiveRetriesEnabled / AutoRetryOnStall 按集群特性开关
	PredictiveRetriesEnabled bool
	AutoRetryOnStall         bool
	CreatedAt                time.Time
}

// Machine Worker 进程实例；每次进程启动生成新 id，(id, cluster_id) 唯一
type Machine struct {
	ID           string
	ClusterID    string
	LastPingAt   time.Time
	IP           string
	DeploymentID string
}

// RetryConfig 函数级重试配置，随服务定义上报
type RetryConfig struct {
	MaxAttempts int `json:"maxAttempts"`
	DelaySecs   int `json:"delaySecs"`
}

// FunctionDefinition 服务内单个函数的声明
type FunctionDefinition struct {
	Name            string       `json:"name"`
	Idempotent      bool         `json:"idempotent,omitempty"`
	Rate            int          `json:"rate,omitempty"`
	CacheTTLSeconds int          `json:"cacheTTL,omitempty"`
	Retry           *RetryConfig `json:"retryConfig,omitempty"`
}

// ServiceDefinition 每集群每服务的函数声明集合；Worker 每次成功轮询时 upsert
type ServiceDefinition struct {
	Service   string               `json:"service"`
	Functions []FunctionDefinition `json:"functions"`
}

// Deployment 状态机：uploading → ready → active → inactive；每 (cluster, service) 至多一个 active
const (
	DeploymentUploading = "uploading"
	DeploymentReady     = "ready"
	DeploymentActive    = "active"
	DeploymentInactive  = "inactive"
)

// Deployment 打包后的 Worker 镜像，绑定 (cluster, service)
type Deployment struct {
	ID               string
	ClusterID        string
	Service          string
	Status           string
	Provider         string
	PackageUploadURL string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DefaultLivenessWindow 机器存活窗口：last_ping_at 在窗口内视为在线
const DefaultLivenessWindow = 30 * time.Second
