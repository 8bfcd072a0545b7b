package job

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus 任务状态；Failure 表示「停滞且剩余尝试可重试」，终态拒绝走 Success + ResultType=rejection（与线上 DB/wire 语义一致，勿擅改）
type JobStatus int

const (
	StatusPending JobStatus = iota
	StatusRunning
	StatusSuccess
	StatusFailure
)

func (s JobStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// ResultType 结果类型：函数正常返回为 resolution，抛错/停滞终态为 rejection
const (
	ResultTypeResolution = "resolution"
	ResultTypeRejection  = "rejection"
)

// Job 任务实体：准入创建，Dispatcher 认领，Result Sink 写回，Self-Healer 回收
type Job struct {
	ID         string
	ClusterID  string
	Service    string
	TargetFn   string
	TargetArgs []byte // 不透明打包字节，核心不解释

	Status     JobStatus
	Result     []byte
	ResultType string // 未写结果前为空

	// IdempotencyKey 与 (cluster_id, target_fn) 共同构成准入去重主键；调用方未提供时取 Job ID
	IdempotencyKey string
	CacheKey       string

	RemainingAttempts      int
	TimeoutIntervalSeconds int // 0 表示未设置，停滞检测用默认阈值

	ExecutingMachineID string
	DeploymentID       string

	// PredictiveRetriesOnRejection 仅存储与传递，决策钩子为外部协作方
	PredictiveRetriesOnRejection bool
	PredictedToBeRetryable       bool

	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastRetrievedAt time.Time
	ResultedAt      time.Time

	FunctionExecutionTimeMS int64
}

// Claimable 是否可被 Dispatcher 认领
func (j *Job) Claimable() bool {
	return (j.Status == StatusPending || j.Status == StatusFailure) && j.RemainingAttempts > 0
}

// Terminated 是否已终态（结果可交付客户端）
func (j *Job) Terminated() bool {
	return j.Status == StatusSuccess && j.ResultType != ""
}

// NewJobID 生成时间有序的 Job ID（UUIDv7），保证 FIFO 认领顺序
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "job-" + uuid.New().String()
	}
	return "job-" + id.String()
}
