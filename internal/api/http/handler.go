package http

import (
	"bytes"
	"context"
	stderrors "errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"github.com/differentialHQ/differential/internal/api/http/middleware"
	"github.com/differentialHQ/differential/internal/control/cluster"
	"github.com/differentialHQ/differential/internal/control/events"
	"github.com/differentialHQ/differential/internal/control/job"
	"github.com/differentialHQ/differential/pkg/errors"
	"github.com/differentialHQ/differential/pkg/log"
	"github.com/differentialHQ/differential/pkg/metrics"
)

// UploadURLSigner 打包上传地址签发（S3 等对象存储为外部协作方）；nil 时返回空地址
type UploadURLSigner interface {
	SignPackageUpload(ctx context.Context, d *cluster.Deployment) (string, error)
}

// Handler 控制面 HTTP 处理器
type Handler struct {
	admission  *job.Admission
	dispatcher *job.Dispatcher
	results    *job.ResultSink
	status     *job.StatusService
	registry   cluster.Registry
	sink       events.Sink
	signer     UploadURLSigner
	logger     *log.Logger
	startedAt  time.Time
}

// NewHandler 创建处理器；signer 可为 nil
func NewHandler(
	admission *job.Admission,
	dispatcher *job.Dispatcher,
	results *job.ResultSink,
	status *job.StatusService,
	registry cluster.Registry,
	sink events.Sink,
	signer UploadURLSigner,
	logger *log.Logger,
) *Handler {
	return &Handler{
		admission:  admission,
		dispatcher: dispatcher,
		results:    results,
		status:     status,
		registry:   registry,
		sink:       sink,
		signer:     signer,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// writeError 哨兵错误到状态码
func writeError(c *app.RequestContext, err error) {
	switch {
	case stderrors.Is(err, errors.ErrUnauthorized):
		c.JSON(consts.StatusUnauthorized, map[string]string{"error": err.Error()})
	case stderrors.Is(err, errors.ErrForbidden):
		c.JSON(consts.StatusForbidden, map[string]string{"error": err.Error()})
	case stderrors.Is(err, errors.ErrNotFound):
		c.JSON(consts.StatusNotFound, map[string]string{"error": err.Error()})
	case stderrors.Is(err, errors.ErrConflict):
		c.JSON(consts.StatusConflict, map[string]string{"error": err.Error()})
	case stderrors.Is(err, errors.ErrInvalidArg):
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// Live 健康检查
// GET /live
func (h *Handler) Live(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": int64(time.Since(h.startedAt).Seconds()),
	})
}

// Prometheus 指标文本
// GET /metrics
func (h *Handler) Prometheus(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		h.logger.Error("写出 Prometheus 指标失败", "error", err)
		c.SetStatusCode(consts.StatusInternalServerError)
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4", buf.Bytes())
}

type createJobRequest struct {
	Service    string `json:"service"`
	TargetFn   string `json:"targetFn"`
	TargetArgs []byte `json:"targetArgs"`

	IdempotencyKey               string `json:"idempotencyKey,omitempty"`
	CacheKey                     string `json:"cacheKey,omitempty"`
	CacheTTLSeconds              int    `json:"cacheTTLSeconds,omitempty"`
	RetryCountOnStall            *int   `json:"retryCountOnStall,omitempty"`
	TimeoutSeconds               int    `json:"timeoutSeconds,omitempty"`
	PredictiveRetriesOnRejection bool   `json:"predictiveRetriesOnRejection,omitempty"`
	ExecutionID                  string `json:"executionId,omitempty"`
}

// CreateJob 准入
// POST /jobs → 201 {id}
func (h *Handler) CreateJob(ctx context.Context, c *app.RequestContext) {
	cl := middleware.AuthedCluster(c)
	var req createJobRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := h.admission.CreateJob(ctx, job.CreateJobInput{
		ClusterID:  cl.ID,
		Service:    req.Service,
		TargetFn:   req.TargetFn,
		TargetArgs: req.TargetArgs,
		Config: job.CallConfig{
			IdempotencyKey:               req.IdempotencyKey,
			CacheKey:                     req.CacheKey,
			CacheTTLSeconds:              req.CacheTTLSeconds,
			RetryCountOnStall:            req.RetryCountOnStall,
			TimeoutSeconds:               req.TimeoutSeconds,
			PredictiveRetriesOnRejection: req.PredictiveRetriesOnRejection,
			ExecutionID:                  req.ExecutionID,
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusCreated, map[string]string{"id": id})
}

type nextJobsRequest struct {
	Service    string                     `json:"service"`
	Limit      int                        `json:"limit"`
	TTLSeconds int                        `json:"ttl,omitempty"`
	Definition *cluster.ServiceDefinition `json:"definition,omitempty"`
}

// NextJobs Dispatcher 认领；空列表立即返回
// POST /jobs-request → 200 [{id,targetFn,targetArgs}]
func (h *Handler) NextJobs(ctx context.Context, c *app.RequestContext) {
	cl := middleware.AuthedCluster(c)
	var req nextJobsRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	claimed, err := h.dispatcher.NextJobs(ctx, job.PollInput{
		ClusterID:    cl.ID,
		Service:      req.Service,
		MachineID:    string(c.GetHeader(middleware.HeaderMachineID)),
		MachineIP:    string(c.GetHeader(middleware.HeaderMachineIP)),
		DeploymentID: string(c.GetHeader(middleware.HeaderDeploymentID)),
		Limit:        req.Limit,
		Definition:   req.Definition,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if claimed == nil {
		claimed = []job.ClaimedJob{}
	}
	c.JSON(consts.StatusOK, claimed)
}

// GetJobStatus 单条状态
// GET /jobs/:id → 200 {status,result,resultType}
func (h *Handler) GetJobStatus(ctx context.Context, c *app.RequestContext) {
	cl := middleware.AuthedCluster(c)
	view, err := h.status.GetJobStatus(ctx, cl.ID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, view)
}

type jobStatusesRequest struct {
	JobIDs            []string `json:"jobIds"`
	LongPollTimeoutMs int      `json:"longPollTimeoutMs,omitempty"`
}

// GetJobStatuses 批量长轮询
// POST /jobs-statuses → 200 [{id,status,result,resultType}]
func (h *Handler) GetJobStatuses(ctx context.Context, c *app.RequestContext) {
	cl := middleware.AuthedCluster(c)
	var req jobStatusesRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	views, err := h.status.GetJobStatuses(ctx, cl.ID, req.JobIDs,
		time.Duration(req.LongPollTimeoutMs)*time.Millisecond)
	if err != nil {
		writeError(c, err)
		return
	}
	if views == nil {
		views = []job.StatusView{}
	}
	c.JSON(consts.StatusOK, views)
}

type persistResultRequest struct {
	Result                  []byte `json:"result"`
	ResultType              string `json:"resultType"`
	FunctionExecutionTimeMs int64  `json:"functionExecutionTime,omitempty"`
	Service                 string `json:"service,omitempty"`
}

// PersistJobResult 结果写回
// POST /jobs/:id/result → 204
func (h *Handler) PersistJobResult(ctx context.Context, c *app.RequestContext) {
	cl := middleware.AuthedCluster(c)
	var req persistResultRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	err := h.results.PersistJobResult(ctx, job.ResultInput{
		ClusterID:       cl.ID,
		JobID:           c.Param("id"),
		Service:         req.Service,
		Result:          req.Result,
		ResultType:      req.ResultType,
		ExecutionTimeMS: req.FunctionExecutionTimeMs,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.SetStatusCode(consts.StatusNoContent)
}

type ingestEventsRequest struct {
	Events []events.Event `json:"events"`
}

// IngestEvents 客户端观测事件写入审计流
// POST /metrics → 204
func (h *Handler) IngestEvents(ctx context.Context, c *app.RequestContext) {
	cl := middleware.AuthedCluster(c)
	var req ingestEventsRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	for _, e := range req.Events {
		e.ClusterID = cl.ID
		h.sink.Emit(ctx, e)
	}
	c.SetStatusCode(consts.StatusNoContent)
}

type deploymentView struct {
	ID               string `json:"id"`
	ClusterID        string `json:"clusterId"`
	Service          string `json:"service"`
	Status           string `json:"status"`
	Provider         string `json:"provider,omitempty"`
	PackageUploadURL string `json:"packageUploadUrl,omitempty"`
}

func toDeploymentView(d *cluster.Deployment) deploymentView {
	return deploymentView{
		ID:               d.ID,
		ClusterID:        d.ClusterID,
		Service:          d.Service,
		Status:           d.Status,
		Provider:         d.Provider,
		PackageUploadURL: d.PackageUploadURL,
	}
}

type createDeploymentRequest struct {
	Provider string `json:"provider,omitempty"`
}

// CreateDeployment 创建部署并签发包上传地址
// POST /clusters/:id/service/:svc/deployments → 200
func (h *Handler) CreateDeployment(ctx context.Context, c *app.RequestContext) {
	cl := middleware.AuthedCluster(c)
	if c.Param("id") != cl.ID {
		c.JSON(consts.StatusUnauthorized, map[string]string{"error": "cluster mismatch"})
		return
	}
	var req createDeploymentRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	d := &cluster.Deployment{
		ID:        newDeploymentID(),
		ClusterID: cl.ID,
		Service:   c.Param("svc"),
		Status:    cluster.DeploymentUploading,
		Provider:  req.Provider,
	}
	if h.signer != nil {
		url, err := h.signer.SignPackageUpload(ctx, d)
		if err != nil {
			writeError(c, err)
			return
		}
		d.PackageUploadURL = url
	}
	if err := h.registry.CreateDeployment(ctx, d); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, toDeploymentView(d))
}

// ReleaseDeployment 发布：降级当前 active，提升该部署
// POST /clusters/:id/service/:svc/deployments/:dep/release → 200
func (h *Handler) ReleaseDeployment(ctx context.Context, c *app.RequestContext) {
	cl := middleware.AuthedCluster(c)
	if c.Param("id") != cl.ID {
		c.JSON(consts.StatusUnauthorized, map[string]string{"error": "cluster mismatch"})
		return
	}
	d, err := h.registry.ReleaseDeployment(ctx, cl.ID, c.Param("dep"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, toDeploymentView(d))
}

func newDeploymentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "dep-" + uuid.New().String()
	}
	return "dep-" + id.String()
}
