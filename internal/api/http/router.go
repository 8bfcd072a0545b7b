package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"

	"github.com/differentialHQ/differential/internal/api/http/middleware"
	"github.com/differentialHQ/differential/internal/control/cluster"
)

// Register 注册控制面路由；除 /live 与 GET /metrics 外均经集群认证
func Register(h *server.Hertz, handler *Handler, registry cluster.Registry) {
	h.GET("/live", handler.Live)
	h.GET("/metrics", handler.Prometheus)

	authed := h.Group("/", middleware.ClusterAuth(registry))
	authed.POST("/jobs", handler.CreateJob)
	authed.POST("/jobs-request", handler.NextJobs)
	authed.POST("/jobs-statuses", handler.GetJobStatuses)
	authed.GET("/jobs/:id", handler.GetJobStatus)
	authed.POST("/jobs/:id/result", handler.PersistJobResult)
	authed.POST("/metrics", handler.IngestEvents)
	authed.POST("/clusters/:id/service/:svc/deployments", handler.CreateDeployment)
	authed.POST("/clusters/:id/service/:svc/deployments/:dep/release", handler.ReleaseDeployment)
}
